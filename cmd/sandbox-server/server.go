package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/harness"
	"github.com/rhuss/toolrunner/pkg/vault"
)

const maxRequestBody = 10 << 20

type serverConfig struct {
	WorkerID       string
	DefaultTimeout time.Duration
	VaultClient    *http.Client
}

// sandboxServer owns one harness for the lifetime of the pod. A harness
// that crashed or raised is replaced before the next execution. The pod
// serves only the tenant of its first execution.
type sandboxServer struct {
	prov runtime.Provisioner
	cfg  serverConfig

	busy   atomic.Bool
	broken atomic.Bool

	mu     sync.Mutex
	box    runtime.Sandbox
	gen    int
	tenant string
}

func newSandboxServer(ctx context.Context, prov runtime.Provisioner, cfg serverConfig) (*sandboxServer, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.VaultClient == nil {
		cfg.VaultClient = &http.Client{Timeout: 30 * time.Second}
	}
	s := &sandboxServer{prov: prov, cfg: cfg}
	if err := s.provision(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *sandboxServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /execute", s.handleExecute)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *sandboxServer) provision(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	box, err := s.prov.Provision(ctx, fmt.Sprintf("%s-%d", s.cfg.WorkerID, s.gen))
	if err != nil {
		s.broken.Store(true)
		return err
	}
	s.box = box
	s.broken.Store(false)
	return nil
}

// replace terminates the current harness and starts a fresh one.
func (s *sandboxServer) replace() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.mu.Lock()
	old := s.box
	s.box = nil
	s.mu.Unlock()
	if old != nil {
		if err := old.Terminate(ctx); err != nil {
			slog.Warn("failed to terminate harness", "error", err)
		}
	}
	if err := s.provision(ctx); err != nil {
		slog.Error("failed to restart harness", "error", err)
	}
}

func (s *sandboxServer) sandbox() runtime.Sandbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.box
}

// bind ties the pod to tenant on first use and reports whether tenant may
// run here.
func (s *sandboxServer) bind(tenant string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenant == "" {
		s.tenant = tenant
	}
	return s.tenant == tenant
}

func (s *sandboxServer) close(ctx context.Context) {
	if box := s.sandbox(); box != nil {
		_ = box.Terminate(ctx)
	}
}

func (s *sandboxServer) handleExecute(w http.ResponseWriter, r *http.Request) {
	if !s.busy.CompareAndSwap(false, true) {
		writeError(w, http.StatusTooManyRequests, "an execution is already running")
		return
	}
	defer s.busy.Store(false)

	box := s.sandbox()
	if s.broken.Load() || box == nil {
		writeError(w, http.StatusServiceUnavailable, "harness unavailable")
		return
	}

	var req harness.ExecuteRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if req.Function == "" || req.Source == "" {
		writeError(w, http.StatusBadRequest, "function and source are required")
		return
	}

	if !s.bind(req.TenantID) {
		writeError(w, http.StatusConflict, "sandbox is bound to another tenant")
		return
	}

	timeout := s.cfg.DefaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	inv := runtime.Invocation{
		TraceID:      req.TraceID,
		TenantID:     req.TenantID,
		FunctionName: req.Function,
		Source:       req.Source,
		Arguments:    req.Arguments,
	}
	if req.Vault != nil {
		inv.Vault = &remoteVault{grant: *req.Vault, client: s.cfg.VaultClient}
	}

	slog.Info("execute request", "trace_id", req.TraceID, "function", req.Function, "timeout", timeout)
	start := time.Now()

	out, err := box.Execute(ctx, inv)
	if err != nil {
		slog.Warn("execution failed", "trace_id", req.TraceID, "error", err, "duration", time.Since(start))
		s.replace()
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err.Error())
		return
	}

	resp := harness.ExecuteResponse{Value: out.Payload}
	if out.Fault != nil {
		resp = harness.ExecuteResponse{Fault: out.Fault}
		s.replace()
	}
	slog.Info("execute complete", "trace_id", req.TraceID, "fault", out.Fault != nil, "duration", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *sandboxServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := harness.HealthResponse{
		Status:   "ok",
		Language: s.prov.Language(),
		Busy:     s.busy.Load(),
	}
	status := http.StatusOK
	if s.broken.Load() {
		resp.Status = "broken"
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// remoteVault relays vault requests from the harness to the orchestrator's
// callback endpoint using the capability token issued for this execution.
type remoteVault struct {
	grant  harness.VaultGrant
	client *http.Client
}

var _ runtime.VaultHandler = (*remoteVault)(nil)

func (v *remoteVault) Handle(ctx context.Context, req vault.Request) vault.Response {
	body, err := json.Marshal(req)
	if err != nil {
		return vault.Response{Error: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.grant.URL, bytes.NewReader(body))
	if err != nil {
		return vault.Response{Error: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+v.grant.Token)

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return vault.Response{Error: "vault callback failed: " + err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return vault.Response{Error: fmt.Sprintf("vault callback returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))}
	}
	var out vault.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return vault.Response{Error: "decode vault response: " + err.Error()}
	}
	return out
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

