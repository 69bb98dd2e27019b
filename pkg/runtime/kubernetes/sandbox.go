package kubernetes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rhuss/toolrunner/pkg/auth/capability"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/harness"
)

// ErrBusy is returned when sandbox-server reports it is already running
// an execution.
var ErrBusy = errors.New("sandbox is busy")

const defaultTokenTTL = 5 * time.Minute

// Sandbox is a claimed pod running sandbox-server.
type Sandbox struct {
	id          string
	url         string
	release     func()
	http        *http.Client
	callbackURL string
	issuer      *capability.Issuer

	once sync.Once
}

var _ runtime.Sandbox = (*Sandbox)(nil)

func newSandbox(id, url string, release func(), hc *http.Client, callbackURL string, issuer *capability.Issuer) *Sandbox {
	return &Sandbox{
		id:          id,
		url:         url,
		release:     release,
		http:        hc,
		callbackURL: callbackURL,
		issuer:      issuer,
	}
}

// ID implements runtime.Sandbox.
func (s *Sandbox) ID() string {
	return s.id
}

// Execute posts the invocation to sandbox-server.
func (s *Sandbox) Execute(ctx context.Context, inv runtime.Invocation) (*runtime.Outcome, error) {
	req := harness.ExecuteRequest{
		TraceID:   inv.TraceID,
		TenantID:  inv.TenantID,
		Function:  inv.FunctionName,
		Source:    inv.Source,
		Arguments: inv.Arguments,
	}
	if len(req.Arguments) == 0 {
		req.Arguments = json.RawMessage("{}")
	}
	expires := time.Now().Add(defaultTokenTTL)
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(deadline).Milliseconds()
		expires = deadline
	}
	if inv.Vault != nil && s.issuer != nil && s.callbackURL != "" {
		token, err := s.issuer.Issue(inv.TenantID, inv.TraceID, expires)
		if err != nil {
			return nil, err
		}
		req.Vault = &harness.VaultGrant{URL: s.callbackURL, Token: token}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	debug.Log("runtime", "posting execution to sandbox", "worker_id", s.id, "trace_id", inv.TraceID, "url", s.url)
	resp, err := s.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return nil, ErrBusy
	case http.StatusConflict:
		return nil, fmt.Errorf("worker %s: %w", s.id, runtime.ErrTenantMismatch)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("sandbox returned status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var out harness.ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("decode sandbox response: %w", err)
	}
	if out.Fault != nil {
		return &runtime.Outcome{Fault: out.Fault}, nil
	}
	return runtime.NewOutcome(out.Value), nil
}

// Ping checks GET /health.
func (s *Sandbox) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var health harness.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || health.Status != "ok" {
		return fmt.Errorf("sandbox unhealthy: status %d (%s)", resp.StatusCode, health.Status)
	}
	return nil
}

// Terminate deletes the claim. Safe to call more than once.
func (s *Sandbox) Terminate(context.Context) error {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		debug.Log("runtime", "sandbox claim released", "worker_id", s.id)
	})
	return nil
}
