package kubernetes

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/auth/capability"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/harness"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// fakeServer mimics sandbox-server.
func fakeServer(t *testing.T, execute func(harness.ExecuteRequest) (int, any)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(harness.HealthResponse{Status: "ok", Language: api.LanguagePython})
	})
	mux.HandleFunc("POST /execute", func(w http.ResponseWriter, r *http.Request) {
		var req harness.ExecuteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status, body := execute(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSandboxExecute(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       any
		wantErr    error
		wantAnyErr bool
		wantValue  string
		wantFault  runtime.FaultKind
	}{
		{name: "value", status: 200, body: harness.ExecuteResponse{Value: json.RawMessage("5")}, wantValue: "5"},
		{
			name:      "fault",
			status:    200,
			body:      harness.ExecuteResponse{Fault: &runtime.Fault{Kind: runtime.FaultException, Message: "boom"}},
			wantFault: runtime.FaultException,
		},
		{name: "busy", status: 429, body: map[string]string{"error": "busy"}, wantErr: ErrBusy},
		{name: "other tenant", status: 409, body: map[string]string{"error": "bound"}, wantErr: runtime.ErrTenantMismatch},
		{name: "server error", status: 500, body: map[string]string{"error": "broken"}, wantAnyErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeServer(t, func(harness.ExecuteRequest) (int, any) { return tt.status, tt.body })
			sb := newSandbox("wrk_test", srv.URL, nil, srv.Client(), "", nil)

			out, err := sb.Execute(context.Background(), runtime.Invocation{FunctionName: "add", Source: "def add(): pass"})
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			case tt.wantAnyErr:
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if tt.wantFault != "" {
				if out.Fault == nil || out.Fault.Kind != tt.wantFault {
					t.Fatalf("fault = %+v", out.Fault)
				}
				return
			}
			if string(out.Payload) != tt.wantValue {
				t.Errorf("payload = %s, want %s", out.Payload, tt.wantValue)
			}
		})
	}
}

func TestSandboxExecuteVaultGrant(t *testing.T) {
	iss, err := capability.NewIssuer([]byte(strings.Repeat("s", 32)))
	if err != nil {
		t.Fatal(err)
	}

	requests := make(chan harness.ExecuteRequest, 2)
	srv := fakeServer(t, func(req harness.ExecuteRequest) (int, any) {
		requests <- req
		return 200, harness.ExecuteResponse{Value: json.RawMessage("null")}
	})
	sb := newSandbox("wrk_test", srv.URL, nil, srv.Client(), "http://orchestrator/v1/vault", iss)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Without the capability no grant is sent.
	if _, err := sb.Execute(ctx, runtime.Invocation{TenantID: "t1", TraceID: "tr1", FunctionName: "f"}); err != nil {
		t.Fatal(err)
	}
	got := <-requests
	if got.Vault != nil {
		t.Error("grant sent for a tool without the vault capability")
	}
	if got.TimeoutMS <= 0 || got.TimeoutMS > 5000 {
		t.Errorf("timeout_ms = %d", got.TimeoutMS)
	}

	inv := runtime.Invocation{TenantID: "t1", TraceID: "tr1", FunctionName: "f", Vault: vault.NewScoped(nil, "t1")}
	if _, err := sb.Execute(ctx, inv); err != nil {
		t.Fatal(err)
	}
	got = <-requests
	if got.Vault == nil || got.Vault.URL != "http://orchestrator/v1/vault" {
		t.Fatalf("grant = %+v", got.Vault)
	}
	claims, err := iss.Verify(got.Vault.Token)
	if err != nil {
		t.Fatalf("token does not verify: %v", err)
	}
	if claims.TenantID != "t1" || claims.TraceID != "tr1" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestSandboxExecuteCancelled(t *testing.T) {
	srv := fakeServer(t, func(harness.ExecuteRequest) (int, any) {
		time.Sleep(time.Second)
		return 200, harness.ExecuteResponse{Value: json.RawMessage("1")}
	})
	sb := newSandbox("wrk_test", srv.URL, nil, srv.Client(), "", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := sb.Execute(ctx, runtime.Invocation{FunctionName: "f"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestProvisionerProvision(t *testing.T) {
	srv := fakeServer(t, func(harness.ExecuteRequest) (int, any) {
		return 200, harness.ExecuteResponse{Value: json.RawMessage(`"ok"`)}
	})
	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)

	c := newFakeClient(t)
	p, err := New(c, api.LanguagePython, Config{
		Template:     "python-sandbox",
		ServerPort:   port,
		ClaimTimeout: 5 * time.Second,
		HTTPClient:   srv.Client(),
	})
	if err != nil {
		t.Fatal(err)
	}

	workerID := api.NewWorkerID()
	go func() {
		time.Sleep(100 * time.Millisecond)
		simulateReady(t, c, claimName(workerID), "default", host)
	}()

	sb, err := p.Provision(context.Background(), workerID)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	out, err := sb.Execute(context.Background(), runtime.Invocation{FunctionName: "f"})
	if err != nil || string(out.Payload) != `"ok"` {
		t.Fatalf("Execute = %v, %v", out, err)
	}

	if err := sb.Terminate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if claimExists(c, claimName(workerID)) {
		t.Error("claim not deleted on terminate")
	}
}

func TestNewRequiresTemplate(t *testing.T) {
	if _, err := New(newFakeClient(t), api.LanguagePython, Config{}); err == nil {
		t.Error("expected error without template")
	}
}
