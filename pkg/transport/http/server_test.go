package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	gohttp "net/http"
	"testing"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/transport"
)

func jsonBody(t *testing.T, v any) io.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	return bytes.NewReader(data)
}

func serve(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	go srv.httpServer.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return "http://" + ln.Addr().String()
}

func TestServerStartsAndAcceptsRequests(t *testing.T) {
	inv := &fakeInvoker{result: &api.ExecutionResult{Code: api.CodeOK, Outcome: api.OutcomeSuccess, Payload: json.RawMessage(`5`)}}
	srv := NewServer(inv, Services{}, WithAddr("127.0.0.1:0"))
	base := serve(t, srv)

	resp, err := gohttp.Post(base+"/v1/invoke", "application/json",
		jsonBody(t, api.InvokeRequest{TenantID: "t1", ToolName: "add", Arguments: json.RawMessage(`{"a":2,"b":3}`)}))
	if err != nil {
		t.Fatalf("POST error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, gohttp.StatusOK)
	}

	var got api.ExecutionResult
	json.NewDecoder(resp.Body).Decode(&got)
	if string(got.Payload) != "5" {
		t.Errorf("payload = %s, want 5", got.Payload)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
}

func TestServerExtraRoutesAndMiddleware(t *testing.T) {
	var wrapped bool
	mw := func(next gohttp.Handler) gohttp.Handler {
		return gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
			wrapped = true
			next.ServeHTTP(w, r)
		})
	}
	srv := NewServer(&fakeInvoker{}, Services{},
		WithHandler("GET /healthz", gohttp.HandlerFunc(func(w gohttp.ResponseWriter, r *gohttp.Request) {
			w.Write([]byte("ok\n"))
		})),
		WithHTTPMiddleware(mw),
	)
	base := serve(t, srv)

	resp, err := gohttp.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != gohttp.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if !wrapped {
		t.Error("HTTP middleware was not applied")
	}
}

func TestServerGracefulShutdown(t *testing.T) {
	slow := transport.InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
		select {
		case <-time.After(200 * time.Millisecond):
			return &api.ExecutionResult{TraceID: req.TraceID, Code: api.CodeOK, Outcome: api.OutcomeSuccess}, nil
		case <-ctx.Done():
			return &api.ExecutionResult{TraceID: req.TraceID, Code: api.CodeTimeout}, api.NewTimeoutError("cancelled")
		}
	})

	srv := NewServer(slow, Services{},
		WithAddr("127.0.0.1:0"),
		WithShutdownTimeout(5*time.Second),
	)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen error: %v", err)
	}
	addr := ln.Addr().String()

	go srv.httpServer.Serve(ln)
	time.Sleep(50 * time.Millisecond)

	responseCh := make(chan int, 1)
	go func() {
		resp, err := gohttp.Post("http://"+addr+"/v1/invoke", "application/json",
			bytes.NewReader([]byte(`{"tenant_id":"t1","tool_name":"slow","arguments":{}}`)))
		if err != nil {
			responseCh <- 0
			return
		}
		defer resp.Body.Close()
		responseCh <- resp.StatusCode
	}()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	status := <-responseCh
	if status != gohttp.StatusOK {
		t.Errorf("slow request status = %d, want %d", status, gohttp.StatusOK)
	}
}

func TestServerRunStopsOnCancel(t *testing.T) {
	srv := NewServer(&fakeInvoker{}, Services{}, WithAddr("127.0.0.1:0"), WithShutdownTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServerFunctionalOptions(t *testing.T) {
	srv := NewServer(&fakeInvoker{}, Services{},
		WithAddr(":9999"),
		WithMaxBodySize(1024),
		WithTimeouts(5*time.Second, 45*time.Second),
		WithShutdownTimeout(10*time.Second),
	)

	if srv.config.Addr != ":9999" {
		t.Errorf("addr = %q, want %q", srv.config.Addr, ":9999")
	}
	if srv.config.MaxBodySize != 1024 {
		t.Errorf("max body size = %d, want %d", srv.config.MaxBodySize, 1024)
	}
	if srv.httpServer.WriteTimeout != 45*time.Second || srv.httpServer.ReadTimeout != 5*time.Second {
		t.Errorf("timeouts = %v/%v", srv.httpServer.ReadTimeout, srv.httpServer.WriteTimeout)
	}
	if srv.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("shutdown timeout = %v, want %v", srv.config.ShutdownTimeout, 10*time.Second)
	}
}
