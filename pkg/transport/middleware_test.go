package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/rhuss/toolrunner/pkg/api"
)

func okInvoker(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
	return &api.ExecutionResult{
		TraceID:  req.TraceID,
		TenantID: req.TenantID,
		ToolName: req.ToolName,
		Outcome:  api.OutcomeSuccess,
		Code:     api.CodeOK,
		Payload:  json.RawMessage(`5`),
	}, nil
}

func TestChainAppliesMiddlewareInOrder(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Invoker) Invoker {
			return InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
				order = append(order, name+":before")
				res, err := next.Invoke(ctx, req)
				order = append(order, name+":after")
				return res, err
			})
		}
	}

	handler := InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
		order = append(order, "handler")
		return &api.ExecutionResult{Code: api.CodeOK}, nil
	})

	wrapped := Chain(mw("first"), mw("second"), mw("third"))(handler)
	_, _ = wrapped.Invoke(context.Background(), api.InvokeRequest{})

	expected := []string{
		"first:before", "second:before", "third:before",
		"handler",
		"third:after", "second:after", "first:after",
	}

	if len(order) != len(expected) {
		t.Fatalf("execution order length = %d, want %d: %v", len(order), len(expected), order)
	}
	for i, got := range order {
		if got != expected[i] {
			t.Errorf("order[%d] = %q, want %q", i, got, expected[i])
		}
	}
}

func TestRecoveryCatchesPanic(t *testing.T) {
	handler := InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
		panic("test panic")
	})

	res, err := Recovery()(handler).Invoke(context.Background(), api.InvokeRequest{
		TraceID:  "trace-1",
		TenantID: "t1",
		ToolName: "add",
	})

	if api.CodeOf(err) != api.CodeInternalError {
		t.Fatalf("err = %v, want INTERNAL_ERROR", err)
	}
	if res == nil || res.Code != api.CodeInternalError {
		t.Fatalf("result = %+v", res)
	}
	if res.TraceID != "trace-1" || res.TenantID != "t1" {
		t.Errorf("result lost request identity: %+v", res)
	}
	if !strings.Contains(res.Error.Message, "test panic") {
		t.Errorf("message = %q, should mention the panic", res.Error.Message)
	}
}

func TestRecoveryPassesThrough(t *testing.T) {
	res, err := Recovery()(InvokerFunc(okInvoker)).Invoke(context.Background(), api.InvokeRequest{})
	if err != nil || res.Code != api.CodeOK {
		t.Errorf("result = %+v, %v", res, err)
	}
}

func TestRequestIDAssignment(t *testing.T) {
	const headerID = "5f0c7b7e-3d1a-4c55-9d6c-0c3a1c7e2b11"

	tests := []struct {
		name    string
		ctxID   string
		traceID string
		want    string
	}{
		{"explicit trace ID wins", headerID, "trace-explicit", "trace-explicit"},
		{"request ID from context", headerID, "", headerID},
		{"invalid request ID replaced", "not-a-uuid", "", ""},
		{"generated", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.ctxID != "" {
				ctx = ContextWithRequestID(ctx, tt.ctxID)
			}

			var seenCtx string
			handler := InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
				seenCtx = RequestIDFromContext(ctx)
				return okInvoker(ctx, req)
			})

			res, _ := RequestID()(handler).Invoke(ctx, api.InvokeRequest{TraceID: tt.traceID})

			if tt.want != "" && res.TraceID != tt.want {
				t.Errorf("trace ID = %q, want %q", res.TraceID, tt.want)
			}
			if tt.want == "" && !api.ValidateTraceID(res.TraceID) {
				t.Errorf("generated trace ID %q is not a UUID", res.TraceID)
			}
			if seenCtx != res.TraceID {
				t.Errorf("context request ID = %q, want %q", seenCtx, res.TraceID)
			}
		})
	}
}

func TestRequestIDFromContextEmpty(t *testing.T) {
	if id := RequestIDFromContext(context.Background()); id != "" {
		t.Errorf("expected empty request ID, got %q", id)
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	req := api.InvokeRequest{TraceID: "trace-1", TenantID: "t1", ToolName: "add"}
	if _, err := Logging(logger)(InvokerFunc(okInvoker)).Invoke(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v: %s", err, buf.String())
	}
	for key, want := range map[string]string{
		"level":     "INFO",
		"trace_id":  "trace-1",
		"tenant_id": "t1",
		"tool":      "add",
		"code":      "OK",
	} {
		if entry[key] != want {
			t.Errorf("%s = %v, want %q", key, entry[key], want)
		}
	}
	if _, ok := entry["duration"]; !ok {
		t.Error("log entry should contain duration")
	}
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		level string
	}{
		{"success", nil, "INFO"},
		{"quota", api.NewQuotaExceededError(25, 25), "WARN"},
		{"internal", api.NewInternalError("boom", nil), "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))

			handler := InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
				return &api.ExecutionResult{Code: api.CodeOf(tt.err)}, tt.err
			})
			_, _ = Logging(logger)(handler).Invoke(context.Background(), api.InvokeRequest{})

			var entry map[string]any
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("decode log: %v", err)
			}
			if entry["level"] != tt.level {
				t.Errorf("level = %v, want %s", entry["level"], tt.level)
			}
		})
	}
}
