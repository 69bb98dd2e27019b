package transport

import (
	"context"

	"github.com/rhuss/toolrunner/pkg/api"
)

// RequestID returns middleware that ties each invocation to one trace ID.
//
// An explicit trace_id in the request wins. Otherwise a request ID
// already in the context (set by the HTTP adapter from the X-Request-ID
// header) is used when it is a valid UUID, and a new trace ID is
// generated as a last resort. The chosen ID is stored in the context and
// can be retrieved with RequestIDFromContext.
func RequestID() Middleware {
	return func(next Invoker) Invoker {
		return InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
			req.TraceID = TraceID(ctx, req.TraceID)
			ctx = ContextWithRequestID(ctx, req.TraceID)
			return next.Invoke(ctx, req)
		})
	}
}

// TraceID picks the trace ID of an invocation: explicit wins, then a valid
// request ID from ctx, then a fresh one.
func TraceID(ctx context.Context, explicit string) string {
	if explicit != "" {
		return explicit
	}
	if id := RequestIDFromContext(ctx); api.ValidateTraceID(id) {
		return id
	}
	return api.NewTraceID()
}
