package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
)

// Recovery returns middleware that catches panics in the invoker and
// converts them to INTERNAL_ERROR results. The server continues to
// accept new requests after a panic is recovered.
func Recovery() Middleware {
	return func(next Invoker) Invoker {
		return InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (res *api.ExecutionResult, retErr error) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("panic during invocation",
						"trace_id", req.TraceID,
						"tool", req.ToolName,
						"panic", r,
						"stack", string(debug.Stack()),
					)
					ee := api.NewInternalError(fmt.Sprintf("internal server error: %v", r), nil)
					res = &api.ExecutionResult{
						TraceID:     req.TraceID,
						TenantID:    req.TenantID,
						ToolName:    req.ToolName,
						ContentHash: req.ContentHash,
						Outcome:     api.OutcomeError,
						Code:        ee.Code,
						Error: &api.ErrorDetail{
							Code:    ee.Code,
							Message: ee.Message,
							Source:  api.ErrorSourceOrchestrator,
						},
						CompletedAt: time.Now().UTC(),
					}
					retErr = ee
				}
			}()
			return next.Invoke(ctx, req)
		})
	}
}
