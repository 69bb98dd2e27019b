package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
)

// Logging returns middleware that emits one structured log entry per
// invocation with the trace ID, tenant, tool, result code, worker and
// duration. Successful and tool-level results log at info, everything
// else at warn, and internal errors at error.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Invoker) Invoker {
		return InvokerFunc(func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
			start := time.Now()

			res, err := next.Invoke(ctx, req)

			attrs := []slog.Attr{
				slog.String("trace_id", req.TraceID),
				slog.String("tenant_id", req.TenantID),
				slog.String("tool", req.ToolName),
				slog.Duration("duration", time.Since(start)),
			}
			level := slog.LevelInfo
			if res != nil {
				attrs = append(attrs,
					slog.String("code", string(res.Code)),
					slog.String("content_hash", res.ContentHash),
					slog.String("worker_id", res.WorkerID),
					slog.Int("attempts", res.Attempts),
				)
			}
			if err != nil {
				attrs = append(attrs, slog.String("error", err.Error()))
				level = slog.LevelWarn
				if api.CodeOf(err) == api.CodeInternalError {
					level = slog.LevelError
				}
			}

			logger.LogAttrs(ctx, level, "invocation completed", attrs...)
			return res, err
		})
	}
}
