// Package audit records every execution result so callers can look up
// an execution by trace ID after the fact.
package audit

import (
	"context"
	"log/slog"

	"github.com/rhuss/toolrunner/pkg/api"
)

// DefaultListLimit caps List when the caller passes no limit.
const DefaultListLimit = 50

// Store persists execution results.
type Store interface {
	// AppendResult records a result. Results are immutable once written.
	AppendResult(ctx context.Context, r *api.ExecutionResult) error

	// GetResult returns storage.ErrNotFound when the trace is unknown or
	// belongs to another tenant.
	GetResult(ctx context.Context, tenantID, traceID string) (*api.ExecutionResult, error)

	// ListResults returns a tenant's results, newest first.
	ListResults(ctx context.Context, tenantID string, limit int) ([]*api.ExecutionResult, error)
}

// Log appends r to store and logs instead of failing when the write does
// not go through. A lost audit record never fails the execution itself.
// The write outlives cancellation of ctx so timed out executions are
// still recorded.
func Log(ctx context.Context, store Store, r *api.ExecutionResult) {
	if store == nil || r == nil {
		return
	}
	if err := store.AppendResult(context.WithoutCancel(ctx), r); err != nil {
		slog.Warn("failed to record execution result",
			"trace_id", r.TraceID,
			"tenant_id", r.TenantID,
			"error", err,
		)
	}
}

// ClampLimit normalizes a List limit.
func ClampLimit(limit, max int) int {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
