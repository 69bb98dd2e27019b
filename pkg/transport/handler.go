package transport

import (
	"context"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/pool"
)

// Invoker runs one tool invocation. It always returns a result; the error
// is non-nil when the tool did not run to completion and carries the
// caller-facing code. *dispatch.Router implements it.
type Invoker interface {
	Invoke(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error)
}

// InvokerFunc is an adapter to allow the use of ordinary functions as
// Invoker implementations.
type InvokerFunc func(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error)

// Invoke calls f(ctx, req).
func (f InvokerFunc) Invoke(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
	return f(ctx, req)
}

// ToolCatalog registers and lists tool versions. *registry.Registry
// implements it.
type ToolCatalog interface {
	Register(ctx context.Context, tenantID string, req api.RegisterRequest) (*api.ToolDefinition, bool, error)
	Versions(ctx context.Context, name string) ([]*api.ToolDefinition, error)
	List(ctx context.Context) ([]*api.ToolDefinition, error)
}

// UsageReporter reports a tenant's session window. *gate.Gate implements it.
type UsageReporter interface {
	Usage(ctx context.Context, tenantID string) (*api.SessionWindow, error)
}

// ResultReader looks up recorded execution results. audit.Store
// implementations satisfy it.
type ResultReader interface {
	GetResult(ctx context.Context, tenantID, traceID string) (*api.ExecutionResult, error)
	ListResults(ctx context.Context, tenantID string, limit int) ([]*api.ExecutionResult, error)
}

// PoolReporter exposes worker pool state. *pool.Manager implements it.
type PoolReporter interface {
	Stats() []pool.Stats
}
