// Package dispatch is the single entry point for tool invocations. Every
// inbound surface (HTTP, MCP) calls Router.Invoke.
//
// The router resolves the pinned tool version, validates arguments
// against its input schema, asks the gate for admission, and only then
// hands the call to the orchestrator. Requests rejected before admission
// never touch a worker.
package dispatch

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/audit"
	"github.com/rhuss/toolrunner/pkg/auth"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/gate"
	"github.com/rhuss/toolrunner/pkg/registry"
	"github.com/rhuss/toolrunner/pkg/telemetry"
)

var (
	tracer = telemetry.Tracer("github.com/rhuss/toolrunner/pkg/dispatch")

	rejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_dispatch_rejections_total",
			Help: "Invocations rejected before execution, by code",
		},
		[]string{"code"},
	)
)

func init() {
	prometheus.MustRegister(rejections)
}

// Resolver finds pinned tool versions. *registry.Registry implements it.
type Resolver interface {
	Resolve(ctx context.Context, tenantID, name, hash string) (*registry.Resolved, error)
}

// Admitter decides whether a tenant may open or continue a session.
// *gate.Gate implements it.
type Admitter interface {
	Admit(ctx context.Context, tenantID string) (gate.Decision, error)
}

// Executor runs admitted requests. *orchestrator.Orchestrator implements it.
type Executor interface {
	Deadline(start time.Time, timeoutMS int64) time.Time
	Execute(ctx context.Context, req *api.ExecutionRequest, def *api.ToolDefinition) *api.ExecutionResult
}

// TierFunc returns the service tier of a tenant, selecting its pool
// partition. An empty tier uses the shared partition.
type TierFunc func(ctx context.Context, tenantID string) string

// IdentityTier prefers the service tier of the authenticated identity and
// falls back to a static tenant to tier map.
func IdentityTier(tenants map[string]string) TierFunc {
	return func(ctx context.Context, tenantID string) string {
		if id := auth.IdentityFromContext(ctx); id != nil && id.ServiceTier != "" && id.TenantID() == tenantID {
			return id.ServiceTier
		}
		return tenants[tenantID]
	}
}

// Router wires the registry, gate, and orchestrator together.
type Router struct {
	tools   Resolver
	gate    Admitter
	exec    Executor
	results audit.Store
	tier    TierFunc
	now     func() time.Time
}

// Option configures a Router.
type Option func(*Router)

// WithResultStore records rejected invocations. Executed invocations are
// recorded by the orchestrator.
func WithResultStore(s audit.Store) Option {
	return func(r *Router) { r.results = s }
}

// WithTiers sets the tier lookup.
func WithTiers(f TierFunc) Option {
	return func(r *Router) { r.tier = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New creates a Router.
func New(tools Resolver, g Admitter, exec Executor, opts ...Option) *Router {
	r := &Router{
		tools: tools,
		gate:  g,
		exec:  exec,
		tier:  func(context.Context, string) string { return "" },
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke runs one invocation and always returns a result. The error is
// non-nil when the tool did not run to completion: for every code except
// OK and EXECUTION_ERROR it is the *api.ExecError matching the result.
func (r *Router) Invoke(ctx context.Context, req api.InvokeRequest) (*api.ExecutionResult, error) {
	start := r.now()
	if req.TraceID == "" {
		req.TraceID = api.NewTraceID()
	}

	ctx, span := tracer.Start(ctx, "dispatch.Invoke", trace.WithAttributes(
		attribute.String("toolrunner.trace_id", req.TraceID),
		attribute.String("toolrunner.tenant_id", req.TenantID),
		attribute.String("toolrunner.tool", req.ToolName),
		attribute.String("toolrunner.content_hash", req.ContentHash),
	))
	defer span.End()

	res := r.invoke(ctx, req, start)
	span.SetAttributes(attribute.String("toolrunner.code", string(res.Code)))
	if res.Code != api.CodeOK && res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Message)
	}
	return res, ErrorOf(res)
}

func (r *Router) invoke(ctx context.Context, req api.InvokeRequest, start time.Time) *api.ExecutionResult {
	if req.TenantID == "" {
		return r.reject(ctx, req, start, api.NewValidationError("tenant_id", "tenant_id is required"))
	}

	resolved, err := r.tools.Resolve(ctx, req.TenantID, req.ToolName, req.ContentHash)
	if err != nil {
		return r.reject(ctx, req, start, err)
	}
	def := resolved.Definition
	req.ContentHash = def.ContentHash

	if resolved.Schema != nil {
		if err := resolved.Schema.Validate(req.Arguments); err != nil {
			return r.reject(ctx, req, start, api.NewValidationError("arguments", err.Error()))
		}
	}

	d, err := r.gate.Admit(ctx, req.TenantID)
	if err != nil {
		return r.reject(ctx, req, start, err)
	}
	if !d.Admitted {
		return r.reject(ctx, req, start, gate.QuotaError(d))
	}

	debug.Log("dispatch", "invocation admitted",
		"trace_id", req.TraceID,
		"tenant_id", req.TenantID,
		"tool", def.Name,
		"content_hash", def.ContentHash,
		"new_session", d.NewSession,
	)

	return r.exec.Execute(ctx, &api.ExecutionRequest{
		TenantID:    req.TenantID,
		ToolName:    def.Name,
		ContentHash: def.ContentHash,
		Arguments:   req.Arguments,
		Deadline:    r.exec.Deadline(start, req.TimeoutMS),
		TraceID:     req.TraceID,
		Tier:        r.tier(ctx, req.TenantID),
	}, def)
}

// reject builds and records the result of an invocation that never ran.
func (r *Router) reject(ctx context.Context, req api.InvokeRequest, start time.Time, err error) *api.ExecutionResult {
	ee := api.AsExecError(err)
	rejections.WithLabelValues(string(ee.Code)).Inc()

	debug.Log("dispatch", "invocation rejected",
		"trace_id", req.TraceID,
		"tenant_id", req.TenantID,
		"tool", req.ToolName,
		"code", ee.Code,
		"error", err,
	)

	now := r.now()
	res := &api.ExecutionResult{
		TraceID:     req.TraceID,
		TenantID:    req.TenantID,
		ToolName:    req.ToolName,
		ContentHash: req.ContentHash,
		Outcome:     api.OutcomeError,
		Code:        ee.Code,
		Error: &api.ErrorDetail{
			Code:      ee.Code,
			Message:   ee.Message,
			Source:    api.ErrorSourceOrchestrator,
			Retryable: ee.Retryable,
			Data:      detail(ee),
		},
		DurationMS:  now.Sub(start).Milliseconds(),
		CompletedAt: now.UTC(),
	}
	if req.TenantID != "" {
		audit.Log(ctx, r.results, res)
	}
	return res
}

func detail(ee *api.ExecError) map[string]any {
	if ee.Param == "" {
		return ee.Detail
	}
	d := make(map[string]any, len(ee.Detail)+1)
	for k, v := range ee.Detail {
		d[k] = v
	}
	d["param"] = ee.Param
	return d
}

// ErrorOf returns the error matching a result, or nil when the tool ran
// to completion.
func ErrorOf(res *api.ExecutionResult) error {
	if res == nil || res.Code == api.CodeOK || res.Code == api.CodeExecutionError {
		return nil
	}
	ee := &api.ExecError{Code: res.Code, Message: string(res.Code)}
	if res.Error != nil {
		ee.Message = res.Error.Message
		ee.Retryable = res.Error.Retryable
		ee.Detail = res.Error.Data
		if p, ok := res.Error.Data["param"].(string); ok {
			ee.Param = p
		}
	}
	return ee
}
