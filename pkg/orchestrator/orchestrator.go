// Package orchestrator runs admitted executions on pooled workers and
// normalizes whatever happens into an api.ExecutionResult.
//
// Infrastructure failures (saturation, provisioning, an unreachable
// sandbox) are retried with exponential backoff, each time on a new
// worker. Tool faults, timeouts, and tool-reported errors are never
// retried. A worker is released healthy only after a clean result;
// every other path taints it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/audit"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/observability"
	"github.com/rhuss/toolrunner/pkg/pool"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/telemetry"
	"github.com/rhuss/toolrunner/pkg/vault"
)

var tracer = telemetry.Tracer("github.com/rhuss/toolrunner/pkg/orchestrator")

// Leaser hands out exclusive worker leases. *pool.Manager implements it.
type Leaser interface {
	Acquire(ctx context.Context, opts pool.AcquireOptions) (*pool.Lease, error)
}

// Config holds deadline and retry settings.
type Config struct {
	DefaultDeadline time.Duration
	MaxDeadline     time.Duration

	// MaxRetries bounds attempts beyond the first.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c *Config) applyDefaults() {
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Second
	}
	if c.MaxDeadline <= 0 {
		c.MaxDeadline = c.DefaultDeadline
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
}

// Orchestrator executes tools on leased workers.
type Orchestrator struct {
	leaser  Leaser
	vaults  vault.Store
	results audit.Store
	cfg     Config
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithVaultStore backs the vault capability of tools that declare it.
// Without a store, such tools run with no vault.
func WithVaultStore(s vault.Store) Option {
	return func(o *Orchestrator) { o.vaults = s }
}

// WithResultStore records every result for later lookup.
func WithResultStore(s audit.Store) Option {
	return func(o *Orchestrator) { o.results = s }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator leasing workers from leaser.
func New(leaser Leaser, cfg Config, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	o := &Orchestrator{leaser: leaser, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Deadline returns the hard deadline for a call starting at start. A
// non-positive timeout selects the default; anything above the maximum
// is clamped.
func (o *Orchestrator) Deadline(start time.Time, timeoutMS int64) time.Time {
	d := o.cfg.DefaultDeadline
	if timeoutMS > 0 {
		d = time.Duration(timeoutMS) * time.Millisecond
	}
	if d > o.cfg.MaxDeadline {
		d = o.cfg.MaxDeadline
	}
	return start.Add(d)
}

// runState is the state carried across attempts.
type runState struct {
	outcome  *runtime.Outcome
	workerID string
	attempts int

	// executing is true when the last attempt got as far as the sandbox.
	executing bool
	err       error
}

// Execute runs req against def and always returns a result. The result
// is recorded in the result store when one is configured.
func (o *Orchestrator) Execute(ctx context.Context, req *api.ExecutionRequest, def *api.ToolDefinition) *api.ExecutionResult {
	start := o.now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = o.Deadline(start, 0)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ctx, span := tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("toolrunner.trace_id", req.TraceID),
		attribute.String("toolrunner.tenant_id", req.TenantID),
		attribute.String("toolrunner.tool", def.Name),
		attribute.String("toolrunner.language", string(def.Language)),
	))
	defer span.End()

	observability.ActiveExecutions.Inc()
	r := o.run(ctx, req, def)
	observability.ActiveExecutions.Dec()

	res := o.result(req, def, r, deadline.Sub(start))
	res.DurationMS = o.now().Sub(start).Milliseconds()
	res.CompletedAt = o.now().UTC()

	span.SetAttributes(
		attribute.String("toolrunner.code", string(res.Code)),
		attribute.String("toolrunner.worker_id", res.WorkerID),
		attribute.Int("toolrunner.attempts", res.Attempts),
	)
	if res.Code != api.CodeOK {
		span.SetStatus(codes.Error, res.Error.Message)
	}

	observability.ExecutionsTotal.WithLabelValues(string(def.Language), string(res.Code)).Inc()
	observability.ExecutionDuration.WithLabelValues(string(def.Language)).Observe(float64(res.DurationMS) / 1000)

	debug.Log("orchestrator", "execution finished",
		"trace_id", res.TraceID,
		"tenant_id", res.TenantID,
		"tool", res.ToolName,
		"code", res.Code,
		"worker_id", res.WorkerID,
		"attempts", res.Attempts,
		"duration_ms", res.DurationMS,
	)

	audit.Log(ctx, o.results, res)
	return res
}

func (o *Orchestrator) run(ctx context.Context, req *api.ExecutionRequest, def *api.ToolDefinition) runState {
	var r runState
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.InitialBackoff
	b.MaxInterval = o.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // bounded by the deadline instead

	op := func() error {
		r.attempts++
		if r.attempts > 1 {
			observability.ExecutionRetriesTotal.WithLabelValues(string(def.Language)).Inc()
		}
		out, workerID, executing, err := o.attempt(ctx, req, def)
		r.executing = executing
		if workerID != "" {
			r.workerID = workerID
		}
		if err != nil {
			if !retryable(ctx, err) {
				return backoff.Permanent(err)
			}
			slog.Warn("execution attempt failed, retrying on a new worker",
				"trace_id", req.TraceID,
				"tool", def.Name,
				"worker_id", workerID,
				"attempt", r.attempts,
				"error", err,
			)
			return err
		}
		r.outcome = out
		return nil
	}

	r.err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.cfg.MaxRetries)), ctx))
	return r
}

// attempt runs one execution on one worker. The worker is released
// healthy only when the sandbox produced a fault-free outcome.
func (o *Orchestrator) attempt(ctx context.Context, req *api.ExecutionRequest, def *api.ToolDefinition) (*runtime.Outcome, string, bool, error) {
	lease, err := o.leaser.Acquire(ctx, pool.AcquireOptions{
		Language: def.Language,
		TenantID: req.TenantID,
		Tier:     req.Tier,
	})
	if err != nil {
		return nil, "", false, err
	}

	healthy := false
	defer func() { lease.Release(healthy) }()

	if err := lease.Begin(); err != nil {
		return nil, lease.WorkerID(), false, err
	}

	inv := runtime.Invocation{
		TraceID:      req.TraceID,
		TenantID:     req.TenantID,
		FunctionName: def.Name,
		Source:       def.Source,
		Arguments:    req.Arguments,
	}
	if def.HasCapability(api.CapabilityVault) && o.vaults != nil {
		inv.Vault = vault.NewScoped(o.vaults, req.TenantID)
	}

	out, err := lease.Sandbox().Execute(ctx, inv)
	if err != nil {
		return nil, lease.WorkerID(), true, err
	}
	if out == nil {
		return nil, lease.WorkerID(), true, errors.New("sandbox returned no outcome")
	}
	healthy = out.Fault == nil && ctx.Err() == nil
	return out, lease.WorkerID(), true, nil
}

// retryable reports whether err may succeed on another worker.
func retryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, pool.ErrClosed), errors.Is(err, pool.ErrUnsupportedLanguage):
		return false
	}
	return true
}

func (o *Orchestrator) result(req *api.ExecutionRequest, def *api.ToolDefinition, r runState, budget time.Duration) *api.ExecutionResult {
	res := &api.ExecutionResult{
		TraceID:     req.TraceID,
		TenantID:    req.TenantID,
		ToolName:    def.Name,
		ContentHash: def.ContentHash,
		WorkerID:    r.workerID,
		Attempts:    r.attempts,
	}

	switch {
	case r.err != nil:
		ee := classify(r, budget)
		res.Outcome = api.OutcomeError
		res.Code = ee.Code
		res.Error = &api.ErrorDetail{
			Code:      ee.Code,
			Message:   ee.Message,
			Source:    api.ErrorSourceOrchestrator,
			Retryable: ee.Retryable,
			Data:      ee.Detail,
		}
		if ee.Code == api.CodeInternalError {
			slog.Error("execution failed",
				"trace_id", req.TraceID,
				"tenant_id", req.TenantID,
				"tool", def.Name,
				"attempts", r.attempts,
				"error", r.err,
			)
		}

	case r.outcome.Fault != nil:
		f := r.outcome.Fault
		res.Outcome = api.OutcomeError
		res.Code = api.CodeExecutionError
		res.Error = &api.ErrorDetail{
			Code:    api.CodeExecutionError,
			Message: f.Error(),
			Source:  api.ErrorSourceSandbox,
			Data:    f.Data(),
		}

	case r.outcome.ToolError != nil:
		te := r.outcome.ToolError
		res.Outcome = api.OutcomeError
		res.Code = api.CodeExecutionError
		res.Payload = r.outcome.Payload
		res.Error = &api.ErrorDetail{
			Code:    api.CodeExecutionError,
			Message: te.Message,
			Source:  api.ErrorSourceTool,
			Data:    te.Data,
		}

	default:
		res.Outcome = api.OutcomeSuccess
		res.Code = api.CodeOK
		res.Payload = r.outcome.Payload
	}
	return res
}

// classify maps a terminal orchestration error onto a caller-facing code.
// A deadline that expires before any worker was obtained is reported as
// overload, since the tool never ran.
func classify(r runState, budget time.Duration) *api.ExecError {
	err := r.err
	switch {
	case errors.Is(err, context.DeadlineExceeded) && r.executing:
		e := api.NewTimeoutError(fmt.Sprintf("execution exceeded its %s deadline", budget.Round(time.Millisecond)))
		e.Err = err
		return e
	case errors.Is(err, context.DeadlineExceeded):
		e := api.NewOverloadedError("no worker became available before the deadline")
		e.Err = err
		return e
	case errors.Is(err, context.Canceled):
		e := api.NewTimeoutError("execution cancelled by caller")
		e.Err = err
		return e
	case errors.Is(err, pool.ErrSaturated):
		e := api.NewOverloadedError("all workers are busy, retry later")
		e.Err = err
		return e
	case errors.Is(err, pool.ErrClosed):
		e := api.NewOverloadedError("worker pool is shutting down")
		e.Err = err
		return e
	case errors.Is(err, pool.ErrUnsupportedLanguage):
		return api.NewInternalError("no runtime configured for this language", err)
	case errors.Is(err, pool.ErrProvision):
		return api.NewInternalError("could not provision a sandbox", err)
	}
	return api.NewInternalError("sandbox failed", err)
}
