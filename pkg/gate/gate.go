// Package gate implements session-based admission control.
//
// A session is one tenant conversation bounded by an inactivity window.
// The gate counts sessions, not requests: concurrent requests inside the
// same window increment the tenant's monthly counter at most once. The
// check and the increment happen in a single atomic step inside the
// WindowStore so concurrent admissions cannot both pass a full quota.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/storage"
)

var decisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "toolrunner_gate_decisions_total",
		Help: "Admission decisions by result (continued, new_session, rejected)",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(decisions)
}

// WindowStore owns session windows. Admit must apply [Apply] under
// exclusive access to the tenant's window and persist the result before
// releasing it.
type WindowStore interface {
	Admit(ctx context.Context, tenantID string, now time.Time, p Policy) (Decision, error)

	// Window returns storage.ErrNotFound for unknown tenants.
	Window(ctx context.Context, tenantID string) (*api.SessionWindow, error)

	// Reconcile applies [Merge] atomically, creating the window if needed.
	Reconcile(ctx context.Context, u Usage, now time.Time, p Policy) (*api.SessionWindow, error)
}

// Gate admits or rejects execution requests per tenant.
type Gate struct {
	store  WindowStore
	policy Policy
	now    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate.
func New(store WindowStore, policy Policy, opts ...Option) *Gate {
	if policy.Inactivity <= 0 {
		policy.Inactivity = 30 * time.Minute
	}
	g := &Gate{store: store, policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Policy returns the effective admission policy.
func (g *Gate) Policy() Policy {
	return g.policy
}

// Admit applies the admission algorithm for tenantID. A rejection is a
// Decision with Admitted false, not an error; errors mean the store failed.
func (g *Gate) Admit(ctx context.Context, tenantID string) (Decision, error) {
	if tenantID == "" {
		return Decision{}, api.NewValidationError("tenant_id", "tenant_id is required")
	}

	d, err := g.store.Admit(ctx, tenantID, g.now(), g.policy)
	if err != nil {
		return Decision{}, fmt.Errorf("admitting tenant %s: %w", tenantID, err)
	}

	switch {
	case !d.Admitted:
		decisions.WithLabelValues("rejected").Inc()
		slog.Info("admission rejected",
			"tenant_id", tenantID,
			"sessions_used", d.Window.SessionsUsed,
			"sessions_limit", d.Window.SessionsLimit,
		)
	case d.NewSession:
		decisions.WithLabelValues("new_session").Inc()
		debug.Log("gate", "session opened", "tenant_id", tenantID,
			"sessions_used", d.Window.SessionsUsed, "sessions_limit", d.Window.SessionsLimit)
	default:
		decisions.WithLabelValues("continued").Inc()
	}
	return d, nil
}

// Usage returns the tenant's current window. Tenants never seen before
// get a fresh, unpersisted window carrying the default limit.
func (g *Gate) Usage(ctx context.Context, tenantID string) (*api.SessionWindow, error) {
	w, err := g.store.Window(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return NewWindow(tenantID, g.now(), g.policy), nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading window for %s: %w", tenantID, err)
	}
	return w, nil
}

// QuotaError converts a rejection into the caller-facing error.
func QuotaError(d Decision) *api.ExecError {
	return api.NewQuotaExceededError(d.Window.SessionsUsed, d.Window.SessionsLimit)
}
