package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/storage"
)

// BillingSource is the external billing collaborator. It owns the monthly
// reset; the gate only ever increments.
type BillingSource interface {
	// Usage returns storage.ErrNotFound for tenants unknown to billing.
	Usage(ctx context.Context, tenantID string) (Usage, error)
	Tenants(ctx context.Context) ([]string, error)
}

// StaticBilling is a BillingSource backed by configured limits. It
// reports the configured usage for the current calendar month, so a
// month change resets every tenant to its configured baseline.
type StaticBilling struct {
	mu      sync.RWMutex
	tenants map[string]Usage
	now     func() time.Time
}

// NewStaticBilling creates a static source from per-tenant entries.
// Period fields are ignored; the current month is always reported.
func NewStaticBilling(entries []Usage) *StaticBilling {
	s := &StaticBilling{tenants: make(map[string]Usage, len(entries)), now: time.Now}
	for _, u := range entries {
		s.tenants[u.TenantID] = u
	}
	return s
}

// Set replaces a tenant's entry.
func (s *StaticBilling) Set(u Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[u.TenantID] = u
}

// Usage implements BillingSource.
func (s *StaticBilling) Usage(_ context.Context, tenantID string) (Usage, error) {
	s.mu.RLock()
	u, ok := s.tenants[tenantID]
	s.mu.RUnlock()
	if !ok {
		return Usage{}, storage.ErrNotFound
	}
	u.Period = api.BillingPeriodOf(s.now())
	return u, nil
}

// Tenants implements BillingSource.
func (s *StaticBilling) Tenants(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tenants))
	for id := range s.tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Reconciler periodically pushes billing state into the window store.
type Reconciler struct {
	source   BillingSource
	store    WindowStore
	policy   Policy
	interval time.Duration
	now      func() time.Time
}

// NewReconciler creates a Reconciler. A non-positive interval disables Run.
func NewReconciler(source BillingSource, store WindowStore, policy Policy, interval time.Duration) *Reconciler {
	return &Reconciler{source: source, store: store, policy: policy, interval: interval, now: time.Now}
}

// ReconcileOnce reconciles every tenant known to the billing source.
// Failures for individual tenants are collected and do not stop the pass.
func (r *Reconciler) ReconcileOnce(ctx context.Context) error {
	tenants, err := r.source.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("listing billing tenants: %w", err)
	}

	var errs []error
	for _, id := range tenants {
		if err := r.ReconcileTenant(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReconcileTenant reconciles one tenant.
func (r *Reconciler) ReconcileTenant(ctx context.Context, tenantID string) error {
	u, err := r.source.Usage(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("billing usage for %s: %w", tenantID, err)
	}
	u.TenantID = tenantID
	w, err := r.store.Reconcile(ctx, u, r.now(), r.policy)
	if err != nil {
		return fmt.Errorf("reconciling %s: %w", tenantID, err)
	}
	slog.Debug("tenant reconciled", "tenant_id", tenantID,
		"billing_period", w.BillingPeriod, "sessions_used", w.SessionsUsed, "sessions_limit", w.SessionsLimit)
	return nil
}

// Run reconciles once immediately and then on every interval until ctx
// is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	if err := r.ReconcileOnce(ctx); err != nil {
		slog.Warn("billing reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileOnce(ctx); err != nil {
				slog.Warn("billing reconciliation failed", "error", err)
			}
		}
	}
}
