package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/gate"
	"github.com/rhuss/toolrunner/pkg/storage"
)

const windowColumns = `tenant_id, window_start, last_activity_at, sessions_used, sessions_limit, billing_period, counted`

// Admit applies the admission algorithm inside one transaction holding
// the tenant's row lock. Concurrent admissions for the same tenant queue
// on the lock, so at most one of them can open a session.
func (s *Store) Admit(ctx context.Context, tenantID string, now time.Time, p gate.Policy) (gate.Decision, error) {
	var d gate.Decision
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := lockWindow(ctx, tx, tenantID, now, p)
		if err != nil {
			return err
		}
		d = gate.Apply(w, now, p)
		return saveWindow(ctx, tx, w)
	})
	if err != nil {
		return gate.Decision{}, fmt.Errorf("admission transaction: %w", err)
	}
	return d, nil
}

// Window returns the tenant's stored window.
func (s *Store) Window(ctx context.Context, tenantID string) (*api.SessionWindow, error) {
	w, err := scanWindow(s.pool.QueryRow(ctx,
		`SELECT `+windowColumns+` FROM session_windows WHERE tenant_id = $1`,
		tenantID,
	))
	if err != nil {
		return nil, err
	}
	return w, nil
}

// Reconcile folds a billing report into the tenant's window under the
// same row lock admission uses.
func (s *Store) Reconcile(ctx context.Context, u gate.Usage, now time.Time, p gate.Policy) (*api.SessionWindow, error) {
	var out *api.SessionWindow
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := lockWindow(ctx, tx, u.TenantID, now, p)
		if err != nil {
			return err
		}
		gate.Merge(w, u)
		out = w
		return saveWindow(ctx, tx, w)
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile transaction: %w", err)
	}
	return out, nil
}

// lockWindow creates the window on first use and locks its row.
func lockWindow(ctx context.Context, tx pgx.Tx, tenantID string, now time.Time, p gate.Policy) (*api.SessionWindow, error) {
	initial := gate.NewWindow(tenantID, now, p)
	if _, err := tx.Exec(ctx, `
		INSERT INTO session_windows (tenant_id, sessions_limit, billing_period)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, initial.SessionsLimit, initial.BillingPeriod); err != nil {
		return nil, fmt.Errorf("inserting window: %w", err)
	}

	w, err := scanWindow(tx.QueryRow(ctx,
		`SELECT `+windowColumns+` FROM session_windows WHERE tenant_id = $1 FOR UPDATE`,
		tenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("locking window: %w", err)
	}
	return w, nil
}

func saveWindow(ctx context.Context, tx pgx.Tx, w *api.SessionWindow) error {
	_, err := tx.Exec(ctx, `
		UPDATE session_windows
		SET window_start = $2, last_activity_at = $3, sessions_used = $4,
		    sessions_limit = $5, billing_period = $6, counted = $7, updated_at = now()
		WHERE tenant_id = $1
	`,
		w.TenantID, nullTime(w.WindowStart), nullTime(w.LastActivityAt), w.SessionsUsed,
		w.SessionsLimit, w.BillingPeriod, w.Counted,
	)
	if err != nil {
		return fmt.Errorf("updating window: %w", err)
	}
	return nil
}

func scanWindow(row pgx.Row) (*api.SessionWindow, error) {
	var w api.SessionWindow
	var start, last *time.Time
	err := row.Scan(&w.TenantID, &start, &last, &w.SessionsUsed, &w.SessionsLimit, &w.BillingPeriod, &w.Counted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning window: %w", err)
	}
	w.WindowStart = fromNullTime(start)
	w.LastActivityAt = fromNullTime(last)
	return &w, nil
}
