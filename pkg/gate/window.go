package gate

import (
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
)

// Policy parameterizes admission.
type Policy struct {
	// Inactivity closes a window when no request arrives for this long.
	Inactivity time.Duration

	// DefaultLimit seeds sessions_limit for tenants seen for the first
	// time. Zero or negative means unlimited.
	DefaultLimit int
}

// Decision is the outcome of one admission.
type Decision struct {
	Admitted   bool
	NewSession bool
	Reason     string
	Window     api.SessionWindow
}

// Usage is what the billing collaborator reports for a tenant.
type Usage struct {
	TenantID      string
	Period        string
	SessionsUsed  int
	SessionsLimit int
}

// NewWindow returns the initial window for a tenant seen for the first time.
func NewWindow(tenantID string, now time.Time, p Policy) *api.SessionWindow {
	return &api.SessionWindow{
		TenantID:      tenantID,
		SessionsLimit: p.DefaultLimit,
		BillingPeriod: api.BillingPeriodOf(now),
	}
}

// Apply runs the admission algorithm against w and mutates it in place.
// Callers must hold exclusive access to w (a shard lock or a row lock)
// for the duration of Apply and the write-back that follows.
//
// A request opens a new session when the window has expired or was never
// counted. A new session is rejected once sessions_used has reached the
// limit. A rejection leaves window_start and last_activity_at untouched and
// marks the window uncounted, so every follow-up request is checked against
// the quota again. Requests that continue a counted window are always
// admitted and never increment the counter.
func Apply(w *api.SessionWindow, now time.Time, p Policy) Decision {
	open := w.Open(now, p.Inactivity)
	if open && w.Counted {
		w.LastActivityAt = now
		return Decision{Admitted: true, Window: *w}
	}

	if !w.Unlimited() && w.SessionsUsed >= w.SessionsLimit {
		w.Counted = false
		return Decision{
			NewSession: true,
			Reason:     "session quota exceeded",
			Window:     *w,
		}
	}

	w.SessionsUsed++
	w.WindowStart = now
	w.LastActivityAt = now
	w.Counted = true
	return Decision{Admitted: true, NewSession: true, Window: *w}
}

// Merge folds a billing report into w. Within one billing period
// sessions_used never decreases; a report for a different period resets
// the counter to the reported value and requires the next request to open
// a fresh session.
func Merge(w *api.SessionWindow, u Usage) {
	if u.Period != "" && u.Period != w.BillingPeriod {
		w.BillingPeriod = u.Period
		w.SessionsUsed = u.SessionsUsed
		w.Counted = false
	} else if u.SessionsUsed > w.SessionsUsed {
		w.SessionsUsed = u.SessionsUsed
	}
	w.SessionsLimit = u.SessionsLimit
}
