package pool

import (
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
)

// Worker is one pooled sandbox. All fields are guarded by the owning
// pool's mutex.
type Worker struct {
	ID               string
	Language         api.Language
	Partition        string
	State            api.WorkerState
	TenantID         string // bound on first lease, never changes
	CreatedAt        time.Time
	LastUsedAt       time.Time
	ExecutionsServed int

	sandbox runtime.Sandbox
}

// WorkerInfo is a point-in-time copy of a worker for status reporting.
type WorkerInfo struct {
	ID               string          `json:"worker_id"`
	Language         api.Language    `json:"language"`
	Partition        string          `json:"partition,omitempty"`
	State            api.WorkerState `json:"state"`
	TenantID         string          `json:"tenant_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	LastUsedAt       time.Time       `json:"last_used_at,omitempty"`
	ExecutionsServed int             `json:"executions_served"`
}

func (w *Worker) info() WorkerInfo {
	return WorkerInfo{
		ID:               w.ID,
		Language:         w.Language,
		Partition:        w.Partition,
		State:            w.State,
		TenantID:         w.TenantID,
		CreatedAt:        w.CreatedAt,
		LastUsedAt:       w.LastUsedAt,
		ExecutionsServed: w.ExecutionsServed,
	}
}

func (w *Worker) transition(to api.WorkerState) error {
	if err := api.ValidateWorkerTransition(w.State, to); err != nil {
		return err
	}
	w.State = to
	return nil
}
