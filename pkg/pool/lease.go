package pool

import (
	"sync"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
)

// Lease is exclusive use of one worker. It must be released exactly once;
// further calls to Release are ignored.
type Lease struct {
	pool   *Pool
	worker *Worker
	once   sync.Once
}

func newLease(p *Pool, w *Worker) *Lease {
	return &Lease{pool: p, worker: w}
}

// WorkerID returns the leased worker's ID.
func (l *Lease) WorkerID() string {
	return l.worker.ID
}

// Sandbox returns the leased worker's sandbox.
func (l *Lease) Sandbox() runtime.Sandbox {
	return l.worker.sandbox
}

// Begin marks the worker as executing.
func (l *Lease) Begin() error {
	l.pool.mu.Lock()
	defer l.pool.mu.Unlock()
	if err := l.worker.transition(api.WorkerExecuting); err != nil {
		return err
	}
	l.pool.recordLocked()
	return nil
}

// Release returns the worker to its pool. A worker released as unhealthy
// is tainted and terminated.
func (l *Lease) Release(healthy bool) {
	l.once.Do(func() {
		l.pool.release(l.worker, healthy)
	})
}
