// Package pool keeps warm sandbox workers per language and leases them to
// executions.
//
// A worker serves exactly one execution at a time. Interpreter state
// survives between executions, so a worker is bound to the tenant of its
// first lease and never leased to another tenant; an idle worker bound to
// someone else is terminated to make room. Healthy workers return to the
// idle set after an execution; any fault, timeout, or failed health check
// taints the worker and it is terminated, never reused. Each pool partition
// is bounded by max_size, kept at min_warm unbound workers by the scaler,
// and trimmed back after idle_ttl.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/runtime"
)

var (
	// ErrSaturated is returned when no worker frees up within the queue wait.
	ErrSaturated = errors.New("worker pool saturated")

	// ErrProvision wraps sandbox provisioning failures.
	ErrProvision = errors.New("provisioning sandbox failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worker pool closed")

	// ErrUnsupportedLanguage is returned for languages without a provisioner.
	ErrUnsupportedLanguage = errors.New("no runtime for language")
)

const terminateTimeout = 10 * time.Second

// Sizing holds the knobs of one pool partition.
type Sizing struct {
	MinWarm       int
	MaxSize       int
	IdleTTL       time.Duration
	MaxExecutions int // 0 never recycles
}

// Key identifies a pool partition.
type Key struct {
	Language  api.Language
	Partition string // empty for the shared partition
}

func (k Key) String() string {
	if k.Partition == "" {
		return string(k.Language)
	}
	return string(k.Language) + "/" + k.Partition
}

// Stats is a snapshot of a partition.
type Stats struct {
	Language     api.Language `json:"language"`
	Partition    string       `json:"partition,omitempty"`
	Provisioning int          `json:"provisioning"`
	Idle         int          `json:"idle"`
	Assigned     int          `json:"assigned"`
	Executing    int          `json:"executing"`
	Tainted      int          `json:"tainted"`
	MinWarm      int          `json:"min_warm"`
	MaxSize      int          `json:"max_size"`
}

// Active counts the workers that occupy capacity. A tainted worker holds
// its slot until its sandbox is terminated.
func (s Stats) Active() int {
	return s.Provisioning + s.Idle + s.Assigned + s.Executing + s.Tainted
}

// Pool is one partition of workers for a single language.
type Pool struct {
	key              Key
	sizing           Sizing
	prov             runtime.Provisioner
	provisionTimeout time.Duration
	maxQueueWait     time.Duration
	now              func() time.Time

	mu      sync.Mutex
	workers map[string]*Worker
	idle    []*Worker // least recently released first
	changed chan struct{}
	closed  bool

	background sync.WaitGroup
}

func newPool(key Key, prov runtime.Provisioner, sizing Sizing, provisionTimeout, maxQueueWait time.Duration) *Pool {
	if sizing.MaxSize <= 0 {
		sizing.MaxSize = 1
	}
	if sizing.MinWarm > sizing.MaxSize {
		sizing.MinWarm = sizing.MaxSize
	}
	return &Pool{
		key:              key,
		sizing:           sizing,
		prov:             prov,
		provisionTimeout: provisionTimeout,
		maxQueueWait:     maxQueueWait,
		now:              time.Now,
		workers:          make(map[string]*Worker),
		changed:          make(chan struct{}),
	}
}

// Acquire leases a worker, preferring an idle one bound to tenantID, then an
// unbound one, provisioning a new one while below max_size, evicting an idle
// worker of another tenant at max_size, and otherwise waiting up to the
// queue wait.
func (p *Pool) Acquire(ctx context.Context, tenantID string) (*Lease, error) {
	start := p.now()
	timer := time.NewTimer(p.maxQueueWait)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		if w := p.takeIdleLocked(tenantID); w != nil {
			p.assignLocked(w, tenantID)
			p.mu.Unlock()
			p.acquired(start, "warm")
			debug.Log("pool", "worker assigned", "worker_id", w.ID, "pool", p.key, "tenant_id", tenantID)
			return newLease(p, w), nil
		}

		if p.activeLocked() >= p.sizing.MaxSize {
			p.evictForeignLocked(tenantID)
		}
		if p.activeLocked() < p.sizing.MaxSize {
			w := p.newWorkerLocked()
			p.mu.Unlock()

			if err := p.provision(ctx, w); err != nil {
				acquisitions.WithLabelValues(string(p.key.Language), "failed").Inc()
				return nil, err
			}

			p.mu.Lock()
			if p.closed {
				p.retireLocked(w, "shutdown")
				p.mu.Unlock()
				return nil, ErrClosed
			}
			p.assignLocked(w, tenantID)
			p.mu.Unlock()
			p.acquired(start, "cold")
			debug.Log("pool", "worker assigned after cold start", "worker_id", w.ID, "pool", p.key, "tenant_id", tenantID)
			return newLease(p, w), nil
		}

		wait := p.changed
		p.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			acquisitions.WithLabelValues(string(p.key.Language), "saturated").Inc()
			slog.Warn("worker pool saturated", "pool", p.key, "max_size", p.sizing.MaxSize, "waited", p.now().Sub(start))
			return nil, ErrSaturated
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pool) acquired(start time.Time, result string) {
	lang := string(p.key.Language)
	acquisitions.WithLabelValues(lang, result).Inc()
	acquireWait.WithLabelValues(lang).Observe(p.now().Sub(start).Seconds())
}

// takeIdleLocked pops the most recently released idle worker bound to
// tenantID, or else the most recent unbound one.
func (p *Pool) takeIdleLocked(tenantID string) *Worker {
	pick := -1
	for i := len(p.idle) - 1; i >= 0; i-- {
		bound := p.idle[i].TenantID
		if bound == tenantID {
			pick = i
			break
		}
		if bound == "" && pick < 0 {
			pick = i
		}
	}
	if pick < 0 {
		return nil
	}
	w := p.idle[pick]
	p.idle = append(p.idle[:pick], p.idle[pick+1:]...)
	return w
}

// evictForeignLocked retires the least recently used idle worker bound to
// a tenant other than tenantID, freeing a slot for a fresh worker.
func (p *Pool) evictForeignLocked(tenantID string) {
	for i, w := range p.idle {
		if w.TenantID == "" || w.TenantID == tenantID {
			continue
		}
		p.idle = append(p.idle[:i], p.idle[i+1:]...)
		debug.Log("pool", "evicting worker of another tenant", "worker_id", w.ID, "bound_to", w.TenantID, "tenant_id", tenantID)
		p.retireLocked(w, "rebind")
		return
	}
}

func (p *Pool) assignLocked(w *Worker, tenantID string) {
	if err := w.transition(api.WorkerAssigned); err != nil {
		slog.Error("assigning worker", "worker_id", w.ID, "error", err)
	}
	if w.TenantID == "" {
		w.TenantID = tenantID
	}
	p.recordLocked()
}

func (p *Pool) newWorkerLocked() *Worker {
	now := p.now()
	w := &Worker{
		ID:         api.NewWorkerID(),
		Language:   p.key.Language,
		Partition:  p.key.Partition,
		State:      api.WorkerProvisioning,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	p.workers[w.ID] = w
	p.recordLocked()
	return w
}

// provision starts w's sandbox. On failure w is removed.
func (p *Pool) provision(ctx context.Context, w *Worker) error {
	pctx := ctx
	if p.provisionTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, p.provisionTimeout)
		defer cancel()
	}

	start := p.now()
	sb, err := p.prov.Provision(pctx, w.ID)
	provisionDuration.WithLabelValues(string(p.key.Language)).Observe(p.now().Sub(start).Seconds())

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		_ = w.transition(api.WorkerTerminated)
		delete(p.workers, w.ID)
		p.recordLocked()
		p.notifyLocked()
		slog.Warn("worker provisioning failed", "worker_id", w.ID, "pool", p.key, "error", err)
		if ctx.Err() != nil {
			// The caller's deadline or cancellation ended the cold start.
			return fmt.Errorf("%w: %w", ErrProvision, err)
		}
		return fmt.Errorf("%w: %v", ErrProvision, err)
	}
	w.sandbox = sb
	w.LastUsedAt = p.now()
	debug.Log("pool", "worker provisioned", "worker_id", w.ID, "pool", p.key, "duration", p.now().Sub(start))
	return nil
}

// release returns a leased worker. Unhealthy workers are tainted and
// terminated; healthy ones go back to idle unless they are due for
// recycling or the pool is closed.
func (p *Pool) release(w *Worker, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.notifyLocked()

	if !healthy {
		if err := w.transition(api.WorkerTainted); err != nil {
			slog.Error("tainting worker", "worker_id", w.ID, "error", err)
		}
		slog.Info("worker tainted", "worker_id", w.ID, "pool", p.key, "executions_served", w.ExecutionsServed)
		p.terminateTaintedLocked(w)
		return
	}

	if w.State == api.WorkerExecuting {
		w.ExecutionsServed++
	}
	w.LastUsedAt = p.now()
	if err := w.transition(api.WorkerIdle); err != nil {
		slog.Error("releasing worker", "worker_id", w.ID, "error", err)
		return
	}

	switch {
	case p.closed:
		p.retireLocked(w, "shutdown")
	case p.sizing.MaxExecutions > 0 && w.ExecutionsServed >= p.sizing.MaxExecutions:
		debug.Log("pool", "recycling worker", "worker_id", w.ID, "executions_served", w.ExecutionsServed)
		p.retireLocked(w, "recycled")
	default:
		p.idle = append(p.idle, w)
		p.recordLocked()
		debug.Log("pool", "worker released", "worker_id", w.ID, "pool", p.key)
	}
}

// retireLocked terminates a healthy idle or freshly provisioned worker.
func (p *Pool) retireLocked(w *Worker, reason string) {
	if err := w.transition(api.WorkerTerminated); err != nil {
		slog.Error("retiring worker", "worker_id", w.ID, "error", err)
		return
	}
	delete(p.workers, w.ID)
	retired.WithLabelValues(string(p.key.Language), reason).Inc()
	p.recordLocked()
	p.terminateAsync(w, nil)
}

// terminateTaintedLocked keeps w counted as tainted until its sandbox is
// gone.
func (p *Pool) terminateTaintedLocked(w *Worker) {
	retired.WithLabelValues(string(p.key.Language), "tainted").Inc()
	p.recordLocked()
	p.terminateAsync(w, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		_ = w.transition(api.WorkerTerminated)
		delete(p.workers, w.ID)
		p.recordLocked()
		p.notifyLocked()
	})
}

func (p *Pool) terminateAsync(w *Worker, done func()) {
	sb := w.sandbox
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		if sb != nil {
			ctx, cancel := context.WithTimeout(context.Background(), terminateTimeout)
			if err := sb.Terminate(ctx); err != nil {
				slog.Warn("terminating sandbox", "worker_id", w.ID, "error", err)
			}
			cancel()
		}
		if done != nil {
			done()
		}
	}()
}

// Scale evicts idle workers past idle_ttl and provisions unbound workers up
// to min_warm. Unbound workers within min_warm are kept regardless of age.
func (p *Pool) Scale(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	now := p.now()
	if p.sizing.IdleTTL > 0 {
		kept := p.idle[:0]
		surplus := p.unboundIdleLocked() - p.sizing.MinWarm
		for _, w := range p.idle {
			expired := now.Sub(w.LastUsedAt) >= p.sizing.IdleTTL
			if expired && w.TenantID != "" {
				debug.Log("pool", "reaping idle worker", "worker_id", w.ID, "tenant_id", w.TenantID, "idle_for", now.Sub(w.LastUsedAt))
				p.retireLocked(w, "idle_ttl")
				continue
			}
			if expired && surplus > 0 {
				surplus--
				debug.Log("pool", "reaping idle worker", "worker_id", w.ID, "idle_for", now.Sub(w.LastUsedAt))
				p.retireLocked(w, "idle_ttl")
				continue
			}
			kept = append(kept, w)
		}
		p.idle = kept
	}

	warm := p.unboundIdleLocked()
	for _, w := range p.workers {
		if w.State == api.WorkerProvisioning {
			warm++
		}
	}
	deficit := p.sizing.MinWarm - warm
	if room := p.sizing.MaxSize - p.activeLocked(); deficit > room {
		deficit = room
	}
	fresh := make([]*Worker, 0, max(deficit, 0))
	for i := 0; i < deficit; i++ {
		fresh = append(fresh, p.newWorkerLocked())
	}
	p.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range fresh {
		g.Go(func() error {
			if err := p.provision(gctx, w); err != nil {
				return err
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				p.retireLocked(w, "shutdown")
				return nil
			}
			if err := w.transition(api.WorkerIdle); err != nil {
				return err
			}
			p.idle = append(p.idle, w)
			p.recordLocked()
			p.notifyLocked()
			return nil
		})
	}
	return g.Wait()
}

// CheckHealth pings every idle worker and taints the ones that fail.
func (p *Pool) CheckHealth(ctx context.Context, timeout time.Duration) {
	p.mu.Lock()
	candidates := make([]*Worker, len(p.idle))
	copy(candidates, p.idle)
	p.mu.Unlock()

	for _, w := range candidates {
		p.mu.Lock()
		if !p.removeIdleLocked(w) {
			p.mu.Unlock()
			continue
		}
		p.assignLocked(w, w.TenantID)
		p.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := w.sandbox.Ping(pctx)
		cancel()

		p.mu.Lock()
		if err != nil {
			slog.Warn("worker failed health check", "worker_id", w.ID, "pool", p.key, "error", err)
			_ = w.transition(api.WorkerTainted)
			p.terminateTaintedLocked(w)
		} else {
			_ = w.transition(api.WorkerIdle)
			if p.closed {
				p.retireLocked(w, "shutdown")
			} else {
				p.idle = append(p.idle, w)
				p.recordLocked()
			}
		}
		p.notifyLocked()
		p.mu.Unlock()
	}
}

func (p *Pool) unboundIdleLocked() int {
	n := 0
	for _, w := range p.idle {
		if w.TenantID == "" {
			n++
		}
	}
	return n
}

func (p *Pool) removeIdleLocked(w *Worker) bool {
	for i, c := range p.idle {
		if c == w {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the partition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Workers returns a snapshot of every live worker.
func (p *Pool) Workers() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info())
	}
	return out
}

func (p *Pool) statsLocked() Stats {
	s := Stats{
		Language:  p.key.Language,
		Partition: p.key.Partition,
		MinWarm:   p.sizing.MinWarm,
		MaxSize:   p.sizing.MaxSize,
	}
	for _, w := range p.workers {
		switch w.State {
		case api.WorkerProvisioning:
			s.Provisioning++
		case api.WorkerIdle:
			s.Idle++
		case api.WorkerAssigned:
			s.Assigned++
		case api.WorkerExecuting:
			s.Executing++
		case api.WorkerTainted:
			s.Tainted++
		}
	}
	return s
}

func (p *Pool) activeLocked() int {
	return p.statsLocked().Active()
}

func (p *Pool) recordLocked() {
	s := p.statsLocked()
	lang, part := string(p.key.Language), p.key.Partition
	workersGauge.WithLabelValues(lang, part, string(api.WorkerProvisioning)).Set(float64(s.Provisioning))
	workersGauge.WithLabelValues(lang, part, string(api.WorkerIdle)).Set(float64(s.Idle))
	workersGauge.WithLabelValues(lang, part, string(api.WorkerAssigned)).Set(float64(s.Assigned))
	workersGauge.WithLabelValues(lang, part, string(api.WorkerExecuting)).Set(float64(s.Executing))
	workersGauge.WithLabelValues(lang, part, string(api.WorkerTainted)).Set(float64(s.Tainted))
}

// notifyLocked wakes every Acquire waiting for capacity.
func (p *Pool) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// Close terminates idle workers and rejects further acquisitions. Leased
// workers are terminated when released. Close waits for terminations to
// finish or ctx to expire.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, w := range p.idle {
			p.retireLocked(w, "shutdown")
		}
		p.idle = nil
		p.notifyLocked()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
