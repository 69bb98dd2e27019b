package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/runtime/runtimetest"
)

func newTestPool(t *testing.T, sizing Sizing, wait time.Duration) (*Pool, *runtimetest.Provisioner) {
	t.Helper()
	prov := runtimetest.New(api.LanguagePython, nil)
	p := newPool(Key{Language: api.LanguagePython}, prov, sizing, time.Second, wait)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p, prov
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWarmWorkersServeFirst(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MinWarm: 2, MaxSize: 4}, time.Second)
	if err := p.Scale(context.Background()); err != nil {
		t.Fatalf("Scale: %v", err)
	}
	if s := p.Stats(); s.Idle != 2 || prov.Provisioned() != 2 {
		t.Fatalf("after warm-up: %+v, provisioned %d", s, prov.Provisioned())
	}

	lease, err := p.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if prov.Provisioned() != 2 {
		t.Errorf("acquire provisioned a new worker despite idle capacity")
	}
	if s := p.Stats(); s.Idle != 1 || s.Assigned != 1 {
		t.Errorf("stats = %+v", s)
	}
	lease.Release(true)
	if s := p.Stats(); s.Idle != 2 {
		t.Errorf("after release: %+v", s)
	}
}

func TestExclusiveLeasesWithinBound(t *testing.T) {
	const maxSize = 3
	p, prov := newTestPool(t, Sizing{MaxSize: maxSize}, 5*time.Second)

	var (
		mu     sync.Mutex
		active = make(map[string]int)
		wg     sync.WaitGroup
	)
	errs := make(chan error, 100)

	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				lease, err := p.Acquire(context.Background(), "")
				if err != nil {
					errs <- err
					return
				}
				if err := lease.Begin(); err != nil {
					errs <- err
					return
				}

				mu.Lock()
				active[lease.WorkerID()]++
				n := active[lease.WorkerID()]
				mu.Unlock()
				if n > 1 {
					errs <- errors.New("two executions shared worker " + lease.WorkerID())
				}
				if s := p.Stats(); s.Active() > maxSize {
					errs <- errors.New("pool exceeded max_size")
				}

				_, _ = lease.Sandbox().Execute(context.Background(), runtime.Invocation{})
				time.Sleep(time.Millisecond)

				mu.Lock()
				active[lease.WorkerID()]--
				mu.Unlock()
				lease.Release(true)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := prov.Provisioned(); n > maxSize {
		t.Errorf("provisioned %d workers, max %d", n, maxSize)
	}
	for _, sb := range prov.Sandboxes() {
		if sb.MaxConcurrent() > 1 {
			t.Errorf("sandbox %s ran %d executions concurrently", sb.ID(), sb.MaxConcurrent())
		}
	}
}

func TestSaturatedPoolRejectsAfterQueueWait(t *testing.T) {
	p, _ := newTestPool(t, Sizing{MaxSize: 1}, 100*time.Millisecond)

	held, err := p.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	_, err = p.Acquire(context.Background(), "t2")
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("err = %v, want ErrSaturated", err)
	}
	if waited := time.Since(start); waited < 90*time.Millisecond {
		t.Errorf("rejected after %s, before the queue wait elapsed", waited)
	}

	held.Release(true)
	lease, err := p.Acquire(context.Background(), "t2")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	lease.Release(true)
}

func TestWaiterReceivesReleasedWorker(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 1}, 2*time.Second)

	held, err := p.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		held.Release(true)
	}()

	lease, err := p.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release(true)
	if lease.WorkerID() != held.WorkerID() {
		t.Errorf("waiter got %s, want the released worker %s", lease.WorkerID(), held.WorkerID())
	}
	if prov.Provisioned() != 1 {
		t.Errorf("provisioned %d workers, want 1", prov.Provisioned())
	}
}

func TestWorkerNeverServesTwoTenants(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 1}, 2*time.Second)

	first, err := p.Acquire(context.Background(), "tenant-b")
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Begin(); err != nil {
		t.Fatal(err)
	}
	first.Release(true)

	next, err := p.Acquire(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Acquire for another tenant: %v", err)
	}
	defer next.Release(true)
	if next.WorkerID() == first.WorkerID() {
		t.Fatal("tenant-a was leased tenant-b's worker")
	}
	if prov.Provisioned() != 2 {
		t.Errorf("provisioned %d workers, want 2", prov.Provisioned())
	}

	sb := prov.Sandboxes()[0]
	select {
	case <-sb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("evicted worker was not terminated")
	}
	for _, w := range p.Workers() {
		if w.ID == next.WorkerID() && w.TenantID != "tenant-a" {
			t.Errorf("worker bound to %q, want tenant-a", w.TenantID)
		}
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	p, _ := newTestPool(t, Sizing{MaxSize: 1}, 5*time.Second)
	held, _ := p.Acquire(context.Background(), "")
	defer held.Release(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, ""); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestTaintedWorkerIsNeverReused(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 2}, time.Second)

	lease, err := p.Acquire(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	tainted := lease.WorkerID()
	if err := lease.Begin(); err != nil {
		t.Fatal(err)
	}
	lease.Release(false)
	lease.Release(true) // ignored

	sb := prov.Sandboxes()[0]
	select {
	case <-sb.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("tainted sandbox was not terminated")
	}
	waitFor(t, "tainted worker removal", func() bool { return p.Stats().Tainted == 0 })

	for i := 0; i < 3; i++ {
		next, err := p.Acquire(context.Background(), "t1")
		if err != nil {
			t.Fatal(err)
		}
		if next.WorkerID() == tainted {
			t.Fatal("tainted worker was leased again")
		}
		next.Release(true)
	}
}

func TestTaintedWorkerHoldsCapacityUntilTerminated(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 1}, 2*time.Second)
	lease, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	unblock := prov.Sandboxes()[0].HoldTerminate()
	if err := lease.Begin(); err != nil {
		t.Fatal(err)
	}
	lease.Release(false)

	if s := p.Stats(); s.Tainted != 1 || s.Active() != 1 {
		t.Fatalf("stats while terminating = %+v", s)
	}

	acquired := make(chan error, 1)
	go func() {
		next, err := p.Acquire(context.Background(), "")
		if err == nil {
			next.Release(true)
		}
		acquired <- err
	}()

	select {
	case err := <-acquired:
		t.Fatalf("Acquire returned while the tainted worker held the slot: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	unblock()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire after termination: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire did not proceed after termination")
	}
}

func TestRecycleAfterMaxExecutions(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 1, MaxExecutions: 2}, time.Second)

	var ids []string
	for i := 0; i < 4; i++ {
		lease, err := p.Acquire(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		if err := lease.Begin(); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, lease.WorkerID())
		lease.Release(true)
	}

	if ids[0] != ids[1] || ids[2] != ids[3] || ids[1] == ids[2] {
		t.Errorf("worker sequence = %v, want each worker used twice", ids)
	}
	if prov.Provisioned() != 2 {
		t.Errorf("provisioned %d, want 2", prov.Provisioned())
	}
}

func TestScaleReapsIdleAboveMinWarm(t *testing.T) {
	p, _ := newTestPool(t, Sizing{MinWarm: 1, MaxSize: 4, IdleTTL: time.Minute}, time.Second)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	p.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := p.Acquire(context.Background(), "")
		if err != nil {
			t.Fatal(err)
		}
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release(true)
	}
	if s := p.Stats(); s.Idle != 3 {
		t.Fatalf("idle = %d, want 3", s.Idle)
	}

	if err := p.Scale(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := p.Stats(); s.Idle != 3 {
		t.Errorf("reaped before idle_ttl: %+v", s)
	}

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	if err := p.Scale(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := p.Stats(); s.Idle != 1 {
		t.Errorf("after idle_ttl: idle = %d, want min_warm 1", s.Idle)
	}
}

func TestProvisionFailure(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 2}, time.Second)
	prov.FailWith(errors.New("image pull backoff"))

	if _, err := p.Acquire(context.Background(), ""); !errors.Is(err, ErrProvision) {
		t.Fatalf("err = %v, want ErrProvision", err)
	}
	if s := p.Stats(); s.Active() != 0 {
		t.Errorf("failed provisioning left workers behind: %+v", s)
	}

	prov.FailWith(nil)
	lease, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatalf("Acquire after recovery: %v", err)
	}
	lease.Release(true)
}

type stalledProvisioner struct{}

func (stalledProvisioner) Language() api.Language { return api.LanguagePython }

func (stalledProvisioner) Provision(ctx context.Context, _ string) (runtime.Sandbox, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProvisionStallReportsCause(t *testing.T) {
	p := newPool(Key{Language: api.LanguagePython}, stalledProvisioner{}, Sizing{MaxSize: 1}, 50*time.Millisecond, time.Second)
	t.Cleanup(func() { _ = p.Close(context.Background()) })

	// The provisioning timeout is an infrastructure failure.
	_, err := p.Acquire(context.Background(), "t1")
	if !errors.Is(err, ErrProvision) || errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("provision timeout: err = %v", err)
	}

	// The caller's own deadline stays visible in the chain.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, "t1")
	if !errors.Is(err, ErrProvision) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("caller deadline: err = %v", err)
	}
}

func TestHealthCheckTaintsUnresponsive(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MinWarm: 2, MaxSize: 2}, time.Second)
	if err := p.Scale(context.Background()); err != nil {
		t.Fatal(err)
	}
	bad := prov.Sandboxes()[0]
	bad.FailPings()

	p.CheckHealth(context.Background(), time.Second)

	select {
	case <-bad.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("unhealthy sandbox not terminated")
	}
	waitFor(t, "tainted worker removal", func() bool { return p.Stats().Tainted == 0 })
	if s := p.Stats(); s.Idle != 1 {
		t.Errorf("idle = %d, want 1 healthy worker", s.Idle)
	}

	if err := p.Scale(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s := p.Stats(); s.Idle != 2 {
		t.Errorf("scaler did not replace the tainted worker: %+v", s)
	}
}

func TestIdleWorkerOfOwnTenantPreferred(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MaxSize: 2}, time.Second)

	a, _ := p.Acquire(context.Background(), "tenant-a")
	b, _ := p.Acquire(context.Background(), "tenant-b")
	aID, bID := a.WorkerID(), b.WorkerID()
	a.Release(true)
	b.Release(true)

	// tenant-b's worker is the most recent, but only tenant-a's may serve tenant-a.
	next, err := p.Acquire(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	if next.WorkerID() != aID {
		t.Errorf("got worker %s, want tenant-a's previous worker %s", next.WorkerID(), aID)
	}
	next.Release(true)

	// A third tenant evicts an idle worker rather than reusing one.
	c, err := p.Acquire(context.Background(), "tenant-c")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Release(true)
	if c.WorkerID() == aID || c.WorkerID() == bID {
		t.Errorf("tenant-c was leased worker %s of another tenant", c.WorkerID())
	}
	if prov.Provisioned() != 3 {
		t.Errorf("provisioned %d workers, want 3", prov.Provisioned())
	}
}

func TestScaleReapsBoundWorkersAfterIdleTTL(t *testing.T) {
	p, _ := newTestPool(t, Sizing{MinWarm: 1, MaxSize: 4, IdleTTL: time.Minute}, time.Second)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	p.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	l, err := p.Acquire(context.Background(), "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	l.Release(true)

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	if err := p.Scale(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, w := range p.Workers() {
		if w.TenantID == "tenant-a" {
			t.Errorf("bound worker %s survived idle_ttl", w.ID)
		}
	}
	if s := p.Stats(); s.Idle != 1 {
		t.Errorf("idle = %d, want one fresh unbound worker", s.Idle)
	}
}

func TestCloseTerminatesWorkers(t *testing.T) {
	p, prov := newTestPool(t, Sizing{MinWarm: 1, MaxSize: 2}, time.Second)
	if err := p.Scale(context.Background()); err != nil {
		t.Fatal(err)
	}
	lease, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	idle, err := p.Acquire(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	idle.Release(true)

	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(context.Background(), ""); !errors.Is(err, ErrClosed) {
		t.Errorf("Acquire after Close = %v, want ErrClosed", err)
	}

	lease.Release(true)
	if err := p.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, sb := range prov.Sandboxes() {
		if !sb.Terminated() {
			t.Errorf("sandbox %s still running after Close", sb.ID())
		}
	}
}

func TestManagerPartitions(t *testing.T) {
	py := runtimetest.New(api.LanguagePython, nil)
	m := NewManager([]runtime.Provisioner{py}, Config{
		Sizing:    func(api.Language) Sizing { return Sizing{MaxSize: 1} },
		Dedicated: []string{"enterprise"},
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	shared, err := m.Acquire(context.Background(), AcquireOptions{Language: api.LanguagePython, TenantID: "t1", Tier: "free"})
	if err != nil {
		t.Fatal(err)
	}
	defer shared.Release(true)

	// The shared partition is full, the dedicated one is not.
	dedicated, err := m.Acquire(context.Background(), AcquireOptions{Language: api.LanguagePython, TenantID: "t2", Tier: "enterprise"})
	if err != nil {
		t.Fatalf("dedicated acquire: %v", err)
	}
	defer dedicated.Release(true)

	if _, err := m.Acquire(context.Background(), AcquireOptions{Language: api.LanguageJavaScript}); !errors.Is(err, ErrUnsupportedLanguage) {
		t.Errorf("err = %v, want ErrUnsupportedLanguage", err)
	}

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats = %+v, want 2 partitions", stats)
	}
	if stats[0].Partition != "" || stats[1].Partition != "enterprise" {
		t.Errorf("partition order = %q, %q", stats[0].Partition, stats[1].Partition)
	}
	if got := m.Languages(); len(got) != 1 || got[0] != api.LanguagePython {
		t.Errorf("Languages = %v", got)
	}
}

func TestManagerWarm(t *testing.T) {
	py := runtimetest.New(api.LanguagePython, nil)
	js := runtimetest.New(api.LanguageJavaScript, nil)
	m := NewManager([]runtime.Provisioner{py, js}, Config{
		Sizing: func(lang api.Language) Sizing {
			if lang == api.LanguagePython {
				return Sizing{MinWarm: 2, MaxSize: 4}
			}
			return Sizing{MinWarm: 1, MaxSize: 4}
		},
	})
	t.Cleanup(func() { _ = m.Close(context.Background()) })

	if err := m.Warm(context.Background()); err != nil {
		t.Fatal(err)
	}
	if py.Provisioned() != 2 || js.Provisioned() != 1 {
		t.Errorf("provisioned python=%d javascript=%d", py.Provisioned(), js.Provisioned())
	}
}
