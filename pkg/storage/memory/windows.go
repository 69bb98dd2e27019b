package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/gate"
	"github.com/rhuss/toolrunner/pkg/storage"
)

const shardCount = 64

// windowShard guards the windows of the tenants that hash to it. One
// shard lock is held across the whole check-and-increment.
type windowShard struct {
	mu      sync.Mutex
	windows map[string]*api.SessionWindow
}

func (s *Store) shard(tenantID string) *windowShard {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return &s.shards[h.Sum32()%shardCount]
}

// window returns the tenant's window, creating it on first use.
// Must be called with sh.mu held.
func (sh *windowShard) window(tenantID string, now time.Time, p gate.Policy) *api.SessionWindow {
	w, ok := sh.windows[tenantID]
	if !ok {
		w = gate.NewWindow(tenantID, now, p)
		sh.windows[tenantID] = w
	}
	return w
}

// Admit applies the admission algorithm under the tenant's shard lock.
func (s *Store) Admit(_ context.Context, tenantID string, now time.Time, p gate.Policy) (gate.Decision, error) {
	sh := s.shard(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return gate.Apply(sh.window(tenantID, now, p), now, p), nil
}

// Window returns a copy of the tenant's window.
func (s *Store) Window(_ context.Context, tenantID string) (*api.SessionWindow, error) {
	sh := s.shard(tenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w, ok := sh.windows[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// Reconcile folds a billing report into the tenant's window.
func (s *Store) Reconcile(_ context.Context, u gate.Usage, now time.Time, p gate.Policy) (*api.SessionWindow, error) {
	sh := s.shard(u.TenantID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.window(u.TenantID, now, p)
	gate.Merge(w, u)
	cp := *w
	return &cp, nil
}
