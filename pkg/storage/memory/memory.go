// Package memory provides in-memory implementations of the toolrunner
// stores for testing and single-replica deployments. State is lost when
// the process restarts; session counters are then re-seeded by the
// billing reconciler.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/audit"
	"github.com/rhuss/toolrunner/pkg/gate"
	"github.com/rhuss/toolrunner/pkg/registry"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// Store holds tools, session windows, execution results, and vault
// documents. Each concern has its own lock so a slow vault query never
// blocks admission.
type Store struct {
	toolsMu sync.RWMutex
	tools   map[string][]*api.ToolDefinition // name -> versions, oldest first

	shards [shardCount]windowShard

	resultsMu  sync.RWMutex
	results    map[string]*list.Element // trace_id -> element holding *api.ExecutionResult
	resultList *list.List               // front = newest
	maxResults int                      // 0 = unlimited

	vaultMu sync.RWMutex
	vault   map[string]map[string]map[string]*vault.Document // tenant -> collection -> key
}

// Ensure Store implements every store interface at compile time.
var (
	_ registry.Store   = (*Store)(nil)
	_ gate.WindowStore = (*Store)(nil)
	_ audit.Store      = (*Store)(nil)
	_ vault.Store      = (*Store)(nil)
)

// New creates an empty store. maxResults bounds the audit log; when it
// is reached the oldest result is evicted. Zero keeps every result.
func New(maxResults int) *Store {
	s := &Store{
		tools:      make(map[string][]*api.ToolDefinition),
		results:    make(map[string]*list.Element),
		resultList: list.New(),
		maxResults: maxResults,
		vault:      make(map[string]map[string]map[string]*vault.Document),
	}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*api.SessionWindow)
	}
	return s
}

// HealthCheck always returns nil for the in-memory store.
func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error {
	return nil
}
