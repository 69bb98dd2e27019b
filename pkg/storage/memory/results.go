package memory

import (
	"context"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/audit"
	"github.com/rhuss/toolrunner/pkg/storage"
)

// AppendResult records an execution result, evicting the oldest result
// once maxResults is reached.
func (s *Store) AppendResult(_ context.Context, r *api.ExecutionResult) error {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()

	if _, exists := s.results[r.TraceID]; exists {
		return storage.ErrConflict
	}

	if s.maxResults > 0 && s.resultList.Len() >= s.maxResults {
		s.evictOldest()
	}

	cp := *r
	s.results[r.TraceID] = s.resultList.PushFront(&cp)
	return nil
}

// GetResult returns the result recorded for traceID.
func (s *Store) GetResult(_ context.Context, tenantID, traceID string) (*api.ExecutionResult, error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()

	elem, ok := s.results[traceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	r := elem.Value.(*api.ExecutionResult)
	if r.TenantID != tenantID {
		return nil, storage.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListResults returns the tenant's most recent results.
func (s *Store) ListResults(_ context.Context, tenantID string, limit int) ([]*api.ExecutionResult, error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()

	limit = audit.ClampLimit(limit, 1000)
	out := []*api.ExecutionResult{}
	for e := s.resultList.Front(); e != nil && len(out) < limit; e = e.Next() {
		r := e.Value.(*api.ExecutionResult)
		if r.TenantID != tenantID {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// evictOldest removes the oldest result.
// Must be called with s.resultsMu held.
func (s *Store) evictOldest() {
	back := s.resultList.Back()
	if back == nil {
		return
	}
	s.resultList.Remove(back)
	delete(s.results, back.Value.(*api.ExecutionResult).TraceID)
}
