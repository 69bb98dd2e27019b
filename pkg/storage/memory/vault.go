package memory

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rhuss/toolrunner/pkg/storage"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// Get returns one vault document.
func (s *Store) Get(_ context.Context, tenantID, collection, key string) (*vault.Document, error) {
	s.vaultMu.RLock()
	defer s.vaultMu.RUnlock()

	doc, ok := s.vault[tenantID][collection][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

// Put inserts or replaces a vault document.
func (s *Store) Put(_ context.Context, tenantID string, doc *vault.Document) (*vault.Document, error) {
	s.vaultMu.Lock()
	defer s.vaultMu.Unlock()

	collections, ok := s.vault[tenantID]
	if !ok {
		collections = make(map[string]map[string]*vault.Document)
		s.vault[tenantID] = collections
	}
	docs, ok := collections[doc.Collection]
	if !ok {
		docs = make(map[string]*vault.Document)
		collections[doc.Collection] = docs
	}

	now := time.Now().UTC()
	stored := &vault.Document{
		Collection: doc.Collection,
		Key:        doc.Key,
		Value:      append([]byte(nil), doc.Value...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if prev, exists := docs[doc.Key]; exists {
		stored.CreatedAt = prev.CreatedAt
	}
	docs[doc.Key] = stored

	cp := *stored
	return &cp, nil
}

// Query returns matching documents ordered by key.
func (s *Store) Query(_ context.Context, tenantID, collection string, f vault.Filter, limit int) ([]*vault.Document, error) {
	s.vaultMu.RLock()
	defer s.vaultMu.RUnlock()

	matches := s.matching(tenantID, collection, f)
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Update merges fields into an existing object document.
func (s *Store) Update(_ context.Context, tenantID, collection, key string, fields json.RawMessage) (*vault.Document, error) {
	s.vaultMu.Lock()
	defer s.vaultMu.Unlock()

	prev, ok := s.vault[tenantID][collection][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	merged, err := vault.Merge(prev.Value, fields)
	if err != nil {
		return nil, err
	}
	stored := *prev
	stored.Value = merged
	stored.UpdatedAt = time.Now().UTC()
	s.vault[tenantID][collection][key] = &stored

	cp := stored
	return &cp, nil
}

// Clear removes every document of a collection.
func (s *Store) Clear(_ context.Context, tenantID, collection string) (int, error) {
	s.vaultMu.Lock()
	defer s.vaultMu.Unlock()

	n := len(s.vault[tenantID][collection])
	delete(s.vault[tenantID], collection)
	return n, nil
}

// Delete removes a vault document.
func (s *Store) Delete(_ context.Context, tenantID, collection, key string) error {
	s.vaultMu.Lock()
	defer s.vaultMu.Unlock()

	docs := s.vault[tenantID][collection]
	if _, ok := docs[key]; !ok {
		return storage.ErrNotFound
	}
	delete(docs, key)
	if len(docs) == 0 {
		delete(s.vault[tenantID], collection)
	}
	return nil
}

// Count returns the number of matching documents.
func (s *Store) Count(_ context.Context, tenantID, collection string, f vault.Filter) (int, error) {
	s.vaultMu.RLock()
	defer s.vaultMu.RUnlock()

	return len(s.matching(tenantID, collection, f)), nil
}

// Collections lists the tenant's non-empty collections, sorted.
func (s *Store) Collections(_ context.Context, tenantID string) ([]string, error) {
	s.vaultMu.RLock()
	defer s.vaultMu.RUnlock()

	names := []string{}
	for name, docs := range s.vault[tenantID] {
		if len(docs) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// matching returns copies of the documents in collection that match f,
// ordered by key. Must be called with s.vaultMu held.
func (s *Store) matching(tenantID, collection string, f vault.Filter) []*vault.Document {
	var out []*vault.Document
	for _, doc := range s.vault[tenantID][collection] {
		if f.Match(doc.Value) {
			cp := *doc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
