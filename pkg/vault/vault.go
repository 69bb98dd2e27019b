// Package vault provides the tenant-namespaced document store that tools
// reach through their injected context.
//
// Tools never see a [Store] directly. The orchestrator constructs a
// [Scoped] handle bound to exactly one tenant and passes it to the
// runtime; every operation on the handle carries that tenant, so a tool
// cannot address another tenant's namespace whatever it sends.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	// DefaultLimit bounds Query results when the caller passes no limit.
	DefaultLimit = 100

	// MaxLimit is the largest accepted Query limit.
	MaxLimit = 1000

	// MaxValueBytes bounds a single stored document.
	MaxValueBytes = 1 << 20
)

var (
	// ErrInvalidName is returned for malformed collection names or keys.
	ErrInvalidName = errors.New("invalid collection or key")

	// ErrValueTooLarge is returned when a document exceeds MaxValueBytes.
	ErrValueTooLarge = errors.New("value too large")

	// ErrInvalidValue is returned when a value is not valid JSON.
	ErrInvalidValue = errors.New("value must be valid JSON")

	// ErrNotObject is returned when an update or the document it targets
	// is not a JSON object.
	ErrNotObject = errors.New("value must be a JSON object")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]{1,128}$`)

// Document is one stored value.
type Document struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Store is the persistence collaborator. Every method takes the tenant
// explicitly; implementations must never return another tenant's data.
type Store interface {
	// Get returns storage.ErrNotFound when the document does not exist.
	Get(ctx context.Context, tenantID, collection, key string) (*Document, error)

	// Put inserts or replaces the document. CreatedAt is preserved on replace.
	Put(ctx context.Context, tenantID string, doc *Document) (*Document, error)

	// Query returns up to limit documents matching f, ordered by key.
	Query(ctx context.Context, tenantID, collection string, f Filter, limit int) ([]*Document, error)

	// Update merges the top-level fields of a JSON object into the stored
	// object. Returns storage.ErrNotFound when the document does not exist
	// and ErrNotObject when it is not an object.
	Update(ctx context.Context, tenantID, collection, key string, fields json.RawMessage) (*Document, error)

	// Delete returns storage.ErrNotFound when the document does not exist.
	Delete(ctx context.Context, tenantID, collection, key string) error

	// Clear removes every document of collection and reports how many.
	Clear(ctx context.Context, tenantID, collection string) (int, error)

	Count(ctx context.Context, tenantID, collection string, f Filter) (int, error)
	Collections(ctx context.Context, tenantID string) ([]string, error)
}

// Scoped is a capability handle bound to one tenant.
type Scoped struct {
	store  Store
	tenant string
}

// NewScoped binds store to tenantID.
func NewScoped(store Store, tenantID string) *Scoped {
	return &Scoped{store: store, tenant: tenantID}
}

// Tenant returns the bound tenant.
func (s *Scoped) Tenant() string {
	return s.tenant
}

// Get retrieves a document by key.
func (s *Scoped) Get(ctx context.Context, collection, key string) (*Document, error) {
	if err := validateNames(collection, key); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, s.tenant, collection, key)
}

// Put stores value under key. An empty key is replaced by a generated one
// of the form <collection>_<12 hex digits>.
func (s *Scoped) Put(ctx context.Context, collection, key string, value json.RawMessage) (*Document, error) {
	if key == "" {
		key = GenerateKey(collection)
	}
	if err := validateNames(collection, key); err != nil {
		return nil, err
	}
	if len(value) > MaxValueBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))
	}
	if !json.Valid(value) {
		return nil, ErrInvalidValue
	}
	return s.store.Put(ctx, s.tenant, &Document{Collection: collection, Key: key, Value: value})
}

// Query returns documents in collection matching f.
func (s *Scoped) Query(ctx context.Context, collection string, f Filter, limit int) ([]*Document, error) {
	if err := validateNames(collection, ""); err != nil {
		return nil, err
	}
	return s.store.Query(ctx, s.tenant, collection, f, clampLimit(limit))
}

// Update merges fields into an existing object document. The key is
// required; a missing document reports storage.ErrNotFound.
func (s *Scoped) Update(ctx context.Context, collection, key string, fields json.RawMessage) (*Document, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: key is required", ErrInvalidName)
	}
	if err := validateNames(collection, key); err != nil {
		return nil, err
	}
	if len(fields) > MaxValueBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(fields))
	}
	if !IsObject(fields) {
		return nil, ErrNotObject
	}
	return s.store.Update(ctx, s.tenant, collection, key, fields)
}

// Delete removes a document.
func (s *Scoped) Delete(ctx context.Context, collection, key string) error {
	if err := validateNames(collection, key); err != nil {
		return err
	}
	return s.store.Delete(ctx, s.tenant, collection, key)
}

// Clear empties collection.
func (s *Scoped) Clear(ctx context.Context, collection string) (int, error) {
	if err := validateNames(collection, ""); err != nil {
		return 0, err
	}
	return s.store.Clear(ctx, s.tenant, collection)
}

// Count returns the number of documents in collection matching f.
func (s *Scoped) Count(ctx context.Context, collection string, f Filter) (int, error) {
	if err := validateNames(collection, ""); err != nil {
		return 0, err
	}
	return s.store.Count(ctx, s.tenant, collection, f)
}

// Collections lists the tenant's non-empty collections.
func (s *Scoped) Collections(ctx context.Context) ([]string, error) {
	return s.store.Collections(ctx, s.tenant)
}

// GenerateKey returns a fresh key for collection.
func GenerateKey(collection string) string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return collection + "_" + hex.EncodeToString(b)
}

// IsObject reports whether raw is a JSON object.
func IsObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil && m != nil
}

// Merge returns base with the top-level fields of fields set on it.
func Merge(base, fields json.RawMessage) (json.RawMessage, error) {
	var doc, upd map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil || doc == nil {
		return nil, ErrNotObject
	}
	if err := json.Unmarshal(fields, &upd); err != nil || upd == nil {
		return nil, ErrNotObject
	}
	for k, v := range upd {
		doc[k] = v
	}
	return json.Marshal(doc)
}

func validateNames(collection, key string) error {
	if !namePattern.MatchString(collection) {
		return fmt.Errorf("%w: collection %q", ErrInvalidName, collection)
	}
	if key != "" && !namePattern.MatchString(key) {
		return fmt.Errorf("%w: key %q", ErrInvalidName, key)
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
