// Package registry stores content-addressed tool definitions.
//
// Registration is the only place tool source is parsed and validated.
// Each accepted definition is immutable and addressed by its content
// hash; registering changed source, schema, or capabilities yields a new
// version while older versions stay resolvable.
//
// A tool name belongs to the tenant that registered its first version.
// Only that tenant may add versions, and other tenants must pin the
// version they invoke by content hash.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/schema"
	"github.com/rhuss/toolrunner/pkg/sourcecheck"
	"github.com/rhuss/toolrunner/pkg/storage"
)

var (
	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "toolrunner_tool_registrations_total",
			Help: "Tool registration attempts by language and result",
		},
		[]string{"language", "result"},
	)

	resolveCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "toolrunner_tool_resolve_cache_hits_total",
			Help: "Hash-pinned resolutions served from the in-process cache",
		},
	)
)

func init() {
	prometheus.MustRegister(registrations, resolveCacheHits)
}

// Store persists tool definitions.
type Store interface {
	// PutTool inserts a new version. Returns storage.ErrConflict when the
	// (name, hash) pair already exists and storage.ErrForbidden when the
	// name belongs to a tenant other than def.Owner.
	PutTool(ctx context.Context, def *api.ToolDefinition) error

	// GetTool returns storage.ErrNotFound for unknown (name, hash) pairs.
	GetTool(ctx context.Context, name, hash string) (*api.ToolDefinition, error)

	// LatestTool returns the most recently registered version of name.
	LatestTool(ctx context.Context, name string) (*api.ToolDefinition, error)

	// ListVersions returns every version of name, newest first.
	ListVersions(ctx context.Context, name string) ([]*api.ToolDefinition, error)

	// ListTools returns the latest version of every tool, sorted by name.
	ListTools(ctx context.Context) ([]*api.ToolDefinition, error)
}

// Resolved is a definition paired with its compiled input schema.
type Resolved struct {
	Definition *api.ToolDefinition
	Schema     *schema.Compiled
}

// Registry validates, stores, and resolves tool definitions.
type Registry struct {
	store   Store
	checker *sourcecheck.Checker
	now     func() time.Time

	mu    sync.RWMutex
	cache map[string]*Resolved // by content hash; definitions are immutable
	group singleflight.Group
}

// New creates a Registry backed by store.
func New(store Store, checker *sourcecheck.Checker) *Registry {
	if checker == nil {
		checker = sourcecheck.New()
	}
	return &Registry{
		store:   store,
		checker: checker,
		now:     time.Now,
		cache:   make(map[string]*Resolved),
	}
}

// ContentHash computes the content address of a definition: the SHA-256 of
// its name, language, source, compacted schema, and sorted capabilities.
func ContentHash(name string, lang api.Language, source string, inputSchema []byte, caps []api.Capability) string {
	sorted := make([]string, len(caps))
	for i, c := range caps {
		sorted[i] = string(c)
	}
	sort.Strings(sorted)

	h := sha256.New()
	for _, part := range []string{name, string(lang), source, string(inputSchema), strings.Join(sorted, ",")} {
		fmt.Fprintf(h, "%d:%s\n", len(part), part)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Register validates req and stores it as a new version owned by
// tenantID. Registering identical content again returns the existing
// version with created=false.
func (r *Registry) Register(ctx context.Context, tenantID string, req api.RegisterRequest) (def *api.ToolDefinition, created bool, err error) {
	lang := req.Language
	defer func() {
		result := "created"
		switch {
		case err != nil:
			result = "rejected"
		case !created:
			result = "unchanged"
		}
		registrations.WithLabelValues(string(lang), result).Inc()
	}()

	if tenantID == "" {
		return nil, false, api.NewValidationError("tenant_id", "tenant_id is required")
	}
	if req.Name == "" {
		return nil, false, api.NewValidationError("tool_name", "tool_name is required")
	}
	if !lang.Valid() {
		return nil, false, api.NewValidationError("language", fmt.Sprintf("unsupported language %q", lang))
	}
	for _, c := range req.Capabilities {
		if !c.Valid() {
			return nil, false, api.NewValidationError("declared_capabilities", fmt.Sprintf("unknown capability %q", c))
		}
	}

	report, err := r.checker.Check(lang, req.Name, req.Source)
	if err != nil {
		return nil, false, api.NewValidationError("source_text", err.Error())
	}

	rawSchema := req.InputSchema
	if len(rawSchema) == 0 && lang == api.LanguagePython {
		rawSchema = report.Schema()
	}
	compiled, err := schema.Compile(rawSchema)
	if err != nil {
		return nil, false, api.NewValidationError("input_schema", err.Error())
	}

	def = &api.ToolDefinition{
		Name:         req.Name,
		Language:     lang,
		Source:       req.Source,
		InputSchema:  compiled.Raw(),
		Capabilities: req.Capabilities,
		Description:  req.Description,
		Owner:        tenantID,
		CreatedAt:    r.now().UTC(),
	}
	def.ContentHash = ContentHash(def.Name, def.Language, def.Source, def.InputSchema, def.Capabilities)

	if err := r.store.PutTool(ctx, def); err != nil {
		if errors.Is(err, storage.ErrForbidden) {
			return nil, false, api.NewValidationError("tool_name",
				fmt.Sprintf("tool %q is owned by another tenant", def.Name))
		}
		if errors.Is(err, storage.ErrConflict) {
			existing, gerr := r.store.GetTool(ctx, def.Name, def.ContentHash)
			if gerr != nil {
				return nil, false, api.NewInternalError("loading existing tool version", gerr)
			}
			return existing, false, nil
		}
		return nil, false, api.NewInternalError("storing tool definition", err)
	}

	r.mu.Lock()
	r.cache[def.ContentHash] = &Resolved{Definition: def, Schema: compiled}
	r.mu.Unlock()

	slog.Info("tool registered",
		"tool", def.Name,
		"owner", tenantID,
		"language", def.Language,
		"content_hash", def.ContentHash,
		"parameters", len(report.Parameters),
	)
	return def, true, nil
}

// Resolve finds the definition for name pinned to hash on behalf of
// tenantID. An empty hash resolves to the latest version, but only for the
// owner of the tool. Unknown tools and hashes return a validation error.
func (r *Registry) Resolve(ctx context.Context, tenantID, name, hash string) (*Resolved, error) {
	if name == "" {
		return nil, api.NewValidationError("tool_name", "tool_name is required")
	}

	if hash == "" {
		latest, err := r.store.LatestTool(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, api.NewValidationError("tool_name", fmt.Sprintf("unknown tool %q", name))
		}
		if err != nil {
			return nil, api.NewInternalError("resolving latest tool version", err)
		}
		if latest.Owner != tenantID {
			return nil, api.NewValidationError("content_hash",
				fmt.Sprintf("content_hash is required to invoke tool %q of another tenant", name))
		}
		hash = latest.ContentHash
	}

	r.mu.RLock()
	cached, ok := r.cache[hash]
	r.mu.RUnlock()
	if ok {
		if cached.Definition.Name != name {
			return nil, unknownVersion(name, hash)
		}
		resolveCacheHits.Inc()
		return cached, nil
	}

	v, err, _ := r.group.Do(name+"@"+hash, func() (any, error) {
		return r.load(ctx, name, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolved), nil
}

// load fetches and verifies a definition, then compiles its schema.
func (r *Registry) load(ctx context.Context, name, hash string) (*Resolved, error) {
	def, err := r.store.GetTool(ctx, name, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, unknownVersion(name, hash)
	}
	if err != nil {
		return nil, api.NewInternalError("loading tool definition", err)
	}

	if got := ContentHash(def.Name, def.Language, def.Source, def.InputSchema, def.Capabilities); got != hash {
		return nil, api.NewInternalError("stored tool definition does not match its content hash",
			fmt.Errorf("tool %s: stored %s, computed %s", name, hash, got))
	}

	compiled, err := schema.Compile(def.InputSchema)
	if err != nil {
		return nil, api.NewInternalError("compiling stored input schema", err)
	}

	res := &Resolved{Definition: def, Schema: compiled}
	r.mu.Lock()
	r.cache[hash] = res
	r.mu.Unlock()

	debug.Log("registry", "tool version loaded", "tool", name, "content_hash", hash)
	return res, nil
}

// Versions lists every version of name, newest first.
func (r *Registry) Versions(ctx context.Context, name string) ([]*api.ToolDefinition, error) {
	versions, err := r.store.ListVersions(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, api.NewInternalError("listing tool versions", err)
	}
	if len(versions) == 0 {
		return nil, api.NewValidationError("tool_name", fmt.Sprintf("unknown tool %q", name))
	}
	return versions, nil
}

// List returns the latest version of every registered tool.
func (r *Registry) List(ctx context.Context) ([]*api.ToolDefinition, error) {
	defs, err := r.store.ListTools(ctx)
	if err != nil {
		return nil, api.NewInternalError("listing tools", err)
	}
	return defs, nil
}

func unknownVersion(name, hash string) *api.ExecError {
	return api.NewValidationError("content_hash", fmt.Sprintf("unknown version %s of tool %q", hash, name))
}
