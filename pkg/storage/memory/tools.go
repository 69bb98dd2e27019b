package memory

import (
	"context"
	"sort"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/storage"
)

// PutTool stores a new tool version. The first version fixes the owner of
// the name.
func (s *Store) PutTool(_ context.Context, def *api.ToolDefinition) error {
	s.toolsMu.Lock()
	defer s.toolsMu.Unlock()

	if versions := s.tools[def.Name]; len(versions) > 0 && versions[0].Owner != def.Owner {
		return storage.ErrForbidden
	}
	for _, v := range s.tools[def.Name] {
		if v.ContentHash == def.ContentHash {
			return storage.ErrConflict
		}
	}
	cp := *def
	s.tools[def.Name] = append(s.tools[def.Name], &cp)
	return nil
}

// GetTool returns one version of a tool.
func (s *Store) GetTool(_ context.Context, name, hash string) (*api.ToolDefinition, error) {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()

	for _, v := range s.tools[name] {
		if v.ContentHash == hash {
			cp := *v
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

// LatestTool returns the most recently registered version of a tool.
func (s *Store) LatestTool(_ context.Context, name string) (*api.ToolDefinition, error) {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()

	versions := s.tools[name]
	if len(versions) == 0 {
		return nil, storage.ErrNotFound
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

// ListVersions returns every version of a tool, newest first.
func (s *Store) ListVersions(_ context.Context, name string) ([]*api.ToolDefinition, error) {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()

	versions := s.tools[name]
	if len(versions) == 0 {
		return nil, storage.ErrNotFound
	}
	out := make([]*api.ToolDefinition, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		cp := *versions[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ListTools returns the latest version of every tool, sorted by name.
func (s *Store) ListTools(_ context.Context) ([]*api.ToolDefinition, error) {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()

	out := make([]*api.ToolDefinition, 0, len(s.tools))
	for _, versions := range s.tools {
		cp := *versions[len(versions)-1]
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
