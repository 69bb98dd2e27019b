package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/auth"
	"github.com/rhuss/toolrunner/pkg/debug"
	"github.com/rhuss/toolrunner/pkg/storage"
	"github.com/rhuss/toolrunner/pkg/transport"
)

// Server exposes the latest version of every registered tool over MCP.
//
// An MCP session belongs to the caller that initialized it, so the server
// keeps one *mcp.Server per tenant and binds the tenant into every tool
// handler. tools/call is served by the same Invoker as POST /v1/invoke.
type Server struct {
	invoker transport.Invoker
	catalog transport.ToolCatalog
	impl    *mcp.Implementation

	mu      sync.Mutex
	servers map[scope]*tenantServer
	tools   map[string]*api.ToolDefinition // name -> latest version
}

type scope struct {
	tenantID string
	tier     string
}

type tenantServer struct {
	server   *mcp.Server
	identity *auth.Identity
}

// New creates an MCP server. Call Sync to publish the catalog.
func New(invoker transport.Invoker, catalog transport.ToolCatalog, version string) *Server {
	return &Server{
		invoker: invoker,
		catalog: catalog,
		impl:    &mcp.Implementation{Name: "toolrunner", Version: version},
		servers: make(map[scope]*tenantServer),
		tools:   make(map[string]*api.ToolDefinition),
	}
}

// Handler returns the streamable HTTP handler. It must run behind the auth
// middleware so every request is scoped to a tenant.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		tenantID := storage.GetTenant(r.Context())
		if tenantID == "" {
			return nil
		}
		return s.ServerFor(tenantID, auth.IdentityFromContext(r.Context()))
	}, nil)
}

// ServerFor returns the MCP server bound to tenantID, creating it on first
// use. id, when set, supplies the service tier for calls in its sessions.
func (s *Server) ServerFor(tenantID string, id *auth.Identity) *mcp.Server {
	key := scope{tenantID: tenantID}
	if id != nil && id.TenantID() == tenantID {
		key.tier = id.ServiceTier
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.servers[key]; ok {
		return ts.server
	}

	ts := &tenantServer{
		server:   mcp.NewServer(s.impl, nil),
		identity: id,
	}
	for _, def := range s.tools {
		s.addTool(ts, tenantID, def)
	}
	s.servers[key] = ts
	debug.Log("transport", "mcp server created", "tenant_id", tenantID, "tier", key.tier, "tools", len(s.tools))
	return ts.server
}

// Sync reloads the catalog and updates the tool list of every tenant
// server. A tool whose latest version changed is replaced in place.
func (s *Server) Sync(ctx context.Context) error {
	defs, err := s.catalog.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}

	latest := make(map[string]*api.ToolDefinition, len(defs))
	for _, def := range defs {
		latest[def.Name] = def
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for name := range s.tools {
		if _, ok := latest[name]; !ok {
			removed = append(removed, name)
		}
	}

	var changed []*api.ToolDefinition
	for name, def := range latest {
		if cur, ok := s.tools[name]; !ok || cur.ContentHash != def.ContentHash {
			changed = append(changed, def)
		}
	}

	for key, ts := range s.servers {
		if len(removed) > 0 {
			ts.server.RemoveTools(removed...)
		}
		for _, def := range changed {
			s.addTool(ts, key.tenantID, def)
		}
	}
	s.tools = latest

	if len(removed) > 0 || len(changed) > 0 {
		debug.Log("transport", "mcp catalog synced", "tools", len(latest), "changed", len(changed), "removed", len(removed))
	}
	return nil
}

// Run syncs the catalog every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Sync(ctx); err != nil {
				slog.Warn("mcp catalog sync failed", "error", err)
			}
		}
	}
}

// addTool registers def on ts. Adding a tool with an existing name
// replaces it.
func (s *Server) addTool(ts *tenantServer, tenantID string, def *api.ToolDefinition) {
	hash := def.ContentHash
	ts.server.AddTool(&mcp.Tool{
		Name:        def.Name,
		Description: def.Description,
		InputSchema: inputSchema(def.InputSchema),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx = storage.SetTenant(ctx, tenantID)
		if ts.identity != nil {
			ctx = auth.SetIdentity(ctx, ts.identity)
		}

		args := req.Params.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		res, _ := s.invoker.Invoke(ctx, api.InvokeRequest{
			TenantID:    tenantID,
			ToolName:    def.Name,
			ContentHash: hash,
			Arguments:   args,
		})
		return toCallResult(res), nil
	})
}

// inputSchema converts a stored schema for the MCP tool listing, which
// requires an object schema.
func inputSchema(raw json.RawMessage) map[string]any {
	var s map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &s); err != nil {
			s = nil
		}
	}
	if s == nil {
		s = map[string]any{}
	}
	if _, ok := s["type"]; !ok {
		s["type"] = "object"
	}
	return s
}

// toCallResult renders an execution result. Success carries the payload
// as text and structured content; every other code is an error result whose
// text is the full execution result.
func toCallResult(res *api.ExecutionResult) *mcp.CallToolResult {
	if res == nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: string(api.CodeInternalError)}},
		}
	}
	if res.Code == api.CodeOK {
		out := &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(res.Payload)}},
		}
		var structured map[string]any
		if json.Unmarshal(res.Payload, &structured) == nil && structured != nil {
			out.StructuredContent = structured
		}
		return out
	}

	body, err := json.Marshal(res)
	if err != nil {
		body = []byte(string(res.Code))
	}
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}
}
