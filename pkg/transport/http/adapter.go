package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/auth/capability"
	"github.com/rhuss/toolrunner/pkg/pool"
	"github.com/rhuss/toolrunner/pkg/storage"
	"github.com/rhuss/toolrunner/pkg/transport"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// maxListLimit caps GET /v1/executions.
const maxListLimit = 500

// TokenVerifier verifies vault capability tokens presented by remote
// sandboxes. *capability.Issuer implements it.
type TokenVerifier interface {
	Verify(token string) (*capability.Claims, error)
}

// Services are the optional read and management backends of the API.
// Endpoints whose backend is nil answer 501.
type Services struct {
	Tools   transport.ToolCatalog
	Usage   transport.UsageReporter
	Results transport.ResultReader
	Pool    transport.PoolReporter

	// Vault and Capabilities together enable POST /v1/vault.
	Vault        vault.Store
	Capabilities TokenVerifier
}

// Adapter serves the toolrunner API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	invoker  transport.Invoker
	services Services
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	Addr            string
	MaxBodySize     int64
	ShutdownTimeout int // seconds
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		MaxBodySize:     1 << 20, // 1 MB
		ShutdownTimeout: 30,
	}
}

// NewAdapter creates an HTTP adapter for invoker and the given services.
// Middleware is applied to the invoker in the given order.
func NewAdapter(invoker transport.Invoker, services Services, cfg Config, middlewares ...transport.Middleware) *Adapter {
	if len(middlewares) > 0 {
		invoker = transport.Chain(middlewares...)(invoker)
	}

	a := &Adapter{
		invoker:  invoker,
		services: services,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
	}

	a.mux.HandleFunc("POST /v1/tools", a.handleRegisterTool)
	a.mux.HandleFunc("GET /v1/tools", a.handleListTools)
	a.mux.HandleFunc("GET /v1/tools/{name}/versions", a.handleListVersions)
	a.mux.HandleFunc("POST /v1/invoke", a.handleInvoke)
	a.mux.HandleFunc("GET /v1/executions/{trace_id}", a.handleGetExecution)
	a.mux.HandleFunc("GET /v1/executions", a.handleListExecutions)
	a.mux.HandleFunc("DELETE /v1/executions/{trace_id}", a.handleCancelExecution)
	a.mux.HandleFunc("GET /v1/usage", a.handleUsage)
	a.mux.HandleFunc("GET /v1/pool", a.handlePool)
	a.mux.HandleFunc("POST /v1/vault", a.handleVault)

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation.
func (a *Adapter) Handler() http.Handler {
	return httpRequestIDMiddleware(a.mux)
}

// InFlight returns the registry of running invocations.
func (a *Adapter) InFlight() *transport.InFlightRegistry {
	return a.inflight
}

// httpRequestIDMiddleware is HTTP-level middleware that propagates the
// X-Request-ID header. If present in the request, it is forwarded into
// the context and echoed on the response unless the handler already set
// one.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			ctx := transport.ContextWithRequestID(r.Context(), id)
			r = r.WithContext(ctx)
		}
		rw := &requestIDResponseWriter{ResponseWriter: w, r: r}
		next.ServeHTTP(rw, r)
	})
}

// requestIDResponseWriter wraps http.ResponseWriter to inject the
// X-Request-ID header before the first write.
type requestIDResponseWriter struct {
	http.ResponseWriter
	r           *http.Request
	headersSent bool
}

func (w *requestIDResponseWriter) WriteHeader(statusCode int) {
	w.ensureRequestIDHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *requestIDResponseWriter) Write(b []byte) (int, error) {
	w.ensureRequestIDHeader()
	return w.ResponseWriter.Write(b)
}

func (w *requestIDResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter for http.NewResponseController.
func (w *requestIDResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *requestIDResponseWriter) ensureRequestIDHeader() {
	if w.headersSent {
		return
	}
	w.headersSent = true
	if w.ResponseWriter.Header().Get("X-Request-ID") != "" {
		return
	}
	if id := transport.RequestIDFromContext(w.r.Context()); id != "" {
		w.ResponseWriter.Header().Set("X-Request-ID", id)
	}
}

// decodeJSON validates the Content-Type, limits the body, and decodes it
// into v. It writes the error response and returns false on failure.
func (a *Adapter) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(ct, "application/json") {
		transport.WriteErrorResponse(w,
			api.NewValidationError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return false
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewValidationError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewValidationError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

func notAvailable(w http.ResponseWriter, what string) {
	transport.WriteErrorResponse(w,
		&api.ExecError{Code: api.CodeInternalError, Message: what + " is not available on this server"},
		http.StatusNotImplemented,
	)
}

// tenant returns the tenant the auth middleware scoped the request to.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := storage.GetTenant(r.Context())
	if id == "" {
		transport.WriteError(w, api.NewValidationError("tenant_id", "request is not scoped to a tenant"))
		return "", false
	}
	return id, true
}

// handleRegisterTool handles POST /v1/tools. A new version answers 201,
// re-registering identical content answers 200 with the existing version.
// The authenticated tenant becomes the owner of a new tool name.
func (a *Adapter) handleRegisterTool(w http.ResponseWriter, r *http.Request) {
	if a.services.Tools == nil {
		notAvailable(w, "tool registration")
		return
	}
	owner, ok := tenant(w, r)
	if !ok {
		return
	}

	var req api.RegisterRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	def, created, err := a.services.Tools.Register(r.Context(), owner, req)
	if err != nil {
		transport.WriteError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	transport.WriteJSON(w, status, def)
}

// ToolList is the body of GET /v1/tools and GET /v1/tools/{name}/versions.
type ToolList struct {
	Tools []*api.ToolDefinition `json:"tools"`
}

// handleListTools handles GET /v1/tools.
func (a *Adapter) handleListTools(w http.ResponseWriter, r *http.Request) {
	if a.services.Tools == nil {
		notAvailable(w, "tool listing")
		return
	}

	defs, err := a.services.Tools.List(r.Context())
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if defs == nil {
		defs = []*api.ToolDefinition{}
	}
	transport.WriteJSON(w, http.StatusOK, ToolList{Tools: defs})
}

// handleListVersions handles GET /v1/tools/{name}/versions.
func (a *Adapter) handleListVersions(w http.ResponseWriter, r *http.Request) {
	if a.services.Tools == nil {
		notAvailable(w, "tool listing")
		return
	}

	name := r.PathValue("name")
	defs, err := a.services.Tools.Versions(r.Context(), name)
	if err != nil {
		if api.CodeOf(err) == api.CodeValidationError {
			transport.WriteErrorResponse(w, api.AsExecError(err), http.StatusNotFound)
			return
		}
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, ToolList{Tools: defs})
}

// handleInvoke handles POST /v1/invoke. The invocation can be cancelled
// while it runs with DELETE /v1/executions/{trace_id}.
func (a *Adapter) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req api.InvokeRequest
	if !a.decodeJSON(w, r, &req) {
		return
	}

	// The authenticated tenant always wins over the body.
	if id := storage.GetTenant(r.Context()); id != "" {
		req.TenantID = id
	}
	req.TraceID = transport.TraceID(r.Context(), req.TraceID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !a.inflight.Register(req.TenantID, req.TraceID, cancel) {
		transport.WriteError(w, api.NewValidationError("trace_id", "an execution with this trace_id is already running"))
		return
	}
	defer a.inflight.Remove(req.TenantID, req.TraceID)

	w.Header().Set("X-Request-ID", req.TraceID)

	res, _ := a.invoker.Invoke(ctx, req)
	if res == nil {
		transport.WriteError(w, api.NewInternalError("invoker returned no result", nil))
		return
	}
	transport.WriteResult(w, res)
}

// handleGetExecution handles GET /v1/executions/{trace_id}.
func (a *Adapter) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if a.services.Results == nil {
		notAvailable(w, "execution lookup")
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	traceID := r.PathValue("trace_id")
	res, err := a.services.Results.GetResult(r.Context(), tenantID, traceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteErrorResponse(w,
				api.NewValidationError("trace_id", "execution "+traceID+" not found"),
				http.StatusNotFound,
			)
			return
		}
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, res)
}

// ExecutionList is the body of GET /v1/executions.
type ExecutionList struct {
	Executions []*api.ExecutionResult `json:"executions"`
}

// handleListExecutions handles GET /v1/executions?limit=N.
func (a *Adapter) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if a.services.Results == nil {
		notAvailable(w, "execution listing")
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			transport.WriteError(w, api.NewValidationError("limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxListLimit)
	}

	results, err := a.services.Results.ListResults(r.Context(), tenantID, limit)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if results == nil {
		results = []*api.ExecutionResult{}
	}
	transport.WriteJSON(w, http.StatusOK, ExecutionList{Executions: results})
}

// handleCancelExecution handles DELETE /v1/executions/{trace_id}.
func (a *Adapter) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	traceID := r.PathValue("trace_id")
	if !a.inflight.Cancel(tenantID, traceID) {
		transport.WriteErrorResponse(w,
			api.NewValidationError("trace_id", "no running execution "+traceID),
			http.StatusNotFound,
		)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUsage handles GET /v1/usage.
func (a *Adapter) handleUsage(w http.ResponseWriter, r *http.Request) {
	if a.services.Usage == nil {
		notAvailable(w, "usage reporting")
		return
	}
	tenantID, ok := tenant(w, r)
	if !ok {
		return
	}

	win, err := a.services.Usage.Usage(r.Context(), tenantID)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, win)
}

// PoolStatus is the body of GET /v1/pool.
type PoolStatus struct {
	Pools []pool.Stats `json:"pools"`
}

// handlePool handles GET /v1/pool.
func (a *Adapter) handlePool(w http.ResponseWriter, r *http.Request) {
	if a.services.Pool == nil {
		notAvailable(w, "pool status")
		return
	}
	transport.WriteJSON(w, http.StatusOK, PoolStatus{Pools: a.services.Pool.Stats()})
}

// handleVault handles POST /v1/vault, the callback remote sandboxes use to
// reach the tenant vault. The tenant comes from the capability token only.
func (a *Adapter) handleVault(w http.ResponseWriter, r *http.Request) {
	if a.services.Vault == nil || a.services.Capabilities == nil {
		notAvailable(w, "vault callback")
		return
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		transport.WriteErrorResponse(w,
			&api.ExecError{Code: "UNAUTHENTICATED", Message: "capability token required"},
			http.StatusUnauthorized,
		)
		return
	}
	claims, err := a.services.Capabilities.Verify(token)
	if err != nil {
		transport.WriteErrorResponse(w,
			&api.ExecError{Code: "UNAUTHENTICATED", Message: "invalid capability token"},
			http.StatusUnauthorized,
		)
		return
	}

	var req vault.Request
	if !a.decodeJSON(w, r, &req) {
		return
	}

	resp := vault.NewScoped(a.services.Vault, claims.TenantID).Handle(r.Context(), req)
	transport.WriteJSON(w, http.StatusOK, resp)
}
