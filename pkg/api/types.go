package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Language selects the runtime adapter that executes a tool.
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// Languages lists every supported language in a stable order.
var Languages = []Language{LanguagePython, LanguageJavaScript}

// Valid reports whether l is a supported language.
func (l Language) Valid() bool {
	switch l {
	case LanguagePython, LanguageJavaScript:
		return true
	}
	return false
}

// ParseLanguage normalizes common aliases ("py", "js", "node") to a Language.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "py", "python3":
		return LanguagePython, nil
	case "javascript", "js", "node", "nodejs":
		return LanguageJavaScript, nil
	}
	return "", fmt.Errorf("unsupported language %q (supported: python, javascript)", s)
}

// Capability names a privilege a tool declares at registration.
type Capability string

const (
	// CapabilityVault grants access to the tenant's namespaced store.
	CapabilityVault Capability = "vault"

	// CapabilityNetwork documents that the tool makes outbound requests.
	// Egress is always permitted; the declaration is informational.
	CapabilityNetwork Capability = "network"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	return c == CapabilityVault || c == CapabilityNetwork
}

// ToolDefinition is an immutable, content-addressed tool version.
// A new version of a tool is a new ContentHash; old versions stay
// addressable for rollback.
type ToolDefinition struct {
	Name         string          `json:"tool_name"`
	Language     Language        `json:"language"`
	Source       string          `json:"source_text"`
	ContentHash  string          `json:"content_hash"`
	InputSchema  json.RawMessage `json:"input_schema"`
	Capabilities []Capability    `json:"declared_capabilities,omitempty"`
	Description  string          `json:"description,omitempty"`
	Owner        string          `json:"owner_tenant_id"` // tenant that registered the first version
	CreatedAt    time.Time       `json:"created_at"`
}

// HasCapability reports whether the definition declares c.
func (d *ToolDefinition) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// RegisterRequest is the payload accepted by the tool registration interface.
type RegisterRequest struct {
	Name         string          `json:"tool_name"`
	Language     Language        `json:"language"`
	Source       string          `json:"source_text"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	Capabilities []Capability    `json:"declared_capabilities,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// InvokeRequest is the inbound payload from the agent runtime.
// TenantID is normally filled in from the authenticated identity.
type InvokeRequest struct {
	TenantID    string          `json:"tenant_id,omitempty"`
	ToolName    string          `json:"tool_name"`
	ContentHash string          `json:"content_hash,omitempty"`
	Arguments   json.RawMessage `json:"arguments"`
	TimeoutMS   int64           `json:"timeout_ms,omitempty"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// ExecutionRequest is one admitted invocation. It is created per call,
// never mutated, and lives only as long as the call.
type ExecutionRequest struct {
	TenantID    string          `json:"tenant_id"`
	ToolName    string          `json:"tool_name"`
	ContentHash string          `json:"content_hash"`
	Arguments   json.RawMessage `json:"arguments"`
	Deadline    time.Time       `json:"deadline"`
	TraceID     string          `json:"trace_id"`

	// Tier selects a dedicated pool partition when one is configured.
	Tier string `json:"tier,omitempty"`
}

// Outcome is the top-level success or failure of an execution.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// ErrorSource distinguishes tool-reported errors from sandbox faults.
type ErrorSource string

const (
	// ErrorSourceTool marks an error payload returned by the tool itself.
	ErrorSourceTool ErrorSource = "tool"

	// ErrorSourceSandbox marks an uncaught fault inside the sandbox.
	ErrorSourceSandbox ErrorSource = "sandbox"

	// ErrorSourceOrchestrator marks admission, scheduling, or timeout failures.
	ErrorSourceOrchestrator ErrorSource = "orchestrator"
)

// ErrorDetail describes why an execution did not succeed.
type ErrorDetail struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Source    ErrorSource    `json:"source"`
	Retryable bool           `json:"retryable"`
	Data      map[string]any `json:"data,omitempty"`
}

// ExecutionResult is the terminal, caller-facing outcome of an execution.
// It is persisted only for audit, never replayed.
type ExecutionResult struct {
	TraceID     string          `json:"trace_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ContentHash string          `json:"content_hash,omitempty"`
	Outcome     Outcome         `json:"outcome"`
	Code        Code            `json:"code"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Error       *ErrorDetail    `json:"error_detail,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	WorkerID    string          `json:"worker_id,omitempty"`
	Attempts    int             `json:"attempts"`
	CompletedAt time.Time       `json:"completed_at"`
}

// SessionWindow tracks a tenant's billing sessions.
//
// SessionsUsed is a monthly counter that the quota gate only ever
// increments; resets come from billing reconciliation. The window itself
// only decides whether a request opens a new session.
type SessionWindow struct {
	TenantID       string    `json:"tenant_id"`
	WindowStart    time.Time `json:"window_start"`
	LastActivityAt time.Time `json:"last_activity_at"`
	SessionsUsed   int       `json:"sessions_used"`
	SessionsLimit  int       `json:"sessions_limit"`
	BillingPeriod  string    `json:"billing_period"`

	// Counted is true when the current window was admitted as a session.
	// A window opened by a rejected request is tracked but not counted.
	Counted bool `json:"counted"`
}

// Open reports whether the window is still active at now.
func (w *SessionWindow) Open(now time.Time, inactivity time.Duration) bool {
	if w.LastActivityAt.IsZero() {
		return false
	}
	return now.Sub(w.LastActivityAt) < inactivity
}

// Unlimited reports whether the tenant has no session limit.
func (w *SessionWindow) Unlimited() bool {
	return w.SessionsLimit <= 0
}

// BillingPeriodOf returns the billing period (YYYY-MM, UTC) containing t.
func BillingPeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
