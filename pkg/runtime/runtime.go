// Package runtime defines the sandbox abstraction that executes tool
// source on behalf of the orchestrator.
//
// A Provisioner creates Sandboxes for one language. A Sandbox is owned by
// exactly one pooled worker, runs at most one Invocation at a time, and
// only ever runs invocations of the first tenant it served.
// The two implementations live in the process (local subprocesses) and
// kubernetes (agent-sandbox claims) subpackages.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/vault"
)

var (
	// ErrSandboxClosed is returned by Execute after Terminate.
	ErrSandboxClosed = errors.New("sandbox is closed")

	// ErrTenantMismatch is returned by Execute when a sandbox that already
	// served one tenant is asked to run code for another.
	ErrTenantMismatch = errors.New("sandbox is bound to another tenant")
)

// VaultHandler serves vault calls made by a running tool. A nil handler
// means the tool did not declare the vault capability.
type VaultHandler interface {
	Handle(ctx context.Context, req vault.Request) vault.Response
}

// Invocation is one call of a tool function inside a sandbox.
type Invocation struct {
	TraceID      string
	TenantID     string
	FunctionName string
	Source       string
	Arguments    json.RawMessage
	Vault        VaultHandler
}

// FaultKind classifies an uncaught failure inside the sandbox.
type FaultKind string

const (
	FaultException     FaultKind = "exception"
	FaultCrash         FaultKind = "crash"
	FaultResourceLimit FaultKind = "resource_limit"
	FaultOutputLimit   FaultKind = "output_limit"
	FaultInvalidResult FaultKind = "invalid_result"
)

// Fault is an uncaught failure of the tool code or its interpreter. A
// sandbox that reported a fault is never reused.
type Fault struct {
	Kind      FaultKind `json:"kind"`
	Type      string    `json:"type,omitempty"`
	Message   string    `json:"message"`
	Traceback string    `json:"traceback,omitempty"`
}

func (f *Fault) Error() string {
	if f.Type != "" {
		return fmt.Sprintf("%s: %s: %s", f.Kind, f.Type, f.Message)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Data renders the fault for an api.ErrorDetail.
func (f *Fault) Data() map[string]any {
	d := map[string]any{"kind": string(f.Kind)}
	if f.Type != "" {
		d["type"] = f.Type
	}
	if f.Traceback != "" {
		d["traceback"] = f.Traceback
	}
	return d
}

// ToolError is a logical error the tool chose to return. It is a normal
// result and leaves the sandbox healthy.
type ToolError struct {
	Message string
	Data    map[string]any
}

// Outcome is what a sandbox produced. Exactly one of Fault or Payload is
// meaningful; ToolError is set alongside Payload when the payload is an
// error object.
type Outcome struct {
	Payload   json.RawMessage
	ToolError *ToolError
	Fault     *Fault
}

// Sandbox is an isolated interpreter owned by one worker.
//
// Execute returns an error only for infrastructure failures (the sandbox
// could not be reached or died before accepting the call) and for context
// cancellation, in which case the sandbox is left unusable. Tool and
// interpreter failures come back as an Outcome with Fault set.
type Sandbox interface {
	ID() string
	Execute(ctx context.Context, inv Invocation) (*Outcome, error)
	Ping(ctx context.Context) error
	Terminate(ctx context.Context) error
}

// Provisioner creates sandboxes for one language.
type Provisioner interface {
	Language() api.Language
	Provision(ctx context.Context, workerID string) (Sandbox, error)
}

// NewOutcome wraps a successful payload, recognizing the tool error
// convention: a JSON object with a non-null "error" member.
func NewOutcome(payload json.RawMessage) *Outcome {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return &Outcome{Payload: payload, ToolError: toolError(payload)}
}

func toolError(payload json.RawMessage) *ToolError {
	if len(payload) == 0 || payload[0] != '{' {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return nil
	}
	raw, ok := obj["error"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}

	te := &ToolError{}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		te.Message = msg
	} else {
		te.Message = string(raw)
	}
	if len(obj) > 1 {
		te.Data = make(map[string]any, len(obj)-1)
		for k, v := range obj {
			if k == "error" {
				continue
			}
			var decoded any
			if json.Unmarshal(v, &decoded) == nil {
				te.Data[k] = decoded
			}
		}
	}
	return te
}
