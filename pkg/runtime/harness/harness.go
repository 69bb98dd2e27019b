// Package harness holds the in-sandbox interpreter harnesses and the wire
// types spoken between the orchestrator and a sandbox.
//
// Locally the harness is driven over stdio with newline-delimited JSON
// frames. Inside a Kubernetes sandbox pod, sandbox-server drives the same
// harness and exposes it over HTTP with ExecuteRequest/ExecuteResponse.
package harness

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/runtime"
	"github.com/rhuss/toolrunner/pkg/vault"
)

//go:embed harness.py
var pythonHarness []byte

//go:embed harness.js
var javascriptHarness []byte

// Script returns the harness file name and contents for lang.
func Script(lang api.Language) (string, []byte, error) {
	switch lang {
	case api.LanguagePython:
		return "harness.py", pythonHarness, nil
	case api.LanguageJavaScript:
		return "harness.js", javascriptHarness, nil
	}
	return "", nil, fmt.Errorf("no harness for language %q", lang)
}

// FrameType tags a stdio frame.
type FrameType string

const (
	FrameInvoke      FrameType = "invoke"
	FrameResult      FrameType = "result"
	FrameVault       FrameType = "vault"
	FrameVaultResult FrameType = "vault_result"
	FramePing        FrameType = "ping"
	FramePong        FrameType = "pong"
)

// Frame is one line of the stdio protocol.
//
// Host to harness: invoke, vault_result, ping.
// Harness to host: result, vault, pong.
type Frame struct {
	Type FrameType `json:"type"`
	ID   int64     `json:"id,omitempty"`

	// invoke
	Function  string          `json:"function,omitempty"`
	Source    string          `json:"source,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Vault     bool            `json:"vault,omitempty"`

	// vault, vault_result
	Request  *vault.Request  `json:"request,omitempty"`
	Response *vault.Response `json:"response,omitempty"`

	// result: Error set means the call raised.
	Value json.RawMessage `json:"value,omitempty"`
	Error *runtime.Fault  `json:"error,omitempty"`
}

// Invoke builds the invoke frame for inv.
func Invoke(inv runtime.Invocation) Frame {
	args := inv.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return Frame{
		Type:      FrameInvoke,
		Function:  inv.FunctionName,
		Source:    inv.Source,
		Arguments: args,
		Vault:     inv.Vault != nil,
	}
}

// Outcome converts a result frame.
func (f Frame) Outcome() *runtime.Outcome {
	if f.Error != nil {
		fault := *f.Error
		if fault.Kind == "" {
			fault.Kind = runtime.FaultException
		}
		return &runtime.Outcome{Fault: &fault}
	}
	return runtime.NewOutcome(f.Value)
}

// VaultGrant lets a remote sandbox call back into the tenant vault.
type VaultGrant struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

// ExecuteRequest is the body of POST /execute on sandbox-server.
type ExecuteRequest struct {
	TraceID   string          `json:"trace_id"`
	TenantID  string          `json:"tenant_id,omitempty"`
	Function  string          `json:"function"`
	Source    string          `json:"source"`
	Arguments json.RawMessage `json:"arguments"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Vault     *VaultGrant     `json:"vault,omitempty"`
}

// ExecuteResponse is returned by POST /execute. Exactly one of Value or
// Fault is set.
type ExecuteResponse struct {
	Value json.RawMessage `json:"value,omitempty"`
	Fault *runtime.Fault  `json:"fault,omitempty"`
}

// HealthResponse is returned by GET /health on sandbox-server.
type HealthResponse struct {
	Status   string       `json:"status"`
	Language api.Language `json:"language"`
	Busy     bool         `json:"busy"`
}
