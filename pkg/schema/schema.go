// Package schema compiles tool input schemas and validates invocation
// arguments against them.
//
// Schemas are JSON Schema documents (draft 2020-12). Compilation happens
// once at registration; the hot path only calls [Compiled.Validate].
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrInvalidSchema is returned when a schema document cannot be compiled.
var ErrInvalidSchema = errors.New("invalid input schema")

// ErrInvalidArguments is returned when arguments do not satisfy a schema.
var ErrInvalidArguments = errors.New("arguments do not match input schema")

// emptyObject is the schema used when a tool declares none.
var emptyObject = json.RawMessage(`{"type":"object"}`)

// Compiled is a resolved schema ready for validation. It is safe for
// concurrent use.
type Compiled struct {
	raw      json.RawMessage
	resolved *jsonschema.Resolved
}

// Compile parses and resolves a schema document. An empty document
// compiles to a schema accepting any JSON object. The top-level schema
// must describe an object because tools receive named arguments.
func Compile(raw json.RawMessage) (*Compiled, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = emptyObject
	}

	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if s.Type != "" && s.Type != "object" {
		return nil, fmt.Errorf("%w: top-level type must be \"object\", got %q", ErrInvalidSchema, s.Type)
	}

	resolved, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}

	compact := new(bytes.Buffer)
	if err := json.Compact(compact, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return &Compiled{raw: compact.Bytes(), resolved: resolved}, nil
}

// Raw returns the compacted schema document.
func (c *Compiled) Raw() json.RawMessage {
	return c.raw
}

// Validate checks args against the schema. Missing or null arguments are
// treated as an empty object.
func (c *Compiled) Validate(args json.RawMessage) error {
	instance, err := decodeArguments(args)
	if err != nil {
		return err
	}
	if err := c.resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func decodeArguments(args json.RawMessage) (map[string]any, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return map[string]any{}, nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", ErrInvalidArguments)
	}

	var m map[string]any
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidArguments, err)
	}
	return m, nil
}
