package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rhuss/toolrunner/pkg/observability"
	"github.com/rhuss/toolrunner/pkg/storage"
)

// Method names a vault operation on the wire.
type Method string

const (
	MethodGet         Method = "get"
	MethodPut         Method = "put"
	MethodQuery       Method = "query"
	MethodUpdate      Method = "update"
	MethodDelete      Method = "delete"
	MethodClear       Method = "clear"
	MethodCount       Method = "count"
	MethodCollections Method = "collections"
)

func (m Method) label() string {
	switch m {
	case MethodGet, MethodPut, MethodQuery, MethodUpdate, MethodDelete, MethodClear, MethodCount, MethodCollections:
		return string(m)
	}
	return "unknown"
}

// Request is a vault call sent by a sandbox. It never carries a tenant;
// the tenant comes from the handle that serves it.
type Request struct {
	Method     Method          `json:"method"`
	Collection string          `json:"collection,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Filter     json.RawMessage `json:"filter,omitempty"`
	Limit      int             `json:"limit,omitempty"`
}

// Response answers a Request. Exactly one of the result fields is set, or
// Error is non-empty.
type Response struct {
	Document    *Document   `json:"document,omitempty"`
	Documents   []*Document `json:"documents,omitempty"`
	Count       *int        `json:"count,omitempty"`
	Collections []string    `json:"collections,omitempty"`
	Found       bool        `json:"found"`
	Error       string      `json:"error,omitempty"`
}

// Handle serves one request against the scoped handle. A missing document
// on get, update or delete is not an error: Found is false. Update takes
// the fields to merge in Value; clear reports the removed count.
func (s *Scoped) Handle(ctx context.Context, req Request) Response {
	resp, err := s.handle(ctx, req)
	if err != nil {
		observability.VaultOperationsTotal.WithLabelValues(req.Method.label(), "error").Inc()
		return Response{Error: err.Error()}
	}
	observability.VaultOperationsTotal.WithLabelValues(req.Method.label(), "ok").Inc()
	return resp
}

func (s *Scoped) handle(ctx context.Context, req Request) (Response, error) {
	switch req.Method {
	case MethodGet:
		doc, err := s.Get(ctx, req.Collection, req.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return Response{}, nil
		}
		if err != nil {
			return Response{}, err
		}
		return Response{Document: doc, Found: true}, nil

	case MethodPut:
		doc, err := s.Put(ctx, req.Collection, req.Key, req.Value)
		if err != nil {
			return Response{}, err
		}
		return Response{Document: doc, Found: true}, nil

	case MethodQuery:
		f, err := ParseFilter(req.Filter)
		if err != nil {
			return Response{}, err
		}
		docs, err := s.Query(ctx, req.Collection, f, req.Limit)
		if err != nil {
			return Response{}, err
		}
		if docs == nil {
			docs = []*Document{}
		}
		return Response{Documents: docs, Found: len(docs) > 0}, nil

	case MethodUpdate:
		doc, err := s.Update(ctx, req.Collection, req.Key, req.Value)
		if errors.Is(err, storage.ErrNotFound) {
			return Response{}, nil
		}
		if err != nil {
			return Response{}, err
		}
		return Response{Document: doc, Found: true}, nil

	case MethodClear:
		n, err := s.Clear(ctx, req.Collection)
		if err != nil {
			return Response{}, err
		}
		return Response{Count: &n, Found: n > 0}, nil

	case MethodDelete:
		err := s.Delete(ctx, req.Collection, req.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return Response{}, nil
		}
		if err != nil {
			return Response{}, err
		}
		return Response{Found: true}, nil

	case MethodCount:
		f, err := ParseFilter(req.Filter)
		if err != nil {
			return Response{}, err
		}
		n, err := s.Count(ctx, req.Collection, f)
		if err != nil {
			return Response{}, err
		}
		return Response{Count: &n, Found: n > 0}, nil

	case MethodCollections:
		cols, err := s.Collections(ctx)
		if err != nil {
			return Response{}, err
		}
		if cols == nil {
			cols = []string{}
		}
		return Response{Collections: cols, Found: len(cols) > 0}, nil
	}
	return Response{}, fmt.Errorf("unknown vault method %q", req.Method)
}
