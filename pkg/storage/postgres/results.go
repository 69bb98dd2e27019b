package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/audit"
	"github.com/rhuss/toolrunner/pkg/storage"
)

// AppendResult records an execution result.
func (s *Store) AppendResult(ctx context.Context, r *api.ExecutionResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO execution_results (
			trace_id, tenant_id, tool_name, content_hash, outcome, code, result, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		r.TraceID, r.TenantID, r.ToolName, r.ContentHash,
		string(r.Outcome), string(r.Code), body, r.CompletedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting result: %w", err)
	}
	return nil
}

// GetResult returns the result recorded for traceID within the tenant.
func (s *Store) GetResult(ctx context.Context, tenantID, traceID string) (*api.ExecutionResult, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT result FROM execution_results WHERE trace_id = $1 AND tenant_id = $2`,
		traceID, tenantID,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying result: %w", err)
	}

	var r api.ExecutionResult
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling result: %w", err)
	}
	return &r, nil
}

// ListResults returns the tenant's most recent results.
func (s *Store) ListResults(ctx context.Context, tenantID string, limit int) ([]*api.ExecutionResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT result FROM execution_results
		WHERE tenant_id = $1
		ORDER BY completed_at DESC, trace_id DESC
		LIMIT $2
	`, tenantID, audit.ClampLimit(limit, 1000))
	if err != nil {
		return nil, fmt.Errorf("querying results: %w", err)
	}
	defer rows.Close()

	out := []*api.ExecutionResult{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		var r api.ExecutionResult
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating results: %w", err)
	}
	return out, nil
}
