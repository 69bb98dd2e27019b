package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/rhuss/toolrunner/pkg/storage"
	"github.com/rhuss/toolrunner/pkg/vault"
)

// Get returns one vault document.
func (s *Store) Get(ctx context.Context, tenantID, collection, key string) (*vault.Document, error) {
	doc := vault.Document{Collection: collection, Key: key}
	var value []byte
	err := s.pool.QueryRow(ctx, `
		SELECT value, created_at, updated_at FROM vault_documents
		WHERE tenant_id = $1 AND collection = $2 AND key = $3
	`, tenantID, collection, key).Scan(&value, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying vault document: %w", err)
	}
	doc.Value = value
	return &doc, nil
}

// Put inserts or replaces a vault document, keeping created_at on replace.
func (s *Store) Put(ctx context.Context, tenantID string, doc *vault.Document) (*vault.Document, error) {
	out := vault.Document{Collection: doc.Collection, Key: doc.Key}
	var value []byte
	err := s.pool.QueryRow(ctx, `
		INSERT INTO vault_documents (tenant_id, collection, key, value)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (tenant_id, collection, key)
		DO UPDATE SET value = EXCLUDED.value, updated_at = now()
		RETURNING value, created_at, updated_at
	`, tenantID, doc.Collection, doc.Key, string(doc.Value)).Scan(&value, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upserting vault document: %w", err)
	}
	out.Value = value
	return &out, nil
}

// Query returns matching documents ordered by key.
func (s *Store) Query(ctx context.Context, tenantID, collection string, f vault.Filter, limit int) ([]*vault.Document, error) {
	where, args, err := filterSQL(f, 3)
	if err != nil {
		return nil, err
	}
	query := `SELECT key, value, created_at, updated_at FROM vault_documents
		WHERE tenant_id = $1 AND collection = $2` + where + ` ORDER BY key`
	args = append([]any{tenantID, collection}, args...)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vault: %w", err)
	}
	defer rows.Close()

	var docs []*vault.Document
	for rows.Next() {
		doc := &vault.Document{Collection: collection}
		var value []byte
		if err := rows.Scan(&doc.Key, &value, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning vault document: %w", err)
		}
		doc.Value = value
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vault documents: %w", err)
	}
	return docs, nil
}

// Update merges fields into an existing object document with the jsonb
// concatenation operator.
func (s *Store) Update(ctx context.Context, tenantID, collection, key string, fields json.RawMessage) (*vault.Document, error) {
	out := vault.Document{Collection: collection, Key: key}
	var value []byte
	err := s.pool.QueryRow(ctx, `
		UPDATE vault_documents SET value = value || $4::jsonb, updated_at = now()
		WHERE tenant_id = $1 AND collection = $2 AND key = $3 AND jsonb_typeof(value) = 'object'
		RETURNING value, created_at, updated_at
	`, tenantID, collection, key, string(fields)).Scan(&value, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either missing or not an object.
		if _, gerr := s.Get(ctx, tenantID, collection, key); gerr != nil {
			return nil, gerr
		}
		return nil, vault.ErrNotObject
	}
	if err != nil {
		return nil, fmt.Errorf("updating vault document: %w", err)
	}
	out.Value = value
	return &out, nil
}

// Clear removes every document of a collection.
func (s *Store) Clear(ctx context.Context, tenantID, collection string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM vault_documents WHERE tenant_id = $1 AND collection = $2`,
		tenantID, collection,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing vault collection: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Delete removes a vault document.
func (s *Store) Delete(ctx context.Context, tenantID, collection, key string) error {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM vault_documents WHERE tenant_id = $1 AND collection = $2 AND key = $3
	`, tenantID, collection, key)
	if err != nil {
		return fmt.Errorf("deleting vault document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Count returns the number of matching documents.
func (s *Store) Count(ctx context.Context, tenantID, collection string, f vault.Filter) (int, error) {
	where, args, err := filterSQL(f, 3)
	if err != nil {
		return 0, err
	}
	var n int
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM vault_documents WHERE tenant_id = $1 AND collection = $2`+where,
		append([]any{tenantID, collection}, args...)...,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting vault documents: %w", err)
	}
	return n, nil
}

// Collections lists the tenant's non-empty collections, sorted.
func (s *Store) Collections(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT collection FROM vault_documents WHERE tenant_id = $1 ORDER BY collection`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning collections: %w", err)
	}
	return names, nil
}

// filterSQL translates f into " AND ..." clauses over the value column,
// numbering placeholders from next. The semantics match vault.Filter.Match.
func filterSQL(f vault.Filter, next int) (string, []any, error) {
	var b strings.Builder
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		s := fmt.Sprintf("$%d", next)
		next++
		return s
	}

	for _, c := range f.Conditions {
		path := arg(c.Path)
		field := fmt.Sprintf("(value #> %s::text[])", path)
		text := fmt.Sprintf("(value #>> %s::text[])", path)

		var clause string
		switch c.Op {
		case vault.OpExists:
			if c.Value.(bool) {
				clause = field + " IS NOT NULL"
			} else {
				clause = field + " IS NULL"
			}
		case vault.OpEq, vault.OpNe:
			v, err := json.Marshal(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("encoding filter value for %s: %w", c.Field(), err)
			}
			p := arg(string(v))
			if c.Op == vault.OpEq {
				clause = fmt.Sprintf("%s = %s::jsonb", field, p)
			} else {
				clause = fmt.Sprintf("(%s IS NULL OR %s <> %s::jsonb)", field, field, p)
			}
		case vault.OpIn, vault.OpNin:
			v, err := json.Marshal(c.Value)
			if err != nil {
				return "", nil, fmt.Errorf("encoding filter value for %s: %w", c.Field(), err)
			}
			clause = fmt.Sprintf("EXISTS (SELECT 1 FROM jsonb_array_elements(%s::jsonb) e WHERE e = %s)", arg(string(v)), field)
			if c.Op == vault.OpNin {
				clause = "NOT " + clause
			}
		case vault.OpGt, vault.OpGte, vault.OpLt, vault.OpLte:
			op := map[vault.Op]string{vault.OpGt: ">", vault.OpGte: ">=", vault.OpLt: "<", vault.OpLte: "<="}[c.Op]
			switch v := c.Value.(type) {
			case float64:
				clause = fmt.Sprintf("CASE WHEN jsonb_typeof(%s) = 'number' THEN %s::float8 %s %s::float8 ELSE false END",
					field, text, op, arg(v))
			case string:
				clause = fmt.Sprintf(`CASE WHEN jsonb_typeof(%s) = 'string' THEN %s COLLATE "C" %s %s::text ELSE false END`,
					field, text, op, arg(v))
			default:
				return "", nil, fmt.Errorf("%w: %s on %q requires a number or string", vault.ErrInvalidFilter, c.Op, c.Field())
			}
		default:
			return "", nil, fmt.Errorf("%w: unknown operator %q", vault.ErrInvalidFilter, c.Op)
		}
		b.WriteString(" AND ")
		b.WriteString(clause)
	}
	return b.String(), args, nil
}
