package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/rhuss/toolrunner/pkg/api"
	"github.com/rhuss/toolrunner/pkg/storage"
)

const toolColumns = `name, content_hash, language, source, input_schema, capabilities, description, owner, created_at`

// PutTool inserts a new tool version. The first version claims the name
// for its owner in tool_owners; later versions must come from that owner.
func (s *Store) PutTool(ctx context.Context, def *api.ToolDefinition) error {
	caps := make([]string, len(def.Capabilities))
	for i, c := range def.Capabilities {
		caps[i] = string(c)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO tool_owners (name, tenant_id) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			def.Name, def.Owner,
		); err != nil {
			return fmt.Errorf("claiming tool name: %w", err)
		}

		var owner string
		if err := tx.QueryRow(ctx,
			`SELECT tenant_id FROM tool_owners WHERE name = $1 FOR SHARE`, def.Name,
		).Scan(&owner); err != nil {
			return fmt.Errorf("reading tool owner: %w", err)
		}
		if owner != def.Owner {
			return storage.ErrForbidden
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO tools (`+toolColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (name, content_hash) DO NOTHING
		`,
			def.Name, def.ContentHash, string(def.Language), def.Source,
			string(def.InputSchema), caps, def.Description, def.Owner, def.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("inserting tool: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrConflict
		}
		return nil
	})
}

// GetTool returns one version of a tool.
func (s *Store) GetTool(ctx context.Context, name, hash string) (*api.ToolDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = $1 AND content_hash = $2`,
		name, hash,
	)
	return scanTool(row)
}

// LatestTool returns the most recently registered version of a tool.
func (s *Store) LatestTool(ctx context.Context, name string) (*api.ToolDefinition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = $1 ORDER BY seq DESC LIMIT 1`,
		name,
	)
	return scanTool(row)
}

// ListVersions returns every version of a tool, newest first.
func (s *Store) ListVersions(ctx context.Context, name string) ([]*api.ToolDefinition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+toolColumns+` FROM tools WHERE name = $1 ORDER BY seq DESC`,
		name,
	)
	if err != nil {
		return nil, fmt.Errorf("querying tool versions: %w", err)
	}
	defs, err := collectTools(rows)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, storage.ErrNotFound
	}
	return defs, nil
}

// ListTools returns the latest version of every tool, sorted by name.
func (s *Store) ListTools(ctx context.Context) ([]*api.ToolDefinition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (name) `+toolColumns+`
		FROM tools
		ORDER BY name, seq DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tools: %w", err)
	}
	return collectTools(rows)
}

func scanTool(row pgx.Row) (*api.ToolDefinition, error) {
	var def api.ToolDefinition
	var lang, schema string
	var caps []string

	err := row.Scan(&def.Name, &def.ContentHash, &lang, &def.Source, &schema, &caps, &def.Description, &def.Owner, &def.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning tool: %w", err)
	}

	def.Language = api.Language(lang)
	def.InputSchema = []byte(schema)
	def.CreatedAt = def.CreatedAt.UTC()
	for _, c := range caps {
		def.Capabilities = append(def.Capabilities, api.Capability(c))
	}
	return &def, nil
}

func collectTools(rows pgx.Rows) ([]*api.ToolDefinition, error) {
	defer rows.Close()

	defs := []*api.ToolDefinition{}
	for rows.Next() {
		def, err := scanTool(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tools: %w", err)
	}
	return defs, nil
}
