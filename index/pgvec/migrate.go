package pgvec

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies pgvec's embedded schema, substituting the fixed
// embedding/hypervector dimensions (pgvector's halfvec/bit types are
// fixed-width, so dims must be known at creation time). CREATE INDEX CONCURRENTLY
// cannot run inside a transaction block, so statements are split and applied
// one at a time on a single acquired connection — which also keeps the
// search_path setting pinned to the session actually running them.
func Migrate(ctx context.Context, pool *pgxpool.Pool, schema string, embeddingDim, hypervectorDim int) error {
	qs, err := quoteIdent(schema)
	if err != nil {
		return fmt.Errorf("pgvec: invalid schema: %w", err)
	}

	raw, err := fs.ReadFile(migrationFiles, "migrations/0001_index.up.sql")
	if err != nil {
		return fmt.Errorf("pgvec: read embedded migration: %w", err)
	}
	ddl := fmt.Sprintf(string(raw), embeddingDim, hypervectorDim)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgvec: acquire pg connection: %w", err)
	}
	defer conn.Release()

	setup := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", qs),
		fmt.Sprintf("SET search_path = %s", qs),
		"CREATE EXTENSION IF NOT EXISTS vector",
	}
	for _, stmt := range setup {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvec: %s: %w", stmt, err)
		}
	}
	for _, stmt := range strings.Split(ddl, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgvec: apply migration: %w", err)
		}
	}
	return nil
}
