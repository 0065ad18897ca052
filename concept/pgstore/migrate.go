package pgstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// quoteIdent validates and double-quotes a Postgres identifier before it is
// interpolated into schema-qualified SQL text. Only [a-zA-Z0-9_] survives
// the whitelist.
func quoteIdent(ident string) (string, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return "", fmt.Errorf("empty identifier")
	}
	for _, r := range ident {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return "", fmt.Errorf("invalid identifier %q", ident)
	}
	return `"` + ident + `"`, nil
}

// ApplyMigrations applies pgstore's embedded schema migrations under the
// given schema, scoping every statement with SET LOCAL search_path inside
// one transaction.
func ApplyMigrations(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	quotedSchema, err := quoteIdent(schema)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	entries, err := fs.ReadDir(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("read embedded migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire pg connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quotedSchema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL search_path = %s", quotedSchema)); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	if _, err := tx.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("create extension vector: %w", err)
	}

	for _, f := range files {
		raw, err := fs.ReadFile(migrationFiles, "migrations/"+f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := tx.Exec(ctx, string(raw)); err != nil {
			return fmt.Errorf("apply migration %s: %w", f, err)
		}
	}

	return tx.Commit(ctx)
}

// EnsureVectorColumns adds the fixed-width embedding/hypervector columns and
// their HNSW indexes once dims are known. CREATE INDEX CONCURRENTLY must
// not run inside a transaction, so these run statement by statement.
func EnsureVectorColumns(ctx context.Context, pool *pgxpool.Pool, schema string, embeddingDim, hypervectorDim int) error {
	qs, err := quoteIdent(schema)
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}

	alters := []string{
		fmt.Sprintf(`ALTER TABLE %s.concepts ADD COLUMN IF NOT EXISTS embedding halfvec(%d)`, qs, embeddingDim),
		fmt.Sprintf(`ALTER TABLE %s.concepts ADD COLUMN IF NOT EXISTS hypervector bit(%d)`, qs, hypervectorDim),
	}
	for _, a := range alters {
		if _, err := pool.Exec(ctx, a); err != nil {
			return err
		}
	}

	idx := []string{
		fmt.Sprintf(`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_concepts_embedding_cosine ON %s.concepts USING hnsw (embedding halfvec_cosine_ops) WHERE embedding IS NOT NULL AND NOT deprecated`, qs),
		fmt.Sprintf(`CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_concepts_hypervector_hamming ON %s.concepts USING hnsw (hypervector bit_hamming_ops) WHERE hypervector IS NOT NULL AND NOT stale AND NOT deprecated`, qs),
	}
	for _, q := range idx {
		if _, err := pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
