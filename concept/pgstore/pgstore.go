// Package pgstore is a reference Postgres-backed concept.Backend:
// schema-scoped SQL built with a whitelist identifier quoter,
// upsert-on-conflict writes, and pgvector wire types for the vector
// columns. It is a reference adapter, not a transactional engine —
// isolation and durability are Postgres's job.
package pgstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/arborithm/noeticore/concept"
)

// Backend is a pgx-backed concept.Backend.
type Backend struct {
	pool   *pgxpool.Pool
	schema string
}

var _ concept.Backend = (*Backend)(nil)

// New returns a Backend writing into <schema>.concepts and friends. Callers
// must have applied ApplyMigrations (and EnsureVectorColumns, once dims are
// known) before using it.
func New(pool *pgxpool.Pool, schema string) (*Backend, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgstore: pool is required")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		return nil, fmt.Errorf("pgstore: schema is required")
	}
	if _, err := quoteIdent(schema); err != nil {
		return nil, fmt.Errorf("pgstore: invalid schema: %w", err)
	}
	return &Backend{pool: pool, schema: schema}, nil
}

func bitLiteral(hv []float32) string {
	var sb strings.Builder
	sb.Grow(len(hv))
	for _, x := range hv {
		if x > 0 {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func bitsToHypervector(bits string) []float32 {
	out := make([]float32, len(bits))
	for i, r := range bits {
		if r == '1' {
			out[i] = 1
		} else {
			out[i] = -1
		}
	}
	return out
}

func (b *Backend) table(name string) string {
	qs, _ := quoteIdent(b.schema) // validated at New
	return qs + "." + name
}

// Load reads every concept and relation edge currently durable.
func (b *Backend) Load(ctx context.Context) ([]*concept.Concept, []concept.RelationEdge, uint64, error) {
	rows, err := b.pool.Query(ctx, fmt.Sprintf(`
		SELECT oid, symbolic_name, created_at, updated_at, embedding_model_tag,
		       codec_tag, stale, deprecated, embedding::float4[], hypervector::text
		FROM %s
	`, b.table("concepts")))
	if err != nil {
		return nil, nil, 0, err
	}
	defer rows.Close()

	concepts := make(map[concept.OID]*concept.Concept)
	for rows.Next() {
		var (
			c         concept.Concept
			embedding []float32
			hvBits    *string
		)
		if err := rows.Scan(&c.OID, &c.SymbolicName, &c.CreatedAt, &c.UpdatedAt, &c.EmbeddingModelTag,
			&c.CodecTag, &c.Stale, &c.Deprecated, &embedding, &hvBits); err != nil {
			return nil, nil, 0, err
		}
		if len(embedding) > 0 {
			c.GeometricEmbedding = embedding
		}
		if hvBits != nil {
			c.Hypervector = bitsToHypervector(*hvBits)
		}
		c.Relations = make(map[concept.Relation][]concept.OID)
		cp := c
		concepts[c.OID] = &cp
	}
	if err := rows.Err(); err != nil {
		return nil, nil, 0, err
	}

	edgeRows, err := b.pool.Query(ctx, fmt.Sprintf(`SELECT src, kind, dst FROM %s`, b.table("concept_relations")))
	if err != nil {
		return nil, nil, 0, err
	}
	defer edgeRows.Close()

	var edges []concept.RelationEdge
	for edgeRows.Next() {
		var e concept.RelationEdge
		var kind string
		if err := edgeRows.Scan(&e.Src, &kind, &e.Dst); err != nil {
			return nil, nil, 0, err
		}
		e.Kind = concept.Relation(kind)
		edges = append(edges, e)
		if c, ok := concepts[e.Src]; ok {
			c.Relations[e.Kind] = append(c.Relations[e.Kind], e.Dst)
		}
	}
	if err := edgeRows.Err(); err != nil {
		return nil, nil, 0, err
	}

	out := make([]*concept.Concept, 0, len(concepts))
	for _, c := range concepts {
		out = append(out, c)
	}

	var watermark uint64
	row := b.pool.QueryRow(ctx, fmt.Sprintf(`SELECT watermark FROM %s WHERE id`, b.table("store_watermark")))
	_ = row.Scan(&watermark) // absent row (no prior commits) leaves watermark at 0

	return out, edges, watermark, nil
}

// Persist idempotently upserts the batch's concepts and applies its edge
// deltas inside a single Postgres transaction.
func (b *Backend) Persist(ctx context.Context, batch concept.CommitBatch) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsertSQL := fmt.Sprintf(`
		INSERT INTO %s (oid, symbolic_name, created_at, updated_at, embedding_model_tag, codec_tag, stale, deprecated, embedding, hypervector)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (oid) DO UPDATE SET
			symbolic_name = EXCLUDED.symbolic_name,
			updated_at = EXCLUDED.updated_at,
			embedding_model_tag = EXCLUDED.embedding_model_tag,
			codec_tag = EXCLUDED.codec_tag,
			stale = EXCLUDED.stale,
			deprecated = EXCLUDED.deprecated,
			embedding = EXCLUDED.embedding,
			hypervector = EXCLUDED.hypervector
	`, b.table("concepts"))

	for _, c := range batch.Concepts {
		var embedding any
		if len(c.GeometricEmbedding) > 0 {
			embedding = pgvector.NewHalfVector(c.GeometricEmbedding)
		}
		var hv any
		if len(c.Hypervector) > 0 {
			hv = bitLiteral(c.Hypervector)
		}
		if _, err := tx.Exec(ctx, upsertSQL, c.OID, c.SymbolicName, c.CreatedAt, c.UpdatedAt,
			c.EmbeddingModelTag, c.CodecTag, c.Stale, c.Deprecated, embedding, hv); err != nil {
			return fmt.Errorf("pgstore: upsert concept %s: %w", c.OID, err)
		}
	}

	if len(batch.AddEdges) > 0 {
		addSQL := fmt.Sprintf(`INSERT INTO %s (src, kind, dst) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`, b.table("concept_relations"))
		batchReq := &pgx.Batch{}
		for _, e := range batch.AddEdges {
			batchReq.Queue(addSQL, e.Src, string(e.Kind), e.Dst)
		}
		if err := tx.SendBatch(ctx, batchReq).Close(); err != nil {
			return fmt.Errorf("pgstore: add edges: %w", err)
		}
	}
	if len(batch.DelEdges) > 0 {
		delSQL := fmt.Sprintf(`DELETE FROM %s WHERE src = $1 AND kind = $2 AND dst = $3`, b.table("concept_relations"))
		batchReq := &pgx.Batch{}
		for _, e := range batch.DelEdges {
			batchReq.Queue(delSQL, e.Src, string(e.Kind), e.Dst)
		}
		if err := tx.SendBatch(ctx, batchReq).Close(); err != nil {
			return fmt.Errorf("pgstore: delete edges: %w", err)
		}
	}

	wmSQL := fmt.Sprintf(`
		INSERT INTO %s (id, watermark) VALUES (true, $1)
		ON CONFLICT (id) DO UPDATE SET watermark = GREATEST(%s.watermark, EXCLUDED.watermark)
	`, b.table("store_watermark"), b.table("store_watermark"))
	if _, err := tx.Exec(ctx, wmSQL, int64(batch.Watermark)); err != nil {
		return fmt.Errorf("pgstore: advance watermark: %w", err)
	}

	return tx.Commit(ctx)
}
