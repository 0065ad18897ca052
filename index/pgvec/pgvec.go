// Package pgvec is the Postgres-backed Federated Vector Index: L1 stores
// geometric embeddings as pgvector halfvec columns behind an HNSW cosine
// index; L2 stores bipolar hypervectors as bit(D) behind an HNSW
// bit_hamming_ops index, so Hamming distance is the primary algebraic
// retrieval path rather than an approximate pre-filter.
package pgvec

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/hdvec"
	"github.com/arborithm/noeticore/index"
	"github.com/arborithm/noeticore/reasonerr"
)

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

// L1 is a pgvector halfvec-backed geometric index.
type L1 struct {
	pool   *pgxpool.Pool
	schema string
	dim    int
}

var _ index.L1 = (*L1)(nil)

// NewL1 returns an L1 index over <schema>.concept_l1_vectors. Callers must
// have applied the migration creating that table and its HNSW index before
// using it (see Migrate).
func NewL1(pool *pgxpool.Pool, schema string, dim int) (*L1, error) {
	if _, err := quoteIdent(schema); err != nil {
		return nil, fmt.Errorf("pgvec: invalid schema: %w", err)
	}
	return &L1{pool: pool, schema: schema, dim: dim}, nil
}

func (l *L1) table() string {
	qs, _ := quoteIdent(l.schema)
	return qs + ".concept_l1_vectors"
}

func (l *L1) Add(ctx context.Context, oid concept.OID, vec []float64) error {
	if len(vec) != l.dim {
		return &reasonerr.ShapeError{Component: "index.pgvec.L1.Add", Expected: l.dim, Got: len(vec)}
	}
	f32 := toFloat32(vec)
	sql := fmt.Sprintf(`
		INSERT INTO %s (oid, embedding, tombstoned)
		VALUES ($1, $2, false)
		ON CONFLICT (oid) DO UPDATE SET embedding = EXCLUDED.embedding, tombstoned = false
	`, l.table())
	_, err := l.pool.Exec(ctx, sql, oid, pgvector.NewHalfVector(f32))
	return err
}

func (l *L1) Remove(ctx context.Context, oid concept.OID) error {
	sql := fmt.Sprintf(`UPDATE %s SET tombstoned = true WHERE oid = $1`, l.table())
	if _, err := l.pool.Exec(ctx, sql, oid); err != nil {
		return err
	}

	// Compact once the tombstone fraction crosses the rebuild watermark.
	var total, dead int
	row := l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*), count(*) FILTER (WHERE tombstoned) FROM %s`, l.table()))
	if err := row.Scan(&total, &dead); err != nil {
		return err
	}
	if float64(dead) > index.TombstoneWatermark*float64(total) {
		_, err := l.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tombstoned`, l.table()))
		return err
	}
	return nil
}

// Search runs a single-stage cosine KNN using the halfvec HNSW index.
func (l *L1) Search(ctx context.Context, query []float64, k int, threshold float64) ([]index.Hit, error) {
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.pgvec.L1.Search", Expected: l.dim, Got: len(query)}
	}
	if k <= 0 {
		return []index.Hit{}, nil
	}
	half := fmt.Sprintf("halfvec(%d)", l.dim)
	sql := fmt.Sprintf(`
		SELECT oid, 1 - (embedding <=> $1::%s) AS similarity
		FROM %s
		WHERE NOT tombstoned AND embedding IS NOT NULL AND 1 - (embedding <=> $1::%s) >= $2
		ORDER BY similarity DESC, oid ASC
		LIMIT $3
	`, half, l.table(), half)

	rows, err := l.pool.Query(ctx, sql, pgvector.NewHalfVector(toFloat32(query)), threshold, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.OID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (l *L1) BatchSearch(ctx context.Context, queries [][]float64, k int, threshold float64) ([][]index.Hit, error) {
	out := make([][]index.Hit, len(queries))
	for i, q := range queries {
		hits, err := l.Search(ctx, q, k, threshold)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}

// ConstrainedSearch restricts cosine KNN retrieval to candidateOIDs via an
// IN filter, the primitive AGL's cleanup stage relies on once it has
// decoded a hyperdimensional result back into embedding space.
func (l *L1) ConstrainedSearch(ctx context.Context, query []float64, candidateOIDs []concept.OID, k int) ([]index.Hit, error) {
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.pgvec.L1.ConstrainedSearch", Expected: l.dim, Got: len(query)}
	}
	if len(candidateOIDs) == 0 {
		return []index.Hit{}, nil
	}
	half := fmt.Sprintf("halfvec(%d)", l.dim)
	sql := fmt.Sprintf(`
		SELECT oid, 1 - (embedding <=> $1::%s) AS similarity
		FROM %s
		WHERE NOT tombstoned AND embedding IS NOT NULL AND oid = ANY($2::uuid[])
		ORDER BY similarity DESC, oid ASC
		LIMIT $3
	`, half, l.table())

	rows, err := l.pool.Query(ctx, sql, pgvector.NewHalfVector(toFloat32(query)), candidateOIDs, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.OID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (l *L1) RebuildFromStore(ctx context.Context, source index.Source) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, l.table())); err != nil {
		return err
	}
	half := fmt.Sprintf("halfvec(%d)", l.dim)
	insertSQL := fmt.Sprintf(`INSERT INTO %s (oid, embedding, tombstoned) VALUES ($1, $2::%s, false)`, l.table(), half)

	batch := &pgx.Batch{}
	n := 0
	for _, c := range source.IterAll() {
		if c.Deprecated || !c.HasEmbedding() {
			continue
		}
		batch.Queue(insertSQL, c.OID, pgvector.NewHalfVector(c.GeometricEmbedding))
		n++
	}
	if n > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (l *L1) Stats(ctx context.Context) (index.Stats, error) {
	var total, dead int
	row := l.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*), count(*) FILTER (WHERE tombstoned) FROM %s`, l.table()))
	if err := row.Scan(&total, &dead); err != nil {
		return index.Stats{}, err
	}
	return index.Stats{Size: total - dead, TombstoneCount: dead, Built: true}, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// --- L2 -----------------------------------------------------------------

// L2 is a pgvector bit(D)-backed algebraic index, using an HNSW
// bit_hamming_ops index as the primary (not approximate) retrieval path.
type L2 struct {
	pool   *pgxpool.Pool
	schema string
	dim    int
	built  bool
}

var _ index.L2 = (*L2)(nil)

// NewL2 returns an L2 index over <schema>.concept_l2_vectors.
func NewL2(pool *pgxpool.Pool, schema string, dim int) (*L2, error) {
	if _, err := quoteIdent(schema); err != nil {
		return nil, fmt.Errorf("pgvec: invalid schema: %w", err)
	}
	return &L2{pool: pool, schema: schema, dim: dim}, nil
}

func (l *L2) table() string {
	qs, _ := quoteIdent(l.schema)
	return qs + ".concept_l2_vectors"
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

func (l *L2) Add(ctx context.Context, oid concept.OID, vec []float32) error {
	if len(vec) != l.dim {
		return &reasonerr.ShapeError{Component: "index.pgvec.L2.Add", Expected: l.dim, Got: len(vec)}
	}
	if !hdvec.Valid(vec) {
		return &reasonerr.NumericError{Component: "index.pgvec.L2.Add", Detail: "hypervector is not bipolar"}
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s (oid, hypervector, pending, tombstoned)
		VALUES ($1, $2::bit(%d), true, false)
		ON CONFLICT (oid) DO UPDATE SET hypervector = EXCLUDED.hypervector, pending = true, tombstoned = false
	`, l.table(), l.dim)
	_, err := l.pool.Exec(ctx, sql, oid, bitLiteral(vec))
	return err
}

func (l *L2) Remove(ctx context.Context, oid concept.OID) error {
	sql := fmt.Sprintf(`UPDATE %s SET tombstoned = true, pending = false WHERE oid = $1`, l.table())
	_, err := l.pool.Exec(ctx, sql, oid)
	return err
}

// Build clears the pending flag on staged rows and drops tombstoned rows,
// the batched-materialization step L2 requires before it serves searches.
func (l *L2) Build(ctx context.Context) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE tombstoned`, l.table())); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`UPDATE %s SET pending = false WHERE pending`, l.table())); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	l.built = true
	return nil
}

func (l *L2) Search(ctx context.Context, query []float32, k int, threshold float64) ([]index.Hit, error) {
	if !l.built {
		return nil, reasonerr.ErrIndexNotBuilt
	}
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.pgvec.L2.Search", Expected: l.dim, Got: len(query)}
	}
	sql := fmt.Sprintf(`
		SELECT oid, 1 - (2.0 * (hypervector <~> $1::bit(%d)) / %d) AS similarity
		FROM %s
		WHERE NOT pending AND NOT tombstoned
		ORDER BY hypervector <~> $1::bit(%d) ASC, oid ASC
		LIMIT $2
	`, l.dim, l.dim, l.table(), l.dim)

	rows, err := l.pool.Query(ctx, sql, bitLiteral(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.OID, &h.Score); err != nil {
			return nil, err
		}
		if h.Score >= threshold {
			hits = append(hits, h)
		}
	}
	return hits, rows.Err()
}

func (l *L2) BatchSearch(ctx context.Context, queries [][]float32, k int, threshold float64) ([][]index.Hit, error) {
	out := make([][]index.Hit, len(queries))
	for i, q := range queries {
		hits, err := l.Search(ctx, q, k, threshold)
		if err != nil {
			return nil, err
		}
		out[i] = hits
	}
	return out, nil
}

// ConstrainedSearch restricts Hamming-distance retrieval to candidateOIDs
// via an IN filter, the central primitive AGL's cleanup stage relies on.
func (l *L2) ConstrainedSearch(ctx context.Context, query []float32, candidateOIDs []concept.OID, k int) ([]index.Hit, error) {
	if !l.built {
		return nil, reasonerr.ErrIndexNotBuilt
	}
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.pgvec.L2.ConstrainedSearch", Expected: l.dim, Got: len(query)}
	}
	if len(candidateOIDs) == 0 {
		return []index.Hit{}, nil
	}
	sql := fmt.Sprintf(`
		SELECT oid, 1 - (2.0 * (hypervector <~> $1::bit(%d)) / %d) AS similarity
		FROM %s
		WHERE NOT pending AND NOT tombstoned AND oid = ANY($2::uuid[])
		ORDER BY hypervector <~> $1::bit(%d) ASC, oid ASC
		LIMIT $3
	`, l.dim, l.dim, l.table(), l.dim)

	rows, err := l.pool.Query(ctx, sql, bitLiteral(query), candidateOIDs, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []index.Hit
	for rows.Next() {
		var h index.Hit
		if err := rows.Scan(&h.OID, &h.Score); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (l *L2) RebuildFromStore(ctx context.Context, source index.Source) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, fmt.Sprintf(`TRUNCATE %s`, l.table())); err != nil {
		return err
	}
	insertSQL := fmt.Sprintf(`INSERT INTO %s (oid, hypervector, pending, tombstoned) VALUES ($1, $2::bit(%d), false, false)`, l.table(), l.dim)

	batch := &pgx.Batch{}
	n := 0
	for _, c := range source.IterAll() {
		if c.Deprecated || !c.HasUsableHypervector() {
			continue
		}
		batch.Queue(insertSQL, c.OID, bitLiteral(c.Hypervector))
		n++
	}
	if n > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	l.built = true
	return nil
}

func (l *L2) Stats(ctx context.Context) (index.Stats, error) {
	var total, pending, dead int
	row := l.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT count(*), count(*) FILTER (WHERE pending), count(*) FILTER (WHERE tombstoned) FROM %s`, l.table()))
	if err := row.Scan(&total, &pending, &dead); err != nil {
		return index.Stats{}, err
	}
	return index.Stats{Size: total - pending - dead, PendingBuildCount: pending, TombstoneCount: dead, Built: l.built}, nil
}
