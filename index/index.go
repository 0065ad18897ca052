// Package index defines the two-tier Federated Vector Index surface: L1
// (geometric, cosine over dense embeddings) and L2 (algebraic, cosine/
// Hamming over bipolar hypervectors). Both tiers share the same shape of
// interface so callers and tests can swap an in-memory reference backend
// (index/memvec) for a Postgres-backed one (index/pgvec) without caring
// which is behind the handle.
package index

import (
	"context"

	"github.com/arborithm/noeticore/concept"
)

// Hit is a single search result: the matched concept and its similarity
// score (cosine in [-1,1] for L1, cosine-over-bipolar in [-1,1] for L2).
type Hit struct {
	OID   concept.OID
	Score float64
}

// Stats is a point-in-time snapshot of an index tier's health.
type Stats struct {
	Size              int
	TombstoneCount    int
	PendingBuildCount int
	Built             bool
}

// L1 is the geometric index over dense embeddings.
type L1 interface {
	// Add inserts or replaces vec for oid, normalizing on insert.
	Add(ctx context.Context, oid concept.OID, vec []float64) error
	// Remove logically tombstones oid; missing OIDs are a no-op.
	Remove(ctx context.Context, oid concept.OID) error
	// Search returns the top-k neighbors of query with score >= threshold,
	// sorted by score descending, ties broken by OID ascending.
	Search(ctx context.Context, query []float64, k int, threshold float64) ([]Hit, error)
	// BatchSearch runs Search for every query, in parallel where the
	// backend supports it.
	BatchSearch(ctx context.Context, queries [][]float64, k int, threshold float64) ([][]Hit, error)
	// ConstrainedSearch restricts results to candidateOIDs. AGL's cleanup
	// stage decodes a hyperdimensional result back into embedding space and
	// must ground it against L1, not L2, so L1 carries this primitive too.
	ConstrainedSearch(ctx context.Context, query []float64, candidateOIDs []concept.OID, k int) ([]Hit, error)
	// RebuildFromStore drops and repopulates the index from an authoritative
	// source, clearing tombstones.
	RebuildFromStore(ctx context.Context, source Source) error
	Stats(ctx context.Context) (Stats, error)
}

// L2 is the algebraic index over bipolar hypervectors.
type L2 interface {
	// Add stages vec for oid in the pending buffer; it is not searchable
	// until Build or RebuildFromStore runs.
	Add(ctx context.Context, oid concept.OID, vec []float32) error
	Remove(ctx context.Context, oid concept.OID) error
	// Build materializes the pending buffer into the searchable index.
	Build(ctx context.Context) error
	Search(ctx context.Context, query []float32, k int, threshold float64) ([]Hit, error)
	BatchSearch(ctx context.Context, queries [][]float32, k int, threshold float64) ([][]Hit, error)
	// ConstrainedSearch restricts results to candidateOIDs: the central
	// primitive AGL's constrained cleanup relies on.
	ConstrainedSearch(ctx context.Context, query []float32, candidateOIDs []concept.OID, k int) ([]Hit, error)
	RebuildFromStore(ctx context.Context, source Source) error
	Stats(ctx context.Context) (Stats, error)
}

// Source supplies the authoritative vectors a rebuild needs; concept.Store
// satisfies this directly.
type Source interface {
	IterAll() []*concept.Concept
}

// TombstoneWatermark is the fraction of tombstoned entries past which L1
// should trigger a rebuild.
const TombstoneWatermark = 0.10
