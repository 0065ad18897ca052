// Package memstore is an in-process, map-backed concept.Backend used by
// default, by tests, and anywhere durability beyond process lifetime is not
// required.
package memstore

import (
	"context"
	"sync"

	"github.com/arborithm/noeticore/concept"
)

// Backend is a goroutine-safe, in-memory concept.Backend.
type Backend struct {
	mu        sync.Mutex
	concepts  map[concept.OID]*concept.Concept
	edges     map[concept.RelationEdge]struct{}
	watermark uint64
}

// New returns an empty Backend.
func New() *Backend {
	return &Backend{
		concepts: make(map[concept.OID]*concept.Concept),
		edges:    make(map[concept.RelationEdge]struct{}),
	}
}

func (b *Backend) Load(_ context.Context) ([]*concept.Concept, []concept.RelationEdge, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	concepts := make([]*concept.Concept, 0, len(b.concepts))
	for _, c := range b.concepts {
		concepts = append(concepts, c.Clone())
	}
	edges := make([]concept.RelationEdge, 0, len(b.edges))
	for e := range b.edges {
		edges = append(edges, e)
	}
	return concepts, edges, b.watermark, nil
}

// Persist idempotently records a committed batch: upserting touched
// concepts and applying edge deltas. Because commit batches always carry
// the full post-mutation concept state, replaying the same batch twice is a
// no-op beyond the second write.
func (b *Backend) Persist(_ context.Context, batch concept.CommitBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range batch.Concepts {
		b.concepts[c.OID] = c.Clone()
	}
	for _, e := range batch.AddEdges {
		b.edges[e] = struct{}{}
	}
	for _, e := range batch.DelEdges {
		delete(b.edges, e)
	}
	if batch.Watermark > b.watermark {
		b.watermark = batch.Watermark
	}
	return nil
}
