package concept_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/concept/memstore"
)

func newStore(t *testing.T) *concept.Store {
	t.Helper()
	s, err := concept.New(context.Background(), memstore.New(), concept.Config{
		EmbeddingDim:   4,
		HypervectorDim: 8,
	})
	require.NoError(t, err)
	return s
}

func TestCreateGetCommitVisibility(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	oid := uuid.New()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Create(oid, "king"))

	// Not yet visible to readers before commit.
	_, ok := s.Get(oid)
	require.False(t, ok)

	require.NoError(t, tx.Commit(ctx))

	c, ok := s.Get(oid)
	require.True(t, ok)
	require.Equal(t, "king", c.SymbolicName)
}

func TestSetEmbeddingMarksHypervectorStaleUnlessRefreshed(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	oid := uuid.New()
	s.SetInstalledCodecTag("codec-v1")

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(oid, "x"))
	require.NoError(t, tx.SetEmbedding(oid, []float32{1, 2, 3, 4}, "model-v1"))
	require.NoError(t, tx.SetHypervector(oid, []float32{1, -1, 1, -1, 1, -1, 1, -1}, "codec-v1"))
	require.NoError(t, tx.Commit(ctx))

	c, _ := s.Get(oid)
	require.False(t, c.Stale)

	tx2, _ := s.Begin(ctx)
	require.NoError(t, tx2.SetEmbedding(oid, []float32{4, 3, 2, 1}, "model-v1"))
	require.NoError(t, tx2.Commit(ctx))

	c2, _ := s.Get(oid)
	require.True(t, c2.Stale)
}

func TestRelationMustResolveToLiveConcept(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	src := uuid.New()
	dangling := uuid.New()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(src, "a"))
	err := tx.AddRelation(src, concept.RelIsA, dangling)
	require.Error(t, err)
}

func TestRelationResolvesWithinSameTransaction(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := uuid.New()
	b := uuid.New()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(a, "a"))
	require.NoError(t, tx.Create(b, "b"))
	require.NoError(t, tx.AddRelation(a, concept.RelIsA, b))
	require.NoError(t, tx.Commit(ctx))

	c, _ := s.Get(a)
	require.Equal(t, []concept.OID{b}, c.Relations[concept.RelIsA])
}

func TestRelationTraversalReadsFromGraph(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	// a -is_a-> b -is_a-> c
	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(a, "a"))
	require.NoError(t, tx.Create(b, "b"))
	require.NoError(t, tx.Create(c, "c"))
	require.NoError(t, tx.AddRelation(a, concept.RelIsA, b))
	require.NoError(t, tx.AddRelation(b, concept.RelIsA, c))
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, []concept.OID{b}, s.Related(a, concept.RelIsA))
	require.Empty(t, s.Related(c, concept.RelIsA))
	require.True(t, s.HasRelation(a, concept.RelIsA, b))
	require.False(t, s.HasRelation(b, concept.RelIsA, a))
	require.False(t, s.HasRelation(a, concept.RelPartOf, b))

	require.Len(t, s.ReachableFrom(a, concept.RelIsA, 0), 2)
	require.Equal(t, []concept.OID{b}, s.ReachableFrom(a, concept.RelIsA, 1))

	counts := s.RelationCounts()
	require.Equal(t, 2, counts[concept.RelIsA])
	require.Equal(t, 0, counts[concept.RelPartOf])
}

func TestRemoveRelationDropsGraphEdge(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(a, "a"))
	require.NoError(t, tx.Create(b, "b"))
	require.NoError(t, tx.AddRelation(a, concept.RelPartOf, b))
	require.NoError(t, tx.Commit(ctx))
	require.True(t, s.HasRelation(a, concept.RelPartOf, b))

	tx2, _ := s.Begin(ctx)
	require.NoError(t, tx2.RemoveRelation(a, concept.RelPartOf, b))
	require.NoError(t, tx2.Commit(ctx))

	require.False(t, s.HasRelation(a, concept.RelPartOf, b))
	require.Empty(t, s.Related(a, concept.RelPartOf))
	require.Equal(t, 0, s.RelationCounts()[concept.RelPartOf])
}

func TestHypervectorMustBeBipolar(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	oid := uuid.New()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(oid, "x"))
	err := tx.SetHypervector(oid, []float32{1, 0.5, 1, -1, 1, -1, 1, -1}, "codec-v1")
	require.Error(t, err)
}

func TestConcurrentWritersOneGetsConflict(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	tx1, err := s.Begin(ctx)
	require.NoError(t, err)
	defer tx1.Abort()

	_, err = s.Begin(ctx)
	require.Error(t, err)
}

func TestIterDirtySinceIsReplayableAndMonotone(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	a := uuid.New()
	b := uuid.New()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(a, "a"))
	require.NoError(t, tx.Commit(ctx))

	dirty1, wm1 := s.IterDirtySince(0)
	require.Len(t, dirty1, 1)

	// Replay with the same watermark is idempotent.
	dirty1Again, wm1Again := s.IterDirtySince(0)
	require.Equal(t, dirty1, dirty1Again)
	require.Equal(t, wm1, wm1Again)

	tx2, _ := s.Begin(ctx)
	require.NoError(t, tx2.Create(b, "b"))
	require.NoError(t, tx2.Commit(ctx))

	dirty2, wm2 := s.IterDirtySince(wm1)
	require.Len(t, dirty2, 1)
	require.Equal(t, b, dirty2[0].OID)
	require.Greater(t, wm2, wm1)
}

func TestMarkDeprecatedNeverDestroysConcept(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	oid := uuid.New()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.Create(oid, "x"))
	require.NoError(t, tx.Commit(ctx))

	tx2, _ := s.Begin(ctx)
	require.NoError(t, tx2.MarkDeprecated(oid))
	require.NoError(t, tx2.Commit(ctx))

	c, ok := s.Get(oid)
	require.True(t, ok)
	require.True(t, c.Deprecated)
}
