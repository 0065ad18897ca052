package maintain_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/concept/memstore"
	"github.com/arborithm/noeticore/corectx"
	"github.com/arborithm/noeticore/embed"
	"github.com/arborithm/noeticore/index/memvec"
	"github.com/arborithm/noeticore/maintain"
	"github.com/arborithm/noeticore/reasonerr"
)

const (
	testEmbeddingDim   = 16
	testHypervectorDim = 256
)

// harness wires an in-memory store and index stack with embedded concepts
// and hands back the core context a Facade runs against.
type harness struct {
	core     *corectx.Context
	l1       *memvec.L1
	l2       *memvec.L2
	embedder *embed.Fixed
	oids     []concept.OID
}

func newHarness(t *testing.T, terms []string) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := concept.New(ctx, memstore.New(), concept.Config{
		EmbeddingDim:   testEmbeddingDim,
		HypervectorDim: testHypervectorDim,
	})
	require.NoError(t, err)

	embedder := embed.NewFixed("fixed-test-v1", testEmbeddingDim, nil)
	l1 := memvec.NewL1(testEmbeddingDim)
	l2 := memvec.NewL2(testHypervectorDim)
	h := &harness{
		core:     corectx.New(st, l1, l2, nil, nil),
		l1:       l1,
		l2:       l2,
		embedder: embedder,
	}
	h.addConcepts(t, terms)
	return h
}

// addConcepts creates one embedded concept per term in a single transaction.
func (h *harness) addConcepts(t *testing.T, terms []string) {
	t.Helper()
	ctx := context.Background()
	tx, err := h.core.Store.Begin(ctx)
	require.NoError(t, err)
	for _, term := range terms {
		oid := uuid.New()
		h.oids = append(h.oids, oid)
		require.NoError(t, tx.Create(oid, term))
		vec, err := h.embedder.EmbedTerm(ctx, term)
		require.NoError(t, err)
		require.NoError(t, tx.SetEmbedding(oid, toFloat32(vec), h.embedder.Model()))
	}
	require.NoError(t, tx.Commit(ctx))
}

func (h *harness) facade(refitThreshold int) *maintain.Facade {
	return maintain.NewFacade(h.core, maintain.TrainerConfig{
		NMin:           4,
		RefitThreshold: refitThreshold,
		HypervectorDim: testHypervectorDim,
		ModelVersion:   "test-codec-v1",
		Seed:           7,
	}, maintain.SyncWorkerConfig{})
}

// settle runs sync ticks until the worker's watermark stops moving, bounding
// the loop so a regression can't hang the test.
func settle(t *testing.T, f *maintain.Facade) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		before := f.Sync.Watermark()
		require.NoError(t, f.Sync.Tick(ctx))
		if f.Sync.Watermark() == before && f.Sync.Watermark() == f.Ctx.Store.Watermark() {
			return
		}
	}
	t.Fatal("sync worker did not settle within 10 ticks")
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func TestTrainerFitFailsWithInsufficientData(t *testing.T) {
	h := newHarness(t, []string{"apple", "fruit"})
	f := h.facade(100)

	_, err := f.FitCodec(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrInsufficientData))
}

func TestSyncTickPopulatesBothTiersAndReencodesStale(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel", "road", "tree", "leaf"}
	h := newHarness(t, terms)
	f := h.facade(100)
	ctx := context.Background()

	tag, err := f.FitCodec(ctx)
	require.NoError(t, err)
	require.Equal(t, tag, h.core.Store.InstalledCodecTag())

	settle(t, f)

	l1Stats, err := h.l1.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(terms), l1Stats.Size)

	l2Stats, err := h.l2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(terms), l2Stats.Size)
	require.True(t, l2Stats.Built)

	// Every concept was re-encoded under the installed codec and is usable.
	for _, c := range h.core.Store.IterAll() {
		require.True(t, c.HasUsableHypervector(), "concept %s should carry a fresh hypervector", c.SymbolicName)
		require.Equal(t, tag, c.CodecTag)
	}
}

func TestSyncWatermarkIsMonotoneAndReplaysIdempotentlyAfterRestart(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel", "road"}
	h := newHarness(t, terms)
	f := h.facade(100)
	ctx := context.Background()

	_, err := f.FitCodec(ctx)
	require.NoError(t, err)

	var last uint64
	for i := 0; i < 6; i++ {
		require.NoError(t, f.Sync.Tick(ctx))
		require.GreaterOrEqual(t, f.Sync.Watermark(), last)
		last = f.Sync.Watermark()
	}
	require.Equal(t, h.core.Store.Watermark(), last)

	l2Before, err := h.l2.Stats(ctx)
	require.NoError(t, err)

	// A restarted worker begins from watermark zero and replays the full
	// change log against the same indexes; every operation is last-write-wins,
	// so nothing changes beyond the watermark catching up.
	restarted := maintain.NewSyncWorker(h.core, nil, nil, maintain.SyncWorkerConfig{})
	for i := 0; i < 4; i++ {
		require.NoError(t, restarted.Tick(ctx))
	}
	require.Equal(t, h.core.Store.Watermark(), restarted.Watermark())

	l1After, err := h.l1.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(terms), l1After.Size)
	l2After, err := h.l2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, l2Before.Size, l2After.Size)
}

func TestSyncRemovesDeprecatedConceptsFromBothTiers(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel"}
	h := newHarness(t, terms)
	f := h.facade(100)
	ctx := context.Background()

	_, err := f.FitCodec(ctx)
	require.NoError(t, err)
	settle(t, f)

	tx, err := h.core.Store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.MarkDeprecated(h.oids[0]))
	require.NoError(t, tx.Commit(ctx))
	settle(t, f)

	l1Stats, err := h.l1.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(terms)-1, l1Stats.Size)
	l2Stats, err := h.l2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(terms)-1, l2Stats.Size)
}

func TestRefitMarksOldHypervectorsStaleAndReencodesUnderNewTag(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel", "road", "tree", "leaf"}
	h := newHarness(t, terms)
	f := h.facade(5)
	ctx := context.Background()

	oldTag, err := f.FitCodec(ctx)
	require.NoError(t, err)
	settle(t, f)

	// A batch of new embedded concepts crosses the refit threshold; the next
	// ticks fit a new codec over the grown sample, mark the old hypervectors
	// stale, and re-encode everything under the new tag.
	h.addConcepts(t, []string{"king", "man", "woman", "queen", "crown", "throne"})
	settle(t, f)

	newTag := h.core.Store.InstalledCodecTag()
	require.NotEqual(t, oldTag, newTag)

	all := h.core.Store.IterAll()
	require.Len(t, all, len(terms)+6)
	for _, c := range all {
		require.True(t, c.HasUsableHypervector(), "concept %s should be re-encoded", c.SymbolicName)
		require.Equal(t, newTag, c.CodecTag)
	}

	l2Stats, err := h.l2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, len(all), l2Stats.Size)
}

func TestRebuildIndexesIsIdempotent(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel"}
	h := newHarness(t, terms)
	f := h.facade(100)
	ctx := context.Background()

	_, err := f.FitCodec(ctx)
	require.NoError(t, err)
	settle(t, f)

	require.NoError(t, f.RebuildIndexes(ctx))
	first, err := f.StatsSnapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, f.RebuildIndexes(ctx))
	second, err := f.StatsSnapshot(ctx)
	require.NoError(t, err)

	require.Equal(t, first.L1Size, second.L1Size)
	require.Equal(t, first.L2Size, second.L2Size)
	require.Equal(t, len(terms), second.L1Size)
	require.Equal(t, len(terms), second.L2Size)
}

func TestFacadeStatsSnapshotReflectsMaintenanceActivity(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel"}
	h := newHarness(t, terms)
	f := h.facade(100)
	ctx := context.Background()

	_, err := f.FitCodec(ctx)
	require.NoError(t, err)
	settle(t, f)

	stats, err := f.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, len(terms), stats.L1Size)
	require.Equal(t, len(terms), stats.L2Size)
	require.Equal(t, 0, stats.StaleCount)
	require.Greater(t, stats.SyncInserts, int64(0))
	require.Greater(t, stats.SyncReencodes, int64(0))
	require.Equal(t, int64(1), stats.FitCount)
	require.False(t, stats.LastFitAt.IsZero())
	require.Equal(t, int64(0), stats.AlarmCount)

	// Relation edges are read straight off the store's relation graphs.
	tx, err := h.core.Store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AddRelation(h.oids[0], concept.RelIsA, h.oids[1]))
	require.NoError(t, tx.Commit(ctx))

	stats, err = f.StatsSnapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.RelationEdges[concept.RelIsA])
	require.Equal(t, 0, stats.RelationEdges[concept.RelPartOf])
}

func TestTrainerRefitCounterThreshold(t *testing.T) {
	h := newHarness(t, []string{"apple", "fruit", "red", "car", "wheel"})
	f := h.facade(5)

	f.Trainer.NoteChanged(3)
	require.False(t, f.Trainer.ShouldRefit())
	f.Trainer.NoteChanged(2)
	require.True(t, f.Trainer.ShouldRefit())

	tag, triggered, err := f.Trainer.MaybeScheduleRefit(context.Background())
	require.NoError(t, err)
	require.True(t, triggered)
	require.NotEmpty(t, tag)
	require.False(t, f.Trainer.ShouldRefit())
	require.Equal(t, tag, h.core.Store.InstalledCodecTag())
}
