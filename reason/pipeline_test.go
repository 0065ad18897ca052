package reason_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/arborithm/noeticore/codec"
	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/concept/memstore"
	"github.com/arborithm/noeticore/embed"
	"github.com/arborithm/noeticore/index/memvec"
	"github.com/arborithm/noeticore/reason"
	"github.com/arborithm/noeticore/reasonerr"
)

const (
	testEmbeddingDim   = 16
	testHypervectorDim = 256
)

// harness wires a fully in-memory store+codec+L1+embedder stack and
// populates a small fixed vocabulary of concepts.
type harness struct {
	store    *concept.Store
	codec    *codec.Codec
	l1       *memvec.L1
	embedder embed.Embedder
	oids     map[string]concept.OID
}

func newHarness(t *testing.T, terms []string) *harness {
	t.Helper()
	ctx := context.Background()

	st, err := concept.New(ctx, memstore.New(), concept.Config{
		EmbeddingDim:   testEmbeddingDim,
		HypervectorDim: testHypervectorDim,
	})
	require.NoError(t, err)

	embedder := embed.NewFixed("fixed-test-v1", testEmbeddingDim, terms)

	oids := make(map[string]concept.OID, len(terms))
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	for _, term := range terms {
		oid := uuid.New()
		oids[term] = oid
		require.NoError(t, tx.Create(oid, term))
		vec, err := embedder.EmbedTerm(ctx, term)
		require.NoError(t, err)
		f32 := toFloat32(vec)
		require.NoError(t, tx.SetEmbedding(oid, f32, embedder.Model()))
	}
	require.NoError(t, tx.Commit(ctx))

	cd := codec.New()
	var samples [][]float64
	for _, term := range terms {
		vec, err := embedder.EmbedTerm(ctx, term)
		require.NoError(t, err)
		samples = append(samples, vec)
	}
	require.NoError(t, cd.Fit(samples, testHypervectorDim, codec.FitConfig{
		NComponents:  len(samples),
		ModelVersion: "test-codec-v1",
		Seed:         7,
	}))
	tag, err := cd.Tag()
	require.NoError(t, err)
	st.SetInstalledCodecTag(tag)

	l1 := memvec.NewL1(testEmbeddingDim)
	for _, term := range terms {
		c, ok := st.Get(oids[term])
		require.True(t, ok)
		require.NoError(t, l1.Add(ctx, c.OID, toFloat64(c.GeometricEmbedding)))
	}

	// Install hypervectors for every concept so AGL and similarity_search
	// have something to ground against.
	tx2, err := st.Begin(ctx)
	require.NoError(t, err)
	for _, term := range terms {
		c, ok := st.Get(oids[term])
		require.True(t, ok)
		hv, err := cd.Encode([][]float64{toFloat64(c.GeometricEmbedding)})
		require.NoError(t, err)
		require.NoError(t, tx2.SetHypervector(c.OID, hv[0], tag))
	}
	require.NoError(t, tx2.Commit(ctx))

	return &harness{store: st, codec: cd, l1: l1, embedder: embedder, oids: oids}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func (h *harness) pipeline() *reason.Pipeline {
	return reason.New(h.store, h.codec, h.l1, h.embedder, reason.Config{KRetrieve: 5, KContext: 3})
}

func TestReasonGeneralSearchResolvesAKnownConcept(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel"}
	h := newHarness(t, terms)

	handle, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpGeneralSearch,
		Entities:  []string{"apple", "fruit"},
	})
	require.NoError(t, err)
	require.NotEqual(t, concept.NilOID, handle.OID)
	require.Greater(t, handle.CandidateCount, 0)
}

func TestReasonRecipeSearchExcludesTerm(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "green"}
	h := newHarness(t, terms)

	handle, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpRecipeSearch,
		Included:  []string{"apple", "fruit"},
		Excluded:  []string{"green"},
	})
	require.NoError(t, err)
	require.NotEqual(t, concept.NilOID, handle.OID)
}

func TestReasonAnalogyComposesThreeTerms(t *testing.T) {
	terms := []string{"king", "man", "woman", "queen"}
	h := newHarness(t, terms)

	handle, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpAnalogy,
		A:         "king",
		B:         "man",
		C:         "woman",
	})
	require.NoError(t, err)
	require.NotEqual(t, concept.NilOID, handle.OID)
}

func TestReasonSimilaritySearchComparesTwoConcepts(t *testing.T) {
	terms := []string{"apple", "fruit"}
	h := newHarness(t, terms)

	handle, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation:      reason.OpSimilaritySearch,
		SimilarityOIDs: [2]concept.OID{h.oids["apple"], h.oids["fruit"]},
	})
	require.NoError(t, err)
	require.Equal(t, h.oids["apple"], handle.OID)
	require.Equal(t, 2, handle.CandidateCount)
	require.GreaterOrEqual(t, handle.Score, -1.0)
	require.LessOrEqual(t, handle.Score, 1.0)
}

func TestReasonGeneralSearchFailsWithEmbedderUnavailableForUnknownTerm(t *testing.T) {
	terms := []string{"apple", "fruit"}
	h := newHarness(t, terms)

	// NewFixed was built with a restricted known-term set; an unknown term
	// fails at GCE's embedder call, before any L1 search runs.
	_, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpGeneralSearch,
		Entities:  []string{"nonexistent-term"},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrEmbedderUnavailable))
}

func TestReasonSimilaritySearchFailsOnUnknownOID(t *testing.T) {
	terms := []string{"apple", "fruit"}
	h := newHarness(t, terms)

	_, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation:      reason.OpSimilaritySearch,
		SimilarityOIDs: [2]concept.OID{uuid.New(), h.oids["apple"]},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrEmptyContext))
}

func TestReasonUnsupportedOperationIsRejected(t *testing.T) {
	terms := []string{"apple"}
	h := newHarness(t, terms)

	_, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation: reason.Op("not_a_real_operation"),
		Entities:  []string{"apple"},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrUnsupportedOperation))
}

func TestReasonRecipeSearchWithoutExclusionsBehavesAsInclusionOnly(t *testing.T) {
	terms := []string{"apple", "fruit", "red"}
	h := newHarness(t, terms)

	handle, err := h.pipeline().Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpRecipeSearch,
		Included:  []string{"apple", "red"},
	})
	require.NoError(t, err)
	require.NotEqual(t, concept.NilOID, handle.OID)
}

func TestReasonGeneralSearchDegradedFallbackWithoutCodec(t *testing.T) {
	terms := []string{"apple", "fruit"}
	h := newHarness(t, terms)
	unfitted := codec.New()

	strict := reason.New(h.store, unfitted, h.l1, h.embedder, reason.Config{KRetrieve: 5, KContext: 3})
	_, err := strict.Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpGeneralSearch,
		Entities:  []string{"apple"},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrCodecNotFitted))

	degraded := reason.New(h.store, unfitted, h.l1, h.embedder, reason.Config{
		KRetrieve: 5, KContext: 3, DegradedL1Fallback: true,
	})
	handle, err := degraded.Reason(context.Background(), reason.QueryPlan{
		Operation: reason.OpGeneralSearch,
		Entities:  []string{"apple"},
	})
	require.NoError(t, err)
	require.Equal(t, h.oids["apple"], handle.OID)
}

func TestReasonCancelledContextSurfacesCancelled(t *testing.T) {
	h := newHarness(t, []string{"apple", "fruit"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.pipeline().Reason(ctx, reason.QueryPlan{
		Operation: reason.OpGeneralSearch,
		Entities:  []string{"apple"},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrCancelled))
}

func TestReasonExpiredDeadlineSurfacesTimeoutWithStage(t *testing.T) {
	h := newHarness(t, []string{"apple", "fruit"})

	ctx, cancel := context.WithTimeout(context.Background(), -time.Second)
	defer cancel()
	_, err := h.pipeline().Reason(ctx, reason.QueryPlan{
		Operation: reason.OpGeneralSearch,
		Entities:  []string{"apple"},
	})
	require.Error(t, err)
	require.True(t, errors.Is(err, reasonerr.ErrTimeout))

	var stageErr *reasonerr.StageError
	require.True(t, errors.As(err, &stageErr))
	require.Equal(t, "GCE", stageErr.Stage)
}

func TestReasonConcurrentCallsDoNotInterfere(t *testing.T) {
	terms := []string{"apple", "fruit", "red", "car", "wheel"}
	h := newHarness(t, terms)
	p := h.pipeline()

	done := make(chan error, 2)
	go func() {
		_, err := p.Reason(context.Background(), reason.QueryPlan{
			Operation: reason.OpGeneralSearch,
			Entities:  []string{"apple"},
		})
		done <- err
	}()
	go func() {
		_, err := p.Reason(context.Background(), reason.QueryPlan{
			Operation: reason.OpGeneralSearch,
			Entities:  []string{"car", "wheel"},
		})
		done <- err
	}()
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
