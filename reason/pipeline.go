// Package reason implements the reasoning pipeline: a staged state machine
// (geometric context retrieval -> hyperdimensional algebra -> constrained
// cleanup) turning a QueryPlan into a ConceptHandle, with Reciprocal Rank
// Fusion for candidate ranking and Maximal Marginal Relevance for context
// diversification.
package reason

import (
	"context"
	"errors"
	"fmt"

	"github.com/arborithm/noeticore/codec"
	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/corectx"
	"github.com/arborithm/noeticore/embed"
	"github.com/arborithm/noeticore/hdvec"
	"github.com/arborithm/noeticore/index"
	"github.com/arborithm/noeticore/reasonerr"
)

// Config holds the retrieval and composition knobs for a Pipeline.
type Config struct {
	KRetrieve     int     // default 20
	ThetaRetrieve float64 // default 0.0
	KContext      int     // default 5
	MMRLambda     float64 // default 0.5

	// DegradedL1Fallback lets general_search answer with the first
	// RRF-fused L1 candidate that still resolves in the store when no
	// fitted codec is installed, instead of failing with
	// CodecNotFitted. Off by default; the other operations always require
	// the codec.
	DegradedL1Fallback bool
}

func (c Config) withDefaults() Config {
	if c.KRetrieve <= 0 {
		c.KRetrieve = 20
	}
	if c.KContext <= 0 {
		c.KContext = 5
	}
	if c.MMRLambda <= 0 {
		c.MMRLambda = 0.5
	}
	return c
}

// Pipeline wires the concept store, the codec and the L1 index tier into
// the Reason(QueryPlan) entry point. It holds no other mutable state:
// every call is a pure function of the store/codec/index snapshot it sees
// and the plan, so concurrent Reason calls never interfere with each other.
type Pipeline struct {
	store    *concept.Store
	codecFn  func() *codec.Codec
	l1       index.L1
	embedder embed.Embedder
	cfg      Config
}

// New returns a Pipeline bound to a fixed codec instance. If that codec is
// not fitted, operations that need it fail with CodecNotFitted (or, for
// general_search, use DegradedL1Fallback when enabled); embedder and l1 are
// queried directly, never cached across calls.
func New(store *concept.Store, cd *codec.Codec, l1 index.L1, embedder embed.Embedder, cfg Config) *Pipeline {
	return &Pipeline{store: store, codecFn: func() *codec.Codec { return cd }, l1: l1, embedder: embedder, cfg: cfg.withDefaults()}
}

// NewFromContext returns a Pipeline that resolves its codec from ctx fresh
// on every Reason call rather than caching it, so a maintenance refit's
// atomic pointer swap is picked up by the next query while any query
// already running keeps the codec it started on.
func NewFromContext(ctx *corectx.Context, l1 index.L1, embedder embed.Embedder, cfg Config) *Pipeline {
	return &Pipeline{store: ctx.Store, codecFn: ctx.Codec, l1: l1, embedder: embedder, cfg: cfg.withDefaults()}
}

// termResult is GCE's per-entity-term retrieval outcome.
type termResult struct {
	hits              []index.Hit
	contextEmbeddings [][]float64
}

// retrieveTerm embeds term, runs L1 search, and selects an MMR-diversified
// representative context of up to KContext neighbors.
func (p *Pipeline) retrieveTerm(ctx context.Context, term string) (termResult, error) {
	vec, err := p.embedder.EmbedTerm(ctx, term)
	if err != nil {
		return termResult{}, fmt.Errorf("term %q: %w", term, reasonerr.ErrEmbedderUnavailable)
	}
	hits, err := p.l1.Search(ctx, vec, p.cfg.KRetrieve, p.cfg.ThetaRetrieve)
	if err != nil {
		return termResult{}, err
	}
	if len(hits) == 0 {
		return termResult{hits: hits}, nil
	}

	var embeddings [][]float64
	var relevance []float64
	for _, h := range hits {
		c, ok := p.store.Get(h.OID)
		if !ok || !c.HasEmbedding() {
			continue
		}
		embeddings = append(embeddings, toFloat64(c.GeometricEmbedding))
		relevance = append(relevance, h.Score)
	}
	if len(embeddings) == 0 {
		return termResult{hits: hits}, nil
	}

	k := p.cfg.KContext
	if k > len(embeddings) {
		k = len(embeddings)
	}
	picked := MMRReRank(embeddings, relevance, k, p.cfg.MMRLambda)
	ctxEmb := make([][]float64, len(picked))
	for i, idx := range picked {
		ctxEmb[i] = embeddings[idx]
	}
	return termResult{hits: hits, contextEmbeddings: ctxEmb}, nil
}

// gce runs retrieveTerm over the deduplicated union of terms and returns
// each term's retrieval outcome plus the candidate set. The set is the
// plain union of every term's hits; its order is the RRF fusion of the
// per-term rankings, so consumers that pick from the front (the degraded
// fallback in particular) see the best cross-term candidate first.
func (p *Pipeline) gce(ctx context.Context, op Op, terms []string) (map[string]termResult, []concept.OID, error) {
	seen := make(map[string]bool)
	var unique []string
	for _, t := range terms {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		unique = append(unique, t)
	}

	results := make(map[string]termResult, len(unique))
	var rankedLists [][]concept.OID
	for _, term := range unique {
		tr, err := p.retrieveTerm(ctx, term)
		if err != nil {
			return nil, nil, reasonerr.Stage("GCE", err)
		}
		results[term] = tr

		var list []concept.OID
		for _, h := range tr.hits {
			list = append(list, h.OID)
		}
		rankedLists = append(rankedLists, list)
	}

	candidates := FuseRRF(rankedLists, RRFOptions{})
	if len(candidates) == 0 {
		return nil, nil, reasonerr.EmptyContext(string(op))
	}
	return results, candidates, nil
}

// fittedCodec resolves the codec once for the whole Reason call, so a
// maintenance refit's pointer swap mid-query is never observed: the query
// continues with the codec it started on.
func (p *Pipeline) fittedCodec() (*codec.Codec, error) {
	cd := p.codecFn()
	if cd == nil || !cd.Fitted() {
		return nil, reasonerr.ErrCodecNotFitted
	}
	return cd, nil
}

// termHypervector encodes and bundles a term's representative context into
// a single bipolar vector; a term with no surviving context contributes a
// nil vector, which callers must skip when composing HRC's final bundle.
func (p *Pipeline) termHypervector(cd *codec.Codec, term string, results map[string]termResult) ([]float32, error) {
	tr, ok := results[term]
	if !ok || len(tr.contextEmbeddings) == 0 {
		return nil, nil
	}
	encoded, err := cd.Encode(tr.contextEmbeddings)
	if err != nil {
		return nil, err
	}
	return hdvec.Bundle(encoded), nil
}

// stageInterrupt maps a cancelled or expired context into the cooperative
// Cancelled/Timeout taxonomy, tagged with the stage about to run. A Reason
// call is cancellable between any two stages; no state has been persisted at
// these points, so returning early is always safe.
func stageInterrupt(ctx context.Context, stage string) error {
	err := ctx.Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return reasonerr.Stage(stage, reasonerr.ErrTimeout)
	default:
		return reasonerr.Stage(stage, reasonerr.ErrCancelled)
	}
}

// agl decodes hResult and runs a constrained search over candidates,
// returning the single best grounding concept. Constraining cleanup to the
// candidate set keeps the noisy probe from snapping to an arbitrary nearby
// concept elsewhere in the store.
func (p *Pipeline) agl(ctx context.Context, cd *codec.Codec, hResult []float32, candidates []concept.OID) (ConceptHandle, error) {
	if err := stageInterrupt(ctx, "AGL"); err != nil {
		return ConceptHandle{}, err
	}
	probes, err := cd.Decode([][]float32{hResult})
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("AGL", err)
	}
	hits, err := p.l1.ConstrainedSearch(ctx, probes[0], candidates, 1)
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("AGL", err)
	}
	if len(hits) == 0 {
		return ConceptHandle{}, reasonerr.Stage("AGL", reasonerr.NoMatch(len(candidates)))
	}
	winner := hits[0]
	c, ok := p.store.Get(winner.OID)
	if !ok {
		return ConceptHandle{}, reasonerr.Stage("AGL", reasonerr.NoMatch(len(candidates)))
	}
	return ConceptHandle{
		OID:            winner.OID,
		SymbolicName:   c.SymbolicName,
		CandidateCount: len(candidates),
		Score:          winner.Score,
	}, nil
}

// Reason is the public entry point: GCE -> HRC -> AGL for the given plan.
func (p *Pipeline) Reason(ctx context.Context, plan QueryPlan) (ConceptHandle, error) {
	if err := stageInterrupt(ctx, "GCE"); err != nil {
		return ConceptHandle{}, err
	}
	switch plan.Operation {
	case OpGeneralSearch:
		return p.reasonGeneral(ctx, plan)
	case OpRecipeSearch:
		return p.reasonRecipe(ctx, plan)
	case OpAnalogy:
		return p.reasonAnalogy(ctx, plan)
	case OpSimilaritySearch:
		return p.reasonSimilarity(ctx, plan)
	default:
		return ConceptHandle{}, fmt.Errorf("operation %q: %w", plan.Operation, reasonerr.ErrUnsupportedOperation)
	}
}

func (p *Pipeline) reasonGeneral(ctx context.Context, plan QueryPlan) (ConceptHandle, error) {
	results, candidates, err := p.gce(ctx, OpGeneralSearch, plan.Entities)
	if err != nil {
		return ConceptHandle{}, err
	}
	if err := stageInterrupt(ctx, "HRC"); err != nil {
		return ConceptHandle{}, err
	}

	cd, err := p.fittedCodec()
	if err != nil {
		if p.cfg.DegradedL1Fallback {
			return degradedTop1(p.store, results, candidates)
		}
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}

	var all [][]float32
	for _, term := range plan.Entities {
		hv, err := p.termHypervector(cd, term, results)
		if err != nil {
			return ConceptHandle{}, reasonerr.Stage("HRC", err)
		}
		if hv != nil {
			all = append(all, hv)
		}
	}
	if len(all) == 0 {
		return ConceptHandle{}, reasonerr.EmptyContext(string(OpGeneralSearch))
	}
	hResult := hdvec.Bundle(all)
	return p.agl(ctx, cd, hResult, candidates)
}

// degradedTop1 answers general_search without a codec. Candidates arrive in
// fused-rank order from gce, so the first one still resolvable in the store
// is the best cross-term answer. Only reachable when DegradedL1Fallback is
// explicitly enabled.
func degradedTop1(store *concept.Store, results map[string]termResult, candidates []concept.OID) (ConceptHandle, error) {
	bestScore := make(map[concept.OID]float64, len(candidates))
	for _, tr := range results {
		for _, h := range tr.hits {
			if s, ok := bestScore[h.OID]; !ok || h.Score > s {
				bestScore[h.OID] = h.Score
			}
		}
	}
	for _, oid := range candidates {
		c, ok := store.Get(oid)
		if !ok {
			continue
		}
		return ConceptHandle{
			OID:            oid,
			SymbolicName:   c.SymbolicName,
			CandidateCount: len(candidates),
			Score:          bestScore[oid],
		}, nil
	}
	return ConceptHandle{}, reasonerr.Stage("AGL", reasonerr.NoMatch(len(candidates)))
}

func (p *Pipeline) reasonRecipe(ctx context.Context, plan QueryPlan) (ConceptHandle, error) {
	allTerms := append(append([]string{}, plan.Included...), plan.Excluded...)
	results, candidates, err := p.gce(ctx, OpRecipeSearch, allTerms)
	if err != nil {
		return ConceptHandle{}, err
	}
	if err := stageInterrupt(ctx, "HRC"); err != nil {
		return ConceptHandle{}, err
	}

	cd, err := p.fittedCodec()
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}

	inclHVs, err := p.bundleGroup(cd, plan.Included, results)
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}
	if inclHVs == nil {
		return ConceptHandle{}, reasonerr.EmptyContext(string(OpRecipeSearch))
	}

	var hResult []float32
	if len(plan.Excluded) > 0 {
		exclHVs, err := p.bundleGroup(cd, plan.Excluded, results)
		if err != nil {
			return ConceptHandle{}, reasonerr.Stage("HRC", err)
		}
		if exclHVs != nil {
			hResult = hdvec.Bind(inclHVs, hdvec.Negate(exclHVs))
		} else {
			hResult = inclHVs
		}
	} else {
		hResult = inclHVs
	}
	return p.agl(ctx, cd, hResult, candidates)
}

func (p *Pipeline) bundleGroup(cd *codec.Codec, terms []string, results map[string]termResult) ([]float32, error) {
	var hvs [][]float32
	for _, term := range terms {
		hv, err := p.termHypervector(cd, term, results)
		if err != nil {
			return nil, err
		}
		if hv != nil {
			hvs = append(hvs, hv)
		}
	}
	if len(hvs) == 0 {
		return nil, nil
	}
	return hdvec.Bundle(hvs), nil
}

func (p *Pipeline) reasonAnalogy(ctx context.Context, plan QueryPlan) (ConceptHandle, error) {
	results, candidates, err := p.gce(ctx, OpAnalogy, []string{plan.A, plan.B, plan.C})
	if err != nil {
		return ConceptHandle{}, err
	}
	if err := stageInterrupt(ctx, "HRC"); err != nil {
		return ConceptHandle{}, err
	}

	cd, err := p.fittedCodec()
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}

	hvA, err := p.termHypervector(cd, plan.A, results)
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}
	hvB, err := p.termHypervector(cd, plan.B, results)
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}
	hvC, err := p.termHypervector(cd, plan.C, results)
	if err != nil {
		return ConceptHandle{}, reasonerr.Stage("HRC", err)
	}
	if hvA == nil || hvB == nil || hvC == nil {
		return ConceptHandle{}, reasonerr.EmptyContext(string(OpAnalogy))
	}

	hResult := hdvec.Bind(hvC, hdvec.Unbind(hvA, hvB))
	return p.agl(ctx, cd, hResult, candidates)
}

// reasonSimilarity compares two already-resolved concepts' own hypervectors
// by direct cosine, with no algebraic composition and no cleanup beyond
// returning the first handle plus the score.
func (p *Pipeline) reasonSimilarity(_ context.Context, plan QueryPlan) (ConceptHandle, error) {
	a, ok := p.store.Get(plan.SimilarityOIDs[0])
	if !ok || !a.HasUsableHypervector() {
		return ConceptHandle{}, reasonerr.EmptyContext(string(OpSimilaritySearch))
	}
	b, ok := p.store.Get(plan.SimilarityOIDs[1])
	if !ok || !b.HasUsableHypervector() {
		return ConceptHandle{}, reasonerr.EmptyContext(string(OpSimilaritySearch))
	}
	score := hdvec.CosineBipolar(a.Hypervector, b.Hypervector)
	return ConceptHandle{
		OID:            a.OID,
		SymbolicName:   a.SymbolicName,
		CandidateCount: 2,
		Score:          score,
	}, nil
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
