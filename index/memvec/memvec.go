// Package memvec is the in-memory reference implementation of both index
// tiers: brute-force cosine (L1) and brute-force Hamming/cosine over
// bipolar vectors (L2), with batch searches parallelized across shards via
// golang.org/x/sync/errgroup. It exists so everything that consumes an
// index is checkable as a pure function without a database.
package memvec

import (
	"context"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/arborithm/noeticore/concept"
	"github.com/arborithm/noeticore/hdvec"
	"github.com/arborithm/noeticore/index"
	"github.com/arborithm/noeticore/reasonerr"
)

const shardCount = 8

type l1Entry struct {
	vec       []float64 // L2-normalized
	tombstone bool
}

// L1 is an in-memory geometric index.
type L1 struct {
	mu       sync.RWMutex
	dim      int
	entries  map[concept.OID]l1Entry
	deadSize int
}

var _ index.L1 = (*L1)(nil)

// NewL1 returns an empty geometric index fixed to dim dimensions.
func NewL1(dim int) *L1 {
	return &L1{dim: dim, entries: make(map[concept.OID]l1Entry)}
}

func normalize(v []float64) []float64 {
	var sumSq float64
	for _, x := range v {
		sumSq += x * x
	}
	if sumSq <= 0 {
		return append([]float64(nil), v...)
	}
	inv := 1.0 / math.Sqrt(sumSq)
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func cosine(a, b []float64) float64 {
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot
}

func (l *L1) Add(_ context.Context, oid concept.OID, vec []float64) error {
	if len(vec) != l.dim {
		return &reasonerr.ShapeError{Component: "index.memvec.L1.Add", Expected: l.dim, Got: len(vec)}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[oid] = l1Entry{vec: normalize(vec)}
	return nil
}

func (l *L1) Remove(_ context.Context, oid concept.OID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[oid]
	if !ok || e.tombstone {
		return nil
	}
	e.tombstone = true
	l.entries[oid] = e
	l.deadSize++

	// Compact once the tombstone fraction crosses the rebuild watermark.
	if float64(l.deadSize) > index.TombstoneWatermark*float64(len(l.entries)) {
		for k, entry := range l.entries {
			if entry.tombstone {
				delete(l.entries, k)
			}
		}
		l.deadSize = 0
	}
	return nil
}

func (l *L1) Search(_ context.Context, query []float64, k int, threshold float64) ([]index.Hit, error) {
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.memvec.L1.Search", Expected: l.dim, Got: len(query)}
	}
	q := normalize(query)

	l.mu.RLock()
	defer l.mu.RUnlock()

	hits := make([]index.Hit, 0, len(l.entries))
	for oid, e := range l.entries {
		if e.tombstone {
			continue
		}
		score := cosine(q, e.vec)
		if score >= threshold {
			hits = append(hits, index.Hit{OID: oid, Score: score})
		}
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (l *L1) ConstrainedSearch(_ context.Context, query []float64, candidateOIDs []concept.OID, k int) ([]index.Hit, error) {
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.memvec.L1.ConstrainedSearch", Expected: l.dim, Got: len(query)}
	}
	q := normalize(query)

	l.mu.RLock()
	defer l.mu.RUnlock()

	hits := make([]index.Hit, 0, len(candidateOIDs))
	for _, oid := range candidateOIDs {
		e, ok := l.entries[oid]
		if !ok || e.tombstone {
			continue
		}
		hits = append(hits, index.Hit{OID: oid, Score: cosine(q, e.vec)})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortHits(hits []index.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return oidLess(hits[i].OID, hits[j].OID)
	})
}

func oidLess(a, b concept.OID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (l *L1) BatchSearch(ctx context.Context, queries [][]float64, k int, threshold float64) ([][]index.Hit, error) {
	out := make([][]index.Hit, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	shards := chunk(len(queries), shardCount)
	for _, shard := range shards {
		shard := shard
		g.Go(func() error {
			for i := shard[0]; i < shard[1]; i++ {
				hits, err := l.Search(gctx, queries[i], k, threshold)
				if err != nil {
					return err
				}
				out[i] = hits
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func chunk(n, shards int) [][2]int {
	if n == 0 {
		return nil
	}
	if shards > n {
		shards = n
	}
	size := (n + shards - 1) / shards
	var out [][2]int
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

func (l *L1) RebuildFromStore(ctx context.Context, source index.Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[concept.OID]l1Entry)
	l.deadSize = 0
	for _, c := range source.IterAll() {
		if c.Deprecated || !c.HasEmbedding() {
			continue
		}
		vec := make([]float64, len(c.GeometricEmbedding))
		for i, x := range c.GeometricEmbedding {
			vec[i] = float64(x)
		}
		l.entries[c.OID] = l1Entry{vec: normalize(vec)}
	}
	return nil
}

func (l *L1) Stats(_ context.Context) (index.Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return index.Stats{
		Size:           len(l.entries) - l.deadSize,
		TombstoneCount: l.deadSize,
		Built:          true,
	}, nil
}

// --- L2 -----------------------------------------------------------------

type l2Entry struct {
	vec []float32
}

// L2 is an in-memory algebraic index over bipolar hypervectors. Additions
// stage into a pending buffer until Build materializes them.
type L2 struct {
	mu       sync.RWMutex
	dim      int
	built    map[concept.OID]l2Entry
	pending  map[concept.OID]l2Entry
	tomb     map[concept.OID]bool
	hasBuilt bool
}

var _ index.L2 = (*L2)(nil)

// NewL2 returns an empty algebraic index fixed to dim dimensions.
func NewL2(dim int) *L2 {
	return &L2{
		dim:     dim,
		built:   make(map[concept.OID]l2Entry),
		pending: make(map[concept.OID]l2Entry),
		tomb:    make(map[concept.OID]bool),
	}
}

func (l *L2) Add(_ context.Context, oid concept.OID, vec []float32) error {
	if len(vec) != l.dim {
		return &reasonerr.ShapeError{Component: "index.memvec.L2.Add", Expected: l.dim, Got: len(vec)}
	}
	if !hdvec.Valid(vec) {
		return &reasonerr.NumericError{Component: "index.memvec.L2.Add", Detail: "hypervector is not bipolar"}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[oid] = l2Entry{vec: append([]float32(nil), vec...)}
	delete(l.tomb, oid)
	return nil
}

func (l *L2) Remove(_ context.Context, oid concept.OID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tomb[oid] = true
	delete(l.pending, oid)
	return nil
}

func (l *L2) Build(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for oid, e := range l.pending {
		l.built[oid] = e
	}
	for oid := range l.tomb {
		delete(l.built, oid)
	}
	l.pending = make(map[concept.OID]l2Entry)
	l.tomb = make(map[concept.OID]bool)
	l.hasBuilt = true
	return nil
}

func (l *L2) Search(_ context.Context, query []float32, k int, threshold float64) ([]index.Hit, error) {
	if !l.hasBuilt {
		return nil, reasonerr.ErrIndexNotBuilt
	}
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.memvec.L2.Search", Expected: l.dim, Got: len(query)}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	hits := make([]index.Hit, 0, len(l.built))
	for oid, e := range l.built {
		score := hdvec.CosineBipolar(query, e.vec)
		if score >= threshold {
			hits = append(hits, index.Hit{OID: oid, Score: score})
		}
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (l *L2) BatchSearch(ctx context.Context, queries [][]float32, k int, threshold float64) ([][]index.Hit, error) {
	out := make([][]index.Hit, len(queries))
	g, gctx := errgroup.WithContext(ctx)
	for _, shard := range chunk(len(queries), shardCount) {
		shard := shard
		g.Go(func() error {
			for i := shard[0]; i < shard[1]; i++ {
				hits, err := l.Search(gctx, queries[i], k, threshold)
				if err != nil {
					return err
				}
				out[i] = hits
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (l *L2) ConstrainedSearch(_ context.Context, query []float32, candidateOIDs []concept.OID, k int) ([]index.Hit, error) {
	if !l.hasBuilt {
		return nil, reasonerr.ErrIndexNotBuilt
	}
	if len(query) != l.dim {
		return nil, &reasonerr.ShapeError{Component: "index.memvec.L2.ConstrainedSearch", Expected: l.dim, Got: len(query)}
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	hits := make([]index.Hit, 0, len(candidateOIDs))
	for _, oid := range candidateOIDs {
		e, ok := l.built[oid]
		if !ok {
			continue
		}
		hits = append(hits, index.Hit{OID: oid, Score: hdvec.CosineBipolar(query, e.vec)})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (l *L2) RebuildFromStore(ctx context.Context, source index.Source) error {
	l.mu.Lock()
	l.built = make(map[concept.OID]l2Entry)
	l.pending = make(map[concept.OID]l2Entry)
	l.tomb = make(map[concept.OID]bool)
	l.mu.Unlock()

	for _, c := range source.IterAll() {
		if c.Deprecated || !c.HasUsableHypervector() {
			continue
		}
		if err := l.Add(ctx, c.OID, c.Hypervector); err != nil {
			return err
		}
	}
	return l.Build(ctx)
}

func (l *L2) Stats(_ context.Context) (index.Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return index.Stats{
		Size:              len(l.built),
		PendingBuildCount: len(l.pending),
		Built:             l.hasBuilt,
	}, nil
}
