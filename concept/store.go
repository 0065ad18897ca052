package concept

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/katalvlaran/lvlath/graph"
	"go.uber.org/zap"

	"github.com/arborithm/noeticore/reasonerr"
)

// Config bounds the dimensionality checks the store enforces and the
// write-lock acquisition timeout used to surface Conflict to concurrent
// writers, who are expected to retry with backoff.
type Config struct {
	// EmbeddingDim, if > 0, is the required length of every
	// GeometricEmbedding. 0 disables the length check; no length is
	// inferred from earlier embeddings.
	EmbeddingDim int
	// HypervectorDim, if > 0, is the required length of every Hypervector.
	// 0 disables the length check.
	HypervectorDim int
	// WriteAcquireTimeout bounds how long Begin waits for the single-writer
	// slot before returning Conflict. Defaults to 2s.
	WriteAcquireTimeout time.Duration
	// Logger receives structured diagnostics. Defaults to a no-op logger.
	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	out := c
	if out.WriteAcquireTimeout <= 0 {
		out.WriteAcquireTimeout = 2 * time.Second
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// snapshot is the immutable state readers observe. A committed transaction
// never mutates a snapshot in place; it builds a new one and swaps it in,
// giving every in-flight reader (and every in-flight reason call that
// captured a snapshot at retrieval time) a stable, un-interleaved view.
// relGraphs holds one directed graph per relation kind whose vertex set is
// exactly the live concept set; it is the authority for relation reads and
// for the referential-integrity check at commit time.
type snapshot struct {
	concepts  map[OID]*Concept
	relGraphs map[Relation]*graph.Graph
	watermark uint64
}

func emptySnapshot() *snapshot {
	rg := make(map[Relation]*graph.Graph, len(Relations))
	for _, r := range Relations {
		rg[r] = graph.NewGraph(true, false)
	}
	return &snapshot{
		concepts:  make(map[OID]*Concept),
		relGraphs: rg,
		watermark: 0,
	}
}

// logEntry records one committed mutation batch for iter_dirty_since replay.
type logEntry struct {
	watermark uint64
	touched   []OID
}

// Store is the Concept Store: a persistent, transactional, dual-vector
// concept graph. It owns concept records exclusively; the Federated Vector
// Index holds only weak (OID, vector-copy) references repairable from here.
type Store struct {
	cfg Config

	writeSem chan struct{} // capacity 1: single-writer serialization point
	backend  Backend

	cur atomic.Pointer[snapshot]

	// codecTag is the currently installed codec tag (set by the maintenance
	// component via SetInstalledCodecTag). A hypervector is only non-stale
	// if its CodecTag matches this value.
	codecTag atomic.Value // string

	mu  sync.Mutex // guards log (append-only, small critical section)
	log []logEntry

	lastUpdated sync.Map // OID -> time.Time, for I5 monotonicity clamping
}

// New constructs an empty Store. If backend is non-nil, New loads its
// durable state synchronously before returning.
func New(ctx context.Context, backend Backend, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	s := &Store{
		cfg:      cfg,
		writeSem: make(chan struct{}, 1),
		backend:  backend,
	}
	s.writeSem <- struct{}{}
	s.codecTag.Store("")
	s.cur.Store(emptySnapshot())

	if backend == nil {
		return s, nil
	}

	concepts, edges, watermark, err := backend.Load(ctx)
	if err != nil {
		return nil, err
	}
	snap := emptySnapshot()
	for _, c := range concepts {
		snap.concepts[c.OID] = c.Clone()
		for _, r := range Relations {
			snap.relGraphs[r].AddVertex(&graph.Vertex{ID: c.OID.String(), Metadata: map[string]interface{}{}})
		}
	}
	for _, e := range edges {
		snap.relGraphs[e.Kind].AddEdge(e.Src.String(), e.Dst.String(), 1)
	}
	snap.watermark = watermark
	s.cur.Store(snap)
	cfg.Logger.Info("concept store loaded from backend", zap.Int("concepts", len(concepts)), zap.Uint64("watermark", watermark))
	return s, nil
}

// SetInstalledCodecTag installs the codec tag used to judge hypervector
// staleness. The maintenance component calls this after a successful codec
// fit/refit, as part of its atomic codec publication.
func (s *Store) SetInstalledCodecTag(tag string) {
	s.codecTag.Store(tag)
}

// InstalledCodecTag returns the currently installed codec tag.
func (s *Store) InstalledCodecTag() string {
	v, _ := s.codecTag.Load().(string)
	return v
}

func (s *Store) snapshot() *snapshot { return s.cur.Load() }

// Get returns a copy of the concept with the given OID as of the current
// snapshot, or (nil, false) if it does not exist.
func (s *Store) Get(oid OID) (*Concept, bool) {
	snap := s.snapshot()
	c, ok := snap.concepts[oid]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// IterAll returns a copy of every concept in the current snapshot. The
// returned slice order is unspecified; callers needing determinism should
// sort by OID.
func (s *Store) IterAll() []*Concept {
	snap := s.snapshot()
	out := make([]*Concept, 0, len(snap.concepts))
	for _, c := range snap.concepts {
		out = append(out, c.Clone())
	}
	return out
}

// Watermark returns the store's current watermark.
func (s *Store) Watermark() uint64 {
	return s.snapshot().watermark
}

func oidsFromVertices(vertices []*graph.Vertex, skip string) []OID {
	out := make([]OID, 0, len(vertices))
	for _, v := range vertices {
		if v.ID == skip {
			continue
		}
		id, err := uuid.Parse(v.ID)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i][:], out[j][:]) < 0
	})
	return out
}

// Related returns the OIDs directly reachable from oid over the given
// relation kind in the current snapshot, sorted ascending. The lookup runs
// against the snapshot's relation graph, not the concept record.
func (s *Store) Related(oid OID, kind Relation) []OID {
	g, ok := s.snapshot().relGraphs[kind]
	if !ok {
		return nil
	}
	return oidsFromVertices(g.Neighbors(oid.String()), "")
}

// HasRelation reports whether a src --kind--> dst edge exists in the
// current snapshot.
func (s *Store) HasRelation(src OID, kind Relation, dst OID) bool {
	g, ok := s.snapshot().relGraphs[kind]
	if !ok {
		return false
	}
	return g.HasEdge(src.String(), dst.String())
}

// ReachableFrom walks the given relation kind breadth-first from oid and
// returns every OID reachable within maxDepth hops, sorted ascending and
// excluding oid itself. maxDepth <= 0 means unbounded.
func (s *Store) ReachableFrom(oid OID, kind Relation, maxDepth int) []OID {
	g, ok := s.snapshot().relGraphs[kind]
	if !ok {
		return nil
	}
	res, err := g.BFS(oid.String(), nil)
	if err != nil {
		return nil
	}
	reached := make([]*graph.Vertex, 0, len(res.Order))
	for _, v := range res.Order {
		if maxDepth > 0 && res.Depth[v.ID] > maxDepth {
			continue
		}
		reached = append(reached, v)
	}
	return oidsFromVertices(reached, oid.String())
}

// RelationCounts returns the number of directed edges per relation kind in
// the current snapshot.
func (s *Store) RelationCounts() map[Relation]int {
	snap := s.snapshot()
	out := make(map[Relation]int, len(Relations))
	for _, r := range Relations {
		out[r] = len(snap.relGraphs[r].Edges())
	}
	return out
}

// IterDirtySince returns every concept mutated after the given watermark
// (exclusive) and a new watermark usable for the next call. The sequence is
// idempotent and replayable after a crash: calling it twice with the same
// input watermark returns the same result, since it only reads the
// append-only commit log.
func (s *Store) IterDirtySince(since uint64) ([]*Concept, uint64) {
	s.mu.Lock()
	entries := s.log
	s.mu.Unlock()

	snap := s.snapshot()
	touched := make(map[OID]struct{})
	newWatermark := since
	for _, e := range entries {
		if e.watermark <= since {
			continue
		}
		for _, oid := range e.touched {
			touched[oid] = struct{}{}
		}
		if e.watermark > newWatermark {
			newWatermark = e.watermark
		}
	}

	out := make([]*Concept, 0, len(touched))
	for oid := range touched {
		if c, ok := snap.concepts[oid]; ok {
			out = append(out, c.Clone())
		}
	}
	return out, newWatermark
}

// Begin opens a transaction, acquiring the single-writer slot. It returns a
// Conflict error (wrapping reasonerr.ErrConflict) if another writer holds the
// slot past cfg.WriteAcquireTimeout or ctx's deadline; callers should retry
// with backoff.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	timer := time.NewTimer(s.cfg.WriteAcquireTimeout)
	defer timer.Stop()

	select {
	case <-s.writeSem:
	case <-ctx.Done():
		return nil, reasonerr.Conflict("concept.Store.Begin: context done waiting for writer slot")
	case <-timer.C:
		return nil, reasonerr.Conflict("concept.Store.Begin: timed out waiting for writer slot")
	}

	base := s.snapshot()
	return &Tx{
		store: s,
		base:  base,
		dirty: make(map[OID]*Concept),
	}, nil
}

// buildSnapshot clones the base snapshot's relation graphs, registers this
// transaction's new concepts as vertices, validates referential integrity
// of every staged edge against the graph, applies the edge deltas, and
// returns the new immutable snapshot with an advanced watermark.
func (tx *Tx) buildSnapshot(newConcepts map[OID]*Concept) (*snapshot, error) {
	newGraphs := make(map[Relation]*graph.Graph, len(Relations))
	for _, r := range Relations {
		newGraphs[r] = tx.base.relGraphs[r].Clone()
	}

	for oid := range tx.dirty {
		for _, r := range Relations {
			newGraphs[r].AddVertex(&graph.Vertex{ID: oid.String(), Metadata: map[string]interface{}{}})
		}
	}
	// Both endpoints must already be live vertices. AddEdge would silently
	// auto-create a missing vertex, so the check has to come first.
	for _, e := range tx.addEdges {
		g := newGraphs[e.Kind]
		if !g.HasVertex(e.Src.String()) || !g.HasVertex(e.Dst.String()) {
			return nil, fmt.Errorf("concept.Tx.Commit: %s relation %s -> %s references a missing concept", e.Kind, e.Src, e.Dst)
		}
		g.AddEdge(e.Src.String(), e.Dst.String(), 1)
	}
	for _, e := range tx.delEdges {
		newGraphs[e.Kind].RemoveEdge(e.Src.String(), e.Dst.String())
	}

	return &snapshot{
		concepts:  newConcepts,
		relGraphs: newGraphs,
		watermark: tx.base.watermark + 1,
	}, nil
}
