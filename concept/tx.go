package concept

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/arborithm/noeticore/reasonerr"
)

// Tx is a single-writer transaction against the Concept Store. Mutating
// calls stage changes locally and implicitly mark the touched concepts
// dirty; nothing is visible to readers until Commit succeeds.
type Tx struct {
	store *Store
	base  *snapshot

	dirty    map[OID]*Concept // OID -> working copy (present in base or newly created)
	addEdges []RelationEdge
	delEdges []RelationEdge

	done bool // true once Commit or Abort has run
}

func (tx *Tx) released() bool { return tx.done }

func (tx *Tx) release() {
	if tx.done {
		return
	}
	tx.done = true
	tx.store.writeSem <- struct{}{}
}

// working returns the in-transaction view of oid: the staged copy if one
// exists, otherwise a fresh copy of the base snapshot's version.
func (tx *Tx) working(oid OID) (*Concept, bool) {
	if c, ok := tx.dirty[oid]; ok {
		return c, true
	}
	if c, ok := tx.base.concepts[oid]; ok {
		cp := c.Clone()
		tx.dirty[oid] = cp
		return cp, true
	}
	return nil, false
}

// Create inserts a new concept with the given OID and symbolic name. OID
// must not already exist in the base snapshot or be staged in this
// transaction.
func (tx *Tx) Create(oid OID, symbolicName string) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	if oid == NilOID {
		return fmt.Errorf("concept.Tx.Create: oid must not be nil")
	}
	if _, exists := tx.base.concepts[oid]; exists {
		return fmt.Errorf("concept.Tx.Create: oid %s already exists", oid)
	}
	if _, staged := tx.dirty[oid]; staged {
		return fmt.Errorf("concept.Tx.Create: oid %s already staged in this transaction", oid)
	}
	now := time.Now().UTC()
	tx.dirty[oid] = &Concept{
		OID:          oid,
		SymbolicName: symbolicName,
		CreatedAt:    now,
		UpdatedAt:    now,
		Relations:    make(map[Relation][]OID),
	}
	return nil
}

// Get returns the in-transaction view of oid (staged mutations included).
func (tx *Tx) Get(oid OID) (*Concept, bool) {
	c, ok := tx.working(oid)
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

func finiteVector(v []float32) bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// SetEmbedding installs a new geometric embedding and marks the concept's
// hypervector stale. A SetHypervector call made after it in the same
// transaction clears the flag again; one made before it does not. Commit
// records whatever staged flag the transaction ends with.
func (tx *Tx) SetEmbedding(oid OID, vec []float32, modelTag string) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	if tx.store.cfg.EmbeddingDim > 0 && len(vec) != tx.store.cfg.EmbeddingDim {
		return &reasonerr.ShapeError{Component: "concept.Tx.SetEmbedding", Expected: tx.store.cfg.EmbeddingDim, Got: len(vec)}
	}
	if !finiteVector(vec) {
		return &reasonerr.NumericError{Component: "concept.Tx.SetEmbedding", Detail: "embedding contains NaN/Inf"}
	}
	c, ok := tx.working(oid)
	if !ok {
		return fmt.Errorf("concept.Tx.SetEmbedding: oid %s does not exist", oid)
	}
	c.GeometricEmbedding = append([]float32(nil), vec...)
	c.EmbeddingModelTag = modelTag
	c.Stale = true // cleared below if SetHypervector is called after this in the same Tx
	return nil
}

// SetHypervector installs a new hypervector produced by the given codec tag.
func (tx *Tx) SetHypervector(oid OID, hv []float32, codecTag string) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	if tx.store.cfg.HypervectorDim > 0 && len(hv) != tx.store.cfg.HypervectorDim {
		return &reasonerr.ShapeError{Component: "concept.Tx.SetHypervector", Expected: tx.store.cfg.HypervectorDim, Got: len(hv)}
	}
	for _, x := range hv {
		if x != -1 && x != 1 {
			return &reasonerr.NumericError{Component: "concept.Tx.SetHypervector", Detail: "hypervector component not in {-1,+1}"}
		}
	}
	c, ok := tx.working(oid)
	if !ok {
		return fmt.Errorf("concept.Tx.SetHypervector: oid %s does not exist", oid)
	}
	c.Hypervector = append([]float32(nil), hv...)
	c.CodecTag = codecTag
	c.Stale = false
	return nil
}

// MarkStale marks oid's hypervector stale without changing its value — used
// by the Training component when a codec refit invalidates prior encodings.
func (tx *Tx) MarkStale(oid OID) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	c, ok := tx.working(oid)
	if !ok {
		return fmt.Errorf("concept.Tx.MarkStale: oid %s does not exist", oid)
	}
	c.Stale = true
	return nil
}

// MarkDeprecated marks oid deprecated: still present but excluded from
// index rebuilds. Concepts are never destroyed; this is the only supported
// form of deletion.
func (tx *Tx) MarkDeprecated(oid OID) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	c, ok := tx.working(oid)
	if !ok {
		return fmt.Errorf("concept.Tx.MarkDeprecated: oid %s does not exist", oid)
	}
	c.Deprecated = true
	return nil
}

// AddRelation records a directed src--kind-->dst edge. dst must resolve to a
// concept that either already exists or was Create'd earlier in this same
// transaction; resolution against concepts created later in the same
// transaction is rejected since edges are applied in call order.
func (tx *Tx) AddRelation(src OID, kind Relation, dst OID) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	if _, ok := tx.working(src); !ok {
		return fmt.Errorf("concept.Tx.AddRelation: source oid %s does not exist", src)
	}
	if _, ok := tx.working(dst); !ok {
		return fmt.Errorf("concept.Tx.AddRelation: target oid %s does not exist", dst)
	}
	c := tx.dirty[src]
	for _, existing := range c.Relations[kind] {
		if existing == dst {
			return nil // already present; idempotent
		}
	}
	c.Relations[kind] = append(c.Relations[kind], dst)
	tx.addEdges = append(tx.addEdges, RelationEdge{Src: src, Kind: kind, Dst: dst})
	return nil
}

// RemoveRelation deletes a directed edge if present; a no-op otherwise.
func (tx *Tx) RemoveRelation(src OID, kind Relation, dst OID) error {
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}
	c, ok := tx.working(src)
	if !ok {
		return nil
	}
	kept := c.Relations[kind][:0:0]
	removed := false
	for _, existing := range c.Relations[kind] {
		if existing == dst && !removed {
			removed = true
			continue
		}
		kept = append(kept, existing)
	}
	c.Relations[kind] = kept
	if removed {
		tx.delEdges = append(tx.delEdges, RelationEdge{Src: src, Kind: kind, Dst: dst})
	}
	return nil
}

// Abort discards all staged mutations and releases the writer slot.
func (tx *Tx) Abort() {
	tx.release()
}

// Commit validates the store's structural invariants (referential integrity
// of relations, codec-tag/staleness agreement, timestamp monotonicity)
// against the staged mutations, builds a new immutable snapshot, advances
// the watermark, persists the batch via the backend (if any), and publishes
// the new snapshot atomically. On any validation failure, Commit aborts the
// transaction (releasing the writer slot) and returns the error; no partial
// state is ever observed by readers.
func (tx *Tx) Commit(ctx context.Context) error {
	defer tx.release()
	if tx.released() {
		return fmt.Errorf("concept.Tx: use after commit/abort")
	}

	installedTag := tx.store.InstalledCodecTag()
	now := time.Now().UTC()

	newConcepts := make(map[OID]*Concept, len(tx.base.concepts)+len(tx.dirty))
	for oid, c := range tx.base.concepts {
		newConcepts[oid] = c
	}

	touched := make([]OID, 0, len(tx.dirty))
	for oid, c := range tx.dirty {
		// Codec-tag/staleness reconciliation.
		if len(c.Hypervector) > 0 && c.CodecTag != installedTag {
			c.Stale = true
		}
		if len(c.Hypervector) > 0 && len(c.GeometricEmbedding) == 0 {
			return fmt.Errorf("concept.Tx.Commit: oid %s has a hypervector but no embedding", oid)
		}

		// Timestamps stay monotone non-decreasing within an OID's history.
		if prevRaw, ok := tx.store.lastUpdated.Load(oid); ok {
			prev := prevRaw.(time.Time)
			if !now.After(prev) {
				now = prev.Add(time.Nanosecond)
			}
		}
		c.UpdatedAt = now

		newConcepts[oid] = c
		touched = append(touched, oid)
	}

	// Referential integrity of staged edges is validated inside
	// buildSnapshot, against the relation graph's vertex set. Concepts are
	// never destroyed, so edges validated at an earlier commit stay valid.
	newSnap, err := tx.buildSnapshot(newConcepts)
	if err != nil {
		return err
	}

	if tx.store.backend != nil {
		batch := CommitBatch{
			Watermark: newSnap.watermark,
			Concepts:  make([]*Concept, 0, len(tx.dirty)),
			AddEdges:  tx.addEdges,
			DelEdges:  tx.delEdges,
		}
		for _, oid := range touched {
			batch.Concepts = append(batch.Concepts, newConcepts[oid])
		}
		if err := tx.store.backend.Persist(ctx, batch); err != nil {
			return fmt.Errorf("concept.Tx.Commit: backend persist: %w", err)
		}
	}

	for _, oid := range touched {
		tx.store.lastUpdated.Store(oid, newConcepts[oid].UpdatedAt)
	}
	tx.store.mu.Lock()
	tx.store.log = append(tx.store.log, logEntry{watermark: newSnap.watermark, touched: touched})
	tx.store.mu.Unlock()

	tx.store.cur.Store(newSnap)
	return nil
}
