package concept

import (
	"time"

	"github.com/google/uuid"
)

// OID is the Concept Store's opaque, globally unique concept identifier.
type OID = uuid.UUID

// NilOID is the zero-value OID, never assigned to a real concept.
var NilOID = uuid.Nil

// Relation names one of the three directed, labeled edge sets a concept may
// carry.
type Relation string

const (
	RelIsA            Relation = "is_a"
	RelPartOf         Relation = "part_of"
	RelAssociatedWith Relation = "associated_with"
)

// Relations lists every supported relation kind, in a fixed order used
// wherever relations must be enumerated deterministically.
var Relations = []Relation{RelIsA, RelPartOf, RelAssociatedWith}

// Concept is the value-typed record the store exclusively owns. External
// references are OIDs, never live pointers; callers receive copies, and no
// method on Concept mutates store state.
type Concept struct {
	OID          OID
	SymbolicName string
	CreatedAt    time.Time
	UpdatedAt    time.Time

	GeometricEmbedding []float32
	EmbeddingModelTag  string

	Hypervector []float32
	CodecTag    string
	Stale       bool

	Deprecated bool

	Relations map[Relation][]OID
}

// Clone returns a deep copy safe for the caller to mutate without affecting
// the store's internal state.
func (c *Concept) Clone() *Concept {
	if c == nil {
		return nil
	}
	out := *c
	if c.GeometricEmbedding != nil {
		out.GeometricEmbedding = append([]float32(nil), c.GeometricEmbedding...)
	}
	if c.Hypervector != nil {
		out.Hypervector = append([]float32(nil), c.Hypervector...)
	}
	out.Relations = make(map[Relation][]OID, len(c.Relations))
	for k, v := range c.Relations {
		out.Relations[k] = append([]OID(nil), v...)
	}
	return &out
}

// HasEmbedding reports whether the concept carries a non-null geometric
// embedding.
func (c *Concept) HasEmbedding() bool { return len(c.GeometricEmbedding) > 0 }

// HasUsableHypervector reports whether the concept carries a hypervector
// that is neither null nor stale — the condition under which L2 should
// serve it.
func (c *Concept) HasUsableHypervector() bool {
	return len(c.Hypervector) > 0 && !c.Stale
}
