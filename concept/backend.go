package concept

import "context"

// RelationEdge is a directed edge src --kind--> dst, used by Backend.Load to
// rehydrate the relation graphs at startup.
type RelationEdge struct {
	Src  OID
	Kind Relation
	Dst  OID
}

// CommitBatch is the durable record of one committed transaction, handed to
// Backend.Persist. It carries enough information to replay the batch
// idempotently after a crash.
type CommitBatch struct {
	Watermark uint64
	Concepts  []*Concept     // full post-mutation state of every concept touched
	AddEdges  []RelationEdge
	DelEdges  []RelationEdge
}

// Backend is the durability hook the Concept Store delegates to. It is
// intentionally thin — a transactional key-value collaborator that only
// needs to durably record committed batches and replay them at startup.
// Correctness of in-memory concurrency, snapshot isolation and invariant
// enforcement lives entirely in Store, not in Backend implementations.
type Backend interface {
	// Load returns every concept and relation edge currently durable, plus
	// the watermark to resume from. An empty store returns no concepts, no
	// edges and watermark 0.
	Load(ctx context.Context) (concepts []*Concept, edges []RelationEdge, watermark uint64, err error)

	// Persist durably records a committed batch. Implementations must be
	// safe to call more than once with the same batch (idempotent upsert),
	// since a Persist call can fail after partially applying. Store does not
	// retry it: Commit returns the error and publishes nothing.
	Persist(ctx context.Context, batch CommitBatch) error
}
