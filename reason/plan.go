package reason

import "github.com/arborithm/noeticore/concept"

// Op tags the supported reasoning-pipeline operations. Unknown operations
// are rejected at the boundary rather than silently mapped to
// general_search.
type Op string

const (
	OpGeneralSearch    Op = "general_search"
	OpRecipeSearch     Op = "recipe_search"
	OpAnalogy          Op = "analogy"
	OpSimilaritySearch Op = "similarity_search"
)

// QueryPlan is the structured input to Reason. Only the fields relevant to
// Operation need be populated; callers must leave the rest zero-valued.
type QueryPlan struct {
	Operation Op

	// general_search: every term in Entities contributes to the context
	// bundle.
	Entities []string

	// recipe_search: Included/Excluded name disjoint entity term sets.
	Included []string
	Excluded []string

	// analogy: "A is to B as C is to ?".
	A, B, C string

	// similarity_search: compare two already-resolved concepts, not terms.
	SimilarityOIDs [2]concept.OID
}

// ConceptHandle is the result of a Reason call: the winning concept's OID
// and symbolic name, plus the candidate set size the match was drawn from.
type ConceptHandle struct {
	OID            concept.OID
	SymbolicName   string
	CandidateCount int
	Score          float64
}
