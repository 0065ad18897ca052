package embed

import (
	"context"
	"fmt"
	"math"

	"github.com/arborithm/noeticore/reasonerr"
)

// Fixed is a deterministic, hash-based Embedder with no external
// dependency: it maps each term to a unit vector derived from an FNV hash
// of the term, so the same term always yields the same embedding. Useful
// for tests and local development where no real embedding provider is
// configured.
type Fixed struct {
	model string
	dim   int
	known map[string]bool // nil means "accept any term"
}

// NewFixed returns a Fixed embedder. If known is non-empty, EmbedTerm fails
// with EmbedderUnavailable for any term not in the set, modeling the "the
// core treats unavailability as a hard error for unknown terms" contract.
func NewFixed(model string, dim int, known []string) *Fixed {
	f := &Fixed{model: model, dim: dim}
	if len(known) > 0 {
		f.known = make(map[string]bool, len(known))
		for _, t := range known {
			f.known[t] = true
		}
	}
	return f
}

func (f *Fixed) Model() string   { return f.model }
func (f *Fixed) Dimensions() int { return f.dim }

func (f *Fixed) EmbedTerm(_ context.Context, term string) ([]float64, error) {
	if f.known != nil && !f.known[term] {
		return nil, fmt.Errorf("term %q: %w", term, reasonerr.ErrEmbedderUnavailable)
	}
	return hashEmbed(term, f.dim), nil
}

func (f *Fixed) EmbedTerms(ctx context.Context, terms []string) ([][]float64, error) {
	out := make([][]float64, len(terms))
	for i, t := range terms {
		v, err := f.EmbedTerm(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// hashEmbed derives a deterministic unit vector from term via a simple
// splitmix64-style stream seeded from an FNV-1a hash, so repeated calls for
// the same term and dim always agree.
func hashEmbed(term string, dim int) []float64 {
	var h uint64 = 14695981039346656037
	for _, b := range []byte(term) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	out := make([]float64, dim)
	state := h
	var sumSq float64
	for i := range out {
		state += 0x9E3779B97F4A7C15
		z := state
		z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
		z = (z ^ (z >> 27)) * 0x94D049BB133111EB
		z = z ^ (z >> 31)
		// Map to [-1, 1].
		v := float64(z%2000001)/1000000.0 - 1.0
		out[i] = v
		sumSq += v * v
	}
	if sumSq > 0 {
		inv := 1.0 / math.Sqrt(sumSq)
		for i := range out {
			out[i] *= inv
		}
	}
	return out
}
