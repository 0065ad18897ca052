// Package embed defines the Embedder collaborator the reasoning pipeline's
// retrieval stage consumes to turn an entity term into a geometric
// embedding, plus a cache wrapper and an OpenAI-compatible reference
// adapter.
package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/arborithm/noeticore/reasonerr"
)

// Embedder returns a deterministic embedding for an entity term given a
// fixed model tag. The core treats unavailability as EmbedderUnavailable.
type Embedder interface {
	Model() string
	Dimensions() int
	EmbedTerm(ctx context.Context, term string) ([]float64, error)
	EmbedTerms(ctx context.Context, terms []string) ([][]float64, error)
}

// Cached wraps an Embedder with an in-memory per-term cache. Embedders are
// required to be deterministic per (term, model-tag) pair, which is what
// makes caching sound.
type Cached struct {
	inner Embedder
	mu    sync.RWMutex
	cache map[string][]float64
}

// NewCached wraps inner with a cache.
func NewCached(inner Embedder) *Cached {
	return &Cached{inner: inner, cache: make(map[string][]float64)}
}

func (c *Cached) Model() string   { return c.inner.Model() }
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

func (c *Cached) EmbedTerm(ctx context.Context, term string) ([]float64, error) {
	c.mu.RLock()
	if v, ok := c.cache[term]; ok {
		c.mu.RUnlock()
		return append([]float64(nil), v...), nil
	}
	c.mu.RUnlock()

	v, err := c.inner.EmbedTerm(ctx, term)
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %v", reasonerr.ErrEmbedderUnavailable, err)
	}

	c.mu.Lock()
	c.cache[term] = append([]float64(nil), v...)
	c.mu.Unlock()
	return v, nil
}

func (c *Cached) EmbedTerms(ctx context.Context, terms []string) ([][]float64, error) {
	out := make([][]float64, len(terms))
	var missIdx []int
	var missTerms []string

	c.mu.RLock()
	for i, t := range terms {
		if v, ok := c.cache[t]; ok {
			out[i] = append([]float64(nil), v...)
		} else {
			missIdx = append(missIdx, i)
			missTerms = append(missTerms, t)
		}
	}
	c.mu.RUnlock()

	if len(missTerms) == 0 {
		return out, nil
	}

	fetched, err := c.inner.EmbedTerms(ctx, missTerms)
	if err != nil {
		return nil, fmt.Errorf("embed: %w: %v", reasonerr.ErrEmbedderUnavailable, err)
	}
	if len(fetched) != len(missTerms) {
		return nil, fmt.Errorf("embed: expected %d embeddings, got %d", len(missTerms), len(fetched))
	}

	c.mu.Lock()
	for j, idx := range missIdx {
		out[idx] = fetched[j]
		c.cache[missTerms[j]] = append([]float64(nil), fetched[j]...)
	}
	c.mu.Unlock()
	return out, nil
}
