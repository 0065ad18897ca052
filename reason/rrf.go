package reason

import (
	"sort"

	"github.com/arborithm/noeticore/concept"
)

// RRFOptions configures FuseRRF. K is the stabilizer constant (typical 50-60,
// defaults to 60); higher K flattens rank differences between lists.
type RRFOptions struct {
	K       int
	Weights []float32
}

// FuseRRF combines multiple best-first ranked OID lists into one via
// Reciprocal Rank Fusion: score(oid) = sum(weight_i / (K + rank_i)).
func FuseRRF(lists [][]concept.OID, opts RRFOptions) []concept.OID {
	k := opts.K
	if k <= 0 {
		k = 60
	}
	weights := opts.Weights
	if len(weights) == 0 {
		weights = make([]float32, len(lists))
		for i := range weights {
			weights[i] = 1.0
		}
	}

	scores := make(map[concept.OID]float32)
	var order []concept.OID
	seen := make(map[concept.OID]bool)

	for li, list := range lists {
		w := float32(1.0)
		if li < len(weights) && weights[li] > 0 {
			w = weights[li]
		}
		for i, oid := range list {
			rank := i + 1
			scores[oid] += w / float32(k+rank)
			if !seen[oid] {
				seen[oid] = true
				order = append(order, oid)
			}
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if scores[order[i]] != scores[order[j]] {
			return scores[order[i]] > scores[order[j]]
		}
		return oidLess(order[i], order[j])
	})
	return order
}

func oidLess(a, b concept.OID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
