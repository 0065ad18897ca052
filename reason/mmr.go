package reason

import "math"

// MMRReRank applies Maximal Marginal Relevance to select a diverse subset
// of up to k candidates (assumed pre-sorted best-first by relevance), using
// cosine similarity over the embeddings as the redundancy measure. lambda
// in [0,1]; lambda=1 degenerates to plain top-k (no diversification).
func MMRReRank(embeddings [][]float64, relevance []float64, k int, lambda float64) []int {
	n := len(embeddings)
	if k <= 0 || n == 0 {
		return nil
	}
	if k > n {
		k = n
	}
	if lambda < 0 {
		lambda = 0
	} else if lambda > 1 {
		lambda = 1
	}

	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}

	selected := []int{remaining[0]}
	remaining = remaining[1:]

	for len(selected) < k && len(remaining) > 0 {
		bestPos := -1
		bestScore := -math.MaxFloat64

		for pos, idx := range remaining {
			rel := relevance[idx]

			var maxRedundancy float64
			for _, sIdx := range selected {
				sim := cosineVec(embeddings[idx], embeddings[sIdx])
				if sim > maxRedundancy {
					maxRedundancy = sim
				}
			}

			score := lambda*rel - (1-lambda)*maxRedundancy
			if score > bestScore {
				bestScore = score
				bestPos = pos
			}
		}
		if bestPos < 0 {
			break
		}
		selected = append(selected, remaining[bestPos])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return selected
}

func cosineVec(a, b []float64) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na <= 0 || nb <= 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
