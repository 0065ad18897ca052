package hdvec

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func randomBipolar(n int, rng *rand.Rand) []float32 {
	out := make([]float32, n)
	for i := range out {
		if rng.Intn(2) == 0 {
			out[i] = -1
		} else {
			out[i] = 1
		}
	}
	return out
}

func TestBindSelfInverse(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	x := randomBipolar(256, rng)
	y := randomBipolar(256, rng)

	got := Bind(Bind(x, y), y)
	require.Equal(t, x, got)
}

func TestBundleOrderIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	vecs := make([][]float32, 5)
	for i := range vecs {
		vecs[i] = randomBipolar(64, rng)
	}

	base := Bundle(vecs)

	perm := []int{4, 0, 3, 1, 2}
	permuted := make([][]float32, len(vecs))
	for i, p := range perm {
		permuted[i] = vecs[p]
	}
	got := Bundle(permuted)

	require.Equal(t, base, got)
	require.True(t, Valid(base))
}

func TestBundleTieBreakPositive(t *testing.T) {
	a := []float32{1, -1}
	b := []float32{-1, 1}
	got := Bundle([][]float32{a, b})
	require.Equal(t, []float32{1, 1}, got)
}

func TestNegateFlipsSign(t *testing.T) {
	v := []float32{1, -1, 1}
	require.Equal(t, []float32{-1, 1, -1}, Negate(v))
}

func TestHammingAndCosineAgreement(t *testing.T) {
	a := []float32{1, 1, 1, 1}
	b := []float32{1, 1, -1, -1}
	require.InDelta(t, 0.5, HammingSimilarity(a, b), 1e-9)
	require.InDelta(t, 0.0, CosineBipolar(a, b), 1e-9)
}

func TestSignTieBreak(t *testing.T) {
	require.Equal(t, float32(1), Sign(0))
	require.Equal(t, float32(1), Sign(0.5))
	require.Equal(t, float32(-1), Sign(-0.5))
}
