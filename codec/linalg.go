package codec

import (
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// l2NormalizeRows returns a copy of rows, each normalized to unit L2 norm.
// Zero rows are left unchanged (their cosine similarity to anything is
// defined as 0 by the caller).
func l2NormalizeRows(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, r := range rows {
		var sumSq float64
		for _, x := range r {
			sumSq += x * x
		}
		if sumSq <= 0 {
			out[i] = append([]float64(nil), r...)
			continue
		}
		inv := 1.0 / math.Sqrt(sumSq)
		nr := make([]float64, len(r))
		for j, x := range r {
			nr[j] = x * inv
		}
		out[i] = nr
	}
	return out
}

// gramCosine returns the n x m matrix of pairwise cosine similarities
// between rows of a (already L2-normalized) and rows of b.
func gramCosine(a, b [][]float64) *mat.Dense {
	n, m := len(a), len(b)
	if n == 0 || m == 0 {
		return mat.NewDense(n, m, nil)
	}
	d := len(a[0])
	out := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			var dot float64
			for k := 0; k < d; k++ {
				dot += a[i][k] * b[j][k]
			}
			out.Set(i, j, dot)
		}
	}
	return out
}

// applySin applies sin(2*pi*x) element-wise, in place semantics via a copy.
func applySin(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	out.Apply(func(_, _ int, v float64) float64 {
		return math.Sin(2 * math.Pi * v)
	}, m)
	return out
}

// topKEigenpairs eigendecomposes the symmetric matrix w and returns the top
// k eigenpairs by |eigenvalue| magnitude, eigenvectors as columns of V
// (n x k), eigenvalues in the same order.
func topKEigenpairs(w *mat.SymDense, k int) (values []float64, vectors *mat.Dense, err error) {
	n, _ := w.Dims()
	if k > n {
		k = n
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(w, true); !ok {
		return nil, nil, errEigenFailed
	}
	allValues := eig.Values(nil)
	var allVectors mat.Dense
	eig.VectorsTo(&allVectors)

	type pair struct {
		idx int
		val float64
	}
	pairs := make([]pair, n)
	for i, v := range allValues {
		pairs[i] = pair{idx: i, val: v}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return math.Abs(pairs[i].val) > math.Abs(pairs[j].val)
	})

	values = make([]float64, k)
	vectors = mat.NewDense(n, k, nil)
	for col := 0; col < k; col++ {
		src := pairs[col].idx
		values[col] = pairs[col].val
		for row := 0; row < n; row++ {
			vectors.Set(row, col, allVectors.At(row, src))
		}
	}
	return values, vectors, nil
}

// randNormalMatrix draws an r x c matrix of iid standard-normal entries from
// a seeded generator, making codec.Fit deterministic given a fixed seed.
func randNormalMatrix(r, c int, seed int64) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out.Set(i, j, rng.NormFloat64())
		}
	}
	return out
}

// pseudoInverse computes the Moore-Penrose pseudoinverse of a via truncated
// SVD, zeroing singular values below a relative tolerance.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errSVDFailed
	}
	values := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	tol := 0.0
	if len(values) > 0 {
		tol = values[0] * 1e-10 * float64(len(values))
	}

	_, k := u.Dims()
	sInv := mat.NewDense(k, k, nil)
	for i, s := range values {
		if s > tol {
			sInv.Set(i, i, 1/s)
		}
	}

	var vSInv mat.Dense
	vSInv.Mul(&v, sInv)
	var out mat.Dense
	out.Mul(&vSInv, u.T())
	return &out, nil
}
