// Package codec implements the Laplace-HDC codec: a deterministic, fitted
// mapping between dense geometric embeddings and bipolar hypervectors.
// The algebra on the bipolar side lives in hdvec; this package owns only
// the fit/encode/decode/validate machinery and the linear-algebra backing
// it (gonum.org/v1/gonum/mat). A fitted codec is identified by a
// deterministic tag derived from its parameters; its state persists as a
// versioned blob that downstream stores key lookups by.
package codec

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/arborithm/noeticore/hdvec"
	"github.com/arborithm/noeticore/reasonerr"
)

var (
	errEigenFailed = fmt.Errorf("codec: eigendecomposition failed to converge")
	errSVDFailed   = fmt.Errorf("codec: singular value decomposition failed to converge")
)

// ErrNotFitted is returned by Encode/Decode/Tag when called on a Codec that
// never completed Fit.
var ErrNotFitted = reasonerr.ErrCodecNotFitted

// Params is the persisted state of a fitted codec: the projection matrix and
// enough of the fit-time spectral decomposition to reproduce its tag.
type Params struct {
	EmbeddingDim   int
	HypervectorDim int
	NComponents    int
	ModelVersion   string
	Seed           int64

	// P has shape (HypervectorDim, EmbeddingDim). Encode computes
	// sign(X . P^T); decode uses the cached pseudoinverse of P^T.
	P *mat.Dense

	// Eigenvalues retained at fit time, used only to derive Tag.
	Eigenvalues []float64

	// pinvPT is the cached pseudoinverse of P^T, shape (HypervectorDim, EmbeddingDim).
	pinvPT *mat.Dense
}

// Codec is a fitted (or not-yet-fitted) Laplace-HDC codec. The zero value is
// usable and reports ErrNotFitted until Fit succeeds.
type Codec struct {
	params *Params
}

// New returns an unfitted codec.
func New() *Codec {
	return &Codec{}
}

// Fitted reports whether Fit has completed successfully.
func (c *Codec) Fitted() bool {
	return c.params != nil
}

// FitConfig parameterizes Fit.
type FitConfig struct {
	NComponents  int
	ModelVersion string
	Seed         int64
}

// Fit computes a projection from n_components eigenpairs of the Laplace
// kernel over sampleEmbeddings' pairwise cosine similarities, per the
// spectral-projection recipe: similarity matrix, sin(2*pi*K) kernel
// transform, top eigenpairs by magnitude, folded back into embedding space
// and combined with a seeded random projection into hypervectorDim.
func (c *Codec) Fit(sampleEmbeddings [][]float64, hypervectorDim int, cfg FitConfig) error {
	n := len(sampleEmbeddings)
	if n == 0 {
		return &reasonerr.ShapeError{Component: "codec.fit", Expected: 1, Got: 0}
	}
	d := len(sampleEmbeddings[0])
	for _, row := range sampleEmbeddings {
		if len(row) != d {
			return &reasonerr.ShapeError{Component: "codec.fit", Expected: d, Got: len(row)}
		}
		for _, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return &reasonerr.NumericError{Component: "codec.fit", Detail: "sample contains NaN/Inf"}
			}
		}
	}
	k := cfg.NComponents
	if k <= 0 || k > n {
		k = n
	}
	if hypervectorDim <= 0 {
		return &reasonerr.ShapeError{Component: "codec.fit", Expected: 1, Got: hypervectorDim}
	}

	xn := l2NormalizeRows(sampleEmbeddings)
	kMat := gramCosine(xn, xn)
	wDense := applySin(kMat)

	n0, _ := wDense.Dims()
	wSym := mat.NewSymDense(n0, nil)
	for i := 0; i < n0; i++ {
		for j := i; j < n0; j++ {
			wSym.SetSym(i, j, wDense.At(i, j))
		}
	}

	lambda, v, err := topKEigenpairs(wSym, k)
	if err != nil {
		return err
	}

	// Fold the sample-space eigenvectors back into embedding space:
	// u_i = Xn^T . v_i / sqrt(|lambda_i| + eps), the usual kernel-PCA
	// dual-to-primal reconstruction, so the projection can be applied
	// directly to arbitrary new embeddings rather than only the fit set.
	var xnMat mat.Dense
	xnMat.CloneFrom(rowsToDense(xn))
	var xnT mat.Dense
	xnT.CloneFrom(xnMat.T())

	var foldedRaw mat.Dense
	foldedRaw.Mul(&xnT, v) // (d x n) . (n x k) = d x k

	u := mat.NewDense(d, k, nil)
	for col := 0; col < k; col++ {
		weight := 1.0 / math.Sqrt(math.Abs(lambda[col])+1e-9)
		for row := 0; row < d; row++ {
			u.Set(row, col, foldedRaw.At(row, col)*weight)
		}
	}

	g := randNormalMatrix(hypervectorDim, k, cfg.Seed)

	sqrtLambda := mat.NewDense(k, k, nil)
	for i, lv := range lambda {
		sqrtLambda.Set(i, i, math.Sqrt(math.Max(lv, 0)))
	}

	var gSqrtLambda mat.Dense
	gSqrtLambda.Mul(g, sqrtLambda) // D x k

	var uT mat.Dense
	uT.CloneFrom(u.T())

	p := mat.NewDense(hypervectorDim, d, nil)
	p.Mul(&gSqrtLambda, &uT) // D x k . k x d = D x d

	var pT mat.Dense
	pT.CloneFrom(p.T())
	pinvPT, err := pseudoInverse(&pT)
	if err != nil {
		return err
	}

	c.params = &Params{
		EmbeddingDim:   d,
		HypervectorDim: hypervectorDim,
		NComponents:    k,
		ModelVersion:   cfg.ModelVersion,
		Seed:           cfg.Seed,
		P:              p,
		Eigenvalues:    lambda,
		pinvPT:         pinvPT,
	}
	return nil
}

func rowsToDense(rows [][]float64) *mat.Dense {
	n := len(rows)
	if n == 0 {
		return mat.NewDense(0, 0, nil)
	}
	d := len(rows[0])
	out := mat.NewDense(n, d, nil)
	for i, r := range rows {
		for j, x := range r {
			out.Set(i, j, x)
		}
	}
	return out
}

// Encode maps embeddings to bipolar hypervectors: sign(X . P^T), ties
// breaking to +1 per hdvec.Sign.
func (c *Codec) Encode(embeddings [][]float64) ([][]float32, error) {
	if !c.Fitted() {
		return nil, ErrNotFitted
	}
	p := c.params
	out := make([][]float32, len(embeddings))
	for i, row := range embeddings {
		if len(row) != p.EmbeddingDim {
			return nil, &reasonerr.ShapeError{Component: "codec.encode", Expected: p.EmbeddingDim, Got: len(row)}
		}
		hv := make([]float32, p.HypervectorDim)
		for d := 0; d < p.HypervectorDim; d++ {
			var dot float64
			for j, x := range row {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					return nil, &reasonerr.NumericError{Component: "codec.encode", Detail: "input contains NaN/Inf"}
				}
				dot += x * p.P.At(d, j)
			}
			hv[d] = hdvec.Sign(dot)
		}
		out[i] = hv
	}
	return out, nil
}

// Decode produces an approximate geometric reconstruction of each
// hypervector, a probe suitable for an immediate constrained nearest
// neighbor search rather than a high-fidelity inverse.
func (c *Codec) Decode(hypervectors [][]float32) ([][]float64, error) {
	if !c.Fitted() {
		return nil, ErrNotFitted
	}
	p := c.params
	out := make([][]float64, len(hypervectors))
	for i, hv := range hypervectors {
		if len(hv) != p.HypervectorDim {
			return nil, &reasonerr.ShapeError{Component: "codec.decode", Expected: p.HypervectorDim, Got: len(hv)}
		}
		row := make([]float64, p.EmbeddingDim)
		for j := 0; j < p.EmbeddingDim; j++ {
			var acc float64
			for d, h := range hv {
				acc += float64(h) * p.pinvPT.At(d, j)
			}
			row[j] = acc
		}
		out[i] = row
	}
	return out, nil
}

// Tag derives a deterministic fingerprint of the fitted codec: model
// version, component count, dims, seed, and a hash of the retained
// eigenvalues.
func (c *Codec) Tag() (string, error) {
	if !c.Fitted() {
		return "", ErrNotFitted
	}
	p := c.params
	h := sha1.New()
	fmt.Fprintf(h, "%s|%d|%d|%d|%d", p.ModelVersion, p.NComponents, p.EmbeddingDim, p.HypervectorDim, p.Seed)
	for _, lv := range p.Eigenvalues {
		fmt.Fprintf(h, "|%.10f", lv)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Params exposes the fitted parameters for persistence (e.g. pgstore's
// codec_blobs table). Returns nil if not fitted.
func (c *Codec) Params() *Params {
	return c.params
}

// ValidationReport is the result of Validate.
type ValidationReport struct {
	Bipolar             bool
	ShapeOK             bool
	StructurePreserving bool
	Correlation         float64
}

// Validate checks bipolarity, shape correctness, and structure
// preservation (the Pearson correlation between input cosine similarities
// and encoded Hamming similarities) against a held-out sample.
func (c *Codec) Validate(sample [][]float64, threshold float64) (ValidationReport, error) {
	if !c.Fitted() {
		return ValidationReport{}, ErrNotFitted
	}
	if threshold <= 0 {
		threshold = 0.5
	}
	encoded, err := c.Encode(sample)
	if err != nil {
		return ValidationReport{}, err
	}

	report := ValidationReport{Bipolar: true, ShapeOK: true}
	for _, hv := range encoded {
		if len(hv) != c.params.HypervectorDim {
			report.ShapeOK = false
		}
		for _, x := range hv {
			if x != 1 && x != -1 {
				report.Bipolar = false
			}
		}
	}

	n := len(sample)
	if n < 2 {
		report.StructurePreserving = report.Bipolar && report.ShapeOK
		return report, nil
	}
	xn := l2NormalizeRows(sample)
	var cosSims, hamSims []float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			var dot float64
			for d := range xn[i] {
				dot += xn[i][d] * xn[j][d]
			}
			cosSims = append(cosSims, dot)
			hamSims = append(hamSims, float64(hdvec.HammingSimilarity(encoded[i], encoded[j])))
		}
	}
	report.Correlation = pearson(cosSims, hamSims)
	report.StructurePreserving = report.Bipolar && report.ShapeOK && report.Correlation >= threshold
	return report, nil
}

func pearson(a, b []float64) float64 {
	n := len(a)
	if n == 0 {
		return 0
	}
	var meanA, meanB float64
	for i := range a {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)

	var cov, varA, varB float64
	for i := range a {
		da, db := a[i]-meanA, b[i]-meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA <= 0 || varB <= 0 {
		return 0
	}
	return cov / math.Sqrt(varA*varB)
}
