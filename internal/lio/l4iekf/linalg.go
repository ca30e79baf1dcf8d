package l4iekf

import (
	"gonum.org/v1/gonum/mat"
)

// jitterScale is the diagonal load, relative to the mean diagonal, added
// before the LU fallback inversion.
const jitterScale = 1e-9

// invertSPD inverts a symmetric matrix with Cholesky. When the matrix is
// not positive definite it loads the diagonal and falls back to LU. The
// result is symmetrised. ok is false only when both paths failed.
func invertSPD(a *mat.SymDense) (inv *mat.SymDense, ok bool) {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		var out mat.SymDense
		if err := chol.InverseTo(&out); err == nil {
			return &out, true
		}
	}

	n := a.SymmetricDim()
	loaded := mat.DenseCopyOf(a)
	eps := jitterScale * max(mat.Trace(a)/float64(n), 1)
	for i := 0; i < n; i++ {
		loaded.Set(i, i, loaded.At(i, i)+eps)
	}
	var lu mat.Dense
	if err := lu.Inverse(loaded); err != nil {
		if _, cond := err.(mat.Condition); !cond {
			return nil, false
		}
	}
	out := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			out.SetSym(i, j, 0.5*(lu.At(i, j)+lu.At(j, i)))
		}
	}
	return out, true
}
