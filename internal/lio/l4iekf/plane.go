package l4iekf

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// planeFitter holds the scratch matrices of one worker.
type planeFitter struct {
	a   *mat.Dense
	b   *mat.VecDense
	x   mat.VecDense
	qr  mat.QR
	dim int
}

func newPlaneFitter(k int) *planeFitter {
	b := mat.NewVecDense(k, nil)
	for i := 0; i < k; i++ {
		b.SetVec(i, -1)
	}
	return &planeFitter{a: mat.NewDense(k, 3, nil), b: b, dim: k}
}

// fit solves n·p + 1 = 0 in the least-squares sense over the first k
// neighbours and returns the unit normal and offset d such that n·p + d is
// the signed distance. ok is false when the system is degenerate or any
// neighbour lies farther than threshold from the plane.
func (f *planeFitter) fit(near []lio.MapPoint, threshold float64) (normal r3.Vec, d float64, ok bool) {
	if len(near) < f.dim {
		return r3.Vec{}, 0, false
	}
	for i := 0; i < f.dim; i++ {
		p := near[i].Pos
		f.a.Set(i, 0, p.X)
		f.a.Set(i, 1, p.Y)
		f.a.Set(i, 2, p.Z)
	}
	f.qr.Factorize(f.a)
	if err := f.qr.SolveVecTo(&f.x, false, f.b); err != nil {
		return r3.Vec{}, 0, false
	}
	n := r3.Vec{X: f.x.AtVec(0), Y: f.x.AtVec(1), Z: f.x.AtVec(2)}
	norm := r3.Norm(n)
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return r3.Vec{}, 0, false
	}
	normal = r3.Scale(1/norm, n)
	d = 1 / norm
	for i := 0; i < f.dim; i++ {
		if math.Abs(r3.Dot(normal, near[i].Pos)+d) > threshold {
			return r3.Vec{}, 0, false
		}
	}
	return normal, d, true
}
