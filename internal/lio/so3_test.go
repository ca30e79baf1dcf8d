package lio

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r3"
)

func near(a, b, tol float64) bool { return math.Abs(a-b) <= tol }

func nearVec(a, b r3.Vec, tol float64) bool {
	return near(a.X, b.X, tol) && near(a.Y, b.Y, tol) && near(a.Z, b.Z, tol)
}

func TestExpLog_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []r3.Vec{
		{},
		{X: 1e-9},
		{X: 0.1, Y: -0.2, Z: 0.3},
		{Z: math.Pi / 2},
		{X: 1.2, Y: 0.4, Z: -0.9},
	}
	for _, w := range cases {
		if got := Exp(w).Log(); !nearVec(got, w, 1e-9) {
			t.Errorf("Exp(%v).Log() = %v", w, got)
		}
	}
}

func TestExp_IsRotation(t *testing.T) {
	t.Parallel()

	R := Exp(r3.Vec{X: 0.3, Y: -1.1, Z: 0.7})
	if d := R.Det(); !near(d, 1, 1e-12) {
		t.Errorf("Det() = %v, want 1", d)
	}

	I := R.Mul(R.T())
	want := Identity3()
	for i := range I {
		if !near(I[i], want[i], 1e-12) {
			t.Errorf("R·Rᵀ[%d] = %v, want %v", i, I[i], want[i])
		}
	}
}

func TestExp_YawQuarterTurn(t *testing.T) {
	t.Parallel()

	p := Exp(r3.Vec{Z: math.Pi / 2}).MulVec(r3.Vec{X: 1})
	if !nearVec(p, r3.Vec{Y: 1}, 1e-12) {
		t.Errorf("rotated x axis = %v, want (0, 1, 0)", p)
	}
}

func TestSkew_MatchesCross(t *testing.T) {
	t.Parallel()

	a := r3.Vec{X: 1, Y: 2, Z: 3}
	b := r3.Vec{X: -4, Y: 0.5, Z: 2}
	if got, want := Skew(a).MulVec(b), r3.Cross(a, b); got != want {
		t.Errorf("Skew(a)·b = %v, want %v", got, want)
	}
}

func TestEuler(t *testing.T) {
	t.Parallel()

	want := r3.Vec{X: 0.1, Y: -0.2, Z: 0.3}
	R := Exp(r3.Vec{Z: want.Z}).Mul(Exp(r3.Vec{Y: want.Y})).Mul(Exp(r3.Vec{X: want.X}))
	if got := R.Euler(); !nearVec(got, want, 1e-12) {
		t.Errorf("Euler() = %v, want %v", got, want)
	}
}

func TestQuaternion(t *testing.T) {
	t.Parallel()

	t.Run("identity", func(t *testing.T) {
		q := Identity3().Quaternion()
		if !near(q.Real, 1, 1e-12) || !near(q.Imag, 0, 1e-12) {
			t.Errorf("Quaternion() = %v, want 1", q)
		}
	})

	t.Run("half turn about x", func(t *testing.T) {
		q := Exp(r3.Vec{X: math.Pi}).Quaternion()
		if !near(q.Real, 0, 1e-9) || !near(math.Abs(q.Imag), 1, 1e-9) {
			t.Errorf("Quaternion() = %v, want ±i", q)
		}
	})

	t.Run("yaw", func(t *testing.T) {
		q := Exp(r3.Vec{Z: 0.5}).Quaternion()
		if !near(q.Real, math.Cos(0.25), 1e-12) || !near(q.Kmag, math.Sin(0.25), 1e-12) {
			t.Errorf("Quaternion() = %v, want cos(0.25) + sin(0.25)k", q)
		}
	})
}
