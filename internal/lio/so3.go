package lio

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mat3 is a 3x3 matrix stored row-major (m00,m01,m02, m10,...), the same
// layout the pose transforms use. Rotations are Mat3 values with det = 1.
type Mat3 [9]float64

// smallAngle is the rotation angle below which Exp and Log use first-order
// expansions.
const smallAngle = 1e-7

// Identity3 returns the identity matrix.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns element (i, j).
func (m Mat3) At(i, j int) float64 { return m[3*i+j] }

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

// Mul returns m·o.
func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[3*i+j] = m[3*i]*o[j] + m[3*i+1]*o[3+j] + m[3*i+2]*o[6+j]
		}
	}
	return r
}

// MulVec returns m·v.
func (m Mat3) MulVec(v r3.Vec) r3.Vec {
	return r3.Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Add returns m+o.
func (m Mat3) Add(o Mat3) Mat3 {
	var r Mat3
	for i := range m {
		r[i] = m[i] + o[i]
	}
	return r
}

// Scale returns f·m.
func (m Mat3) Scale(f float64) Mat3 {
	var r Mat3
	for i := range m {
		r[i] = f * m[i]
	}
	return r
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return m[0]*(m[4]*m[8]-m[5]*m[7]) -
		m[1]*(m[3]*m[8]-m[5]*m[6]) +
		m[2]*(m[3]*m[7]-m[4]*m[6])
}

// Skew returns the cross-product matrix of v, so Skew(v).MulVec(u) = v×u.
func Skew(v r3.Vec) Mat3 {
	return Mat3{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	}
}

// Exp maps a rotation vector to a rotation matrix (Rodrigues).
func Exp(w r3.Vec) Mat3 {
	theta := r3.Norm(w)
	K := Skew(w)
	if theta < smallAngle {
		return Identity3().Add(K)
	}
	K = K.Scale(1 / theta)
	return Identity3().
		Add(K.Scale(math.Sin(theta))).
		Add(K.Mul(K).Scale(1 - math.Cos(theta)))
}

// Log maps a rotation matrix to its rotation vector.
func (m Mat3) Log() r3.Vec {
	c := (m[0] + m[4] + m[8] - 1) / 2
	c = math.Max(-1, math.Min(1, c))
	theta := math.Acos(c)
	v := r3.Vec{X: m[7] - m[5], Y: m[2] - m[6], Z: m[3] - m[1]}
	if theta < smallAngle {
		return r3.Scale(0.5, v)
	}
	return r3.Scale(theta/(2*math.Sin(theta)), v)
}

// Euler returns roll, pitch and yaw (radians, ZYX convention).
func (m Mat3) Euler() r3.Vec {
	sy := math.Hypot(m[0], m[3])
	if sy > 1e-6 {
		return r3.Vec{
			X: math.Atan2(m[7], m[8]),
			Y: math.Atan2(-m[6], sy),
			Z: math.Atan2(m[3], m[0]),
		}
	}
	return r3.Vec{
		X: math.Atan2(-m[5], m[4]),
		Y: math.Atan2(-m[6], sy),
	}
}

// Quaternion returns the unit quaternion of a rotation matrix.
func (m Mat3) Quaternion() quat.Number {
	tr := m[0] + m[4] + m[8]
	var q quat.Number
	switch {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = quat.Number{Real: s / 4, Imag: (m[7] - m[5]) / s, Jmag: (m[2] - m[6]) / s, Kmag: (m[3] - m[1]) / s}
	case m[0] > m[4] && m[0] > m[8]:
		s := 2 * math.Sqrt(1+m[0]-m[4]-m[8])
		q = quat.Number{Real: (m[7] - m[5]) / s, Imag: s / 4, Jmag: (m[1] + m[3]) / s, Kmag: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := 2 * math.Sqrt(1+m[4]-m[0]-m[8])
		q = quat.Number{Real: (m[2] - m[6]) / s, Imag: (m[1] + m[3]) / s, Jmag: s / 4, Kmag: (m[5] + m[7]) / s}
	default:
		s := 2 * math.Sqrt(1+m[8]-m[0]-m[4])
		q = quat.Number{Real: (m[3] - m[1]) / s, Imag: (m[2] + m[6]) / s, Jmag: (m[5] + m[7]) / s, Kmag: s / 4}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return q
}

// RadToDeg is the degree conversion factor used in reports and
// convergence thresholds.
const RadToDeg = 57.3
