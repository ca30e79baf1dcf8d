package lio

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DimState is the dimension of the error state.
const DimState = 24

// Error-state block offsets. The first 12 entries are the ones observed by
// point-to-plane residuals.
const (
	IdxRot    = 0
	IdxPos    = 3
	IdxExtRot = 6
	IdxExtPos = 9
	IdxVel    = 12
	IdxBiasG  = 15
	IdxBiasA  = 18
	IdxGrav   = 21
)

// InitCov is the initial variance of every error-state component.
const InitCov = 0.0001

// State is the filter state at the end time of the latest scan.
//
// Before the calibration handoff the body frame is the LiDAR frame, the
// extrinsic is identity and BiasG carries the angular rate of the
// constant-velocity model. After the handoff the body frame is the IMU frame.
type State struct {
	Rot     Mat3
	Pos     r3.Vec
	ExtRot  Mat3   // LiDAR -> IMU rotation
	ExtPos  r3.Vec // LiDAR origin expressed in the IMU frame
	Vel     r3.Vec
	BiasG   r3.Vec
	BiasA   r3.Vec
	Gravity r3.Vec
	Cov     *mat.SymDense
}

// NewState returns a state at the origin with identity rotations and the
// initial covariance.
func NewState() State {
	cov := mat.NewSymDense(DimState, nil)
	for i := 0; i < DimState; i++ {
		cov.SetSym(i, i, InitCov)
	}
	return State{
		Rot:    Identity3(),
		ExtRot: Identity3(),
		Cov:    cov,
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	c := s
	if s.Cov != nil {
		c.Cov = mat.NewSymDense(DimState, nil)
		c.Cov.CopySym(s.Cov)
	}
	return c
}

// BodyToWorld maps a LiDAR-frame point into the world frame.
func (s *State) BodyToWorld(p r3.Vec) r3.Vec {
	return r3.Add(s.Rot.MulVec(r3.Add(s.ExtRot.MulVec(p), s.ExtPos)), s.Pos)
}

// BoxPlus applies an error-state correction dx (len DimState).
func (s *State) BoxPlus(dx []float64) {
	s.Rot = s.Rot.Mul(Exp(block(dx, IdxRot)))
	s.Pos = r3.Add(s.Pos, block(dx, IdxPos))
	s.ExtRot = s.ExtRot.Mul(Exp(block(dx, IdxExtRot)))
	s.ExtPos = r3.Add(s.ExtPos, block(dx, IdxExtPos))
	s.Vel = r3.Add(s.Vel, block(dx, IdxVel))
	s.BiasG = r3.Add(s.BiasG, block(dx, IdxBiasG))
	s.BiasA = r3.Add(s.BiasA, block(dx, IdxBiasA))
	s.Gravity = r3.Add(s.Gravity, block(dx, IdxGrav))
}

// Sub returns the error state s ⊟ o, so that o.BoxPlus(s.Sub(o)) ≈ s.
func (s *State) Sub(o *State) []float64 {
	dx := make([]float64, DimState)
	setBlock(dx, IdxRot, o.Rot.T().Mul(s.Rot).Log())
	setBlock(dx, IdxPos, r3.Sub(s.Pos, o.Pos))
	setBlock(dx, IdxExtRot, o.ExtRot.T().Mul(s.ExtRot).Log())
	setBlock(dx, IdxExtPos, r3.Sub(s.ExtPos, o.ExtPos))
	setBlock(dx, IdxVel, r3.Sub(s.Vel, o.Vel))
	setBlock(dx, IdxBiasG, r3.Sub(s.BiasG, o.BiasG))
	setBlock(dx, IdxBiasA, r3.Sub(s.BiasA, o.BiasA))
	setBlock(dx, IdxGrav, r3.Sub(s.Gravity, o.Gravity))
	return dx
}

// SetCovFrom stores the symmetric part of m as the covariance.
func (s *State) SetCovFrom(m mat.Matrix) {
	if s.Cov == nil {
		s.Cov = mat.NewSymDense(DimState, nil)
	}
	for i := 0; i < DimState; i++ {
		for j := i; j < DimState; j++ {
			s.Cov.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
}

// SetCovBlock sets the diagonal of a 3x3 covariance block.
func (s *State) SetCovBlock(idx int, diag r3.Vec) {
	s.Cov.SetSym(idx, idx, diag.X)
	s.Cov.SetSym(idx+1, idx+1, diag.Y)
	s.Cov.SetSym(idx+2, idx+2, diag.Z)
}

// Block returns the 3-vector starting at idx of dx.
func Block(dx []float64, idx int) r3.Vec { return block(dx, idx) }

func block(dx []float64, idx int) r3.Vec {
	return r3.Vec{X: dx[idx], Y: dx[idx+1], Z: dx[idx+2]}
}

func setBlock(dx []float64, idx int, v r3.Vec) {
	dx[idx], dx[idx+1], dx[idx+2] = v.X, v.Y, v.Z
}
