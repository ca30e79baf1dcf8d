package l4iekf

import (
	"log"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// Propagator advances the filter state to the end of a measurement group.
type Propagator interface {
	// Propagate moves ectx.State to group.EndTime.
	Propagate(ectx *lio.EstimatorContext, group lio.MeasurementGroup)
	// Reset forgets IMU history, e.g. after an IMU loop-back.
	Reset()
	// SetNoise replaces the process noise.
	SetNoise(n Noise)
}

// Noise holds per-second process noise variances and the accelerometer
// scale reference.
type Noise struct {
	GyrCov      float64
	AccCov      float64
	BiasGyrCov  float64
	BiasAccCov  float64
	GravCov     float64
	MeanAccNorm float64
}

// DefaultNoise returns the values used once the IMU is fused.
func DefaultNoise() Noise {
	return Noise{
		GyrCov:      0.1,
		AccCov:      0.1,
		BiasGyrCov:  0.0001,
		BiasAccCov:  0.0001,
		GravCov:     0.001,
		MeanAccNorm: lio.Gravity,
	}
}

// MotionModel is the default Propagator. Before the IMU is fused it runs a
// constant-velocity model whose angular rate lives in the BiasG slot;
// afterwards it integrates IMU samples to first order.
type MotionModel struct {
	noise  Noise
	logger *log.Logger

	started bool
	lastEnd float64
	lastIMU *lio.ImuSample
}

// NewMotionModel creates a MotionModel. A nil logger uses log.Default().
func NewMotionModel(noise Noise, logger *log.Logger) *MotionModel {
	if logger == nil {
		logger = log.Default()
	}
	if noise.MeanAccNorm <= 0 {
		noise.MeanAccNorm = lio.Gravity
	}
	return &MotionModel{noise: noise, logger: logger}
}

var _ Propagator = (*MotionModel)(nil)

// SetNoise replaces the process noise.
func (m *MotionModel) SetNoise(n Noise) {
	if n.MeanAccNorm <= 0 {
		n.MeanAccNorm = lio.Gravity
	}
	m.noise = n
}

// Reset forgets the last IMU sample.
func (m *MotionModel) Reset() {
	m.lastIMU = nil
}

// Propagate advances ectx.State from the previous group end to this one.
// The first group only records its end time.
func (m *MotionModel) Propagate(ectx *lio.EstimatorContext, group lio.MeasurementGroup) {
	if group.IMUReset {
		m.Reset()
	}
	if !m.started {
		m.started = true
		m.lastEnd = group.EndTime
		m.keepLast(group)
		return
	}
	if group.EndTime < m.lastEnd {
		m.logger.Printf("[propagate] group ends before previous one (%.6f < %.6f), skipping", group.EndTime, m.lastEnd)
		m.lastEnd = group.EndTime
		m.keepLast(group)
		return
	}

	st := &ectx.State
	if !ectx.Fused {
		m.constantVelocity(st, group.EndTime-m.lastEnd)
	} else {
		m.integrate(st, group)
	}
	m.lastEnd = group.EndTime
	m.keepLast(group)
}

func (m *MotionModel) keepLast(group lio.MeasurementGroup) {
	if n := len(group.IMU); n > 0 {
		last := group.IMU[n-1]
		m.lastIMU = &last
	}
}

func (m *MotionModel) constantVelocity(st *lio.State, dt float64) {
	if dt <= 0 {
		return
	}
	omega := st.BiasG

	f := identity(lio.DimState)
	setBlock3(f, lio.IdxRot, lio.IdxRot, lio.Exp(r3.Scale(-dt, omega)))
	setBlock3(f, lio.IdxRot, lio.IdxBiasG, lio.Identity3().Scale(dt))
	setBlock3(f, lio.IdxPos, lio.IdxVel, lio.Identity3().Scale(dt))

	st.Rot = st.Rot.Mul(lio.Exp(r3.Scale(dt, omega)))
	st.Pos = r3.Add(st.Pos, r3.Scale(dt, st.Vel))

	q := make([]float64, lio.DimState)
	fill3(q, lio.IdxBiasG, m.noise.GyrCov*dt)
	fill3(q, lio.IdxVel, m.noise.AccCov*dt)
	propagateCov(st, f, q)
}

func (m *MotionModel) integrate(st *lio.State, group lio.MeasurementGroup) {
	t := m.lastEnd
	sample := m.lastIMU
	for i := range group.IMU {
		next := group.IMU[i]
		if sample == nil {
			sample = &next
		}
		if dt := next.Time - t; dt > 0 {
			m.step(st, *sample, dt)
			t = next.Time
		}
		sample = &next
	}
	if sample == nil {
		m.logger.Printf("[propagate] no imu sample before %.6f, holding state", group.EndTime)
		return
	}
	if dt := group.EndTime - t; dt > 0 {
		m.step(st, *sample, dt)
	}
}

// step integrates one IMU sample over dt seconds.
func (m *MotionModel) step(st *lio.State, s lio.ImuSample, dt float64) {
	omega := r3.Sub(s.Gyro, st.BiasG)
	acc := r3.Sub(r3.Scale(lio.Gravity/m.noise.MeanAccNorm, s.Acc), st.BiasA)
	accWorld := r3.Add(st.Rot.MulVec(acc), st.Gravity)

	f := identity(lio.DimState)
	setBlock3(f, lio.IdxRot, lio.IdxRot, lio.Exp(r3.Scale(-dt, omega)))
	setBlock3(f, lio.IdxRot, lio.IdxBiasG, lio.Identity3().Scale(-dt))
	setBlock3(f, lio.IdxPos, lio.IdxVel, lio.Identity3().Scale(dt))
	setBlock3(f, lio.IdxVel, lio.IdxRot, st.Rot.Mul(lio.Skew(acc)).Scale(-dt))
	setBlock3(f, lio.IdxVel, lio.IdxBiasA, st.Rot.Scale(-dt))
	setBlock3(f, lio.IdxVel, lio.IdxGrav, lio.Identity3().Scale(dt))

	st.Rot = st.Rot.Mul(lio.Exp(r3.Scale(dt, omega)))
	st.Pos = r3.Add(st.Pos, r3.Add(r3.Scale(dt, st.Vel), r3.Scale(0.5*dt*dt, accWorld)))
	st.Vel = r3.Add(st.Vel, r3.Scale(dt, accWorld))

	q := make([]float64, lio.DimState)
	fill3(q, lio.IdxRot, m.noise.GyrCov*dt)
	fill3(q, lio.IdxVel, m.noise.AccCov*dt)
	fill3(q, lio.IdxBiasG, m.noise.BiasGyrCov*dt)
	fill3(q, lio.IdxBiasA, m.noise.BiasAccCov*dt)
	fill3(q, lio.IdxGrav, m.noise.GravCov*dt)
	propagateCov(st, f, q)
}

// propagateCov applies P ← F·P·Fᵀ + diag(q).
func propagateCov(st *lio.State, f *mat.Dense, q []float64) {
	var fp, fpft mat.Dense
	fp.Mul(f, st.Cov)
	fpft.Mul(&fp, f.T())
	for i, v := range q {
		fpft.Set(i, i, fpft.At(i, i)+v)
	}
	st.SetCovFrom(&fpft)
}

func identity(n int) *mat.Dense {
	d := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		d.Set(i, i, 1)
	}
	return d
}

func setBlock3(d *mat.Dense, row, col int, m lio.Mat3) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d.Set(row+i, col+j, m.At(i, j))
		}
	}
}

func fill3(q []float64, idx int, v float64) {
	q[idx], q[idx+1], q[idx+2] = v, v, v
}
