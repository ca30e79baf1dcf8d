package l5calib

import (
	"errors"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// ErrInsufficientData is returned by Solve when the buffered data cannot
// constrain a solution.
var ErrInsufficientData = errors.New("insufficient calibration data")

// Sample is one LiDAR-only odometry frame handed to the Calibrator.
type Sample struct {
	Rot    lio.Mat3 // LiDAR orientation in the first-scan frame
	AngVel r3.Vec   // LiDAR body angular rate (the BiasG slot before fusion)
	Vel    r3.Vec   // LiDAR velocity in the first-scan frame
	Time   float64
}

// SolveParams carries the timing context of a batch solve.
type SolveParams struct {
	OdomFreq      float64
	CutFrameNum   int
	TimeLagHint   float64 // coarse lag already applied to IMU stamps
	MoveStartTime float64
}

// Result is a calibration solution. TimeLag is the lag to remove from IMU
// stamps on top of any coarse lag already applied.
type Result struct {
	ExtRot  lio.Mat3 // LiDAR -> IMU
	ExtPos  r3.Vec
	Gravity r3.Vec // first-scan frame
	BiasG   r3.Vec
	BiasA   r3.Vec
	TimeLag float64
}

// Calibrator solves the LiDAR/IMU calibration from buffered motion.
type Calibrator interface {
	PushIMU(s lio.ImuSample)
	ResetIMU()
	PushSample(s Sample)
	Sufficient(acc *Accumulator, frameNum int) bool
	Solve(p SolveParams) (Result, error)
}

// Accumulator collects the rotational excitation evidence (one −[ω]× block
// of three rows per frame pushed while moving) and running statistics of
// the IMU samples handed to the Calibrator.
type Accumulator struct {
	Evidence *mat.Dense
	Frames   int
	data     []float64

	imuCount    int
	meanAccNorm float64
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append adds the block for body angular rate omega.
func (a *Accumulator) Append(omega r3.Vec) {
	s := lio.Skew(r3.Scale(-1, omega))
	a.data = append(a.data, s[:]...)
	a.Frames++
	a.Evidence = mat.NewDense(3*a.Frames, 3, a.data)
}

// MinSingularValue returns the smallest singular value of the evidence, or
// 0 when empty.
func (a *Accumulator) MinSingularValue() float64 {
	if a.Frames == 0 {
		return 0
	}
	var svd mat.SVD
	if !svd.Factorize(a.Evidence, mat.SVDNone) {
		return 0
	}
	vals := svd.Values(nil)
	return vals[len(vals)-1]
}

// AddIMU updates the running specific-force statistics.
func (a *Accumulator) AddIMU(s lio.ImuSample) {
	a.imuCount++
	a.meanAccNorm += (r3.Norm(s.Acc) - a.meanAccNorm) / float64(a.imuCount)
}

// IMUCount returns the number of samples seen since the last reset.
func (a *Accumulator) IMUCount() int { return a.imuCount }

// MeanAccNorm returns the mean accelerometer norm, or 0 before any sample.
func (a *Accumulator) MeanAccNorm() float64 { return a.meanAccNorm }

// ResetIMU drops the IMU statistics, e.g. after an IMU loop-back.
func (a *Accumulator) ResetIMU() {
	a.imuCount = 0
	a.meanAccNorm = 0
}

// Reset drops all evidence and statistics.
func (a *Accumulator) Reset() {
	a.data = a.data[:0]
	a.Frames = 0
	a.Evidence = nil
	a.ResetIMU()
}
