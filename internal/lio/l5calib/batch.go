package l5calib

import (
	"fmt"
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// Batch solver defaults.
const (
	DefaultAccumLength   = 300
	DefaultRotExcitation = 0.1
	DefaultMaxTimeLag    = 0.2
	DefaultLagStep       = 0.001

	// minSolveSamples is the fewest LiDAR frames a solve accepts.
	minSolveSamples = 10

	// lagRefineSteps is the half width, in LagStep units, of the residual
	// search around the correlation peak.
	lagRefineSteps  = 20
	lagRefinePasses = 3
)

// BatchConfig configures a BatchCalibrator.
type BatchConfig struct {
	// AccumLength is the minimum number of moving frames before a solve.
	AccumLength int
	// RotExcitation is the minimum RMS angular rate (rad/s) about the least
	// excited axis, i.e. the smallest evidence singular value divided by
	// the square root of the frame count.
	RotExcitation float64
	// MaxTimeLag bounds the lag search to [-MaxTimeLag, MaxTimeLag].
	MaxTimeLag float64
	LagStep    float64
	// MeanAccNorm is the accelerometer reading at rest; samples are scaled
	// by Gravity/MeanAccNorm.
	MeanAccNorm float64
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

func (c *BatchConfig) applyDefaults() {
	if c.AccumLength <= 0 {
		c.AccumLength = DefaultAccumLength
	}
	if c.RotExcitation <= 0 {
		c.RotExcitation = DefaultRotExcitation
	}
	if c.MaxTimeLag <= 0 {
		c.MaxTimeLag = DefaultMaxTimeLag
	}
	if c.LagStep <= 0 {
		c.LagStep = DefaultLagStep
	}
	if c.MeanAccNorm <= 0 {
		c.MeanAccNorm = lio.Gravity
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// BatchCalibrator solves the calibration in one batch over everything
// buffered since the platform started moving.
type BatchCalibrator struct {
	cfg     BatchConfig
	imu     []lio.ImuSample
	samples []Sample
}

var _ Calibrator = (*BatchCalibrator)(nil)

// NewBatchCalibrator creates a BatchCalibrator.
func NewBatchCalibrator(cfg BatchConfig) *BatchCalibrator {
	cfg.applyDefaults()
	return &BatchCalibrator{cfg: cfg}
}

// PushIMU buffers one compensated IMU sample.
func (b *BatchCalibrator) PushIMU(s lio.ImuSample) {
	if n := len(b.imu); n > 0 && s.Time < b.imu[n-1].Time {
		b.imu = b.imu[:0]
	}
	b.imu = append(b.imu, s)
}

// ResetIMU drops buffered IMU samples.
func (b *BatchCalibrator) ResetIMU() {
	b.imu = b.imu[:0]
}

// trimIMU drops buffered samples stamped before t and returns how many.
// Samples within two lag windows of the motion start stay for the lag
// search.
func (b *BatchCalibrator) trimIMU(t float64) int {
	i := sort.Search(len(b.imu), func(i int) bool { return b.imu[i].Time >= t })
	b.imu = append(b.imu[:0], b.imu[i:]...)
	return i
}

// PushSample buffers one LiDAR odometry frame.
func (b *BatchCalibrator) PushSample(s Sample) {
	b.samples = append(b.samples, s)
}

// Sufficient reports whether enough rotationally exciting motion has been
// seen to attempt a solve.
func (b *BatchCalibrator) Sufficient(acc *Accumulator, frameNum int) bool {
	if acc == nil || acc.Frames < b.cfg.AccumLength {
		return false
	}
	rms := acc.MinSingularValue() / math.Sqrt(float64(acc.Frames))
	if rms < b.cfg.RotExcitation {
		if acc.Frames%b.cfg.AccumLength == 0 {
			b.cfg.Logger.Printf("[calib] frame %d: rotation excitation %.4f rad/s below %.4f, keep moving",
				frameNum, rms, b.cfg.RotExcitation)
		}
		return false
	}
	return true
}

// Solve estimates lag, extrinsic rotation, gyro bias, lever arm, gravity and
// accelerometer bias in that order.
func (b *BatchCalibrator) Solve(p SolveParams) (Result, error) {
	if len(b.samples) < minSolveSamples {
		return Result{}, fmt.Errorf("%w: %d lidar frames", ErrInsufficientData, len(b.samples))
	}
	if p.MoveStartTime > 0 {
		if n := b.trimIMU(p.MoveStartTime - 2*b.cfg.MaxTimeLag); n > 0 {
			b.cfg.Logger.Printf("[calib] dropped %d imu samples from before the motion start at %.6f", n, p.MoveStartTime)
		}
	}
	if len(b.imu) < 2 {
		return Result{}, fmt.Errorf("%w: %d imu samples", ErrInsufficientData, len(b.imu))
	}

	lag, corr, err := b.solveLag()
	if err != nil {
		return Result{}, err
	}
	b.cfg.Logger.Printf("[calib] time lag %.4f s (correlation %.4f, coarse lag %.4f s, odom %.1f Hz x %d)",
		lag, corr, p.TimeLagHint, p.OdomFreq, p.CutFrameNum)

	rot, bg, err := b.solveRotation(lag)
	if err != nil {
		return Result{}, err
	}
	for i := 0; i < lagRefinePasses; i++ {
		refined := b.refineLag(lag, rot, bg)
		if refined == lag {
			break
		}
		lag = refined
		if rot, bg, err = b.solveRotation(lag); err != nil {
			return Result{}, err
		}
	}
	pos, grav, ba, err := b.solveTranslation(lag, rot)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ExtRot:  rot,
		ExtPos:  pos,
		Gravity: grav,
		BiasG:   bg,
		BiasA:   ba,
		TimeLag: lag,
	}, nil
}

// imuAt interpolates the IMU sample at time t.
func (b *BatchCalibrator) imuAt(t float64) (lio.ImuSample, bool) {
	n := len(b.imu)
	if n < 2 || t < b.imu[0].Time || t > b.imu[n-1].Time {
		return lio.ImuSample{}, false
	}
	i := sort.Search(n, func(i int) bool { return b.imu[i].Time >= t })
	if i == 0 {
		return b.imu[0], true
	}
	lo, hi := b.imu[i-1], b.imu[i]
	span := hi.Time - lo.Time
	if span <= 0 {
		return hi, true
	}
	f := (t - lo.Time) / span
	return lio.ImuSample{
		Time: t,
		Gyro: r3.Add(lo.Gyro, r3.Scale(f, r3.Sub(hi.Gyro, lo.Gyro))),
		Acc:  r3.Add(lo.Acc, r3.Scale(f, r3.Sub(hi.Acc, lo.Acc))),
	}, true
}

// solveLag finds the lag maximising the correlation between LiDAR and IMU
// angular rate norms. IMU stamps are late by lag.
func (b *BatchCalibrator) solveLag() (lag, corr float64, err error) {
	steps := int(math.Round(b.cfg.MaxTimeLag / b.cfg.LagStep))
	best := math.Inf(-1)
	x := make([]float64, 0, len(b.samples))
	y := make([]float64, 0, len(b.samples))
	for i := -steps; i <= steps; i++ {
		cand := float64(i) * b.cfg.LagStep
		x, y = x[:0], y[:0]
		for _, s := range b.samples {
			m, ok := b.imuAt(s.Time + cand)
			if !ok {
				continue
			}
			x = append(x, r3.Norm(s.AngVel))
			y = append(y, r3.Norm(m.Gyro))
		}
		if len(x) < minSolveSamples {
			continue
		}
		c := stat.Correlation(x, y, nil)
		if math.IsNaN(c) {
			continue
		}
		if c > best {
			best, lag = c, cand
		}
	}
	if math.IsInf(best, -1) {
		return 0, 0, fmt.Errorf("%w: imu does not overlap lidar frames", ErrInsufficientData)
	}
	return lag, best, nil
}

// refineLag searches around lag for the smallest mean squared gyro
// residual |ω_I − R·ω_L − b_g|². The correlation peak is biased by b_g;
// the residual is not.
func (b *BatchCalibrator) refineLag(lag float64, rot lio.Mat3, bg r3.Vec) float64 {
	best, bestCost := lag, math.Inf(1)
	for i := -lagRefineSteps; i <= lagRefineSteps; i++ {
		cand := lag + float64(i)*b.cfg.LagStep
		var cost float64
		n := 0
		for _, s := range b.samples {
			m, ok := b.imuAt(s.Time + cand)
			if !ok {
				continue
			}
			d := r3.Sub(m.Gyro, r3.Add(rot.MulVec(s.AngVel), bg))
			cost += r3.Dot(d, d)
			n++
		}
		if n < minSolveSamples {
			continue
		}
		if cost /= float64(n); cost < bestCost {
			best, bestCost = cand, cost
		}
	}
	return best
}

// solveRotation aligns centred angular rates, ω_I = R·ω_L + b_g, with the
// Kabsch method.
func (b *BatchCalibrator) solveRotation(lag float64) (lio.Mat3, r3.Vec, error) {
	var lidar, imu []r3.Vec
	for _, s := range b.samples {
		m, ok := b.imuAt(s.Time + lag)
		if !ok {
			continue
		}
		lidar = append(lidar, s.AngVel)
		imu = append(imu, m.Gyro)
	}
	if len(lidar) < minSolveSamples {
		return lio.Mat3{}, r3.Vec{}, fmt.Errorf("%w: %d aligned frames", ErrInsufficientData, len(lidar))
	}
	ml, mi := mean(lidar), mean(imu)

	h := mat.NewDense(3, 3, nil)
	for k := range lidar {
		l := r3.Sub(lidar[k], ml)
		g := r3.Sub(imu[k], mi)
		lv := [3]float64{l.X, l.Y, l.Z}
		gv := [3]float64{g.X, g.Y, g.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				h.Set(i, j, h.At(i, j)+lv[i]*gv[j])
			}
		}
	}
	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return lio.Mat3{}, r3.Vec{}, fmt.Errorf("rotation alignment: svd failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var vu mat.Dense
	vu.Mul(&v, u.T())
	if mat.Det(&vu) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		vu.Mul(&v, u.T())
	}
	var rot lio.Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot[3*i+j] = vu.At(i, j)
		}
	}
	return rot, r3.Sub(mi, rot.MulVec(ml)), nil
}

// solveTranslation solves the lever arm, gravity and accelerometer bias.
//
// With c the IMU origin in the LiDAR frame, R_k the LiDAR orientation and
// R_I = R_k·R_LIᵀ the IMU orientation, each interior frame contributes
//
//	R_k·([α]× + [ω]×²)·c − g + R_I·b_a = R_I·a_m − a_L
//
// A first solve estimates all nine unknowns; gravity is then rescaled to
// its nominal norm and c and b_a are solved again with g fixed.
func (b *BatchCalibrator) solveTranslation(lag float64, rotLI lio.Mat3) (r3.Vec, r3.Vec, r3.Vec, error) {
	scale := lio.Gravity / b.cfg.MeanAccNorm
	type row struct {
		lever lio.Mat3
		rotI  lio.Mat3
		rhs   r3.Vec
	}
	var rows []row
	for k := 1; k+1 < len(b.samples); k++ {
		prev, cur, next := b.samples[k-1], b.samples[k], b.samples[k+1]
		dt := next.Time - prev.Time
		if dt <= 0 {
			continue
		}
		m, ok := b.imuAt(cur.Time + lag)
		if !ok {
			continue
		}
		alpha := r3.Scale(1/dt, r3.Sub(next.AngVel, prev.AngVel))
		accL := r3.Scale(1/dt, r3.Sub(next.Vel, prev.Vel))
		sw := lio.Skew(cur.AngVel)
		rotI := cur.Rot.Mul(rotLI.T())
		rows = append(rows, row{
			lever: cur.Rot.Mul(lio.Skew(alpha).Add(sw.Mul(sw))),
			rotI:  rotI,
			rhs:   r3.Sub(rotI.MulVec(r3.Scale(scale, m.Acc)), accL),
		})
	}
	if len(rows) < minSolveSamples {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, fmt.Errorf("%w: %d acceleration rows", ErrInsufficientData, len(rows))
	}

	a := mat.NewDense(3*len(rows), 9, nil)
	z := mat.NewVecDense(3*len(rows), nil)
	for k, r := range rows {
		rhs := [3]float64{r.rhs.X, r.rhs.Y, r.rhs.Z}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a.Set(3*k+i, j, r.lever.At(i, j))
				a.Set(3*k+i, 6+j, r.rotI.At(i, j))
			}
			a.Set(3*k+i, 3+i, -1)
			z.SetVec(3*k+i, rhs[i])
		}
	}
	var x mat.VecDense
	if err := x.SolveVec(a, z); err != nil {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, fmt.Errorf("gravity and lever arm: %w", err)
	}
	grav := r3.Vec{X: x.AtVec(3), Y: x.AtVec(4), Z: x.AtVec(5)}
	if n := r3.Norm(grav); n > 0 {
		grav = r3.Scale(lio.Gravity/n, grav)
	} else {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, fmt.Errorf("gravity and lever arm: degenerate gravity")
	}

	// Refine with gravity fixed.
	a2 := mat.NewDense(3*len(rows), 6, nil)
	for k, r := range rows {
		rhs := r3.Add(r.rhs, grav)
		z.SetVec(3*k, rhs.X)
		z.SetVec(3*k+1, rhs.Y)
		z.SetVec(3*k+2, rhs.Z)
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				a2.Set(3*k+i, j, r.lever.At(i, j))
				a2.Set(3*k+i, 3+j, r.rotI.At(i, j))
			}
		}
	}
	var x2 mat.VecDense
	if err := x2.SolveVec(a2, z); err != nil {
		return r3.Vec{}, r3.Vec{}, r3.Vec{}, fmt.Errorf("lever arm refinement: %w", err)
	}
	c := r3.Vec{X: x2.AtVec(0), Y: x2.AtVec(1), Z: x2.AtVec(2)}
	ba := r3.Vec{X: x2.AtVec(3), Y: x2.AtVec(4), Z: x2.AtVec(5)}
	return r3.Scale(-1, rotLI.MulVec(c)), grav, ba, nil
}

func mean(vs []r3.Vec) r3.Vec {
	var m r3.Vec
	for _, v := range vs {
		m = r3.Add(m, v)
	}
	return r3.Scale(1/float64(len(vs)), m)
}
