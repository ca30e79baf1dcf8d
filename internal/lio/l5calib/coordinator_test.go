package l5calib

import (
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l4iekf"
)

var quietLogger = log.New(io.Discard, "", 0)

type fakeCalibrator struct {
	imu        []lio.ImuSample
	resets     int
	samples    []Sample
	sufficient bool
	solves     int
	params     SolveParams
	result     Result
	err        error
}

func (f *fakeCalibrator) PushIMU(s lio.ImuSample)                     { f.imu = append(f.imu, s) }
func (f *fakeCalibrator) ResetIMU()                                   { f.resets++ }
func (f *fakeCalibrator) PushSample(s Sample)                         { f.samples = append(f.samples, s) }
func (f *fakeCalibrator) Sufficient(acc *Accumulator, frame int) bool { return f.sufficient }

func (f *fakeCalibrator) Solve(p SolveParams) (Result, error) {
	f.solves++
	f.params = p
	return f.result, f.err
}

type fakeClock struct {
	shifted float64
	lag     float64
	hard    float64
}

func (c *fakeClock) ShiftBufferedIMU(lag float64) { c.shifted += lag }
func (c *fakeClock) SetTimeLag(lag float64)       { c.lag = lag }
func (c *fakeClock) HardTimeLag() (float64, bool) { return c.hard, c.hard != 0 }

type fakePropagator struct {
	noise  l4iekf.Noise
	resets int
}

func (p *fakePropagator) Propagate(*lio.EstimatorContext, lio.MeasurementGroup) {}
func (p *fakePropagator) Reset()                                                { p.resets++ }
func (p *fakePropagator) SetNoise(n l4iekf.Noise)                               { p.noise = n }

type harness struct {
	calib *fakeCalibrator
	clock *fakeClock
	prop  *fakePropagator
	cut   *atomic.Int32
	coord *Coordinator
	ectx  *lio.EstimatorContext
}

func newHarness(cfg Config) *harness {
	cfg.Logger = quietLogger
	h := &harness{
		calib: &fakeCalibrator{},
		clock: &fakeClock{},
		prop:  &fakePropagator{},
		cut:   atomic.NewInt32(1),
		ectx:  lio.NewEstimatorContext(),
	}
	h.coord = NewCoordinator(cfg, h.calib, h.clock, h.prop, h.cut)
	return h
}

// step advances one frame of odometry ending at frame*0.1 s.
func (h *harness) step(pos r3.Vec, imu ...lio.ImuSample) Event {
	h.ectx.FrameNum++
	h.ectx.LidarEndTime = float64(h.ectx.FrameNum) * 0.1
	h.ectx.State.Pos = pos
	return h.coord.Observe(h.ectx, lio.MeasurementGroup{IMU: imu})
}

func TestCoordinator_StartsMovingPastThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	ev := h.step(r3.Vec{})
	assert.Equal(t, AccumulatingIdle, ev.State)
	ev = h.step(r3.Vec{X: 0.03})
	assert.Equal(t, AccumulatingIdle, ev.State)
	assert.Empty(t, h.calib.samples)

	h.ectx.State.BiasG = r3.Vec{Z: 0.3}
	ev = h.step(r3.Vec{X: 0.06})
	assert.True(t, ev.Moved)
	assert.Equal(t, AccumulatingMoving, ev.State)
	assert.InDelta(t, 0.3, h.ectx.MoveStartTime, 1e-12)
	require.Len(t, h.calib.samples, 1)
	assert.Equal(t, r3.Vec{Z: 0.3}, h.calib.samples[0].AngVel)
	assert.Equal(t, 1, h.coord.Accumulator().Frames)
	assert.Equal(t, 0, h.calib.solves, "insufficient data never solves")
}

func TestCoordinator_PushesIMUUntilFused(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.step(r3.Vec{},
		lio.ImuSample{Time: 0.01, Acc: r3.Vec{Z: 9}},
		lio.ImuSample{Time: 0.02, Acc: r3.Vec{Z: 11}})
	assert.Len(t, h.calib.imu, 2)
	acc := h.coord.Accumulator()
	assert.Equal(t, 2, acc.IMUCount())
	assert.InDelta(t, 10, acc.MeanAccNorm(), 1e-12)

	h.ectx.FrameNum++
	h.coord.Observe(h.ectx, lio.MeasurementGroup{IMUReset: true, IMU: []lio.ImuSample{{Time: 0.5, Acc: r3.Vec{X: 3, Y: 4}}}})
	assert.Equal(t, 1, h.calib.resets)
	assert.Len(t, h.calib.imu, 3)
	assert.Equal(t, 1, acc.IMUCount(), "loop-back restarts the statistics")
	assert.InDelta(t, 5, acc.MeanAccNorm(), 1e-12)

	h.ectx.Fused = true
	h.step(r3.Vec{}, lio.ImuSample{Time: 0.6})
	assert.Len(t, h.calib.imu, 3)
	assert.Equal(t, 1, acc.IMUCount())
}

func TestCoordinator_Handoff(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.clock.hard = 100
	h.calib.sufficient = true
	h.calib.result = Result{
		ExtRot:  lio.Exp(r3.Vec{Z: math.Pi / 2}),
		ExtPos:  r3.Vec{X: 1},
		Gravity: r3.Vec{Z: -lio.Gravity},
		BiasG:   r3.Vec{X: 0.01},
		BiasA:   r3.Vec{Y: 0.02},
		TimeLag: 0.03,
	}

	h.step(r3.Vec{})
	ev := h.step(r3.Vec{X: 1})
	require.True(t, ev.Initialized)
	assert.Equal(t, Refining, ev.State)

	st := h.ectx.State
	assert.InDelta(t, 1, st.Pos.X, 1e-12)
	assert.InDelta(t, 1, st.Pos.Y, 1e-12)
	assert.InDelta(t, 0, st.Pos.Z, 1e-12)
	wantRot := h.calib.result.ExtRot.T()
	for i := range wantRot {
		assert.InDelta(t, wantRot[i], st.Rot[i], 1e-12)
	}
	assert.Equal(t, h.calib.result.ExtRot, st.ExtRot)
	assert.Equal(t, r3.Vec{X: 1}, st.ExtPos)
	assert.Equal(t, r3.Vec{Z: -lio.Gravity}, st.Gravity)
	assert.Equal(t, r3.Vec{X: 0.01}, st.BiasG)
	assert.Equal(t, DefaultExtrinsicCov, st.Cov.At(lio.IdxExtRot, lio.IdxExtRot))

	assert.True(t, h.ectx.Fused)
	assert.Equal(t, 0.03, h.ectx.TimeLag)
	assert.Equal(t, 100.0, h.ectx.HardTimeLag)
	assert.Equal(t, 0.03, h.clock.shifted)
	assert.Equal(t, 0.03, h.clock.lag)
	assert.Equal(t, l4iekf.DefaultNoise(), h.prop.noise)
	assert.Equal(t, 1, h.prop.resets)
	assert.Equal(t, int32(2), h.cut.Load(), "spinning sensors double the cut factor")
	assert.Equal(t, 100.0, h.calib.params.TimeLagHint)
	assert.Equal(t, 1, h.calib.params.CutFrameNum)

	require.NotNil(t, ev.Report)
	assert.Equal(t, PhaseInitialization, ev.Report.Phase)
	assert.InDelta(t, 100.03, ev.Report.TimeLag, 1e-12)

	// Later frames never solve again.
	h.step(r3.Vec{X: 2})
	assert.Equal(t, 1, h.calib.solves)
}

func TestCoordinator_SolidStateKeepsCutFactor(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{SolidState: true})
	h.calib.sufficient = true
	h.calib.result = Result{ExtRot: lio.Identity3()}
	h.step(r3.Vec{})
	h.step(r3.Vec{X: 1})
	require.True(t, h.ectx.Fused)
	assert.Equal(t, int32(1), h.cut.Load())
}

func TestCoordinator_SolveFailureRetries(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{})
	h.calib.sufficient = true
	h.calib.err = errors.New("degenerate")

	h.step(r3.Vec{})
	ev := h.step(r3.Vec{X: 1})
	assert.False(t, ev.Initialized)
	assert.Equal(t, AccumulatingMoving, ev.State)
	assert.False(t, h.ectx.Fused)
	assert.Equal(t, int32(1), h.cut.Load())

	h.calib.err = nil
	h.calib.result = Result{ExtRot: lio.Identity3()}
	ev = h.step(r3.Vec{X: 2})
	assert.True(t, ev.Initialized)
	assert.Equal(t, 2, h.calib.solves)
}

func TestCoordinator_RefinementCompletesOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(Config{RefineTime: 2, OrigOdomFreq: 10})
	h.calib.sufficient = true
	h.calib.result = Result{ExtRot: lio.Identity3()}
	h.step(r3.Vec{})
	require.True(t, h.step(r3.Vec{X: 1}).Initialized)

	var progress []float64
	reports := 0
	for i := 0; i < 100; i++ {
		ev := h.step(r3.Vec{X: 1})
		if ev.Progress >= 0 {
			progress = append(progress, ev.Progress)
		}
		if ev.Report != nil {
			assert.Equal(t, PhaseRefinement, ev.Report.Phase)
			reports++
		}
	}
	assert.Equal(t, 1, reports)
	assert.Equal(t, Done, h.coord.State())
	// Frames 20 and 40 report (cut factor 2), then Done is terminal.
	require.Len(t, progress, 2)
	assert.InDelta(t, 0.9, progress[0], 1e-9)
	assert.Equal(t, 1.0, progress[1])
}

func TestCoordinator_Finish(t *testing.T) {
	t.Parallel()

	t.Run("never fused", func(t *testing.T) {
		h := newHarness(Config{})
		h.step(r3.Vec{})
		assert.Nil(t, h.coord.Finish(h.ectx))
	})

	t.Run("refinement unfinished", func(t *testing.T) {
		h := newHarness(Config{})
		h.calib.sufficient = true
		h.calib.result = Result{ExtRot: lio.Identity3(), TimeLag: 0.01}
		h.step(r3.Vec{})
		h.step(r3.Vec{X: 1})
		rep := h.coord.Finish(h.ectx)
		require.NotNil(t, rep)
		assert.Equal(t, PhaseRefinement, rep.Phase)
		assert.Equal(t, Refining, h.coord.State())
	})
}

func TestReport_String(t *testing.T) {
	t.Parallel()

	r := Report{
		Phase:   PhaseRefinement,
		ExtRot:  lio.Identity3(),
		ExtPos:  r3.Vec{X: 0.1, Y: -0.2, Z: 0.3},
		TimeLag: 0.05,
		Gravity: r3.Vec{Z: -lio.Gravity},
	}
	s := r.String()
	assert.Contains(t, s, "Refinement result:")
	assert.Contains(t, s, "Translation LiDAR to IMU (meter)   = 0.100000 -0.200000 0.300000")
	assert.Contains(t, s, "Time Lag IMU to LiDAR (second)     = 0.050000")
	assert.Contains(t, s, "Gravity in World Frame(meters/s^2) = 0.000000 0.000000 -9.810000")
	assert.Contains(t, s, "1.000000 0.000000 0.000000 0.100000\n")
	assert.Contains(t, s, "0.000000 0.000000 0.000000 1.000000\n")

	assert.Equal(t, " 50% [##########          ]", progressBar(0.5))
	assert.Equal(t, "100% [####################]", progressBar(1))
}
