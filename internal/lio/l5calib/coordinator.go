package l5calib

import (
	"log"
	"math"

	"go.uber.org/atomic"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l4iekf"
)

// State is the coordinator lifecycle position.
type State int

const (
	AccumulatingIdle State = iota
	AccumulatingMoving
	SufficiencyCheck
	Initializing
	Refining
	Done
)

func (s State) String() string {
	switch s {
	case AccumulatingIdle:
		return "accumulating-idle"
	case AccumulatingMoving:
		return "accumulating-moving"
	case SufficiencyCheck:
		return "sufficiency-check"
	case Initializing:
		return "initializing"
	case Refining:
		return "refining"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// Coordinator defaults.
const (
	DefaultMovementThreshold = 0.05
	DefaultRefineTime        = 20.0
	DefaultOdomFreq          = 10
	DefaultExtrinsicCov      = 0.00001

	refineEpsilon = 1e-6
)

// Clock is the part of the synchroniser the handoff drives.
type Clock interface {
	ShiftBufferedIMU(lag float64)
	SetTimeLag(lag float64)
	HardTimeLag() (float64, bool)
}

// Config configures a Coordinator.
type Config struct {
	MovementThreshold float64
	RefineTime        float64 // seconds of fused odometry before Done
	OrigOdomFreq      int     // native LiDAR frame rate, Hz
	SolidState        bool    // solid-state sensors keep their cut factor
	RotLICov          float64
	TransLICov        float64
	// FusedNoise is installed in the propagator at the handoff.
	FusedNoise l4iekf.Noise
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

func (c *Config) applyDefaults() {
	if c.MovementThreshold <= 0 {
		c.MovementThreshold = DefaultMovementThreshold
	}
	if c.RefineTime <= 0 {
		c.RefineTime = DefaultRefineTime
	}
	if c.OrigOdomFreq <= 0 {
		c.OrigOdomFreq = DefaultOdomFreq
	}
	if c.RotLICov <= 0 {
		c.RotLICov = DefaultExtrinsicCov
	}
	if c.TransLICov <= 0 {
		c.TransLICov = DefaultExtrinsicCov
	}
	if c.FusedNoise == (l4iekf.Noise{}) {
		c.FusedNoise = l4iekf.DefaultNoise()
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// Event describes what a call to Observe changed.
type Event struct {
	State       State
	Moved       bool    // movement detected on this frame
	Initialized bool    // handoff applied on this frame
	Progress    float64 // refinement progress, -1 when not reported
	Report      *Report // set on Initialization and on Done
}

// Coordinator drives the LiDAR-only to fused handoff. It is owned by the
// consumer loop and not safe for concurrent use.
type Coordinator struct {
	cfg   Config
	calib Calibrator
	acc   *Accumulator
	clock Clock
	prop  l4iekf.Propagator
	cut   *atomic.Int32

	state       State
	started     bool
	startPos    r3.Vec
	refineStart float64
	lastReport  *Report
}

// NewCoordinator creates a Coordinator. cut holds the preprocessor cut
// factor; it is doubled at the handoff for non-solid-state sensors.
func NewCoordinator(cfg Config, calib Calibrator, clock Clock, prop l4iekf.Propagator, cut *atomic.Int32) *Coordinator {
	cfg.applyDefaults()
	if cut == nil {
		cut = atomic.NewInt32(1)
	}
	return &Coordinator{
		cfg:   cfg,
		calib: calib,
		acc:   NewAccumulator(),
		clock: clock,
		prop:  prop,
		cut:   cut,
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State { return c.state }

// Accumulator exposes the motion evidence.
func (c *Coordinator) Accumulator() *Accumulator { return c.acc }

// LastReport returns the most recent report, or nil before the handoff.
func (c *Coordinator) LastReport() *Report { return c.lastReport }

// Observe is called once per processed frame, after the state update.
func (c *Coordinator) Observe(ectx *lio.EstimatorContext, group lio.MeasurementGroup) Event {
	ev := Event{Progress: -1}
	if !c.started {
		c.started = true
		c.startPos = ectx.State.Pos
	}

	if !ectx.Fused {
		if group.IMUReset {
			c.calib.ResetIMU()
			c.acc.ResetIMU()
		}
		for _, m := range group.IMU {
			c.calib.PushIMU(m)
			c.acc.AddIMU(m)
		}
	}

	switch c.state {
	case AccumulatingIdle:
		if r3.Norm(r3.Sub(ectx.State.Pos, c.startPos)) > c.cfg.MovementThreshold {
			c.state = AccumulatingMoving
			ectx.MoveStartTime = ectx.LidarEndTime
			ev.Moved = true
			c.cfg.Logger.Printf("[calib] platform moving at %.6f, accumulating calibration data", ectx.LidarEndTime)
			c.accumulate(ectx, &ev)
		}
	case AccumulatingMoving:
		c.accumulate(ectx, &ev)
	case Refining:
		c.refine(ectx, &ev)
	}
	ev.State = c.state
	return ev
}

// accumulate pushes the frame and runs the sufficiency check.
func (c *Coordinator) accumulate(ectx *lio.EstimatorContext, ev *Event) {
	st := &ectx.State
	c.calib.PushSample(Sample{Rot: st.Rot, AngVel: st.BiasG, Vel: st.Vel, Time: ectx.LidarEndTime})
	c.acc.Append(st.BiasG)

	c.state = SufficiencyCheck
	if !c.calib.Sufficient(c.acc, ectx.FrameNum) {
		c.state = AccumulatingMoving
		return
	}

	c.state = Initializing
	hard, _ := c.clock.HardTimeLag()
	res, err := c.calib.Solve(SolveParams{
		OdomFreq:      float64(c.cfg.OrigOdomFreq),
		CutFrameNum:   int(c.cut.Load()),
		TimeLagHint:   hard,
		MoveStartTime: ectx.MoveStartTime,
	})
	if err != nil {
		c.cfg.Logger.Printf("[calib] WARNING: calibration failed, staying lidar-only: %v", err)
		c.state = AccumulatingMoving
		return
	}
	c.handoff(ectx, res, hard)
	ev.Initialized = true
	ev.Report = c.lastReport
}

// handoff re-expresses the state in the IMU frame and switches to fused
// operation.
func (c *Coordinator) handoff(ectx *lio.EstimatorContext, res Result, hard float64) {
	st := &ectx.State
	rotIL := res.ExtRot.T()
	st.Pos = r3.Add(r3.Scale(-1, st.Rot.Mul(rotIL).MulVec(res.ExtPos)), st.Pos)
	st.Rot = st.Rot.Mul(rotIL)
	st.ExtRot = res.ExtRot
	st.ExtPos = res.ExtPos
	st.Gravity = res.Gravity
	st.BiasG = res.BiasG
	st.BiasA = res.BiasA
	st.SetCovBlock(lio.IdxExtRot, r3.Vec{X: c.cfg.RotLICov, Y: c.cfg.RotLICov, Z: c.cfg.RotLICov})
	st.SetCovBlock(lio.IdxExtPos, r3.Vec{X: c.cfg.TransLICov, Y: c.cfg.TransLICov, Z: c.cfg.TransLICov})

	ectx.HardTimeLag = hard
	ectx.TimeLag = res.TimeLag
	c.clock.ShiftBufferedIMU(res.TimeLag)
	c.clock.SetTimeLag(res.TimeLag)

	ectx.Fused = true
	c.prop.SetNoise(c.cfg.FusedNoise)
	c.prop.Reset()
	if !c.cfg.SolidState {
		c.cut.Store(2 * c.cut.Load())
	}

	c.state = Refining
	c.refineStart = ectx.LidarEndTime
	rep := NewReport(PhaseInitialization, ectx)
	c.lastReport = &rep
	c.cfg.Logger.Printf("[calib] initialization finished at frame %d, cut factor %d, %d imu samples (mean |acc| %.4f)\n%s",
		ectx.FrameNum, c.cut.Load(), c.acc.IMUCount(), c.acc.MeanAccNorm(), rep)
}

// refine reports progress once per second of odometry and finishes after
// the refinement period.
func (c *Coordinator) refine(ectx *lio.EstimatorContext, ev *Event) {
	every := c.cfg.OrigOdomFreq * int(c.cut.Load())
	if every <= 0 || ectx.FrameNum%every != 0 {
		return
	}
	elapsed := ectx.LidarEndTime - c.refineStart
	ev.Progress = math.Min(elapsed, c.cfg.RefineTime) / c.cfg.RefineTime
	c.cfg.Logger.Printf("[calib] online refinement: %s", progressBar(ev.Progress))

	if elapsed > c.cfg.RefineTime-refineEpsilon {
		c.state = Done
		rep := NewReport(PhaseRefinement, ectx)
		c.lastReport = &rep
		ev.Report = c.lastReport
		c.cfg.Logger.Printf("[calib] online refinement finished\n%s", rep)
	}
}

// Finish is called at shutdown. It warns when refinement never completed
// and returns the best available report, or nil if never fused.
func (c *Coordinator) Finish(ectx *lio.EstimatorContext) *Report {
	switch {
	case !ectx.Fused:
		c.cfg.Logger.Printf("[calib] WARNING: lidar and imu were never fused (state %s, %d frames of evidence)",
			c.state, c.acc.Frames)
		return nil
	case c.state != Done:
		rep := NewReport(PhaseRefinement, ectx)
		c.lastReport = &rep
		c.cfg.Logger.Printf("[calib] WARNING: online refinement not finished yet, current result:\n%s", rep)
	}
	return c.lastReport
}
