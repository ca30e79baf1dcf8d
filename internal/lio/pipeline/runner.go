package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l1sync"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l2window"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l3map"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l4iekf"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l5calib"
	"github.com/banshee-data/lidar-imu-init/internal/lio/preprocess"
	"github.com/banshee-data/lidar-imu-init/internal/timeutil"
)

// minBuildPoints is the fewest downsampled points the first map is built
// from.
const minBuildPoints = 5

// Config wires a Runner. Zero values select the defaults of each layer.
type Config struct {
	LidarType      preprocess.LidarType
	CutFrame       bool
	CutFrameNum    int
	Blind          float64
	PointFilterNum int
	// Preprocessor overrides the one selected from the fields above.
	Preprocessor preprocess.Preprocessor

	FilterSizeSurf float64
	FilterSizeMap  float64

	Window    l2window.Config
	Estimator l4iekf.Config
	// Noise is the propagator noise before the handoff.
	Noise l4iekf.Noise
	Calib l5calib.Config
	Batch l5calib.BatchConfig
	// Calibrator overrides the BatchCalibrator built from Batch.
	Calibrator l5calib.Calibrator
	// Index overrides the default VoxelIndex.
	Index   l3map.SpatialIndex
	Archive l3map.ArchiveConfig

	// MapPublishInterval emits a MapSnapshot every n frames; 0 disables.
	MapPublishInterval int
	Sink               Sink

	Clock         timeutil.Clock
	StatsInterval time.Duration
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Stats summarises a run.
type Stats struct {
	// Frames counts emitted states, including the map-building frame.
	Frames        int
	MapBuilds     int
	HeldPriors    int
	Evicted       int
	MapPoints     int
	SinkErrors    int
	Fused         bool
	CalibState    l5calib.State
	TotalDistance float64
	Sync          l1sync.Stats
}

// Runner owns every layer and the estimator context. FeedLidar and FeedIMU
// may be called from producer goroutines; Run is the single consumer.
type Runner struct {
	logger *log.Logger
	clock  timeutil.Clock

	pre    preprocess.Preprocessor
	cut    *atomic.Int32
	sync   *l1sync.Synchronizer
	window *l2window.Window
	index  l3map.SpatialIndex
	est    *l4iekf.Estimator
	prop   *l4iekf.MotionModel
	coord  *l5calib.Coordinator
	arch   *l3map.Archive
	sink   Sink

	ectx           *lio.EstimatorContext
	filterSizeSurf float64
	filterSizeMap  float64
	mapEvery       int
	statsTicker    timeutil.Ticker
	firstScan      bool
	stats          Stats
}

// New builds a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.LidarType == 0 {
		cfg.LidarType = preprocess.Avia
	}
	if cfg.CutFrameNum < 1 {
		cfg.CutFrameNum = 1
	}
	if cfg.FilterSizeSurf <= 0 {
		cfg.FilterSizeSurf = 0.5
	}
	if cfg.FilterSizeMap <= 0 {
		cfg.FilterSizeMap = 0.5
	}
	pre := cfg.Preprocessor
	if pre == nil {
		pre = preprocess.New(cfg.LidarType, cfg.CutFrame, cfg.Blind, cfg.PointFilterNum)
	}
	if cfg.Window.CubeSideLength <= 0 {
		cfg.Window.CubeSideLength = 1000
	}
	if cfg.Window.DetRange <= 0 {
		cfg.Window.DetRange = 100
	}
	for _, l := range []**log.Logger{&cfg.Window.Logger, &cfg.Estimator.Logger, &cfg.Calib.Logger, &cfg.Batch.Logger, &cfg.Archive.Logger} {
		if *l == nil {
			*l = logger
		}
	}
	index := cfg.Index
	if index == nil {
		index = l3map.NewVoxelIndex(l3map.IndexConfig{Resolution: cfg.FilterSizeMap})
	}
	noise := cfg.Noise
	if noise == (l4iekf.Noise{}) {
		noise = l4iekf.DefaultNoise()
	}
	calib := cfg.Calibrator
	if calib == nil {
		calib = l5calib.NewBatchCalibrator(cfg.Batch)
	}
	sink := cfg.Sink
	if sink == nil {
		sink = &LogSink{Logger: logger}
	}
	cfg.Calib.SolidState = preprocess.IsSolidState(cfg.LidarType)

	r := &Runner{
		logger:         logger,
		clock:          clock,
		pre:            pre,
		cut:            atomic.NewInt32(int32(cfg.CutFrameNum)),
		sync:           l1sync.New(l1sync.Config{Logger: logger}),
		window:         l2window.New(cfg.Window),
		index:          index,
		est:            l4iekf.New(cfg.Estimator, index),
		prop:           l4iekf.NewMotionModel(noise, logger),
		arch:           l3map.NewArchive(cfg.Archive),
		sink:           sink,
		ectx:           lio.NewEstimatorContext(),
		filterSizeSurf: cfg.FilterSizeSurf,
		filterSizeMap:  cfg.FilterSizeMap,
		mapEvery:       cfg.MapPublishInterval,
		firstScan:      true,
	}
	if cfg.StatsInterval > 0 {
		r.statsTicker = clock.NewTicker(cfg.StatsInterval)
	}
	r.coord = l5calib.NewCoordinator(cfg.Calib, calib, r.sync, r.prop, r.cut)
	return r
}

// FeedLidar preprocesses a raw frame with the current cut factor and stages
// the resulting scans. It must not be called concurrently with itself.
func (r *Runner) FeedLidar(raw preprocess.RawFrame) {
	for _, scan := range r.pre.Process(raw, int(r.cut.Load())) {
		r.sync.EnqueueLidar(scan)
	}
}

// FeedIMU stages one IMU sample.
func (r *Runner) FeedIMU(s lio.ImuSample) {
	r.sync.EnqueueIMU(s)
}

// CloseInput tells Run that no more data will arrive; Run returns once the
// staged groups are processed.
func (r *Runner) CloseInput() {
	r.sync.Close()
}

// Context returns the estimator context. It must only be read after Run
// returned.
func (r *Runner) Context() *lio.EstimatorContext { return r.ectx }

// Coordinator returns the calibration coordinator.
func (r *Runner) Coordinator() *l5calib.Coordinator { return r.coord }

// CutFactor returns the current preprocessor cut factor.
func (r *Runner) CutFactor() int { return int(r.cut.Load()) }

// Stats returns a snapshot of the run counters. It must only be called
// from the consumer goroutine or after Run returned.
func (r *Runner) Stats() Stats {
	st := r.stats
	st.MapPoints = r.index.ValidCount()
	st.Fused = r.ectx.Fused
	st.CalibState = r.coord.State()
	st.TotalDistance = r.ectx.TotalDistance
	st.Sync = r.sync.Stats()
	return st
}

// Run is the consumer loop. It returns after ctx is cancelled or the input
// is closed and drained, having flushed the archive and written the final
// calibration report.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return r.shutdown()
		}
		gen := r.sync.Generation()
		group, ok, drained := r.sync.Next()
		if drained {
			return r.shutdown()
		}
		if !ok {
			if err := r.sync.Wait(ctx, gen); err != nil {
				return r.shutdown()
			}
			continue
		}
		if err := r.process(ctx, group); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return r.shutdown()
			}
			return multierr.Append(fmt.Errorf("frame %d: %w", r.ectx.FrameNum, err), r.shutdown())
		}
		r.maybeLogStats()
	}
}

// process runs one measurement group through every layer.
func (r *Runner) process(ctx context.Context, group lio.MeasurementGroup) error {
	ectx := r.ectx
	if r.firstScan {
		r.firstScan = false
		ectx.FirstLidarTime = group.BeginTime
	}
	if group.IMUReset {
		r.prop.Reset()
	}
	r.prop.Propagate(ectx, group)
	ectx.LidarEndTime = group.EndTime

	lidarPos := ectx.State.BodyToWorld(r3.Vec{})
	if !r.window.EnsureInitialized(lidarPos) {
		if boxes := r.window.RecenterIfNeeded(lidarPos); len(boxes) > 0 {
			r.index.DeleteBoxes(boxes)
			removed := r.index.AcquireRemoved()
			r.stats.Evicted += len(removed)
			r.arch.AddEvicted(removed)
		}
	}

	down := lio.VoxelDownsample(group.Scan.Points, r.filterSizeSurf)
	if !r.index.RootPresent() {
		if len(down) <= minBuildPoints {
			return nil
		}
		r.index.Build(r.toWorld(down))
		r.stats.MapBuilds++
		r.logger.Printf("[pipeline] map built from %d points at %.6f", len(down), group.EndTime)
		// The map-building frame emits its propagated state; nothing is
		// matched or committed.
		ectx.FrameNum++
		r.stats.Frames++
		return r.publish(ctx, group, l4iekf.Diagnostics{}, false)
	}

	ectx.FrameNum++
	diag, err := r.est.Update(ctx, ectx, ectx.State, down)
	if err != nil {
		return err
	}
	if diag.HeldPrior {
		r.stats.HeldPriors++
	}
	r.stats.Frames++

	l3map.Integrate(r.index, r.toWorld(down), r.est.Neighbors(), r.filterSizeMap, ectx.EKFInited)

	ev := r.coord.Observe(ectx, group)
	if ev.Report != nil {
		r.emit(r.sink.WriteReport(ctx, *ev.Report))
	}
	return r.publish(ctx, group, diag, true)
}

// publish emits the odometry and clouds of the current frame and archives
// the registered scan. updated is false for the map-building frame, which
// has no effective cloud.
func (r *Runner) publish(ctx context.Context, group lio.MeasurementGroup, diag l4iekf.Diagnostics, updated bool) error {
	ectx := r.ectx
	r.emit(r.sink.WriteOdometry(ctx, r.odometry(diag)))

	registered := r.toWorld(group.Scan.Points)
	r.emit(r.sink.WriteCloud(ctx, Cloud{Kind: RegisteredCloud, Frame: ectx.FrameNum, Time: ectx.LidarEndTime, Points: registered}))
	if updated {
		r.emit(r.sink.WriteCloud(ctx, Cloud{Kind: EffectiveCloud, Frame: ectx.FrameNum, Time: ectx.LidarEndTime, Points: diag.Effective}))
	}
	if r.mapEvery > 0 && ectx.FrameNum%r.mapEvery == 0 {
		r.emit(r.sink.WriteCloud(ctx, Cloud{
			Kind:       MapSnapshot,
			Frame:      ectx.FrameNum,
			Time:       ectx.LidarEndTime,
			Points:     r.index.Points(),
			ValidCount: r.index.ValidCount(),
		}))
	}
	if err := r.arch.AppendFrame(registered); err != nil {
		r.logger.Printf("[pipeline] WARNING: archive write failed: %v", err)
	}
	return nil
}

func (r *Runner) toWorld(points []lio.ScanPoint) []lio.MapPoint {
	st := &r.ectx.State
	out := make([]lio.MapPoint, len(points))
	for i, p := range points {
		out[i] = lio.MapPoint{Pos: st.BodyToWorld(p.Pos), Intensity: p.Intensity}
	}
	return out
}

func (r *Runner) odometry(diag l4iekf.Diagnostics) Odometry {
	st := &r.ectx.State
	o := Odometry{
		Frame:            r.ectx.FrameNum,
		Time:             r.ectx.LidarEndTime,
		Position:         st.Pos,
		Orientation:      st.Rot.Quaternion(),
		Fused:            r.ectx.Fused,
		LidarPosition:    st.BodyToWorld(r3.Vec{}),
		LidarOrientation: st.Rot.Mul(st.ExtRot).Quaternion(),
		EffectivePoints:  diag.EffectivePoints,
		Iterations:       diag.Iterations,
		Committed:        diag.CovarianceCommitted,
	}
	for i := 0; i < 6; i++ {
		o.CovDiag[i] = st.Cov.At(i, i)
	}
	return o
}

func (r *Runner) emit(err error) {
	if err == nil {
		return
	}
	r.stats.SinkErrors++
	r.logger.Printf("[pipeline] WARNING: sink: %v", err)
}

func (r *Runner) maybeLogStats() {
	if r.statsTicker == nil {
		return
	}
	select {
	case <-r.statsTicker.C():
	default:
		return
	}
	st := r.Stats()
	r.logger.Printf("[pipeline] frames=%d map=%d evicted=%d held=%d fused=%t calib=%s pending scans=%d imu=%d",
		st.Frames, st.MapPoints, st.Evicted, st.HeldPriors, st.Fused, st.CalibState,
		st.Sync.PendingScans, st.Sync.PendingIMU)
}

// shutdown flushes the archive and writes the final report. Both are best
// effort; their errors are combined.
func (r *Runner) shutdown() error {
	if r.statsTicker != nil {
		r.statsTicker.Stop()
	}
	var err error
	wasDone := r.coord.State() == l5calib.Done
	if rep := r.coord.Finish(r.ectx); rep != nil && !wasDone {
		err = multierr.Append(err, r.sink.WriteReport(context.Background(), *rep))
	}
	if ferr := r.arch.Flush(); ferr != nil {
		err = multierr.Append(err, fmt.Errorf("archive flush: %w", ferr))
	}
	st := r.Stats()
	r.logger.Printf("[pipeline] stopped after %d frames, %.2f m travelled, map %d points, calib %s",
		st.Frames, st.TotalDistance, st.MapPoints, st.CalibState)
	return err
}
