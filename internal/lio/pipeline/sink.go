package pipeline

import (
	"context"
	"log"

	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l5calib"
)

// Odometry is the pose emitted for every frame once the map exists. The
// map-building frame carries the propagated state with no effective points.
type Odometry struct {
	Frame       int
	Time        float64
	Position    r3.Vec
	Orientation quat.Number
	// CovDiag holds the rotation then position variances.
	CovDiag [6]float64
	Fused   bool

	// LidarPosition and LidarOrientation are the LiDAR pose in the world
	// frame; they equal the body pose until the handoff.
	LidarPosition    r3.Vec
	LidarOrientation quat.Number

	EffectivePoints int
	Iterations      int
	// Committed is set when the update wrote the posterior covariance.
	Committed bool
}

// CloudKind tells the clouds a runner emits apart.
type CloudKind int

const (
	// RegisteredCloud is the full scan transformed to the world frame.
	RegisteredCloud CloudKind = iota
	// EffectiveCloud holds the points that contributed residuals.
	EffectiveCloud
	// MapSnapshot is the whole local map.
	MapSnapshot
)

func (k CloudKind) String() string {
	switch k {
	case RegisteredCloud:
		return "registered"
	case EffectiveCloud:
		return "effective"
	case MapSnapshot:
		return "map"
	default:
		return "unknown"
	}
}

// Cloud is a world-frame point cloud tied to a frame.
type Cloud struct {
	Kind   CloudKind
	Frame  int
	Time   float64
	Points []lio.MapPoint
	// ValidCount is the live map size for MapSnapshot.
	ValidCount int
}

// Sink receives everything the runner emits. Errors are logged by the
// runner and never stop processing.
type Sink interface {
	WriteOdometry(ctx context.Context, o Odometry) error
	WriteCloud(ctx context.Context, c Cloud) error
	WriteReport(ctx context.Context, r l5calib.Report) error
}

// LogSink logs a one-line summary of every output.
type LogSink struct {
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
	// Every logs one odometry line per Every frames; 0 logs all.
	Every int
}

var _ Sink = (*LogSink)(nil)

func (s *LogSink) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// WriteOdometry logs the pose.
func (s *LogSink) WriteOdometry(_ context.Context, o Odometry) error {
	if s.Every > 1 && o.Frame%s.Every != 0 {
		return nil
	}
	s.logger().Printf("[odom] frame %d t=%.3f pos=(%.3f, %.3f, %.3f) fused=%t effective=%d iter=%d",
		o.Frame, o.Time, o.Position.X, o.Position.Y, o.Position.Z, o.Fused, o.EffectivePoints, o.Iterations)
	return nil
}

// WriteCloud logs map snapshots only.
func (s *LogSink) WriteCloud(_ context.Context, c Cloud) error {
	if c.Kind == MapSnapshot {
		s.logger().Printf("[odom] frame %d map %d points (%d valid)", c.Frame, len(c.Points), c.ValidCount)
	}
	return nil
}

// WriteReport logs the calibration report.
func (s *LogSink) WriteReport(_ context.Context, r l5calib.Report) error {
	s.logger().Printf("[odom] calibration %s\n%s", r.Phase, r)
	return nil
}

// MultiSink fans out to several sinks and combines their errors.
type MultiSink []Sink

var _ Sink = MultiSink(nil)

// WriteOdometry writes o to every sink.
func (m MultiSink) WriteOdometry(ctx context.Context, o Odometry) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.WriteOdometry(ctx, o))
	}
	return err
}

// WriteCloud writes c to every sink.
func (m MultiSink) WriteCloud(ctx context.Context, c Cloud) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.WriteCloud(ctx, c))
	}
	return err
}

// WriteReport writes r to every sink.
func (m MultiSink) WriteReport(ctx context.Context, r l5calib.Report) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.WriteReport(ctx, r))
	}
	return err
}
