package trajectory

import (
	"context"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l5calib"
	"github.com/banshee-data/lidar-imu-init/internal/lio/pipeline"
)

// DefaultMaxMapPoints caps the map snapshot kept for rendering.
const DefaultMaxMapPoints = 20000

// Sample is one recorded pose.
type Sample struct {
	Frame           int
	Time            float64
	Position        r3.Vec
	Fused           bool
	EffectivePoints int
	Iterations      int
}

// Recorder collects poses, reports and the latest map snapshot.
type Recorder struct {
	mu      sync.Mutex
	samples []Sample
	reports []l5calib.Report
	mapPts  []lio.MapPoint
	maxMap  int
}

var _ pipeline.Sink = (*Recorder)(nil)

// NewRecorder creates a Recorder keeping at most maxMapPoints of the last
// map snapshot; <= 0 selects DefaultMaxMapPoints.
func NewRecorder(maxMapPoints int) *Recorder {
	if maxMapPoints <= 0 {
		maxMapPoints = DefaultMaxMapPoints
	}
	return &Recorder{maxMap: maxMapPoints}
}

// WriteOdometry records the pose.
func (r *Recorder) WriteOdometry(_ context.Context, o pipeline.Odometry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, Sample{
		Frame:           o.Frame,
		Time:            o.Time,
		Position:        o.Position,
		Fused:           o.Fused,
		EffectivePoints: o.EffectivePoints,
		Iterations:      o.Iterations,
	})
	return nil
}

// WriteCloud keeps a strided copy of map snapshots.
func (r *Recorder) WriteCloud(_ context.Context, c pipeline.Cloud) error {
	if c.Kind != pipeline.MapSnapshot {
		return nil
	}
	stride := len(c.Points)/r.maxMap + 1
	pts := make([]lio.MapPoint, 0, len(c.Points)/stride+1)
	for i := 0; i < len(c.Points); i += stride {
		pts = append(pts, c.Points[i])
	}
	r.mu.Lock()
	r.mapPts = pts
	r.mu.Unlock()
	return nil
}

// WriteReport records the calibration report.
func (r *Recorder) WriteReport(_ context.Context, rep l5calib.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
	return nil
}

// Samples returns a copy of the recorded poses.
func (r *Recorder) Samples() []Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sample(nil), r.samples...)
}

// Reports returns a copy of the recorded reports.
func (r *Recorder) Reports() []l5calib.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]l5calib.Report(nil), r.reports...)
}

// MapPoints returns the kept map snapshot.
func (r *Recorder) MapPoints() []lio.MapPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]lio.MapPoint(nil), r.mapPts...)
}

// handoffFrame returns the first fused frame, or -1.
func handoffFrame(samples []Sample) int {
	for _, s := range samples {
		if s.Fused {
			return s.Frame
		}
	}
	return -1
}
