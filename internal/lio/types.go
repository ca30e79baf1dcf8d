package lio

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Gravity is the nominal gravity magnitude (m/s²).
const Gravity = 9.81

// ImuSample is one inertial measurement. Time is in seconds on the LiDAR
// clock once compensation has been applied by the synchroniser.
type ImuSample struct {
	Time float64
	Gyro r3.Vec // rad/s
	Acc  r3.Vec // specific force, in units of the sensor (see mean_acc_norm)
}

// ScanPoint is a body-frame LiDAR return.
type ScanPoint struct {
	Pos       r3.Vec
	Intensity float64
	Offset    float64 // seconds since the owning scan's BeginTime
}

// Scan is one LiDAR sweep (or one cut of a sweep) after preprocessing.
type Scan struct {
	BeginTime float64
	Points    []ScanPoint
}

// Duration returns the time covered by the scan, taken from the offset of
// its last point.
func (s Scan) Duration() float64 {
	if len(s.Points) == 0 {
		return 0
	}
	return s.Points[len(s.Points)-1].Offset
}

// EndTime returns BeginTime + Duration.
func (s Scan) EndTime() float64 {
	return s.BeginTime + s.Duration()
}

// MeasurementGroup is one scan plus every IMU sample in [BeginTime, EndTime).
type MeasurementGroup struct {
	Scan      Scan
	BeginTime float64
	EndTime   float64
	IMU       []ImuSample

	// IMUReset is set on the first group emitted after the IMU stream
	// looped back; consumers holding IMU history must drop it.
	IMUReset bool
}

// MapPoint is a world-frame point stored in the spatial index.
type MapPoint struct {
	Pos       r3.Vec
	Normal    r3.Vec
	Intensity float64
}

// Box is an axis-aligned bounding box.
type Box struct {
	Min [3]float64
	Max [3]float64
}

// Contains reports whether p lies inside the box (faces inclusive).
func (b Box) Contains(p r3.Vec) bool {
	c := [3]float64{p.X, p.Y, p.Z}
	for i := 0; i < 3; i++ {
		if c[i] < b.Min[i] || c[i] > b.Max[i] {
			return false
		}
	}
	return true
}

// Width returns the box extent along axis i.
func (b Box) Width(i int) float64 {
	return b.Max[i] - b.Min[i]
}

// Axis returns component i (0=X, 1=Y, 2=Z) of v.
func Axis(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

// SqDist returns the squared euclidean distance between a and b.
func SqDist(a, b r3.Vec) float64 {
	return r3.Norm2(r3.Sub(a, b))
}

// VoxelCenter returns the center of the res-sized voxel containing p.
func VoxelCenter(p r3.Vec, res float64) r3.Vec {
	c := func(v float64) float64 {
		return math.Floor(v/res)*res + 0.5*res
	}
	return r3.Vec{X: c(p.X), Y: c(p.Y), Z: c(p.Z)}
}
