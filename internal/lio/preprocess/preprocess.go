package preprocess

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// LidarType identifies the sensor family.
type LidarType int

const (
	Avia LidarType = iota + 1
	Velodyne
	Ouster
	L515
	Pandar
	Robosense
)

var lidarTypeNames = map[LidarType]string{
	Avia:      "avia",
	Velodyne:  "velodyne",
	Ouster:    "ouster",
	L515:      "l515",
	Pandar:    "pandar",
	Robosense: "robosense",
}

func (t LidarType) String() string {
	if s, ok := lidarTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("LidarType(%d)", int(t))
}

// ParseLidarType accepts a sensor name, case-insensitive.
func ParseLidarType(s string) (LidarType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range lidarTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown lidar type %q", s)
}

// IsSolidState reports whether the sensor is a non-repetitive solid-state
// scanner whose frames are never cut.
func IsSolidState(t LidarType) bool { return t == Avia }

// spinning reports whether frames of this sensor can be cut by time.
func spinning(t LidarType) bool {
	switch t {
	case Velodyne, Ouster, Pandar, Robosense:
		return true
	}
	return false
}

// RawPoint is one return as delivered by the driver. Offset is seconds
// after the frame stamp.
type RawPoint struct {
	Pos       r3.Vec
	Intensity float64
	Offset    float64
}

// RawFrame is one driver message.
type RawFrame struct {
	Time   float64
	Points []RawPoint
}

// Preprocessor converts a raw frame into one or more scans. cutCount is the
// current number of sub-scans per frame; implementations that do not cut
// ignore it.
type Preprocessor interface {
	Process(raw RawFrame, cutCount int) []lio.Scan
}

// New selects the preprocessor for a sensor.
func New(t LidarType, cutFrame bool, blind float64, filterNum int) Preprocessor {
	f := filter{blind: blind, every: filterNum}
	if cutFrame && spinning(t) {
		return &CutFrame{filter: f}
	}
	return &Passthrough{filter: f, zeroOffsets: t == L515}
}

type filter struct {
	blind float64
	every int
}

// apply drops non-finite points and points inside the blind radius, then
// keeps every n-th survivor.
func (f filter) apply(pts []RawPoint) []RawPoint {
	every := f.every
	if every < 1 {
		every = 1
	}
	blind2 := f.blind * f.blind
	out := make([]RawPoint, 0, len(pts)/every+1)
	n := 0
	for _, p := range pts {
		if !finite(p.Pos) || r3.Dot(p.Pos, p.Pos) < blind2 {
			continue
		}
		if n%every == 0 {
			out = append(out, p)
		}
		n++
	}
	return out
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X+v.Y+v.Z) && !math.IsInf(v.X+v.Y+v.Z, 0)
}

// Passthrough emits one scan per frame.
type Passthrough struct {
	filter
	zeroOffsets bool
}

// Process filters the frame into a single scan.
func (p *Passthrough) Process(raw RawFrame, _ int) []lio.Scan {
	pts := p.apply(raw.Points)
	scan := lio.Scan{BeginTime: raw.Time, Points: make([]lio.ScanPoint, len(pts))}
	for i, rp := range pts {
		off := rp.Offset
		if p.zeroOffsets {
			off = 0
		}
		scan.Points[i] = lio.ScanPoint{Pos: rp.Pos, Intensity: rp.Intensity, Offset: off}
	}
	return []lio.Scan{scan}
}

// CutFrame splits each frame into cutCount sub-scans of equal duration.
type CutFrame struct {
	filter
}

// Process filters the frame, orders points by time and splits it. Each
// sub-scan starts at its first point; empty slices are skipped.
func (c *CutFrame) Process(raw RawFrame, cutCount int) []lio.Scan {
	pts := c.apply(raw.Points)
	if len(pts) == 0 {
		return nil
	}
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Offset < pts[j].Offset })
	if cutCount < 1 {
		cutCount = 1
	}
	first, last := pts[0].Offset, pts[len(pts)-1].Offset
	slice := (last - first) / float64(cutCount)

	scans := make([]lio.Scan, 0, cutCount)
	start := 0
	for k := 0; k < cutCount && start < len(pts); k++ {
		end := len(pts)
		if k < cutCount-1 {
			limit := first + float64(k+1)*slice
			end = start
			for end < len(pts) && pts[end].Offset < limit {
				end++
			}
		}
		if end == start {
			continue
		}
		base := pts[start].Offset
		scan := lio.Scan{BeginTime: raw.Time + base, Points: make([]lio.ScanPoint, 0, end-start)}
		for _, rp := range pts[start:end] {
			scan.Points = append(scan.Points, lio.ScanPoint{Pos: rp.Pos, Intensity: rp.Intensity, Offset: rp.Offset - base})
		}
		scans = append(scans, scan)
		start = end
	}
	return scans
}
