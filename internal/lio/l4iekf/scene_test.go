package l4iekf

import (
	"io"
	"log"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l3map"
)

var quietLogger = log.New(io.Discard, "", 0)

// grid calls fn for every lattice point of [lo1, hi1] × [lo2, hi2].
func grid(lo1, hi1, lo2, hi2, step float64, fn func(u, v float64)) {
	n1 := int((hi1-lo1)/step + 0.5)
	n2 := int((hi2-lo2)/step + 0.5)
	for i := 0; i <= n1; i++ {
		for j := 0; j <= n2; j++ {
			fn(lo1+float64(i)*step, lo2+float64(j)*step)
		}
	}
}

// roomMap samples a 10 m × 10 m × 4 m box room (floor z=-1, ceiling z=3,
// walls at ±5 m). No face passes through the origin.
func roomMap(step float64) []lio.MapPoint {
	var pts []lio.MapPoint
	add := func(x, y, z float64) {
		pts = append(pts, lio.MapPoint{Pos: r3.Vec{X: x, Y: y, Z: z}})
	}
	grid(-5, 5, -5, 5, step, func(u, v float64) {
		add(u, v, -1)
		add(u, v, 3)
	})
	grid(-5, 5, -1, 3, step, func(u, z float64) {
		add(5, u, z)
		add(-5, u, z)
		add(u, 5, z)
		add(u, -5, z)
	})
	return pts
}

// roomScan samples the interior of every face, away from the edges, as
// seen from a sensor at the origin.
func roomScan() []lio.ScanPoint {
	var pts []lio.ScanPoint
	add := func(x, y, z float64) {
		pts = append(pts, lio.ScanPoint{Pos: r3.Vec{X: x, Y: y, Z: z}, Intensity: 1})
	}
	grid(-3, 3, -3, 3, 0.6, func(u, v float64) {
		add(u, v, -1)
		add(u, v, 3)
	})
	grid(-3, 3, -0.1, 2.3, 0.6, func(u, z float64) {
		add(5, u, z)
		add(-5, u, z)
		add(u, 5, z)
		add(u, -5, z)
	})
	return pts
}

func roomIndex() *l3map.VoxelIndex {
	idx := l3map.NewVoxelIndex(l3map.IndexConfig{CellSize: 1, Resolution: 0.2})
	idx.Build(roomMap(0.2))
	return idx
}
