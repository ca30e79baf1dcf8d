package lio

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

type voxelKey struct{ x, y, z int64 }

// VoxelDownsample keeps one point per leaf-sized voxel: the one closest to
// the centroid of the points falling in that voxel. Output order follows the
// first appearance of each voxel. A non-positive leaf returns the input.
func VoxelDownsample(points []ScanPoint, leaf float64) []ScanPoint {
	if len(points) == 0 {
		return nil
	}
	if leaf <= 0 {
		return points
	}

	type cell struct {
		first int
		sum   r3.Vec
		idx   []int
	}
	cells := make(map[voxelKey]*cell, len(points)/2)
	for i, p := range points {
		k := voxelKey{
			x: int64(math.Floor(p.Pos.X / leaf)),
			y: int64(math.Floor(p.Pos.Y / leaf)),
			z: int64(math.Floor(p.Pos.Z / leaf)),
		}
		c, ok := cells[k]
		if !ok {
			c = &cell{first: i}
			cells[k] = c
		}
		c.sum = r3.Add(c.sum, p.Pos)
		c.idx = append(c.idx, i)
	}

	ordered := make([]*cell, 0, len(cells))
	for _, c := range cells {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(a, b int) bool { return ordered[a].first < ordered[b].first })

	out := make([]ScanPoint, 0, len(ordered))
	for _, c := range ordered {
		centroid := r3.Scale(1/float64(len(c.idx)), c.sum)
		best := c.idx[0]
		bestD := SqDist(points[best].Pos, centroid)
		for _, i := range c.idx[1:] {
			if d := SqDist(points[i].Pos, centroid); d < bestD {
				best, bestD = i, d
			}
		}
		out = append(out, points[best])
	}
	return out
}
