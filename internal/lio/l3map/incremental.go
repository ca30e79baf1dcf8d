package l3map

import (
	"math"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// NumMatchPoints is the neighbourhood size used for association and for
// the insertion check.
const NumMatchPoints = 5

// Integrate inserts a registered scan into the index. world holds the scan
// points in the world frame and neighbors the matches found for them
// during association (same index, possibly empty). Once the filter has
// committed its first fit, points whose nearest match lies outside their
// voxel are queued without downsampling, and points with a full
// neighbourhood holding a match nearer the voxel center are skipped. It
// returns the number of points queued for insertion; the index may still
// reject downsampled ones.
func Integrate(index SpatialIndex, world []lio.MapPoint, neighbors [][]lio.MapPoint, resolution float64, inited bool) int {
	toAdd := make([]lio.MapPoint, 0, len(world))
	var noDownsample []lio.MapPoint
	half := 0.5 * resolution

	for i, p := range world {
		var near []lio.MapPoint
		if i < len(neighbors) {
			near = neighbors[i]
		}
		if len(near) == 0 || !inited {
			toAdd = append(toAdd, p)
			continue
		}

		center := lio.VoxelCenter(p.Pos, resolution)
		if math.Abs(near[0].Pos.X-center.X) > half &&
			math.Abs(near[0].Pos.Y-center.Y) > half &&
			math.Abs(near[0].Pos.Z-center.Z) > half {
			noDownsample = append(noDownsample, p)
			continue
		}

		// A partial neighbourhood never vetoes the point.
		need := true
		if len(near) >= NumMatchPoints {
			dist := lio.SqDist(p.Pos, center)
			for j := 0; j < NumMatchPoints; j++ {
				if lio.SqDist(near[j].Pos, center) < dist {
					need = false
					break
				}
			}
		}
		if need {
			toAdd = append(toAdd, p)
		}
	}

	index.AddPoints(toAdd, true)
	if len(noDownsample) > 0 {
		index.AddPoints(noDownsample, false)
	}
	return len(toAdd) + len(noDownsample)
}
