package l3map

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// SpatialIndex is the map store consumed by the estimator and the map
// integration step. NearestK must be safe for concurrent callers as long as
// no mutating method runs at the same time.
type SpatialIndex interface {
	// Build replaces the index contents with points.
	Build(points []lio.MapPoint)
	// NearestK returns up to k stored points nearest to p, closest first,
	// with their squared distances.
	NearestK(p r3.Vec, k int) ([]lio.MapPoint, []float64)
	// AddPoints inserts points. With downsample set, each map-resolution
	// voxel keeps only the point nearest its center. It returns the number
	// of points stored.
	AddPoints(points []lio.MapPoint, downsample bool) int
	// DeleteBoxes removes every point inside any of boxes and retains the
	// removed points for AcquireRemoved. It returns the number removed.
	DeleteBoxes(boxes []lio.Box) int
	// Size is the number of slots, including removed ones not yet compacted.
	Size() int
	// ValidCount is the number of live points.
	ValidCount() int
	// AcquireRemoved returns and forgets the points removed by DeleteBoxes.
	AcquireRemoved() []lio.MapPoint
	// RootPresent reports whether the index has been built.
	RootPresent() bool
	// Points returns a copy of every live point.
	Points() []lio.MapPoint
}

const (
	// DefaultCellSize is the search grid edge (meters).
	DefaultCellSize = 1.0
	// DefaultMaxSearchCells bounds the kNN shell expansion.
	DefaultMaxSearchCells = 5
	// EstimatedPointsPerCell is used for initial grid capacity estimation.
	EstimatedPointsPerCell = 8
)

// IndexConfig contains configuration for a VoxelIndex.
type IndexConfig struct {
	// CellSize is the search grid edge; defaults to DefaultCellSize.
	CellSize float64
	// Resolution is the downsample voxel edge used by AddPoints.
	Resolution float64
	// MaxSearchCells is the largest shell radius, in cells, visited by
	// NearestK; defaults to DefaultMaxSearchCells.
	MaxSearchCells int
}

type slot struct {
	p     lio.MapPoint
	alive bool
}

type voxelKey struct{ x, y, z int64 }

// VoxelIndex is a hash-grid SpatialIndex. Points live in a slot array;
// the search grid maps a cell id to slot indices and a second map groups
// live slots by downsample voxel. Deletion tombstones slots, and the arrays
// are compacted once more than half of them are dead.
type VoxelIndex struct {
	CellSize   float64
	Resolution float64
	maxShell   int

	slots   []slot
	Grid    map[int64][]int32 // Cell ID → slot indices
	voxels  map[voxelKey][]int32
	live    int
	built   bool
	removed []lio.MapPoint
}

// NewVoxelIndex creates an empty index.
func NewVoxelIndex(cfg IndexConfig) *VoxelIndex {
	cell := cfg.CellSize
	if cell <= 0 {
		cell = DefaultCellSize
	}
	shell := cfg.MaxSearchCells
	if shell <= 0 {
		shell = DefaultMaxSearchCells
	}
	return &VoxelIndex{
		CellSize:   cell,
		Resolution: cfg.Resolution,
		maxShell:   shell,
		Grid:       make(map[int64][]int32),
		voxels:     make(map[voxelKey][]int32),
	}
}

var _ SpatialIndex = (*VoxelIndex)(nil)

// Build replaces the index contents with points, without downsampling.
func (vi *VoxelIndex) Build(points []lio.MapPoint) {
	vi.slots = make([]slot, 0, len(points))
	vi.Grid = make(map[int64][]int32, len(points)/EstimatedPointsPerCell+1)
	vi.voxels = make(map[voxelKey][]int32, len(points)/2+1)
	vi.live = 0
	for _, p := range points {
		vi.insert(p)
	}
	vi.built = true
}

// zigzag maps a signed cell coordinate to a non-negative integer.
func zigzag(c int64) int64 {
	if c >= 0 {
		return 2 * c
	}
	return -2*c - 1
}

// szudzik pairs two non-negative integers.
func szudzik(a, b int64) int64 {
	if a >= b {
		return a*a + a + b
	}
	return a + b*b
}

// cellID combines zigzag-encoded cell coordinates with Szudzik's pairing
// applied twice. Far from the origin the product can wrap; that only merges
// buckets, since every candidate's distance is computed exactly.
func cellID(cx, cy, cz int64) int64 {
	return szudzik(szudzik(zigzag(cx), zigzag(cy)), zigzag(cz))
}

func (vi *VoxelIndex) cellCoords(p r3.Vec) (int64, int64, int64) {
	return int64(math.Floor(p.X / vi.CellSize)),
		int64(math.Floor(p.Y / vi.CellSize)),
		int64(math.Floor(p.Z / vi.CellSize))
}

func (vi *VoxelIndex) voxelOf(p r3.Vec) voxelKey {
	res := vi.Resolution
	if res <= 0 {
		res = vi.CellSize
	}
	return voxelKey{
		x: int64(math.Floor(p.X / res)),
		y: int64(math.Floor(p.Y / res)),
		z: int64(math.Floor(p.Z / res)),
	}
}

func (vi *VoxelIndex) insert(p lio.MapPoint) {
	idx := int32(len(vi.slots))
	vi.slots = append(vi.slots, slot{p: p, alive: true})
	id := cellID(vi.cellCoords(p.Pos))
	vi.Grid[id] = append(vi.Grid[id], idx)
	k := vi.voxelOf(p.Pos)
	vi.voxels[k] = append(vi.voxels[k], idx)
	vi.live++
}

func (vi *VoxelIndex) kill(idx int32) {
	s := &vi.slots[idx]
	if !s.alive {
		return
	}
	s.alive = false
	vi.live--
	k := vi.voxelOf(s.p.Pos)
	members := vi.voxels[k]
	for i, m := range members {
		if m == idx {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	if len(members) == 0 {
		delete(vi.voxels, k)
	} else {
		vi.voxels[k] = members
	}
}

// NearestK visits cube shells of grid cells around p until the k-th best
// distance is no larger than the distance to the unvisited region, or the
// shell limit is reached.
func (vi *VoxelIndex) NearestK(p r3.Vec, k int) ([]lio.MapPoint, []float64) {
	if k <= 0 || vi.live == 0 {
		return nil, nil
	}
	best := make([]int32, 0, k)
	dists := make([]float64, 0, k)

	consider := func(idx int32) {
		s := &vi.slots[idx]
		if !s.alive {
			return
		}
		d := lio.SqDist(s.p.Pos, p)
		if len(best) == k && d >= dists[k-1] {
			return
		}
		pos := sort.SearchFloat64s(dists, d)
		for pos < len(dists) && dists[pos] == d {
			pos++
		}
		if len(best) < k {
			best = append(best, 0)
			dists = append(dists, 0)
		}
		copy(best[pos+1:], best[pos:len(best)-1])
		copy(dists[pos+1:], dists[pos:len(dists)-1])
		best[pos] = idx
		dists[pos] = d
	}

	cx, cy, cz := vi.cellCoords(p)
	seen := make(map[int64]struct{})
	for r := int64(0); r <= int64(vi.maxShell); r++ {
		for dx := -r; dx <= r; dx++ {
			for dy := -r; dy <= r; dy++ {
				for dz := -r; dz <= r; dz++ {
					if max(abs64(dx), abs64(dy), abs64(dz)) != r {
						continue
					}
					id := cellID(cx+dx, cy+dy, cz+dz)
					if _, ok := seen[id]; ok {
						continue
					}
					seen[id] = struct{}{}
					for _, idx := range vi.Grid[id] {
						consider(idx)
					}
				}
			}
		}
		reach := float64(r) * vi.CellSize
		if len(best) == k && dists[k-1] <= reach*reach {
			break
		}
	}

	out := make([]lio.MapPoint, len(best))
	for i, idx := range best {
		out[i] = vi.slots[idx].p
	}
	return out, dists
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// AddPoints inserts points and returns how many were stored.
func (vi *VoxelIndex) AddPoints(points []lio.MapPoint, downsample bool) int {
	added := 0
	for _, p := range points {
		if downsample && !vi.takeVoxel(p) {
			continue
		}
		vi.insert(p)
		added++
	}
	vi.built = vi.built || added > 0
	return added
}

// takeVoxel reports whether p is nearer its voxel center than every live
// point of that voxel, and if so removes them.
func (vi *VoxelIndex) takeVoxel(p lio.MapPoint) bool {
	res := vi.Resolution
	if res <= 0 {
		res = vi.CellSize
	}
	center := lio.VoxelCenter(p.Pos, res)
	k := vi.voxelOf(p.Pos)
	members := vi.voxels[k]
	d := lio.SqDist(p.Pos, center)
	for _, idx := range members {
		if lio.SqDist(vi.slots[idx].p.Pos, center) <= d {
			return false
		}
	}
	for _, idx := range append([]int32(nil), members...) {
		vi.kill(idx)
	}
	return true
}

// DeleteBoxes removes every live point inside any box.
func (vi *VoxelIndex) DeleteBoxes(boxes []lio.Box) int {
	if len(boxes) == 0 {
		return 0
	}
	n := 0
	for i := range vi.slots {
		s := &vi.slots[i]
		if !s.alive {
			continue
		}
		for _, b := range boxes {
			if b.Contains(s.p.Pos) {
				vi.removed = append(vi.removed, s.p)
				vi.kill(int32(i))
				n++
				break
			}
		}
	}
	if dead := len(vi.slots) - vi.live; dead > vi.live {
		vi.compact()
	}
	return n
}

func (vi *VoxelIndex) compact() {
	livePoints := vi.Points()
	built := vi.built
	vi.Build(livePoints)
	vi.built = built
}

// Size returns the slot count, including tombstones.
func (vi *VoxelIndex) Size() int { return len(vi.slots) }

// ValidCount returns the number of live points.
func (vi *VoxelIndex) ValidCount() int { return vi.live }

// AcquireRemoved returns points removed by DeleteBoxes since the last call.
func (vi *VoxelIndex) AcquireRemoved() []lio.MapPoint {
	out := vi.removed
	vi.removed = nil
	return out
}

// RootPresent reports whether the index was built or has received points.
func (vi *VoxelIndex) RootPresent() bool { return vi.built }

// Points returns a copy of every live point in insertion order.
func (vi *VoxelIndex) Points() []lio.MapPoint {
	out := make([]lio.MapPoint, 0, vi.live)
	for _, s := range vi.slots {
		if s.alive {
			out = append(out, s.p)
		}
	}
	return out
}
