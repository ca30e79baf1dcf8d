// Package l3map owns Layer 3 (Map) of the odometry engine.
//
// Responsibilities: the spatial index over world-frame map points,
// nearest-neighbour queries, downsampled incremental insertion, box
// eviction, and the archive that persists registered and evicted clouds
// as PCD files.
// Key types: SpatialIndex, VoxelIndex, Archive.
//
// Dependency rule: L3 may depend on L1-L2 and the shared model, but never
// on L4+. No SQL/database code is allowed in this package.
package l3map
