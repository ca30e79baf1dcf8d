// Package preprocess turns raw LiDAR frames into the scans consumed by the
// synchroniser: blind-range and decimation filtering, and for spinning
// sensors the optional split of one revolution into several sub-scans.
package preprocess
