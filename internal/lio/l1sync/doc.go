// Package l1sync owns Layer 1 (Synchronisation) of the odometry engine.
//
// Responsibilities: buffering asynchronous LiDAR scans and IMU samples from
// their producer goroutines, loop-back detection, IMU clock compensation,
// and pairing each scan with the IMU samples covering it.
// Key types: Synchronizer, Stats.
//
// Dependency rule: L1 depends only on the shared model in internal/lio.
package l1sync
