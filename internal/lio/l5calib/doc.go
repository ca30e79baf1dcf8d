// Package l5calib owns Layer 5 (Calibration) of the odometry engine.
//
// Responsibilities: the one-shot handoff from LiDAR-only odometry to fused
// LiDAR-inertial odometry. It accumulates motion evidence, asks a
// Calibrator for the LiDAR/IMU extrinsic, time lag, biases and gravity,
// re-expresses the filter state in the IMU frame, and tracks the online
// refinement period.
// Key types: Coordinator, Calibrator, BatchCalibrator, Accumulator, Report.
//
// Dependency rule: L5 may depend on L1-L4 and the shared model.
package l5calib
