// Package l4iekf owns Layer 4 (Estimation) of the odometry engine.
//
// Responsibilities: motion propagation of the filter state between scans
// and the iterated error-state Kalman update that registers a scan against
// the local map with point-to-plane residuals.
// Key types: Estimator, Diagnostics, Propagator, MotionModel.
//
// Dependency rule: L4 may depend on L1-L3 and the shared model, but never
// on L5+.
package l4iekf
