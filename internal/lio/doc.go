// Package lio owns the shared data model of the LiDAR-inertial odometry
// engine.
//
// Responsibilities: sensor sample and scan types, the measurement group
// handed from the synchroniser to the estimator, the filter state with its
// error-state covariance, rotation helpers, and the EstimatorContext that
// replaces process-wide mutable globals.
// Key types: ImuSample, Scan, MeasurementGroup, MapPoint, Box, State,
// EstimatorContext.
//
// Dependency rule: lio depends on no other package of this module. The
// layer packages (l1sync .. l5calib) and the pipeline depend on it.
package lio
