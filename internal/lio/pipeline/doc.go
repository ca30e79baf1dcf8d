// Package pipeline wires the layers of the odometry engine into one runner.
//
// Responsibilities: accepting raw LiDAR frames and IMU samples from producer
// goroutines, the single consumer loop that propagates, maintains the local
// map window, updates the filter, grows the map and drives the calibration
// handoff, and the emission of odometry and clouds to a Sink.
// Key types: Runner, Config, Sink, Odometry, Cloud.
//
// Dependency rule: pipeline may depend on every layer; no layer depends on
// pipeline.
package pipeline
