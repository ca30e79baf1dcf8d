// Package l2window owns Layer 2 (Window) of the odometry engine.
//
// Responsibilities: the axis-aligned box that bounds the active local map,
// recentring it as the platform approaches a face, and reporting the
// vacated strips so the map layer can evict them.
// Key types: Window, Config.
//
// Dependency rule: L2 may depend on L1 and the shared model, but never on
// L3+.
package l2window
