// Package sqlite persists odometry runs in a SQLite database.
//
// A Store owns the database handle and applies the embedded migrations on
// open. Each run is a session keyed by a UUID; poses, calibration reports
// and map snapshot summaries are written against the active session. The
// Store implements pipeline.Sink so a Runner can write to it directly.
package sqlite
