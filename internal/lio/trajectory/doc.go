// Package trajectory records the odometry a run emits and renders it.
//
// A Recorder is a pipeline.Sink. After the run, SavePlots writes PNG plots
// with gonum/plot and RenderHTML writes an interactive go-echarts page with
// the top-down trajectory, the last map snapshot and per-frame diagnostics.
package trajectory
