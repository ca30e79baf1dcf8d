package l5calib

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// Report phases.
const (
	PhaseInitialization = "Initialization"
	PhaseRefinement     = "Refinement"
)

// Report is a calibration result as written to the log and the result file.
type Report struct {
	Phase   string
	Time    float64 // LiDAR end time the report was taken at
	ExtRot  lio.Mat3
	ExtPos  r3.Vec
	TimeLag float64 // total IMU-to-LiDAR lag, fine plus coarse
	BiasG   r3.Vec
	BiasA   r3.Vec
	Gravity r3.Vec
}

// NewReport snapshots the calibration part of ectx.
func NewReport(phase string, ectx *lio.EstimatorContext) Report {
	st := &ectx.State
	return Report{
		Phase:   phase,
		Time:    ectx.LidarEndTime,
		ExtRot:  st.ExtRot,
		ExtPos:  st.ExtPos,
		TimeLag: ectx.TimeLag + ectx.HardTimeLag,
		BiasG:   st.BiasG,
		BiasA:   st.BiasA,
		Gravity: st.Gravity,
	}
}

// EulerDeg returns the extrinsic rotation as roll, pitch, yaw in degrees.
func (r Report) EulerDeg() r3.Vec {
	return r3.Scale(lio.RadToDeg, r.ExtRot.Euler())
}

// Transform returns the homogeneous LiDAR to IMU transform, row-major.
func (r Report) Transform() [16]float64 {
	var t [16]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t[4*i+j] = r.ExtRot.At(i, j)
		}
	}
	t[3], t[7], t[11] = r.ExtPos.X, r.ExtPos.Y, r.ExtPos.Z
	t[15] = 1
	return t
}

// String renders the report in the result-file layout.
func (r Report) String() string {
	var b strings.Builder
	vec := func(v r3.Vec) string { return fmt.Sprintf("%.6f %.6f %.6f", v.X, v.Y, v.Z) }

	fmt.Fprintf(&b, "%s result:\n", r.Phase)
	fmt.Fprintf(&b, "Rotation LiDAR to IMU (degree)     = %s\n", vec(r.EulerDeg()))
	fmt.Fprintf(&b, "Translation LiDAR to IMU (meter)   = %s\n", vec(r.ExtPos))
	fmt.Fprintf(&b, "Time Lag IMU to LiDAR (second)     = %.6f\n", r.TimeLag)
	fmt.Fprintf(&b, "Bias of Gyroscope  (rad/s)         = %s\n", vec(r.BiasG))
	fmt.Fprintf(&b, "Bias of Accelerometer (meters/s^2) = %s\n", vec(r.BiasA))
	fmt.Fprintf(&b, "Gravity in World Frame(meters/s^2) = %s\n", vec(r.Gravity))
	b.WriteString("\nHomogeneous Transformation Matrix from LiDAR to IMU:\n")
	t := r.Transform()
	for i := 0; i < 4; i++ {
		fmt.Fprintf(&b, "%.6f %.6f %.6f %.6f\n", t[4*i], t[4*i+1], t[4*i+2], t[4*i+3])
	}
	return b.String()
}

// progressBar renders "NN% [#####     ]" for p in [0, 1].
func progressBar(p float64) string {
	const width = 20
	n := int(p * width)
	if n > width {
		n = width
	}
	return fmt.Sprintf("%3d%% [%s%s]", int(p*100), strings.Repeat("#", n), strings.Repeat(" ", width-n))
}
