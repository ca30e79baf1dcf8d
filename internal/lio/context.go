package lio

// EstimatorContext is the single owner of mutable estimation state that is
// shared between the estimator, the calibration coordinator and the
// pipeline. It is never touched concurrently: only the consumer loop holds
// it.
type EstimatorContext struct {
	State State

	// Fused is false in LiDAR-only operation and flips to true exactly once
	// at the calibration handoff.
	Fused bool

	// EKFInited becomes true after the first pass that committed a
	// covariance update.
	EKFInited bool

	FrameNum       int
	FirstLidarTime float64
	LidarEndTime   float64
	MoveStartTime  float64
	TotalDistance  float64

	// HardTimeLag is the coarse IMU-minus-LiDAR clock offset detected when
	// the streams start more than a second apart. TimeLag is the fine lag
	// solved by calibration.
	HardTimeLag float64
	TimeLag     float64
}

// NewEstimatorContext returns a context holding a freshly initialised state.
func NewEstimatorContext() *EstimatorContext {
	return &EstimatorContext{State: NewState()}
}
