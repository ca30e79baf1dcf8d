package ingest

import (
	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/preprocess"
)

// Feeder receives decoded sensor data. *pipeline.Runner implements it.
type Feeder interface {
	FeedLidar(raw preprocess.RawFrame)
	FeedIMU(s lio.ImuSample)
}

// IMUFeeder receives IMU samples only.
type IMUFeeder interface {
	FeedIMU(s lio.ImuSample)
}
