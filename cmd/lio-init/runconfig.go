package main

import (
	"log"

	"github.com/banshee-data/lidar-imu-init/internal/config"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l2window"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l3map"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l4iekf"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l5calib"
	"github.com/banshee-data/lidar-imu-init/internal/lio/pipeline"
)

// runnerConfig maps the tuning file onto the runner. sink and logger are
// passed through.
func runnerConfig(tc *config.TuningConfig, sink pipeline.Sink, logger *log.Logger) pipeline.Config {
	noise := l4iekf.Noise{
		GyrCov:      tc.GetGyrCov(),
		AccCov:      tc.GetAccCov(),
		BiasGyrCov:  tc.GetBGyrCov(),
		BiasAccCov:  tc.GetBAccCov(),
		GravCov:     tc.GetGravCov(),
		MeanAccNorm: tc.GetMeanAccNorm(),
	}
	cfg := pipeline.Config{
		LidarType:      tc.GetLidarType(),
		CutFrame:       tc.GetCutFrame(),
		CutFrameNum:    tc.GetCutFrameNum(),
		Blind:          tc.GetBlind(),
		PointFilterNum: tc.GetPointFilterNum(),
		FilterSizeSurf: tc.GetFilterSizeSurf(),
		FilterSizeMap:  tc.GetFilterSizeMap(),
		Window: l2window.Config{
			CubeSideLength: tc.GetCubeSideLength(),
			DetRange:       tc.GetDetRange(),
		},
		Estimator: l4iekf.Config{
			MaxIterations: tc.GetMaxIteration(),
			Workers:       tc.GetWorkers(),
		},
		Noise: noise,
		Calib: l5calib.Config{
			MovementThreshold: tc.GetMovementThreshold(),
			RefineTime:        tc.GetOnlineRefineTime(),
			OrigOdomFreq:      tc.GetOrigOdomFreq(),
			RotLICov:          tc.GetRotLICov(),
			TransLICov:        tc.GetTransLICov(),
			FusedNoise:        noise,
		},
		Batch: l5calib.BatchConfig{
			AccumLength:   tc.GetDataAccumLength(),
			RotExcitation: tc.GetRotExcitation(),
			MaxTimeLag:    tc.GetMaxTimeLag(),
			MeanAccNorm:   tc.GetMeanAccNorm(),
		},
		MapPublishInterval: tc.GetMapPublishInterval(),
		Sink:               sink,
		StatsInterval:      tc.GetStatsInterval(),
		Logger:             logger,
	}
	if tc.GetPCDSaveEnable() {
		cfg.Archive = l3map.ArchiveConfig{Dir: tc.GetPCDSaveDir(), Interval: tc.GetPCDSaveInterval()}
	}
	return cfg
}
