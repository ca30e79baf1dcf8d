package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/lidar-imu-init/internal/lio/preprocess"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
// This is the single source of truth for all default tuning values.
const DefaultConfigPath = "config/lio.defaults.json"

// TuningConfig represents the root configuration for the odometry engine.
// Every field is optional; the Get* methods supply the default for any
// field omitted from the JSON.
type TuningConfig struct {
	// Preprocess params
	LidarType      *string  `json:"lidar_type,omitempty"`
	Blind          *float64 `json:"blind,omitempty"`
	PointFilterNum *int     `json:"point_filter_num,omitempty"`
	CutFrame       *bool    `json:"cut_frame,omitempty"`
	CutFrameNum    *int     `json:"cut_frame_num,omitempty"`
	OrigOdomFreq   *int     `json:"orig_odom_freq,omitempty"`

	// Estimator params
	MaxIteration   *int     `json:"max_iteration,omitempty"`
	FilterSizeSurf *float64 `json:"filter_size_surf,omitempty"`
	FilterSizeMap  *float64 `json:"filter_size_map,omitempty"`
	Workers        *int     `json:"workers,omitempty"`

	// Map window params
	CubeSideLength *float64 `json:"cube_side_length,omitempty"`
	DetRange       *float64 `json:"det_range,omitempty"`

	// IMU noise params
	GyrCov      *float64 `json:"gyr_cov,omitempty"`
	AccCov      *float64 `json:"acc_cov,omitempty"`
	GravCov     *float64 `json:"grav_cov,omitempty"`
	BGyrCov     *float64 `json:"b_gyr_cov,omitempty"`
	BAccCov     *float64 `json:"b_acc_cov,omitempty"`
	MeanAccNorm *float64 `json:"mean_acc_norm,omitempty"`

	// Initialization params
	DataAccumLength   *int     `json:"data_accum_length,omitempty"`
	RotExcitation     *float64 `json:"rot_excitation,omitempty"`
	MaxTimeLag        *float64 `json:"max_time_lag,omitempty"`
	OnlineRefineTime  *float64 `json:"online_refine_time,omitempty"`
	MovementThreshold *float64 `json:"movement_threshold,omitempty"`
	RotLICov          *float64 `json:"rot_li_cov,omitempty"`
	TransLICov        *float64 `json:"trans_li_cov,omitempty"`

	// Output params
	PCDSaveEnable      *bool   `json:"pcd_save_en,omitempty"`
	PCDSaveDir         *string `json:"pcd_save_dir,omitempty"`
	PCDSaveInterval    *int    `json:"pcd_save_interval,omitempty"`
	MapPublishInterval *int    `json:"map_publish_interval,omitempty"`
	StatsInterval      *string `json:"stats_interval,omitempty"` // duration string like "10s"
}

// EmptyTuningConfig returns a TuningConfig with all fields set to nil.
// Use LoadTuningConfig to load actual values from the defaults file.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
// Fields omitted from the JSON file retain their default values, so
// partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,       // from internal/config/
		"../../../" + DefaultConfigPath,    // from internal/lio/pipeline/
		"../../../../" + DefaultConfigPath, // from internal/lio/storage/sqlite/
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *TuningConfig) Validate() error {
	if c.LidarType != nil {
		if _, err := preprocess.ParseLidarType(*c.LidarType); err != nil {
			return err
		}
	}
	if c.PointFilterNum != nil && *c.PointFilterNum < 1 {
		return fmt.Errorf("point_filter_num must be at least 1, got %d", *c.PointFilterNum)
	}
	if c.CutFrameNum != nil && *c.CutFrameNum < 1 {
		return fmt.Errorf("cut_frame_num must be at least 1, got %d", *c.CutFrameNum)
	}
	if c.OrigOdomFreq != nil && *c.OrigOdomFreq < 1 {
		return fmt.Errorf("orig_odom_freq must be at least 1, got %d", *c.OrigOdomFreq)
	}
	if c.MaxIteration != nil && *c.MaxIteration < 1 {
		return fmt.Errorf("max_iteration must be at least 1, got %d", *c.MaxIteration)
	}
	for name, v := range map[string]*float64{
		"filter_size_surf":   c.FilterSizeSurf,
		"filter_size_map":    c.FilterSizeMap,
		"cube_side_length":   c.CubeSideLength,
		"det_range":          c.DetRange,
		"mean_acc_norm":      c.MeanAccNorm,
		"online_refine_time": c.OnlineRefineTime,
	} {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}
	if c.Blind != nil && *c.Blind < 0 {
		return fmt.Errorf("blind must be non-negative, got %f", *c.Blind)
	}
	if c.StatsInterval != nil && *c.StatsInterval != "" {
		if _, err := time.ParseDuration(*c.StatsInterval); err != nil {
			return fmt.Errorf("invalid stats_interval '%s': %w", *c.StatsInterval, err)
		}
	}
	return nil
}

// GetLidarType returns the parsed lidar_type or the default (Avia).
func (c *TuningConfig) GetLidarType() preprocess.LidarType {
	if c.LidarType == nil {
		return preprocess.Avia
	}
	t, err := preprocess.ParseLidarType(*c.LidarType)
	if err != nil {
		return preprocess.Avia
	}
	return t
}

// GetBlind returns the blind value or the default.
func (c *TuningConfig) GetBlind() float64 {
	if c.Blind == nil {
		return 1.0
	}
	return *c.Blind
}

// GetPointFilterNum returns the point_filter_num value or the default.
func (c *TuningConfig) GetPointFilterNum() int {
	if c.PointFilterNum == nil {
		return 2
	}
	return *c.PointFilterNum
}

// GetCutFrame returns the cut_frame value or the default.
func (c *TuningConfig) GetCutFrame() bool {
	if c.CutFrame == nil {
		return true
	}
	return *c.CutFrame
}

// GetCutFrameNum returns the cut_frame_num value or the default.
func (c *TuningConfig) GetCutFrameNum() int {
	if c.CutFrameNum == nil {
		return 1
	}
	return *c.CutFrameNum
}

// GetOrigOdomFreq returns the orig_odom_freq value or the default.
func (c *TuningConfig) GetOrigOdomFreq() int {
	if c.OrigOdomFreq == nil {
		return 10
	}
	return *c.OrigOdomFreq
}

// GetMaxIteration returns the max_iteration value or the default.
func (c *TuningConfig) GetMaxIteration() int {
	if c.MaxIteration == nil {
		return 4
	}
	return *c.MaxIteration
}

// GetFilterSizeSurf returns the filter_size_surf value or the default.
func (c *TuningConfig) GetFilterSizeSurf() float64 {
	if c.FilterSizeSurf == nil {
		return 0.5
	}
	return *c.FilterSizeSurf
}

// GetFilterSizeMap returns the filter_size_map value or the default.
func (c *TuningConfig) GetFilterSizeMap() float64 {
	if c.FilterSizeMap == nil {
		return 0.5
	}
	return *c.FilterSizeMap
}

// GetWorkers returns the association worker count; 0 means GOMAXPROCS.
func (c *TuningConfig) GetWorkers() int {
	if c.Workers == nil {
		return 0
	}
	return *c.Workers
}

// GetCubeSideLength returns the cube_side_length value or the default.
func (c *TuningConfig) GetCubeSideLength() float64 {
	if c.CubeSideLength == nil {
		return 1000
	}
	return *c.CubeSideLength
}

// GetDetRange returns the det_range value or the default.
func (c *TuningConfig) GetDetRange() float64 {
	if c.DetRange == nil {
		return 100
	}
	return *c.DetRange
}

// GetGyrCov returns the gyr_cov value or the default.
func (c *TuningConfig) GetGyrCov() float64 {
	if c.GyrCov == nil {
		return 0.1
	}
	return *c.GyrCov
}

// GetAccCov returns the acc_cov value or the default.
func (c *TuningConfig) GetAccCov() float64 {
	if c.AccCov == nil {
		return 0.1
	}
	return *c.AccCov
}

// GetGravCov returns the grav_cov value or the default.
func (c *TuningConfig) GetGravCov() float64 {
	if c.GravCov == nil {
		return 0.001
	}
	return *c.GravCov
}

// GetBGyrCov returns the b_gyr_cov value or the default.
func (c *TuningConfig) GetBGyrCov() float64 {
	if c.BGyrCov == nil {
		return 0.0001
	}
	return *c.BGyrCov
}

// GetBAccCov returns the b_acc_cov value or the default.
func (c *TuningConfig) GetBAccCov() float64 {
	if c.BAccCov == nil {
		return 0.0001
	}
	return *c.BAccCov
}

// GetMeanAccNorm returns the mean_acc_norm value or the default.
func (c *TuningConfig) GetMeanAccNorm() float64 {
	if c.MeanAccNorm == nil {
		return 9.81
	}
	return *c.MeanAccNorm
}

// GetDataAccumLength returns the data_accum_length value or the default.
func (c *TuningConfig) GetDataAccumLength() int {
	if c.DataAccumLength == nil {
		return 300
	}
	return *c.DataAccumLength
}

// GetRotExcitation returns the rot_excitation value or the default.
func (c *TuningConfig) GetRotExcitation() float64 {
	if c.RotExcitation == nil {
		return 0.1
	}
	return *c.RotExcitation
}

// GetMaxTimeLag returns the max_time_lag value or the default.
func (c *TuningConfig) GetMaxTimeLag() float64 {
	if c.MaxTimeLag == nil {
		return 0.2
	}
	return *c.MaxTimeLag
}

// GetOnlineRefineTime returns the online_refine_time value or the default.
func (c *TuningConfig) GetOnlineRefineTime() float64 {
	if c.OnlineRefineTime == nil {
		return 20
	}
	return *c.OnlineRefineTime
}

// GetMovementThreshold returns the movement_threshold value or the default.
func (c *TuningConfig) GetMovementThreshold() float64 {
	if c.MovementThreshold == nil {
		return 0.05
	}
	return *c.MovementThreshold
}

// GetRotLICov returns the rot_li_cov value or the default.
func (c *TuningConfig) GetRotLICov() float64 {
	if c.RotLICov == nil {
		return 0.00001
	}
	return *c.RotLICov
}

// GetTransLICov returns the trans_li_cov value or the default.
func (c *TuningConfig) GetTransLICov() float64 {
	if c.TransLICov == nil {
		return 0.00001
	}
	return *c.TransLICov
}

// GetPCDSaveEnable returns the pcd_save_en value or the default.
func (c *TuningConfig) GetPCDSaveEnable() bool {
	if c.PCDSaveEnable == nil {
		return false
	}
	return *c.PCDSaveEnable
}

// GetPCDSaveDir returns the pcd_save_dir value or the default.
func (c *TuningConfig) GetPCDSaveDir() string {
	if c.PCDSaveDir == nil || *c.PCDSaveDir == "" {
		return "pcd"
	}
	return *c.PCDSaveDir
}

// GetPCDSaveInterval returns the pcd_save_interval value or the default.
// Values <= 0 write a single file at shutdown.
func (c *TuningConfig) GetPCDSaveInterval() int {
	if c.PCDSaveInterval == nil {
		return -1
	}
	return *c.PCDSaveInterval
}

// GetMapPublishInterval returns the map_publish_interval value or the default.
func (c *TuningConfig) GetMapPublishInterval() int {
	if c.MapPublishInterval == nil {
		return 10
	}
	return *c.MapPublishInterval
}

// GetStatsInterval parses and returns the StatsInterval as a time.Duration.
func (c *TuningConfig) GetStatsInterval() time.Duration {
	if c.StatsInterval == nil || *c.StatsInterval == "" {
		return 10 * time.Second // default
	}
	d, err := time.ParseDuration(*c.StatsInterval)
	if err != nil {
		return 10 * time.Second // default on parse error
	}
	return d
}
