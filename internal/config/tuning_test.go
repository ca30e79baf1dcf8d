package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/lidar-imu-init/internal/lio/preprocess"
)

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

func TestDefaultsFileMatchesGetters(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyTuningConfig()

	if cfg.GetLidarType() != empty.GetLidarType() {
		t.Errorf("lidar_type: file %v, default %v", cfg.GetLidarType(), empty.GetLidarType())
	}
	floats := []struct {
		name       string
		file, want float64
	}{
		{"blind", cfg.GetBlind(), empty.GetBlind()},
		{"filter_size_surf", cfg.GetFilterSizeSurf(), empty.GetFilterSizeSurf()},
		{"filter_size_map", cfg.GetFilterSizeMap(), empty.GetFilterSizeMap()},
		{"cube_side_length", cfg.GetCubeSideLength(), empty.GetCubeSideLength()},
		{"det_range", cfg.GetDetRange(), empty.GetDetRange()},
		{"gyr_cov", cfg.GetGyrCov(), empty.GetGyrCov()},
		{"acc_cov", cfg.GetAccCov(), empty.GetAccCov()},
		{"grav_cov", cfg.GetGravCov(), empty.GetGravCov()},
		{"b_gyr_cov", cfg.GetBGyrCov(), empty.GetBGyrCov()},
		{"b_acc_cov", cfg.GetBAccCov(), empty.GetBAccCov()},
		{"mean_acc_norm", cfg.GetMeanAccNorm(), empty.GetMeanAccNorm()},
		{"rot_excitation", cfg.GetRotExcitation(), empty.GetRotExcitation()},
		{"max_time_lag", cfg.GetMaxTimeLag(), empty.GetMaxTimeLag()},
		{"online_refine_time", cfg.GetOnlineRefineTime(), empty.GetOnlineRefineTime()},
		{"movement_threshold", cfg.GetMovementThreshold(), empty.GetMovementThreshold()},
		{"rot_li_cov", cfg.GetRotLICov(), empty.GetRotLICov()},
		{"trans_li_cov", cfg.GetTransLICov(), empty.GetTransLICov()},
	}
	for _, f := range floats {
		if f.file != f.want {
			t.Errorf("%s: file %v, default %v", f.name, f.file, f.want)
		}
	}
	ints := []struct {
		name       string
		file, want int
	}{
		{"point_filter_num", cfg.GetPointFilterNum(), empty.GetPointFilterNum()},
		{"cut_frame_num", cfg.GetCutFrameNum(), empty.GetCutFrameNum()},
		{"orig_odom_freq", cfg.GetOrigOdomFreq(), empty.GetOrigOdomFreq()},
		{"max_iteration", cfg.GetMaxIteration(), empty.GetMaxIteration()},
		{"workers", cfg.GetWorkers(), empty.GetWorkers()},
		{"data_accum_length", cfg.GetDataAccumLength(), empty.GetDataAccumLength()},
		{"pcd_save_interval", cfg.GetPCDSaveInterval(), empty.GetPCDSaveInterval()},
		{"map_publish_interval", cfg.GetMapPublishInterval(), empty.GetMapPublishInterval()},
	}
	for _, f := range ints {
		if f.file != f.want {
			t.Errorf("%s: file %v, default %v", f.name, f.file, f.want)
		}
	}
	if cfg.GetCutFrame() != empty.GetCutFrame() || cfg.GetPCDSaveEnable() != empty.GetPCDSaveEnable() {
		t.Error("boolean defaults differ from the defaults file")
	}
	if cfg.GetPCDSaveDir() != empty.GetPCDSaveDir() || cfg.GetStatsInterval() != empty.GetStatsInterval() {
		t.Error("string defaults differ from the defaults file")
	}
}

func TestLoadTuningConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test_config.json")

	// Partial config: omitted fields fall back to defaults.
	testJSON := `{
  "lidar_type": "velodyne",
  "cut_frame_num": 3,
  "det_range": 60,
  "pcd_save_en": true,
  "stats_interval": "2s"
}`
	if err := os.WriteFile(configPath, []byte(testJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadTuningConfig(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if got := cfg.GetLidarType(); got != preprocess.Velodyne {
		t.Errorf("GetLidarType() = %v, want velodyne", got)
	}
	if got := cfg.GetCutFrameNum(); got != 3 {
		t.Errorf("GetCutFrameNum() = %d, want 3", got)
	}
	if got := cfg.GetDetRange(); got != 60 {
		t.Errorf("GetDetRange() = %f, want 60", got)
	}
	if !cfg.GetPCDSaveEnable() {
		t.Error("GetPCDSaveEnable() = false, want true")
	}
	if got := cfg.GetStatsInterval(); got != 2*time.Second {
		t.Errorf("GetStatsInterval() = %v, want 2s", got)
	}
	if got := cfg.GetMaxIteration(); got != 4 {
		t.Errorf("GetMaxIteration() = %d, want default 4", got)
	}
}

func TestLoadTuningConfigMissing(t *testing.T) {
	_, err := LoadTuningConfig("/nonexistent/path/to/config.json")
	if err == nil {
		t.Error("Expected error when loading missing file, got nil")
	}
}

func TestLoadTuningConfigWrongExtension(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("{}"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	if _, err := LoadTuningConfig(configPath); err == nil {
		t.Error("Expected error for non-.json file, got nil")
	}
}

func TestLoadTuningConfigInvalid(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid_config.json")

	invalidJSON := `{
  "det_range": "far"
`
	if err := os.WriteFile(configPath, []byte(invalidJSON), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	_, err := LoadTuningConfig(configPath)
	if err == nil {
		t.Error("Expected error when loading invalid JSON, got nil")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TuningConfig
		wantErr bool
	}{
		{
			name:    "defaults file is valid",
			cfg:     MustLoadDefaultConfig(),
			wantErr: false,
		},
		{
			name:    "empty config is valid",
			cfg:     &TuningConfig{},
			wantErr: false,
		},
		{
			name:    "unknown lidar type",
			cfg:     &TuningConfig{LidarType: ptrString("hesai")},
			wantErr: true,
		},
		{
			name:    "zero point filter",
			cfg:     &TuningConfig{PointFilterNum: ptrInt(0)},
			wantErr: true,
		},
		{
			name:    "zero cut frame num",
			cfg:     &TuningConfig{CutFrameNum: ptrInt(0)},
			wantErr: true,
		},
		{
			name:    "negative det range",
			cfg:     &TuningConfig{DetRange: ptrFloat64(-1)},
			wantErr: true,
		},
		{
			name:    "zero refine time",
			cfg:     &TuningConfig{OnlineRefineTime: ptrFloat64(0)},
			wantErr: true,
		},
		{
			name:    "negative blind",
			cfg:     &TuningConfig{Blind: ptrFloat64(-0.5)},
			wantErr: true,
		},
		{
			name:    "invalid stats interval",
			cfg:     &TuningConfig{StatsInterval: ptrString("often")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStatsInterval(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TuningConfig
		want time.Duration
	}{
		{name: "unset", cfg: &TuningConfig{}, want: 10 * time.Second},
		{name: "empty", cfg: &TuningConfig{StatsInterval: ptrString("")}, want: 10 * time.Second},
		{name: "500ms", cfg: &TuningConfig{StatsInterval: ptrString("500ms")}, want: 500 * time.Millisecond},
		{name: "unparseable", cfg: &TuningConfig{StatsInterval: ptrString("x")}, want: 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetStatsInterval(); got != tt.want {
				t.Errorf("GetStatsInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetLidarTypeFallsBack(t *testing.T) {
	cfg := &TuningConfig{LidarType: ptrString("unknown")}
	if got := cfg.GetLidarType(); got != preprocess.Avia {
		t.Errorf("GetLidarType() = %v, want avia", got)
	}
}
