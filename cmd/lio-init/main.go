// Command lio-init runs LiDAR-inertial odometry over a replay log and
// calibrates the LiDAR/IMU extrinsic, time lag and IMU biases online.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/lidar-imu-init/internal/config"
	"github.com/banshee-data/lidar-imu-init/internal/lio/ingest"
	"github.com/banshee-data/lidar-imu-init/internal/lio/pipeline"
	"github.com/banshee-data/lidar-imu-init/internal/lio/storage/sqlite"
	"github.com/banshee-data/lidar-imu-init/internal/lio/trajectory"
	"github.com/banshee-data/lidar-imu-init/internal/monitoring"
	"github.com/banshee-data/lidar-imu-init/internal/version"
)

var (
	configPath = flag.String("config", "", "Tuning config JSON (defaults to "+config.DefaultConfigPath+" when present)")
	replayPath = flag.String("replay", "", "Replay log with imu and scan records (required)")
	speed      = flag.Float64("speed", 0, "Replay speed relative to real time; 0 replays as fast as possible")
	imuPort    = flag.String("imu-port", "", "Serial device streaming t,gx,gy,gz,ax,ay,az IMU lines")
	imuBaud    = flag.Int("imu-baud", 115200, "IMU serial baud rate")
	dbPath     = flag.String("db", "", "SQLite database for poses and calibration results; empty disables")
	resultDir  = flag.String("result-dir", "", "Directory for calibration_result.txt; empty disables")
	plotDir    = flag.String("plot-dir", "", "Directory for trajectory plots and trajectory.html; empty disables")
	logEvery   = flag.Int("log-every", 10, "Log one odometry line every n frames")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()
	if *showVer {
		fmt.Printf("lio-init %s\n", version.String())
		return
	}
	if *replayPath == "" {
		fmt.Fprintln(os.Stderr, "lio-init: -replay is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("lio-init: %v", err)
	}
}

func loadConfig() (*config.TuningConfig, error) {
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err != nil {
			return config.EmptyTuningConfig(), nil
		}
		path = config.DefaultConfigPath
	}
	tc, err := config.LoadTuningConfig(path)
	if err != nil {
		return nil, err
	}
	if err := tc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return tc, nil
}

func run(ctx context.Context) error {
	logger := monitoring.NewLogger()
	logger.Printf("[lio-init] %s", version.String())

	tc, err := loadConfig()
	if err != nil {
		return err
	}

	sinks := pipeline.MultiSink{&pipeline.LogSink{Logger: logger, Every: *logEvery}}
	var recorder *trajectory.Recorder
	if *plotDir != "" {
		recorder = trajectory.NewRecorder(0)
		sinks = append(sinks, recorder)
	}
	if *dbPath != "" {
		store, err := sqlite.Open(*dbPath, logger)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer store.Close()
		cfgJSON, err := json.Marshal(tc)
		if err != nil {
			return err
		}
		if _, err := store.StartSession(ctx, sqlite.SessionInfo{
			LidarType:  tc.GetLidarType().String(),
			Source:     *replayPath,
			ConfigJSON: cfgJSON,
		}); err != nil {
			return err
		}
		sinks = append(sinks, store)
	}

	f, err := os.Open(*replayPath)
	if err != nil {
		return err
	}
	defer f.Close()

	runner := pipeline.New(runnerConfig(tc, sinks, logger))
	replay := ingest.NewReplayReader(f, ingest.ReplayConfig{Speed: *speed, Logger: logger})

	inputCtx, stopInputs := context.WithCancel(ctx)
	defer stopInputs()
	g, gctx := errgroup.WithContext(inputCtx)

	g.Go(func() error {
		defer stopInputs()
		return runner.Run(ctx)
	})
	g.Go(func() error {
		defer runner.CloseInput()
		_, err := replay.Run(gctx, runner)
		return ignoreCanceled(err)
	})
	if *imuPort != "" {
		serialIMU, err := ingest.OpenSerialIMU(*imuPort, ingest.PortOptions{BaudRate: *imuBaud}, logger)
		if err != nil {
			stopInputs()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			defer serialIMU.Close()
			return ignoreCanceled(serialIMU.Run(gctx, runner))
		})
	}

	err = g.Wait()
	if rep := runner.Coordinator().LastReport(); rep != nil && *resultDir != "" {
		path := filepath.Join(*resultDir, "calibration_result.txt")
		werr := os.MkdirAll(*resultDir, 0o755)
		if werr == nil {
			werr = os.WriteFile(path, []byte(rep.String()), 0o644)
		}
		if werr != nil {
			err = multierr.Append(err, werr)
		} else {
			logger.Printf("[lio-init] calibration result written to %s", path)
		}
	}
	if recorder != nil {
		err = multierr.Append(err, writePlots(recorder, *plotDir, logger))
	}
	return err
}

func writePlots(rec *trajectory.Recorder, dir string, logger *log.Logger) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	files, err := rec.SavePlots(dir)
	if errors.Is(err, trajectory.ErrNoSamples) {
		logger.Printf("[lio-init] no odometry recorded, skipping plots")
		return nil
	}
	if err != nil {
		return err
	}
	path := filepath.Join(dir, "trajectory.html")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rec.RenderHTML(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	logger.Printf("[lio-init] plots written: %s, %s", strings.Join(files, ", "), path)
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
