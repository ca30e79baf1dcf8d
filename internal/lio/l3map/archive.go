package l3map

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// ArchiveConfig contains configuration for an Archive.
type ArchiveConfig struct {
	// Dir is the output directory. An empty Dir disables the archive.
	Dir string
	// Interval is the number of frames per scans_<n>.pcd file. Values <= 0
	// keep every frame and write a single scans_all.pcd on Flush.
	Interval int
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Archive accumulates registered world clouds and points evicted from the
// local map, and writes them as PCD files.
type Archive struct {
	dir      string
	interval int
	logger   *log.Logger

	frames  int
	files   int
	scans   []lio.MapPoint
	evicted []lio.MapPoint
}

// NewArchive creates an Archive.
func NewArchive(cfg ArchiveConfig) *Archive {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Archive{dir: cfg.Dir, interval: cfg.Interval, logger: logger}
}

// Enabled reports whether the archive writes files.
func (a *Archive) Enabled() bool { return a != nil && a.dir != "" }

// AppendFrame adds one registered cloud. With a positive interval a file
// is written every interval frames.
func (a *Archive) AppendFrame(points []lio.MapPoint) error {
	if !a.Enabled() {
		return nil
	}
	a.scans = append(a.scans, points...)
	a.frames++
	if a.interval > 0 && a.frames >= a.interval {
		return a.writeScans()
	}
	return nil
}

// AddEvicted adds points removed from the local map.
func (a *Archive) AddEvicted(points []lio.MapPoint) {
	if !a.Enabled() || len(points) == 0 {
		return
	}
	a.evicted = append(a.evicted, points...)
}

// Pending returns the number of buffered registered and evicted points.
func (a *Archive) Pending() (scans, evicted int) {
	return len(a.scans), len(a.evicted)
}

// Flush writes whatever is buffered: the remaining registered frames and
// the evicted-point cache.
func (a *Archive) Flush() error {
	if !a.Enabled() {
		return nil
	}
	var firstErr error
	if len(a.scans) > 0 {
		if err := a.writeScans(); err != nil {
			firstErr = err
		}
	}
	if len(a.evicted) > 0 {
		path := filepath.Join(a.dir, "evicted.pcd")
		if err := a.write(path, a.evicted); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			a.evicted = nil
		}
	}
	return firstErr
}

func (a *Archive) writeScans() error {
	name := "scans_all.pcd"
	if a.interval > 0 {
		a.files++
		name = fmt.Sprintf("scans_%d.pcd", a.files)
	}
	if err := a.write(filepath.Join(a.dir, name), a.scans); err != nil {
		return err
	}
	a.scans = a.scans[:0]
	a.frames = 0
	return nil
}

func (a *Archive) write(path string, points []lio.MapPoint) error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := WritePCD(f, points); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	a.logger.Printf("[archive] wrote %d points to %s", len(points), path)
	return nil
}
