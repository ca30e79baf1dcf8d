package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/preprocess"
	"github.com/banshee-data/lidar-imu-init/internal/timeutil"
)

// ErrMalformed wraps every decoding error.
var ErrMalformed = errors.New("malformed replay log")

// maxLineBytes bounds a single replay line.
const maxLineBytes = 1 << 20

// ReplayConfig contains configuration for a ReplayReader.
type ReplayConfig struct {
	// Speed scales playback against the recorded timestamps; <= 0 replays
	// as fast as the consumer accepts.
	Speed float64
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// ReplayStats counts what a replay delivered.
type ReplayStats struct {
	Lines  int
	IMU    int
	Frames int
	Points int
}

// ReplayReader decodes a replay log and feeds it in file order.
type ReplayReader struct {
	r      io.Reader
	pacer  *timeutil.Pacer
	logger *log.Logger
}

// NewReplayReader creates a ReplayReader over r.
func NewReplayReader(r io.Reader, cfg ReplayConfig) *ReplayReader {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &ReplayReader{r: r, pacer: timeutil.NewPacer(cfg.Clock, cfg.Speed), logger: logger}
}

// Run decodes records until EOF, the first malformed record or ctx is done.
// It returns ctx.Err() on cancellation.
func (rr *ReplayReader) Run(ctx context.Context, f Feeder) (ReplayStats, error) {
	var st ReplayStats
	sc := bufio.NewScanner(rr.r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)

	next := func() ([]string, bool) {
		for sc.Scan() {
			st.Lines++
			line := strings.TrimSpace(sc.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			return strings.Fields(line), true
		}
		return nil, false
	}

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		fields, ok := next()
		if !ok {
			break
		}
		switch fields[0] {
		case "imu":
			s, err := parseIMUFields(fields[1:])
			if err != nil {
				return st, fmt.Errorf("%w: line %d: %v", ErrMalformed, st.Lines, err)
			}
			rr.pacer.Wait(s.Time)
			f.FeedIMU(s)
			st.IMU++

		case "scan":
			if len(fields) != 3 {
				return st, fmt.Errorf("%w: line %d: scan header needs 2 fields, got %d", ErrMalformed, st.Lines, len(fields)-1)
			}
			t, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return st, fmt.Errorf("%w: line %d: scan time: %v", ErrMalformed, st.Lines, err)
			}
			n, err := strconv.Atoi(fields[2])
			if err != nil || n < 0 {
				return st, fmt.Errorf("%w: line %d: point count %q", ErrMalformed, st.Lines, fields[2])
			}
			frame := preprocess.RawFrame{Time: t, Points: make([]preprocess.RawPoint, 0, n)}
			for i := 0; i < n; i++ {
				pf, ok := next()
				if !ok {
					return st, fmt.Errorf("%w: scan at %.6f truncated after %d of %d points", ErrMalformed, t, i, n)
				}
				p, err := parsePoint(pf)
				if err != nil {
					return st, fmt.Errorf("%w: line %d: %v", ErrMalformed, st.Lines, err)
				}
				frame.Points = append(frame.Points, p)
			}
			rr.pacer.Wait(t)
			f.FeedLidar(frame)
			st.Frames++
			st.Points += n

		default:
			return st, fmt.Errorf("%w: line %d: unknown record %q", ErrMalformed, st.Lines, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("read replay: %w", err)
	}
	rr.logger.Printf("[replay] done: %d frames (%d points), %d imu samples", st.Frames, st.Points, st.IMU)
	return st, nil
}

// parseIMUFields decodes "t gx gy gz ax ay az".
func parseIMUFields(fields []string) (lio.ImuSample, error) {
	if len(fields) != 7 {
		return lio.ImuSample{}, fmt.Errorf("imu record needs 7 fields, got %d", len(fields))
	}
	var v [7]float64
	for i, s := range fields {
		x, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return lio.ImuSample{}, fmt.Errorf("imu field %d: %v", i, err)
		}
		v[i] = x
	}
	return lio.ImuSample{
		Time: v[0],
		Gyro: r3.Vec{X: v[1], Y: v[2], Z: v[3]},
		Acc:  r3.Vec{X: v[4], Y: v[5], Z: v[6]},
	}, nil
}

// parsePoint decodes "x y z intensity offset".
func parsePoint(fields []string) (preprocess.RawPoint, error) {
	if len(fields) != 5 {
		return preprocess.RawPoint{}, fmt.Errorf("point needs 5 fields, got %d", len(fields))
	}
	var v [5]float64
	for i, s := range fields {
		x, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return preprocess.RawPoint{}, fmt.Errorf("point field %d: %v", i, err)
		}
		v[i] = x
	}
	return preprocess.RawPoint{
		Pos:       r3.Vec{X: v[0], Y: v[1], Z: v[2]},
		Intensity: v[3],
		Offset:    v[4],
	}, nil
}
