package l2window

import (
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

// DefaultMoveThreshold is the multiple of the detection range within which
// a box face triggers a move.
const DefaultMoveThreshold = 1.5

// Config contains configuration for a Window.
type Config struct {
	// CubeSideLength is the full edge length of the map box (meters).
	CubeSideLength float64
	// DetRange is the sensor detection range (meters).
	DetRange float64
	// MoveThreshold defaults to DefaultMoveThreshold when zero.
	MoveThreshold float64
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Window tracks the local map box around the platform.
// It is owned by the consumer loop and not safe for concurrent use.
type Window struct {
	cubeLen   float64
	detRange  float64
	moveThres float64
	logger    *log.Logger

	box         lio.Box
	initialized bool
	moves       int
}

// New creates an uninitialised Window.
func New(cfg Config) *Window {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	mt := cfg.MoveThreshold
	if mt <= 0 {
		mt = DefaultMoveThreshold
	}
	return &Window{
		cubeLen:   cfg.CubeSideLength,
		detRange:  cfg.DetRange,
		moveThres: mt,
		logger:    logger,
	}
}

// EnsureInitialized seeds the box centred on pos on the first call. It
// reports whether the box was seeded by this call.
func (w *Window) EnsureInitialized(pos r3.Vec) bool {
	if w.initialized {
		return false
	}
	half := w.cubeLen / 2
	for i := 0; i < 3; i++ {
		c := lio.Axis(pos, i)
		w.box.Min[i] = c - half
		w.box.Max[i] = c + half
	}
	w.initialized = true
	return true
}

// ShiftDistance is the per-axis translation applied when the box moves.
func (w *Window) ShiftDistance() float64 {
	return math.Max(
		(w.cubeLen-2*w.moveThres*w.detRange)*0.5*0.9,
		w.detRange*(w.moveThres-1),
	)
}

// RecenterIfNeeded translates the box along every axis whose min or max
// face is within MoveThreshold×DetRange of pos. It returns the vacated
// strips of the old box, one per moved axis, or nil when nothing moved.
func (w *Window) RecenterIfNeeded(pos r3.Vec) []lio.Box {
	if !w.initialized {
		w.EnsureInitialized(pos)
		return nil
	}

	limit := w.moveThres * w.detRange
	old := w.box
	next := old
	shift := w.ShiftDistance()

	var evict []lio.Box
	for i := 0; i < 3; i++ {
		c := lio.Axis(pos, i)
		toMin := math.Abs(c - old.Min[i])
		toMax := math.Abs(c - old.Max[i])

		strip := old
		switch {
		case toMin <= limit:
			next.Min[i] -= shift
			next.Max[i] -= shift
			strip.Min[i] = old.Max[i] - shift
		case toMax <= limit:
			next.Min[i] += shift
			next.Max[i] += shift
			strip.Max[i] = old.Min[i] + shift
		default:
			continue
		}
		evict = append(evict, strip)
	}
	if len(evict) == 0 {
		return nil
	}

	w.box = next
	w.moves++
	w.logger.Printf("[window] recentred box around (%.2f, %.2f, %.2f), %d strips to evict",
		pos.X, pos.Y, pos.Z, len(evict))
	return evict
}

// Box returns the current box.
func (w *Window) Box() lio.Box { return w.box }

// Initialized reports whether the box has been seeded.
func (w *Window) Initialized() bool { return w.initialized }

// Moves returns how many times the box has been translated.
func (w *Window) Moves() int { return w.moves }
