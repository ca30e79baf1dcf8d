package timeutil

import (
	"math"
	"time"
)

// Pacer releases recorded sensor samples at the rate they were captured.
// Sensor time is in seconds on the recording clock; the first call to Wait
// anchors it to the wall clock.
type Pacer struct {
	clock Clock
	speed float64

	started     bool
	wallStart   time.Time
	sensorStart float64
}

// NewPacer creates a Pacer. speed scales playback (2 is twice real time);
// speed <= 0 disables pacing.
func NewPacer(clock Clock, speed float64) *Pacer {
	if clock == nil {
		clock = RealClock{}
	}
	return &Pacer{clock: clock, speed: speed}
}

// Wait sleeps until the wall-clock time matching sensor time t. A t earlier
// than the anchor re-anchors, so a looped recording keeps playing.
func (p *Pacer) Wait(t float64) {
	if p.speed <= 0 || math.IsNaN(t) {
		return
	}
	if !p.started || t < p.sensorStart {
		p.started = true
		p.wallStart = p.clock.Now()
		p.sensorStart = t
		return
	}
	offset := time.Duration((t - p.sensorStart) / p.speed * float64(time.Second))
	if d := offset - p.clock.Since(p.wallStart); d > 0 {
		p.clock.Sleep(d)
	}
}
