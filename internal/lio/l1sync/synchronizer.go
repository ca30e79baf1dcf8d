package l1sync

import (
	"context"
	"log"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
)

const (
	// hardLagThreshold is the stream offset (seconds) above which the two
	// clocks are assumed to be unsynchronised.
	hardLagThreshold = 1.0

	// statsSamples is the number of leading IMU samples used to estimate
	// the mean acceleration and sample period.
	statsSamples = 100

	// minIMUPeriod is the longest acceptable IMU period (100 Hz).
	minIMUPeriod = 0.01
)

// Stats summarises what the synchroniser has seen.
type Stats struct {
	ScansQueued     int
	ScansDropped    int
	LidarLoopBacks  int
	IMUQueued       int
	IMULoopBacks    int
	IMUDiscarded    int
	GroupsEmitted   int
	MeanAcc         r3.Vec
	IMUPeriod       float64
	HardTimeLag     float64
	HardTimeLagSet  bool
	TimeLag         float64
	LastLidarTime   float64
	LastIMUTime     float64
	PendingScans    int
	PendingIMU      int
	StatsSampleSeen int
}

// Config contains configuration for a Synchronizer.
type Config struct {
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// Synchronizer pairs LiDAR scans with the IMU samples that cover them.
// Producers call EnqueueLidar and EnqueueIMU from their own goroutines; one
// consumer calls Next (or TryPop) and Wait.
type Synchronizer struct {
	logger *log.Logger

	mu   sync.Mutex
	cond *sync.Cond
	gen  uint64

	scans []lio.Scan
	imu   []lio.ImuSample

	lastLidar  float64
	lastIMU    float64
	lidarSeen  bool
	imuSeen    bool
	imuReset   bool
	closed     bool
	hardLag    float64
	hardLagSet bool
	timeLag    float64
	lastRawIMU float64
	statsCount int
	meanAcc    r3.Vec
	imuPeriod  float64
	stats      Stats
}

// New creates a Synchronizer.
func New(cfg Config) *Synchronizer {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Synchronizer{logger: logger}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// EnqueueLidar stages a preprocessed scan. A scan stamped earlier than the
// previous one clears every staged scan first. Scans with one point or
// fewer are dropped.
func (s *Synchronizer) EnqueueLidar(scan lio.Scan) {
	s.mu.Lock()
	defer s.signal()
	if s.closed {
		return
	}

	if s.lidarSeen && scan.BeginTime < s.lastLidar {
		s.logger.Printf("[sync] lidar loop back (%.6f < %.6f), clearing %d staged scans",
			scan.BeginTime, s.lastLidar, len(s.scans))
		s.scans = s.scans[:0]
		s.stats.LidarLoopBacks++
	}
	s.lastLidar = scan.BeginTime
	s.lidarSeen = true

	if s.imuSeen && !s.hardLagSet && len(s.imu) > 0 &&
		math.Abs(s.lastIMU-s.lastLidar) > hardLagThreshold {
		s.setHardLagLocked(s.lastIMU - s.lastLidar)
	}

	if len(scan.Points) <= 1 {
		s.logger.Printf("[sync] dropping scan at %.6f: too few points (%d)", scan.BeginTime, len(scan.Points))
		s.stats.ScansDropped++
		return
	}
	s.scans = append(s.scans, scan)
	s.stats.ScansQueued++
}

// EnqueueIMU buffers one IMU sample after clock compensation. A sample that
// lands earlier than the previous compensated sample clears the IMU buffer
// and marks the next emitted group with IMUReset.
func (s *Synchronizer) EnqueueIMU(sample lio.ImuSample) {
	s.mu.Lock()
	defer s.signal()
	if s.closed {
		return
	}

	s.updateRateStatsLocked(sample)

	sample.Time -= s.hardLag + s.timeLag
	if s.imuSeen && sample.Time < s.lastIMU {
		s.logger.Printf("[sync] imu loop back (%.6f < %.6f), clearing %d buffered samples",
			sample.Time, s.lastIMU, len(s.imu))
		s.imu = s.imu[:0]
		s.imuReset = true
		s.stats.IMULoopBacks++
	}
	s.lastIMU = sample.Time
	s.imuSeen = true
	s.imu = append(s.imu, sample)
	s.stats.IMUQueued++
}

// TryPop returns the next measurement group if the staged scan is fully
// covered by IMU samples. ok is false when the caller should retry later.
func (s *Synchronizer) TryPop() (group lio.MeasurementGroup, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.popLocked()
}

// Next is TryPop plus the closed check under one lock. drained is true when
// the input is closed and no further group can become ready, so a group
// completed just before Close is never lost.
func (s *Synchronizer) Next() (group lio.MeasurementGroup, ok, drained bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok = s.popLocked()
	return group, ok, !ok && s.closed
}

func (s *Synchronizer) popLocked() (group lio.MeasurementGroup, ok bool) {
	if len(s.scans) == 0 || len(s.imu) == 0 {
		return lio.MeasurementGroup{}, false
	}
	scan := s.scans[0]
	end := scan.EndTime()
	if s.lastIMU < end {
		return lio.MeasurementGroup{}, false
	}

	n := 0
	for n < len(s.imu) && s.imu[n].Time < end {
		n++
	}
	samples := make([]lio.ImuSample, 0, n)
	for _, m := range s.imu[:n] {
		if m.Time < scan.BeginTime {
			s.stats.IMUDiscarded++
			continue
		}
		samples = append(samples, m)
	}
	s.imu = append(s.imu[:0], s.imu[n:]...)
	s.scans = append(s.scans[:0], s.scans[1:]...)

	group = lio.MeasurementGroup{
		Scan:      scan,
		BeginTime: scan.BeginTime,
		EndTime:   end,
		IMU:       samples,
		IMUReset:  s.imuReset,
	}
	s.imuReset = false
	s.stats.GroupsEmitted++
	return group, true
}

// Generation returns a counter incremented by every enqueue.
func (s *Synchronizer) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

// Wait blocks until an enqueue happens after generation gen was observed,
// or ctx is done. It returns ctx.Err() when the context ended first.
func (s *Synchronizer) Wait(ctx context.Context, gen uint64) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.gen == gen {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Close marks the input as finished and wakes the consumer. Enqueues after
// Close are ignored; staged data can still be popped.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.signal()
	s.closed = true
}

// Closed reports whether Close was called.
func (s *Synchronizer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ShiftBufferedIMU moves every buffered IMU timestamp back by lag seconds.
func (s *Synchronizer) ShiftBufferedIMU(lag float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.imu {
		s.imu[i].Time -= lag
	}
	if s.imuSeen {
		s.lastIMU -= lag
	}
}

// SetTimeLag sets the fine IMU-to-LiDAR lag applied to samples enqueued
// from now on.
func (s *Synchronizer) SetTimeLag(lag float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeLag = lag
}

// HardTimeLag returns the coarse clock offset and whether it was detected.
func (s *Synchronizer) HardTimeLag() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardLag, s.hardLagSet
}

// Stats returns a snapshot of the synchroniser counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.MeanAcc = s.meanAcc
	st.IMUPeriod = s.imuPeriod
	st.HardTimeLag = s.hardLag
	st.HardTimeLagSet = s.hardLagSet
	st.TimeLag = s.timeLag
	st.LastLidarTime = s.lastLidar
	st.LastIMUTime = s.lastIMU
	st.PendingScans = len(s.scans)
	st.PendingIMU = len(s.imu)
	st.StatsSampleSeen = s.statsCount
	return st
}

// signal bumps the generation, wakes the consumer and unlocks s.mu.
func (s *Synchronizer) signal() {
	s.gen++
	s.cond.Broadcast()
	s.mu.Unlock()
}

// setHardLagLocked records the coarse offset once and re-stamps samples
// already buffered with the old compensation.
func (s *Synchronizer) setHardLagLocked(lag float64) {
	s.hardLag = lag
	s.hardLagSet = true
	for i := range s.imu {
		s.imu[i].Time -= lag
	}
	s.lastIMU -= lag
	s.logger.Printf("[sync] self sync imu and lidar, hard time lag is %.10f s", lag)
}

func (s *Synchronizer) updateRateStatsLocked(sample lio.ImuSample) {
	if s.statsCount >= statsSamples {
		return
	}
	s.statsCount++
	n := float64(s.statsCount)
	s.meanAcc = r3.Add(s.meanAcc, r3.Scale(1/n, r3.Sub(sample.Acc, s.meanAcc)))
	if s.statsCount > 1 {
		s.imuPeriod += (sample.Time - s.lastRawIMU - s.imuPeriod) / (n - 1)
	}
	s.lastRawIMU = sample.Time

	if s.statsCount == statsSamples {
		s.logger.Printf("[sync] acceleration norm: %.4f", r3.Norm(s.meanAcc))
		if s.imuPeriod > minIMUPeriod {
			s.logger.Printf("[sync] WARNING: imu data frequency too low (%.1f Hz), at least 100 Hz recommended",
				1/s.imuPeriod)
		}
	}
}
