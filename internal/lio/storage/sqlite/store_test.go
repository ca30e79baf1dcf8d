package sqlite

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/lidar-imu-init/internal/lio"
	"github.com/banshee-data/lidar-imu-init/internal/lio/l5calib"
	"github.com/banshee-data/lidar-imu-init/internal/lio/pipeline"
)

var quietLogger = log.New(io.Discard, "", 0)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "lio.db"), quietLogger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesToLatest(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// Re-applying is a no-op.
	require.NoError(t, s.MigrateUp())

	require.NoError(t, s.MigrateDown())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	require.NoError(t, s.MigrateUp())
}

func TestStore_WritesNeedSession(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.WriteOdometry(ctx, pipeline.Odometry{}), ErrNoSession)
	assert.ErrorIs(t, s.WriteReport(ctx, l5calib.Report{}), ErrNoSession)
	assert.ErrorIs(t, s.WriteCloud(ctx, pipeline.Cloud{Kind: pipeline.MapSnapshot}), ErrNoSession)
	// Non-snapshot clouds are never stored.
	assert.NoError(t, s.WriteCloud(ctx, pipeline.Cloud{Kind: pipeline.RegisteredCloud}))
	assert.NoError(t, s.EndSession(ctx))
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.StartSession(ctx, SessionInfo{
		LidarType:  "avia",
		Source:     "replay.txt",
		ConfigJSON: json.RawMessage(`{"cut_frame_num":3}`),
	})
	require.NoError(t, err)
	assert.Equal(t, id, s.SessionID())

	odom := pipeline.Odometry{
		Frame:           4,
		Time:            1.25,
		Position:        r3.Vec{X: 1, Y: -2, Z: 0.5},
		Orientation:     quat.Number{Real: 0.5, Imag: 0.5, Jmag: 0.5, Kmag: 0.5},
		CovDiag:         [6]float64{1e-4, 2e-4, 3e-4, 4e-4, 5e-4, 6e-4},
		Fused:           true,
		EffectivePoints: 321,
		Iterations:      3,
	}
	require.NoError(t, s.WriteOdometry(ctx, odom))
	require.NoError(t, s.WriteOdometry(ctx, pipeline.Odometry{Frame: 2, Orientation: quat.Number{Real: 1}}))
	require.NoError(t, s.WriteCloud(ctx, pipeline.Cloud{
		Kind: pipeline.MapSnapshot, Frame: 4, Time: 1.25, Points: make([]lio.MapPoint, 10), ValidCount: 8,
	}))

	rep := l5calib.Report{
		Phase:   l5calib.PhaseInitialization,
		Time:    1.25,
		ExtRot:  lio.Exp(r3.Vec{Z: 0.1}),
		ExtPos:  r3.Vec{X: 0.05, Y: 0.01, Z: -0.02},
		TimeLag: 0.013,
		BiasG:   r3.Vec{X: 0.001},
		BiasA:   r3.Vec{Y: 0.02},
		Gravity: r3.Vec{Z: -lio.Gravity},
	}
	require.NoError(t, s.WriteReport(ctx, rep))

	poses, err := s.Poses(ctx, id)
	require.NoError(t, err)
	require.Len(t, poses, 2)
	assert.Equal(t, 2, poses[0].Frame, "ordered by frame")
	want := Pose{
		Frame:           odom.Frame,
		Time:            odom.Time,
		Position:        odom.Position,
		Orientation:     odom.Orientation,
		Fused:           true,
		EffectivePoints: 321,
		Iterations:      3,
		CovDiag:         odom.CovDiag,
	}
	if diff := cmp.Diff(want, poses[1]); diff != "" {
		t.Errorf("pose mismatch (-want +got):\n%s", diff)
	}

	cals, err := s.Calibrations(ctx, id)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	c := cals[0]
	assert.Equal(t, l5calib.PhaseInitialization, c.Phase)
	assert.InDelta(t, 0.1*lio.RadToDeg, c.EulerDeg.Z, 1e-9)
	assert.Equal(t, rep.ExtPos, c.ExtPos)
	assert.Equal(t, rep.TimeLag, c.TimeLag)
	assert.Equal(t, rep.Transform(), c.Transform)
	assert.Equal(t, rep.String(), c.Text)

	snaps, err := s.MapSnapshots(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []MapSnapshot{{Frame: 4, Time: 1.25, PointCount: 10, ValidCount: 8}}, snaps)

	require.NoError(t, s.EndSession(ctx))
	assert.Empty(t, s.SessionID())
	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, id, sessions[0].SessionID)
	assert.Equal(t, "avia", sessions[0].LidarType)
	assert.Equal(t, "replay.txt", sessions[0].Source)
	assert.JSONEq(t, `{"cut_frame_num":3}`, string(sessions[0].ConfigJSON))
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestStore_SessionsAreIsolated(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	first, err := s.StartSession(ctx, SessionInfo{LidarType: "velodyne"})
	require.NoError(t, err)
	require.NoError(t, s.WriteOdometry(ctx, pipeline.Odometry{Frame: 1}))

	second, err := s.StartSession(ctx, SessionInfo{LidarType: "velodyne"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	// Same frame number in a new session does not collide.
	require.NoError(t, s.WriteOdometry(ctx, pipeline.Odometry{Frame: 1}))
	require.NoError(t, s.WriteOdometry(ctx, pipeline.Odometry{Frame: 2}))

	p1, err := s.Poses(ctx, first)
	require.NoError(t, err)
	p2, err := s.Poses(ctx, second)
	require.NoError(t, err)
	assert.Len(t, p1, 1)
	assert.Len(t, p2, 2)

	// Duplicate frames within a session are rejected.
	assert.Error(t, s.WriteOdometry(ctx, pipeline.Odometry{Frame: 2}))

	sessions, err := s.Sessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, ss := range sessions {
		if ss.SessionID == first {
			assert.NotNil(t, ss.EndedAt, "starting a session ends the previous one")
		}
	}
}

func TestStore_AsPipelineSink(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	_, err := s.StartSession(ctx, SessionInfo{LidarType: "avia"})
	require.NoError(t, err)

	var sink pipeline.Sink = pipeline.MultiSink{&pipeline.LogSink{Logger: quietLogger}, s}
	require.NoError(t, sink.WriteOdometry(ctx, pipeline.Odometry{Frame: 1}))
	require.NoError(t, sink.WriteReport(ctx, l5calib.Report{Phase: l5calib.PhaseRefinement, ExtRot: lio.Identity3()}))

	cals, err := s.Calibrations(ctx, s.SessionID())
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, l5calib.PhaseRefinement, cals[0].Phase)
}

func TestIsBusy(t *testing.T) {
	t.Parallel()

	calls := 0
	err := retryOnBusy(func() error {
		calls++
		if calls < 3 {
			return errBusy{}
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(func() error {
		calls++
		return io.ErrUnexpectedEOF
	})
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Equal(t, 1, calls)
}

type errBusy struct{}

func (errBusy) Error() string { return "database is locked (5) (SQLITE_BUSY)" }
