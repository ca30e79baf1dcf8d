package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/lidar-imu-init/internal/lio/l5calib"
	"github.com/banshee-data/lidar-imu-init/internal/lio/pipeline"
)

// ErrNoSession is returned by writes made before StartSession.
var ErrNoSession = errors.New("sqlite: no active session")

const (
	busyRetries = 5
	busyBackoff = 10 * time.Millisecond
)

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// Store is a SQLite-backed pipeline.Sink.
type Store struct {
	db     *sql.DB
	logger *log.Logger

	mu      sync.Mutex
	session string
}

var _ pipeline.Sink = (*Store)(nil)

// Open opens (or creates) the database at path and migrates it to the
// latest schema. logger may be nil.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	s := &Store{db: db, logger: logger}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// SessionInfo describes a run.
type SessionInfo struct {
	LidarType string
	// Source names the input, e.g. a replay file or serial device.
	Source string
	// ConfigJSON is the effective tuning configuration.
	ConfigJSON json.RawMessage
}

// Session is a stored run.
type Session struct {
	SessionID  string
	StartedAt  time.Time
	EndedAt    *time.Time
	LidarType  string
	Source     string
	ConfigJSON json.RawMessage
}

// StartSession inserts a new session and makes it the target of every
// subsequent write. A previously active session is ended first.
func (s *Store) StartSession(ctx context.Context, info SessionInfo) (string, error) {
	if err := s.EndSession(ctx); err != nil {
		return "", err
	}
	id := uuid.New().String()
	var cfg interface{}
	if len(info.ConfigJSON) > 0 {
		cfg = string(info.ConfigJSON)
	}
	err := retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lio_session (session_id, started_at, lidar_type, source, config_json)
			VALUES (?, ?, ?, ?, ?)`,
			id, time.Now().UTC(), info.LidarType, info.Source, cfg)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("insert session: %w", err)
	}
	s.mu.Lock()
	s.session = id
	s.mu.Unlock()
	s.logger.Printf("[store] session %s started (%s, %s)", id, info.LidarType, info.Source)
	return id, nil
}

// SessionID returns the active session, or "" when none is active.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// EndSession stamps the active session as ended. It is a no-op without an
// active session.
func (s *Store) EndSession(ctx context.Context) error {
	s.mu.Lock()
	id := s.session
	s.session = ""
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE lio_session SET ended_at = ? WHERE session_id = ?`,
			time.Now().UTC(), id)
		return err
	})
}

// Close ends the active session and closes the database.
func (s *Store) Close() error {
	err := s.EndSession(context.Background())
	if cerr := s.db.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (s *Store) activeSession() (string, error) {
	id := s.SessionID()
	if id == "" {
		return "", ErrNoSession
	}
	return id, nil
}

// WriteOdometry stores one pose.
func (s *Store) WriteOdometry(ctx context.Context, o pipeline.Odometry) error {
	id, err := s.activeSession()
	if err != nil {
		return err
	}
	cov, err := json.Marshal(o.CovDiag)
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lio_pose (
				session_id, frame, t, px, py, pz, qw, qx, qy, qz,
				fused, effective_points, iterations, cov_diag
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, o.Frame, o.Time, o.Position.X, o.Position.Y, o.Position.Z,
			o.Orientation.Real, o.Orientation.Imag, o.Orientation.Jmag, o.Orientation.Kmag,
			o.Fused, o.EffectivePoints, o.Iterations, string(cov),
		)
		return err
	})
}

// WriteCloud stores a summary of map snapshots; other clouds are ignored.
func (s *Store) WriteCloud(ctx context.Context, c pipeline.Cloud) error {
	if c.Kind != pipeline.MapSnapshot {
		return nil
	}
	id, err := s.activeSession()
	if err != nil {
		return err
	}
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lio_map_snapshot (session_id, frame, t, point_count, valid_count)
			VALUES (?, ?, ?, ?, ?)`,
			id, c.Frame, c.Time, len(c.Points), c.ValidCount)
		return err
	})
}

// WriteReport stores a calibration report.
func (s *Store) WriteReport(ctx context.Context, r l5calib.Report) error {
	id, err := s.activeSession()
	if err != nil {
		return err
	}
	tf, err := json.Marshal(r.Transform())
	if err != nil {
		return err
	}
	e := r.EulerDeg()
	return retryOnBusy(func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO lio_calibration (
				session_id, phase, t, roll_deg, pitch_deg, yaw_deg, tx, ty, tz, time_lag,
				bg_x, bg_y, bg_z, ba_x, ba_y, ba_z, g_x, g_y, g_z,
				transform_json, report_text
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, r.Phase, r.Time, e.X, e.Y, e.Z, r.ExtPos.X, r.ExtPos.Y, r.ExtPos.Z, r.TimeLag,
			r.BiasG.X, r.BiasG.Y, r.BiasG.Z, r.BiasA.X, r.BiasA.Y, r.BiasA.Z,
			r.Gravity.X, r.Gravity.Y, r.Gravity.Z,
			string(tf), r.String(),
		)
		return err
	})
}

// Sessions lists every session, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, started_at, ended_at, lidar_type, source, config_json
		FROM lio_session
		ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			ss     Session
			ended  sql.NullTime
			source sql.NullString
			cfg    sql.NullString
		)
		if err := rows.Scan(&ss.SessionID, &ss.StartedAt, &ended, &ss.LidarType, &source, &cfg); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if ended.Valid {
			t := ended.Time
			ss.EndedAt = &t
		}
		ss.Source = source.String
		if cfg.Valid {
			ss.ConfigJSON = json.RawMessage(cfg.String)
		}
		out = append(out, ss)
	}
	return out, rows.Err()
}

// Pose is a stored pose row.
type Pose struct {
	Frame           int
	Time            float64
	Position        r3.Vec
	Orientation     quat.Number
	Fused           bool
	EffectivePoints int
	Iterations      int
	CovDiag         [6]float64
}

// Poses returns the poses of a session in frame order.
func (s *Store) Poses(ctx context.Context, sessionID string) ([]Pose, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, t, px, py, pz, qw, qx, qy, qz, fused, effective_points, iterations, cov_diag
		FROM lio_pose
		WHERE session_id = ?
		ORDER BY frame`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query poses: %w", err)
	}
	defer rows.Close()

	var out []Pose
	for rows.Next() {
		var (
			p   Pose
			cov sql.NullString
		)
		err := rows.Scan(&p.Frame, &p.Time,
			&p.Position.X, &p.Position.Y, &p.Position.Z,
			&p.Orientation.Real, &p.Orientation.Imag, &p.Orientation.Jmag, &p.Orientation.Kmag,
			&p.Fused, &p.EffectivePoints, &p.Iterations, &cov)
		if err != nil {
			return nil, fmt.Errorf("scan pose: %w", err)
		}
		if cov.Valid {
			if err := json.Unmarshal([]byte(cov.String), &p.CovDiag); err != nil {
				return nil, fmt.Errorf("decode cov_diag of frame %d: %w", p.Frame, err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Calibration is a stored calibration report.
type Calibration struct {
	ID        int64
	Phase     string
	Time      float64
	EulerDeg  r3.Vec
	ExtPos    r3.Vec
	TimeLag   float64
	BiasG     r3.Vec
	BiasA     r3.Vec
	Gravity   r3.Vec
	Transform [16]float64
	Text      string
}

// Calibrations returns the reports of a session in insertion order.
func (s *Store) Calibrations(ctx context.Context, sessionID string) ([]Calibration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT calibration_id, phase, t, roll_deg, pitch_deg, yaw_deg, tx, ty, tz, time_lag,
		       bg_x, bg_y, bg_z, ba_x, ba_y, ba_z, g_x, g_y, g_z, transform_json, report_text
		FROM lio_calibration
		WHERE session_id = ?
		ORDER BY calibration_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query calibrations: %w", err)
	}
	defer rows.Close()

	var out []Calibration
	for rows.Next() {
		var (
			c  Calibration
			tf string
		)
		err := rows.Scan(&c.ID, &c.Phase, &c.Time,
			&c.EulerDeg.X, &c.EulerDeg.Y, &c.EulerDeg.Z,
			&c.ExtPos.X, &c.ExtPos.Y, &c.ExtPos.Z, &c.TimeLag,
			&c.BiasG.X, &c.BiasG.Y, &c.BiasG.Z,
			&c.BiasA.X, &c.BiasA.Y, &c.BiasA.Z,
			&c.Gravity.X, &c.Gravity.Y, &c.Gravity.Z,
			&tf, &c.Text)
		if err != nil {
			return nil, fmt.Errorf("scan calibration: %w", err)
		}
		if err := json.Unmarshal([]byte(tf), &c.Transform); err != nil {
			return nil, fmt.Errorf("decode transform of calibration %d: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MapSnapshot is a stored map snapshot summary.
type MapSnapshot struct {
	Frame      int
	Time       float64
	PointCount int
	ValidCount int
}

// MapSnapshots returns the snapshot summaries of a session in frame order.
func (s *Store) MapSnapshots(ctx context.Context, sessionID string) ([]MapSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT frame, t, point_count, valid_count
		FROM lio_map_snapshot
		WHERE session_id = ?
		ORDER BY frame`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query map snapshots: %w", err)
	}
	defer rows.Close()

	var out []MapSnapshot
	for rows.Next() {
		var m MapSnapshot
		if err := rows.Scan(&m.Frame, &m.Time, &m.PointCount, &m.ValidCount); err != nil {
			return nil, fmt.Errorf("scan map snapshot: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// retryOnBusy runs fn again with a doubling backoff while SQLite reports
// the database as locked.
func retryOnBusy(fn func() error) error {
	backoff := busyBackoff
	var err error
	for i := 0; i < busyRetries; i++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}
