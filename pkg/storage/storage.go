// Package storage persists the scheduler's audit trail in a local
// sqlite database: one row per executed task plus emergency-stop
// events. It implements labsched.TaskRecorder.
package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	labsched "github.com/BAMresearch/MAPz-at-BAM-sub000"
)

const (
	// EnvDBPath overrides where the run log is stored.
	EnvDBPath = "LABSCHED_DB_PATH"

	defaultDBDirName  = ".labsched"
	defaultDBFileName = "runs.sqlite"
)

// Store is a sqlite-backed TaskRecorder.
type Store struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

var _ labsched.TaskRecorder = (*Store)(nil)

// Open opens (creating if needed) the run log at the path resolved from
// EnvDBPath, falling back to ~/.labsched/runs.sqlite.
func Open() (*Store, error) {
	path, err := resolveDatabasePath()
	if err != nil {
		return nil, err
	}
	return OpenPath(path)
}

// OpenPath opens (creating if needed) the run log at path.
func OpenPath(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage: database path is empty")
	}
	if err := ensureDirExists(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open sqlite database failed")
	}
	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := prepareSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("labsched: run log opened")
	return &Store{db: db, path: path}, nil
}

// Path returns the database file location.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Wrap(err, "storage: close sqlite database failed")
}

// RecordRun inserts one executed task.
func (s *Store) RecordRun(ctx context.Context, run labsched.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("storage: store is closed")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs
			(device, group_id, priority, sequential, sentinel, queued_at, started_at, duration_us, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.Device,
		run.GroupID,
		run.Priority,
		boolToInt(run.Sequential),
		boolToInt(run.Sentinel),
		run.QueuedAt.UTC().Format(time.RFC3339Nano),
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.Duration.Microseconds(),
		run.Error,
	)
	return errors.Wrap(err, "storage: insert task run failed")
}

// RecordEmergencyStop inserts one emergency-stop event with the devices
// the broadcast reached.
func (s *Store) RecordEmergencyStop(ctx context.Context, at time.Time, devices []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return errors.New("storage: store is closed")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emergency_stops (at, devices) VALUES (?, ?)`,
		at.UTC().Format(time.RFC3339Nano),
		strings.Join(devices, ","),
	)
	return errors.Wrap(err, "storage: insert emergency stop failed")
}

// RunsForDevice returns the recorded runs for one device, oldest first.
func (s *Store) RunsForDevice(ctx context.Context, device string) ([]labsched.TaskRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("storage: store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device, group_id, priority, sequential, sentinel, queued_at, started_at, duration_us, error
		FROM task_runs WHERE device = ? ORDER BY id`, device)
	if err != nil {
		return nil, errors.Wrap(err, "storage: query task runs failed")
	}
	defer rows.Close()
	return scanRuns(rows)
}

// CountRuns returns how many task runs are recorded per device.
func (s *Store) CountRuns(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, errors.New("storage: store is closed")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT device, COUNT(*) FROM task_runs GROUP BY device`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: count task runs failed")
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var device string
		var n int
		if err := rows.Scan(&device, &n); err != nil {
			return nil, errors.Wrap(err, "storage: scan run count failed")
		}
		counts[device] = n
	}
	return counts, errors.Wrap(rows.Err(), "storage: iterate run counts failed")
}

func scanRuns(rows *sql.Rows) ([]labsched.TaskRun, error) {
	var out []labsched.TaskRun
	for rows.Next() {
		var run labsched.TaskRun
		var sequential, sentinel int
		var queuedAt, startedAt string
		var durationUS int64
		if err := rows.Scan(&run.Device, &run.GroupID, &run.Priority, &sequential, &sentinel,
			&queuedAt, &startedAt, &durationUS, &run.Error); err != nil {
			return nil, errors.Wrap(err, "storage: scan task run failed")
		}
		run.Sequential = sequential != 0
		run.Sentinel = sentinel != 0
		if ts, err := time.Parse(time.RFC3339Nano, queuedAt); err == nil {
			run.QueuedAt = ts
		}
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			run.StartedAt = ts
		}
		run.Duration = time.Duration(durationUS) * time.Microsecond
		out = append(out, run)
	}
	return out, errors.Wrap(rows.Err(), "storage: iterate task runs failed")
}

func resolveDatabasePath() (string, error) {
	if custom := strings.TrimSpace(os.Getenv(EnvDBPath)); custom != "" {
		return custom, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "storage: locate user home failed")
	}
	return filepath.Join(home, defaultDBDirName, defaultDBFileName), nil
}

func ensureDirExists(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return errors.Wrapf(os.MkdirAll(dir, 0o755), "storage: create directory %s failed", dir)
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return errors.Wrapf(err, "storage: execute %s failed", pragma)
		}
	}
	// A single connection keeps writers from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return nil
}

func prepareSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS task_runs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			device      TEXT    NOT NULL,
			group_id    TEXT    NOT NULL DEFAULT '',
			priority    INTEGER NOT NULL,
			sequential  INTEGER NOT NULL,
			sentinel    INTEGER NOT NULL,
			queued_at   TEXT    NOT NULL,
			started_at  TEXT    NOT NULL,
			duration_us INTEGER NOT NULL,
			error       TEXT    NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_runs_device ON task_runs(device);`,
		`CREATE TABLE IF NOT EXISTS emergency_stops (
			id      INTEGER PRIMARY KEY AUTOINCREMENT,
			at      TEXT NOT NULL,
			devices TEXT NOT NULL
		);`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return errors.Wrap(err, "storage: prepare schema failed")
		}
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
