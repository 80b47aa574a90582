// Package storage persists acquisition sessions, sweeps and waveforms to
// SQLite. One file per rig; WAL mode keeps dashboard reads from blocking
// the sweep writer.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"

	"github.com/opprud/TestRigInstrumentation/internal/domain"
)

const (
	dirPermissions  = 0750
	filePermissions = 0600

	connectTimeout = 5 * time.Second
)

// Config maps to the storage section of the rig config.
type Config struct {
	// Path is the SQLite database file. The directory is created if
	// missing.
	Path string

	// WALMode enables write-ahead logging. Recommended on.
	WALMode bool

	// BusyTimeout is the lock wait in seconds.
	BusyTimeout int
}

// Store is the sweep/telemetry database.
type Store struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens (creating if needed) the database and applies the schema.
func Open(cfg Config, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.BusyTimeout*1000)
	if cfg.WALMode {
		connStr += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite supports one writer; a single pooled connection avoids lock
	// churn between the sweep writer and API readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{
		db:     db,
		path:   cfg.Path,
		logger: logger.With().Str("component", "storage").Logger(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Owner read/write only. Best effort; the file may appear on first write.
	_ = os.Chmod(cfg.Path, filePermissions)

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	scope_idn   TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	sweep_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sweeps (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	idx        INTEGER NOT NULL,
	started_at TIMESTAMP NOT NULL,
	telemetry  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sweeps_session ON sweeps(session_id);

CREATE TABLE IF NOT EXISTS waveforms (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	sweep_id    TEXT NOT NULL REFERENCES sweeps(id) ON DELETE CASCADE,
	source      TEXT NOT NULL,
	alias       TEXT NOT NULL DEFAULT '',
	format      TEXT NOT NULL,
	points      INTEGER NOT NULL,
	x_increment REAL NOT NULL DEFAULT 0,
	x_origin    REAL NOT NULL DEFAULT 0,
	x_reference REAL NOT NULL DEFAULT 0,
	y_increment REAL NOT NULL DEFAULT 0,
	y_origin    REAL NOT NULL DEFAULT 0,
	y_reference REAL NOT NULL DEFAULT 0,
	sample_rate REAL NOT NULL DEFAULT 0,
	raw         BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_waveforms_sweep ON waveforms(sweep_id);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// HealthCheck verifies the database answers a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// CreateSession records a new acquisition run.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, scope_idn, started_at) VALUES (?, ?, ?, ?)`,
		session.ID.String(), session.Name, session.ScopeIDN, session.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("creating session %s: %w", session.ID, err)
	}
	return nil
}

// FinishSession stamps the session's end time and final sweep count.
func (s *Store) FinishSession(ctx context.Context, id uuid.UUID, finishedAt time.Time, sweepCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ?, sweep_count = ? WHERE id = ?`,
		finishedAt.UTC(), sweepCount, id.String())
	if err != nil {
		return fmt.Errorf("finishing session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	return nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, scope_idn, started_at, finished_at, sweep_count
		 FROM sessions WHERE id = ?`, id.String())

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return session, nil
}

// ListSessions returns all sessions, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scope_idn, started_at, finished_at, sweep_count
		 FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SaveSweep writes one sweep and its waveforms atomically.
func (s *Store) SaveSweep(ctx context.Context, sweep domain.Sweep) error {
	telemetry, err := json.Marshal(sweep.Telemetry)
	if err != nil {
		return fmt.Errorf("encoding telemetry for sweep %s: %w", sweep.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sweeps (id, session_id, idx, started_at, telemetry) VALUES (?, ?, ?, ?, ?)`,
		sweep.ID.String(), sweep.SessionID.String(), sweep.Index, sweep.StartedAt.UTC(), string(telemetry))
	if err != nil {
		return fmt.Errorf("inserting sweep %s: %w", sweep.ID, err)
	}

	for _, wf := range sweep.Waveforms {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO waveforms (sweep_id, source, alias, format, points,
				x_increment, x_origin, x_reference, y_increment, y_origin, y_reference,
				sample_rate, raw)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sweep.ID.String(), wf.Source, wf.Alias, wf.Format, wf.Points,
			wf.XIncrement, wf.XOrigin, wf.XReference, wf.YIncrement, wf.YOrigin, wf.YReference,
			wf.SampleRate, wf.Raw)
		if err != nil {
			return fmt.Errorf("inserting waveform %s/%s: %w", sweep.ID, wf.Source, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing sweep %s: %w", sweep.ID, err)
	}
	return nil
}

// ListSweeps returns a session's sweeps with their waveforms, in sweep order.
func (s *Store) ListSweeps(ctx context.Context, sessionID uuid.UUID) ([]domain.Sweep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, idx, started_at, telemetry
		 FROM sweeps WHERE session_id = ? ORDER BY idx`, sessionID.String())
	if err != nil {
		return nil, fmt.Errorf("listing sweeps for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var sweeps []domain.Sweep
	for rows.Next() {
		var (
			sweep         domain.Sweep
			idStr, sidStr string
			telemetry     string
		)
		if err := rows.Scan(&idStr, &sidStr, &sweep.Index, &sweep.StartedAt, &telemetry); err != nil {
			return nil, fmt.Errorf("scanning sweep: %w", err)
		}
		if sweep.ID, err = uuid.Parse(idStr); err != nil {
			return nil, fmt.Errorf("scanning sweep id: %w", err)
		}
		if sweep.SessionID, err = uuid.Parse(sidStr); err != nil {
			return nil, fmt.Errorf("scanning sweep session id: %w", err)
		}
		if err := json.Unmarshal([]byte(telemetry), &sweep.Telemetry); err != nil {
			return nil, fmt.Errorf("decoding telemetry for sweep %s: %w", sweep.ID, err)
		}
		sweeps = append(sweeps, sweep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range sweeps {
		if sweeps[i].Waveforms, err = s.loadWaveforms(ctx, sweeps[i].ID); err != nil {
			return nil, err
		}
	}
	return sweeps, nil
}

func (s *Store) loadWaveforms(ctx context.Context, sweepID uuid.UUID) ([]domain.Waveform, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, alias, format, points, x_increment, x_origin, x_reference,
			y_increment, y_origin, y_reference, sample_rate, raw
		 FROM waveforms WHERE sweep_id = ? ORDER BY id`, sweepID.String())
	if err != nil {
		return nil, fmt.Errorf("loading waveforms for %s: %w", sweepID, err)
	}
	defer rows.Close()

	var waveforms []domain.Waveform
	for rows.Next() {
		var wf domain.Waveform
		err := rows.Scan(&wf.Source, &wf.Alias, &wf.Format, &wf.Points,
			&wf.XIncrement, &wf.XOrigin, &wf.XReference,
			&wf.YIncrement, &wf.YOrigin, &wf.YReference,
			&wf.SampleRate, &wf.Raw)
		if err != nil {
			return nil, fmt.Errorf("scanning waveform: %w", err)
		}
		waveforms = append(waveforms, wf)
	}
	return waveforms, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		session    domain.Session
		idStr      string
		finishedAt sql.NullTime
	)
	err := row.Scan(&idStr, &session.Name, &session.ScopeIDN,
		&session.StartedAt, &finishedAt, &session.SweepCount)
	if err != nil {
		return domain.Session{}, err
	}
	if session.ID, err = uuid.Parse(idStr); err != nil {
		return domain.Session{}, err
	}
	if finishedAt.Valid {
		session.FinishedAt = finishedAt.Time
	}
	return session, nil
}
