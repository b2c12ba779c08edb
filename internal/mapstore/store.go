// Package mapstore persists flood-map records and render jobs in SQLite.
package mapstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("mapstore: record not found")

// ErrDuplicate is returned when a flood map with the same name already
// exists in the project scenario.
var ErrDuplicate = errors.New("mapstore: flood map already exists")

// Store provides persistent storage for flood maps and render jobs.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	clock clockwork.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore opens (creating if needed) the SQLite database at dbPath.
// ":memory:" opens a private in-memory database.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db, clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS flood_maps (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_url TEXT NOT NULL,
		min REAL NOT NULL,
		max REAL NOT NULL,
		legend_unit TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_flood_maps_name
		ON flood_maps(project_id, scenario, file_name COLLATE NOCASE);
	CREATE INDEX IF NOT EXISTS idx_flood_maps_project ON flood_maps(project_id, created_at);

	CREATE TABLE IF NOT EXISTS render_jobs (
		job_id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		scenario TEXT NOT NULL,
		file_name TEXT NOT NULL,
		colors TEXT NOT NULL,
		ramp TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		png_url TEXT DEFAULT '',
		bounds_json TEXT DEFAULT '',
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_render_jobs_status ON render_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_render_jobs_finished ON render_jobs(finished_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return s.addColumn("render_jobs", "ramp", "TEXT NOT NULL DEFAULT ''")
}

// addColumn adds a column to tables created before it existed.
func (s *Store) addColumn(table, column, decl string) error {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

func (s *Store) now() string {
	return formatTime(s.clock.Now())
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(timeLayout, v)
	return t
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
