// Package manifest records pipeline runs, their artifacts and their
// per-file failures in a SQLite database, so batch output stays traceable
// to the parameters that produced it.
package manifest

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Store wraps the manifest database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the manifest database at path and brings
// its schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest database: %w", err)
	}
	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// migrateUp runs all pending migrations from the embedded set.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Note: We don't close m here because it would close the underlying DB connection.
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger interface
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// RunParams are the knobs a run was started with.
type RunParams struct {
	InputDir   string
	VoxelSize  float64
	EdgeRadius float64
}

// Run is one recorded pipeline invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is open
	Status     string
	InputDir   string
	VoxelSize  float64
	EdgeRadius float64
}

// Artifact is one table or mask a run produced.
type Artifact struct {
	RunID     string
	Stage     string
	Path      string
	Points    int
	CreatedAt time.Time
}

// FileFailure is one per-file error a run continued past.
type FileFailure struct {
	RunID     string
	Stage     string
	Path      string
	Message   string
	CreatedAt time.Time
}

// BeginRun inserts a new open run and returns its id.
func (s *Store) BeginRun(params RunParams) (string, error) {
	id := uuid.NewString()
	_, err := s.Exec(
		"INSERT INTO runs (id, started_at, status, input_dir, voxel_size, edge_radius) VALUES (?, ?, ?, ?, ?, ?)",
		id, time.Now().Unix(), StatusRunning, params.InputDir, params.VoxelSize, params.EdgeRadius,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}
	return id, nil
}

// FinishRun closes a run with the given status.
func (s *Store) FinishRun(id, status string) error {
	res, err := s.Exec(
		"UPDATE runs SET finished_at = ?, status = ? WHERE id = ?",
		time.Now().Unix(), status, id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no run with id %s", id)
	}
	return nil
}

// RecordArtifact stores one produced artifact path under a run.
func (s *Store) RecordArtifact(runID, stage, path string, points int) error {
	_, err := s.Exec(
		"INSERT INTO artifacts (run_id, stage, path, points, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, stage, path, points, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record artifact %s: %w", path, err)
	}
	return nil
}

// RecordFailure stores one per-file error under a run.
func (s *Store) RecordFailure(runID, stage, path, message string) error {
	_, err := s.Exec(
		"INSERT INTO file_errors (run_id, stage, path, message, created_at) VALUES (?, ?, ?, ?, ?)",
		runID, stage, path, message, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", path, err)
	}
	return nil
}

// Run returns one run by id.
func (s *Store) Run(id string) (*Run, error) {
	row := s.QueryRow(
		"SELECT id, started_at, finished_at, status, input_dir, voxel_size, edge_radius FROM runs WHERE id = ?",
		id,
	)
	r, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return r, nil
}

// Runs returns all runs, most recent first.
func (s *Store) Runs() ([]Run, error) {
	rows, err := s.Query(
		"SELECT id, started_at, finished_at, status, input_dir, voxel_size, edge_radius FROM runs ORDER BY started_at DESC, id",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// Artifacts returns a run's artifacts in insertion order.
func (s *Store) Artifacts(runID string) ([]Artifact, error) {
	rows, err := s.Query(
		"SELECT run_id, stage, path, points, created_at FROM artifacts WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []Artifact
	for rows.Next() {
		var a Artifact
		var created int64
		if err := rows.Scan(&a.RunID, &a.Stage, &a.Path, &a.Points, &created); err != nil {
			return nil, err
		}
		a.CreatedAt = time.Unix(created, 0).UTC()
		arts = append(arts, a)
	}
	return arts, rows.Err()
}

// Failures returns a run's recorded per-file errors in insertion order.
func (s *Store) Failures(runID string) ([]FileFailure, error) {
	rows, err := s.Query(
		"SELECT run_id, stage, path, message, created_at FROM file_errors WHERE run_id = ? ORDER BY id",
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list failures: %w", err)
	}
	defer rows.Close()

	var fails []FileFailure
	for rows.Next() {
		var f FileFailure
		var created int64
		if err := rows.Scan(&f.RunID, &f.Stage, &f.Path, &f.Message, &created); err != nil {
			return nil, err
		}
		f.CreatedAt = time.Unix(created, 0).UTC()
		fails = append(fails, f)
	}
	return fails, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	var started int64
	var finished sql.NullInt64
	if err := row.Scan(&r.ID, &started, &finished, &r.Status, &r.InputDir, &r.VoxelSize, &r.EdgeRadius); err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		r.FinishedAt = time.Unix(finished.Int64, 0).UTC()
	}
	return &r, nil
}
