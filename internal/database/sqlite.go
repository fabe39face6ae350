package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"backit-go/internal/backit"
	"backit-go/internal/database/migrations"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// SQLiteDatabase implements backit.Journal using SQLite.
type SQLiteDatabase struct {
	db    *sql.DB
	path  string
	clock backit.Clock
}

var _ backit.Journal = (*SQLiteDatabase)(nil)

// NewSQLiteDatabase opens the journal at path and brings its schema up to
// date. path can be a file path or ":memory:". clock may be nil.
func NewSQLiteDatabase(path string, clock backit.Clock) (*SQLiteDatabase, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return NewSQLiteDatabaseFromDB(db, path, clock), nil
}

// NewSQLiteDatabaseFromDB wraps an existing connection without migrating it.
func NewSQLiteDatabaseFromDB(db *sql.DB, path string, clock backit.Clock) *SQLiteDatabase {
	if clock == nil {
		clock = backit.RealClock{}
	}
	return &SQLiteDatabase{db: db, path: path, clock: clock}
}

// OpenConnection opens and configures a SQLite connection. Pragmas go in
// the DSN so that every pooled connection gets them.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// Operations

func (s *SQLiteDatabase) StartOperation(operation, parameters, project string) (*backit.Operation, error) {
	started := s.clock.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO operations (operation, parameters, project, started_at, status) VALUES (?, ?, ?, ?, ?)`,
		operation, parameters, project, started, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading operation id: %w", err)
	}
	return &backit.Operation{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		Project:    project,
		StartedAt:  started,
		Status:     StatusRunning,
	}, nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status, detail string) error {
	res, err := s.db.Exec(
		`UPDATE operations SET finished_at = ?, status = ?, detail = ? WHERE id = ?`,
		s.clock.Now().UTC(), status, detail, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("finishing operation: no operation with id %d", id)
	}
	return nil
}

func (s *SQLiteDatabase) ListOperations(limit int) ([]*backit.Operation, error) {
	rows, err := s.db.Query(
		`SELECT id, operation, parameters, project, started_at, finished_at, status, detail
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var ops []*backit.Operation
	for rows.Next() {
		var (
			op       backit.Operation
			finished sql.NullTime
		)
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.Project,
			&op.StartedAt, &finished, &op.Status, &op.Detail); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			op.FinishedAt = &t
		}
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return ops, nil
}

func (s *SQLiteDatabase) MaxOperationID() (int64, error) {
	var id int64
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM operations`).Scan(&id); err != nil {
		return 0, fmt.Errorf("getting max operation ID: %w", err)
	}
	return id, nil
}

// Pushes

// RecordPush stores p. A blank ID or PushedAt is filled in.
func (s *SQLiteDatabase) RecordPush(p *backit.PushRecord) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.PushedAt.IsZero() {
		p.PushedAt = s.clock.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO pushes (id, operation_id, remote_url, branch, snapshot_id, forced, pushed_at, status, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OperationID, p.RemoteURL, p.Branch, p.SnapshotID, p.Forced, p.PushedAt, p.Status, p.Detail)
	if err != nil {
		return fmt.Errorf("recording push: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) ListPushes(limit int) ([]*backit.PushRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, operation_id, remote_url, branch, snapshot_id, forced, pushed_at, status, detail
		 FROM pushes ORDER BY pushed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing pushes: %w", err)
	}
	defer rows.Close()

	var pushes []*backit.PushRecord
	for rows.Next() {
		var p backit.PushRecord
		if err := rows.Scan(&p.ID, &p.OperationID, &p.RemoteURL, &p.Branch, &p.SnapshotID,
			&p.Forced, &p.PushedAt, &p.Status, &p.Detail); err != nil {
			return nil, fmt.Errorf("scanning push: %w", err)
		}
		pushes = append(pushes, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pushes: %w", err)
	}
	return pushes, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
// destPath must not exist.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Elapsed reports how long a finished operation ran.
func Elapsed(op *backit.Operation) time.Duration {
	if op.FinishedAt == nil {
		return 0
	}
	return op.FinishedAt.Sub(op.StartedAt)
}
