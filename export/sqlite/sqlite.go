// Package sqlite exports finished task records to a SQLite database,
// recreating the meta/tasks schema from psshlib/output.py's
// SshTaskDatabase on top of github.com/mattn/go-sqlite3.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/canonical/pssh/shared/api"
)

// Sink writes task records to a SQLite database, implementing
// writer.Sink.
type Sink struct {
	db   *sql.DB
	stmt *sql.Stmt
}

// Open creates (or appends to) the database at path, recreating the
// meta/tasks tables if they do not already exist.
func Open(path, runID string, startedAt time.Time) (*Sink, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("Open sqlite database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Create sqlite schema: %w", err)
	}

	if _, err := db.Exec(
		`INSERT INTO meta (run_id, started_at) VALUES (?, ?)`,
		runID, startedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Insert run metadata: %w", err)
	}

	stmt, err := db.Prepare(insertTask)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Prepare task insert: %w", err)
	}

	return &Sink{db: db, stmt: stmt}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS meta (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	run_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL,
	user TEXT NOT NULL,
	command TEXT NOT NULL,
	started_at TEXT NOT NULL,
	exit_status INTEGER NOT NULL,
	bucket TEXT NOT NULL,
	fail_reasons TEXT NOT NULL,
	stdout TEXT NOT NULL,
	stderr TEXT NOT NULL,
	PRIMARY KEY (run_id, sequence)
);
`

const insertTask = `
INSERT INTO tasks (
	run_id, sequence, host, port, user, command, started_at,
	exit_status, bucket, fail_reasons, stdout, stderr
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

// ExportDone persists one finished task record.
func (s *Sink) ExportDone(rec *api.TaskRecord) error {
	_, err := s.stmt.Exec(
		rec.RunID, rec.Sequence, rec.Host, rec.Port, rec.User, rec.Command,
		rec.Started.UTC().Format(time.RFC3339Nano), rec.ExitStatus,
		string(rec.Bucket), strings.Join(rec.FailReasons, "; "), rec.Stdout, rec.Stderr,
	)
	if err != nil {
		return fmt.Errorf("Insert task record: %w", err)
	}

	return nil
}

// Close releases the prepared statement and database handle.
func (s *Sink) Close() error {
	_ = s.stmt.Close()
	return s.db.Close()
}
