// Package ledger keeps a local history of SQL migration decisions.
//
// Every migration the developer applies or skips (and every apply that
// fails) is appended to an embedded SQLite database next to the app, so the
// CLI can later answer "what did I run against this datatable, and when".
//
// Architecture:
//   - Database file: .wmill/dev.db under the app directory
//   - WAL mode: the bridge writes while the CLI reads
//   - Schema: a single append-only migrations table
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DefaultPath is the ledger location relative to the app directory.
const DefaultPath = ".wmill/dev.db"

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Outcome is how a migration left the queue.
type Outcome string

const (
	OutcomeApplied Outcome = "applied"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeApplied, OutcomeSkipped, OutcomeFailed:
		return true
	}
	return false
}

// Entry is one recorded migration outcome.
type Entry struct {
	ID         int64
	FileName   string
	Datatable  string
	Outcome    Outcome
	Error      string
	RecordedAt time.Time
}

// DB wraps the SQLite connection holding the ledger.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the ledger at path and initializes its schema.
//
// The caller MUST call Close() when done.
//
//	l, err := ledger.Open(filepath.Join(appDir, ledger.DefaultPath))
//	if err != nil {
//	    return err
//	}
//	defer l.Close()
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := db.InitSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	// Best effort; the data is already durable in the WAL.
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the ledger table if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the ledger table with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS migrations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		file_name TEXT NOT NULL,
		datatable TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,  -- applied, skipped, failed
		error TEXT,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_migrations_recorded ON migrations(recorded_at);
	CREATE INDEX IF NOT EXISTS idx_migrations_file ON migrations(file_name);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// Record appends an outcome. A zero RecordedAt is set to now.
func (db *DB) Record(entry Entry) (int64, error) {
	return db.RecordContext(context.Background(), entry)
}

// RecordContext appends an outcome with context support.
func (db *DB) RecordContext(ctx context.Context, entry Entry) (int64, error) {
	if entry.FileName == "" {
		return 0, fmt.Errorf("file name cannot be empty")
	}
	if !entry.Outcome.Valid() {
		return 0, fmt.Errorf("invalid outcome %q", entry.Outcome)
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}

	var errText sql.NullString
	if entry.Error != "" {
		errText = sql.NullString{String: entry.Error, Valid: true}
	}

	res, err := db.conn.ExecContext(ctx, `
	INSERT INTO migrations (file_name, datatable, outcome, error, recorded_at)
	VALUES (?, ?, ?, ?, ?)
	`,
		entry.FileName,
		entry.Datatable,
		string(entry.Outcome),
		errText,
		entry.RecordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to record migration %s: %w", entry.FileName, err)
	}

	return res.LastInsertId()
}

// ListFilter specifies filters for List.
type ListFilter struct {
	// Since keeps entries recorded at or after this time (zero = all)
	Since time.Time
	// FileName filters by file (empty = all files)
	FileName string
	// Outcome filters by outcome (empty = all outcomes)
	Outcome Outcome
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns entries matching filter, newest first.
func (db *DB) List(filter ListFilter) ([]*Entry, error) {
	return db.ListContext(context.Background(), filter)
}

// ListContext returns entries with context support.
func (db *DB) ListContext(ctx context.Context, filter ListFilter) ([]*Entry, error) {
	var conditions []string
	var args []interface{}

	if !filter.Since.IsZero() {
		conditions = append(conditions, "recorded_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}
	if filter.FileName != "" {
		conditions = append(conditions, "file_name = ?")
		args = append(args, filter.FileName)
	}
	if filter.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}

	query := `SELECT id, file_name, datatable, outcome, error, recorded_at FROM migrations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY recorded_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list migrations: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var (
			e          Entry
			outcome    string
			errText    sql.NullString
			recordedAt string
		)
		if err := rows.Scan(&e.ID, &e.FileName, &e.Datatable, &outcome, &errText, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		e.Outcome = Outcome(outcome)
		e.Error = errText.String
		if t, err := time.Parse(timeLayout, recordedAt); err == nil {
			e.RecordedAt = t
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migrations: %w", err)
	}

	return entries, nil
}
