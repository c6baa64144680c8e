// Package migrate serializes pending SQL migrations of an app so the
// developer decides on exactly one file at a time.
//
// Files dropped into the migrations folder are queued in discovery order.
// The head of the queue becomes the active migration and is presented to
// every connected client; it stays active until it is applied, skipped, or
// its apply fails. Only then is the next file presented.
package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/ledger"
)

// DefaultFolder is the migrations folder relative to the app directory.
const DefaultFolder = "sql_to_apply"

var (
	// ErrNotActive is returned when a decision names a file that is not
	// the active migration (including a second decision on the same file).
	ErrNotActive = errors.New("migration is not active")

	// ErrApplying is returned when the active migration is already being applied.
	ErrApplying = errors.New("migration is already being applied")
)

// File is one pending migration on disk.
type File struct {
	Path     string
	FileName string
}

// Presentation asks clients to decide on the active migration.
type Presentation struct {
	FileName  string
	SQL       string
	Datatable string
}

// Result is the outcome of a decision.
type Result struct {
	FileName string
	Success  bool
	Skipped  bool
	Message  string
}

// Notifier delivers queue events to every connected client.
// Calls are made with the queue lock held and must not call back into the queue.
type Notifier interface {
	Present(p Presentation)
	Result(r Result)
}

// Applier executes migration SQL against a datatable.
type Applier interface {
	ApplySQL(ctx context.Context, datatable, sql string) (json.RawMessage, error)
}

// Recorder keeps a history of outcomes.
type Recorder interface {
	RecordContext(ctx context.Context, entry ledger.Entry) (int64, error)
}

// Config holds configuration for a queue.
type Config struct {
	// Dir is the migrations folder
	Dir string

	// Datatable is the default target when a decision names none
	Datatable string

	// Recorder is optional
	Recorder Recorder

	Logger zerolog.Logger
}

// Queue is the migration queue. It is safe for concurrent use.
type Queue struct {
	dir       string
	datatable string
	notifier  Notifier
	applier   Applier
	recorder  Recorder
	logger    zerolog.Logger

	mu       sync.Mutex
	pending  []File
	active   *Presentation
	path     string // path of the active file
	applying bool
}

// New creates an empty queue.
func New(notifier Notifier, applier Applier, config Config) *Queue {
	return &Queue{
		dir:       config.Dir,
		datatable: config.Datatable,
		notifier:  notifier,
		applier:   applier,
		recorder:  config.Recorder,
		logger:    config.Logger.With().Str("component", "migrations").Logger(),
	}
}

// Dir returns the migrations folder.
func (q *Queue) Dir() string {
	return q.dir
}

// Enqueue adds a file unless it is already active or pending, then
// presents the head of the queue if nothing is active. It reports whether
// the file was added.
func (q *Queue) Enqueue(path string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := q.enqueueLocked(path)
	q.presentNextLocked()
	return added
}

func (q *Queue) enqueueLocked(path string) bool {
	if q.active != nil && q.path == path {
		return false
	}
	for _, f := range q.pending {
		if f.Path == path {
			return false
		}
	}
	q.pending = append(q.pending, File{Path: path, FileName: q.fileName(path)})
	q.logger.Debug().Str("file", path).Msg("Migration queued")
	return true
}

// fileName is the path relative to the migrations folder, slash separated.
func (q *Queue) fileName(path string) string {
	if q.dir != "" {
		if rel, err := filepath.Rel(q.dir, path); err == nil {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}

// presentNextLocked makes the head of the queue active and notifies clients.
// Files that vanished or cannot be read are dropped.
func (q *Queue) presentNextLocked() {
	for q.active == nil && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]

		content, err := os.ReadFile(next.Path)
		if err != nil {
			q.logger.Warn().Err(err).Str("file", next.FileName).Msg("Dropping unreadable migration")
			continue
		}

		q.active = &Presentation{FileName: next.FileName, SQL: string(content), Datatable: q.datatable}
		q.path = next.Path
		q.logger.Info().Str("file", next.FileName).Msg("Presenting migration")
		q.notifier.Present(*q.active)
	}
}

// Active returns the active presentation, if any.
func (q *Queue) Active() (Presentation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return Presentation{}, false
	}
	return *q.active, true
}

// Pending returns the files waiting behind the active one, in order.
func (q *Queue) Pending() []File {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]File(nil), q.pending...)
}

// Skip dismisses the active migration without touching its file, then
// presents the next one. A file skipped this way is offered again on the
// next rediscovery or change to it.
func (q *Queue) Skip(ctx context.Context, fileName string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil || q.active.FileName != fileName {
		return fmt.Errorf("%w: %s", ErrNotActive, fileName)
	}
	if q.applying {
		return fmt.Errorf("%w: %s", ErrApplying, fileName)
	}

	datatable := q.active.Datatable
	q.clearLocked()
	q.logger.Info().Str("file", fileName).Msg("Migration skipped")

	q.record(ctx, ledger.Entry{FileName: fileName, Datatable: datatable, Outcome: ledger.OutcomeSkipped})
	q.notifier.Result(Result{FileName: fileName, Success: true, Skipped: true})
	q.presentNextLocked()
	return nil
}

// Apply runs the active migration. sql and datatable override the
// presented values when non-empty.
//
// On success the file is deleted, every client is told, and the next file
// is presented. On failure the file stays on disk, the queue moves on to
// the next pending file, and the error is returned for the caller alone.
func (q *Queue) Apply(ctx context.Context, fileName, sql, datatable string) error {
	q.mu.Lock()
	if q.active == nil || q.active.FileName != fileName {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, fileName)
	}
	if q.applying {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrApplying, fileName)
	}
	q.applying = true
	if sql == "" {
		sql = q.active.SQL
	}
	if datatable == "" {
		datatable = q.active.Datatable
	}
	path := q.path
	q.mu.Unlock()

	q.logger.Info().Str("file", fileName).Str("datatable", datatable).Msg("Applying migration")
	_, applyErr := q.applier.ApplySQL(ctx, datatable, sql)

	q.mu.Lock()
	defer q.mu.Unlock()
	q.clearLocked()

	if applyErr != nil {
		q.logger.Error().Err(applyErr).Str("file", fileName).Msg("Migration failed")
		q.record(ctx, ledger.Entry{FileName: fileName, Datatable: datatable, Outcome: ledger.OutcomeFailed, Error: applyErr.Error()})
		q.presentNextLocked()
		return applyErr
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		q.logger.Warn().Err(err).Str("file", fileName).Msg("Failed to delete applied migration")
	}
	q.logger.Info().Str("file", fileName).Msg("Migration applied")

	q.record(ctx, ledger.Entry{FileName: fileName, Datatable: datatable, Outcome: ledger.OutcomeApplied})
	q.notifier.Result(Result{FileName: fileName, Success: true})
	q.presentNextLocked()
	return nil
}

func (q *Queue) clearLocked() {
	q.active = nil
	q.path = ""
	q.applying = false
}

func (q *Queue) record(ctx context.Context, entry ledger.Entry) {
	if q.recorder == nil {
		return
	}
	// The outcome is kept even when the caller is shutting down.
	if _, err := q.recorder.RecordContext(context.WithoutCancel(ctx), entry); err != nil {
		q.logger.Warn().Err(err).Str("file", entry.FileName).Msg("Failed to record migration outcome")
	}
}

// Attach brings a newly connected client up to date. join runs under the
// queue lock, so every presentation is either announced before join or
// after it, never both. With an active migration, send receives that
// presentation and no one else is notified. Otherwise the folder is
// rescanned and any file found is presented to all.
func (q *Queue) Attach(join func(), send func(Presentation)) {
	q.mu.Lock()
	if join != nil {
		join()
	}
	if q.active != nil {
		p := *q.active
		q.mu.Unlock()
		send(p)
		return
	}
	q.mu.Unlock()

	if _, err := q.Scan(); err != nil {
		q.logger.Warn().Err(err).Msg("Failed to rescan migrations")
	}
}
