package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/jobs"
	"github.com/windmill-labs/windmill-sub006/internal/dev/ledger"
	"github.com/windmill-labs/windmill-sub006/internal/dev/migrate"
	"github.com/windmill-labs/windmill-sub006/internal/dev/runnable"
	"github.com/windmill-labs/windmill-sub006/internal/dev/schemas"
)

// SessionConfig holds configuration for a Session.
type SessionConfig struct {
	// AppDir is the app folder (default: current directory)
	AppDir string

	// RunnablesDir, MigrationsDir and TypesFile may be relative to AppDir
	RunnablesDir  string
	MigrationsDir string
	TypesFile     string

	// AppPath and Datatable override raw_app.yaml
	AppPath   string
	Datatable string

	// LedgerPath is the migration history database; "-" disables it
	LedgerPath string

	// Clock drives job poll backoff; nil means the wall clock
	Clock jobs.Clock

	MigrationDebounce time.Duration
	InitialScanDelay  time.Duration
	SchemaDebounce    time.Duration

	Logger zerolog.Logger
}

// Session owns the per-app state behind one bridge: the job orchestrator,
// the migration queue, the schema cache and the runnable loader.
type Session struct {
	appDir   string
	loader   *runnable.Loader
	jobs     *jobs.Orchestrator
	queue    *migrate.Queue
	schemas  *schemas.Manager
	ledger   *ledger.DB
	notifier *notifier

	migrationDebounce time.Duration
	initialScanDelay  time.Duration

	logger zerolog.Logger
}

// NewSession creates a session for the app in config.AppDir.
//
// A ledger that cannot be opened is logged and left out; every other
// component is always available.
func NewSession(api jobs.API, config SessionConfig) (*Session, error) {
	appDir := config.AppDir
	if appDir == "" {
		appDir = "."
	}
	appDir, err := filepath.Abs(appDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve app directory: %w", err)
	}
	logger := config.Logger

	appPath, datatable := config.AppPath, config.Datatable
	manifest, err := runnable.ReadManifest(filepath.Join(appDir, runnable.ManifestFile))
	switch {
	case err == nil:
		if appPath == "" {
			appPath = manifest.AppPath()
		}
		if datatable == "" {
			datatable = manifest.Data.Datatable
		}
	case os.IsNotExist(err):
		logger.Debug().Str("dir", appDir).Msg("No app manifest found")
	default:
		logger.Warn().Err(err).Msg("Failed to read app manifest")
	}

	s := &Session{
		appDir:            appDir,
		loader:            runnable.NewLoader(appDir, config.RunnablesDir, logger),
		notifier:          &notifier{},
		migrationDebounce: config.MigrationDebounce,
		initialScanDelay:  config.InitialScanDelay,
		logger:            logger.With().Str("component", "session").Logger(),
	}
	s.jobs = jobs.New(api, jobs.Config{
		AppPath: appPath,
		Clock:   config.Clock,
		Logger:  logger,
	})

	queueConfig := migrate.Config{
		Dir:       resolve(appDir, config.MigrationsDir, migrate.DefaultFolder),
		Datatable: datatable,
		Logger:    logger,
	}
	if config.LedgerPath != "-" {
		path := resolve(appDir, config.LedgerPath, ledger.DefaultPath)
		db, err := ledger.Open(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Migration ledger disabled")
		} else {
			s.ledger = db
			queueConfig.Recorder = db
		}
	}
	s.queue = migrate.New(s.notifier, s.jobs, queueConfig)

	s.schemas = schemas.NewManager(s.loader, schemas.NewCache(), schemas.Config{
		TypesFile: resolve(appDir, config.TypesFile, schemas.TypesFile),
		Debounce:  config.SchemaDebounce,
		Logger:    logger,
	})

	return s, nil
}

func resolve(base, path, def string) string {
	if path == "" {
		path = def
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// AppDir returns the absolute app folder.
func (s *Session) AppDir() string { return s.appDir }

// Jobs returns the job orchestrator.
func (s *Session) Jobs() *jobs.Orchestrator { return s.jobs }

// Execute resolves a runnable and starts a job for it.
func (s *Session) Execute(ctx context.Context, runnableID string, args json.RawMessage) (string, error) {
	r, err := s.loader.Get(runnableID)
	if err != nil {
		return "", err
	}
	return s.jobs.Execute(ctx, runnableID, r, args)
}

// Run watches the migrations and runnables folders until ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := s.queue.Run(ctx, migrate.RunConfig{
			InitialDelay: s.initialScanDelay,
			Debounce:     s.migrationDebounce,
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("Migration detection stopped")
		}
	}()

	go func() {
		defer wg.Done()
		if err := s.schemas.Run(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Schema inference stopped")
		}
	}()

	wg.Wait()
}

// Close releases the ledger.
func (s *Session) Close() error {
	if s.ledger == nil {
		return nil
	}
	return s.ledger.Close()
}

// notifier forwards queue events to whichever server is attached.
type notifier struct {
	mu        sync.RWMutex
	broadcast func(Message)
}

func (n *notifier) attach(broadcast func(Message)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcast = broadcast
}

func (n *notifier) emit(msg Message) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.broadcast != nil {
		n.broadcast(msg)
	}
}

func (n *notifier) Present(p migrate.Presentation) {
	n.emit(presentationMessage(p))
}

func (n *notifier) Result(r migrate.Result) {
	n.emit(resultMessage(r))
}
