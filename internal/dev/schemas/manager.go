package schemas

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/windmill-labs/windmill-sub006/internal/dev/runnable"
	"github.com/windmill-labs/windmill-sub006/internal/dev/watch"
)

// DefaultDebounce waits for typing to settle before inferring.
const DefaultDebounce = 500 * time.Millisecond

// Config holds configuration for a Manager.
type Config struct {
	// TypesFile is where the declarations are written
	TypesFile string

	// Debounce is the per-file quiet period before a change is handled
	Debounce time.Duration

	Logger zerolog.Logger
}

// Manager reacts to runnable edits: it re-infers schemas for changed code
// files and regenerates the declaration file.
type Manager struct {
	loader    *runnable.Loader
	cache     *Cache
	typesFile string
	debounce  time.Duration
	logger    zerolog.Logger

	// serializes generation so concurrent triggers never interleave writes
	genMu sync.Mutex
}

// NewManager creates a manager over the loader's runnables.
func NewManager(loader *runnable.Loader, cache *Cache, config Config) *Manager {
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}
	return &Manager{
		loader:    loader,
		cache:     cache,
		typesFile: config.TypesFile,
		debounce:  config.Debounce,
		logger:    config.Logger.With().Str("component", "schemas").Logger(),
	}
}

// Cache returns the schema cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Regenerate rewrites the declaration file from the current runnables and
// cached schemas. It reports whether the file changed.
func (m *Manager) Regenerate() (bool, error) {
	m.genMu.Lock()
	defer m.genMu.Unlock()

	runnables, err := m.loader.Load()
	if err != nil {
		return false, fmt.Errorf("failed to load runnables: %w", err)
	}

	data := GenerateTypes(runnables, m.cache.Snapshot())
	written, err := WriteIfChanged(m.typesFile, data)
	if err != nil {
		return false, err
	}
	if written {
		m.logger.Info().Str("file", m.typesFile).Msg("Regenerated type declarations")
	}
	return written, nil
}

// HandleChange processes a settled change to a file in the runnables folder.
//
// Code files are re-inferred and cached; definition files only trigger
// regeneration. Lock files are ignored.
func (m *Manager) HandleChange(path string) {
	name := filepath.Base(path)
	switch {
	case strings.HasSuffix(name, ".lock"):
		return
	case runnable.IsDefinitionFile(name):
		// definition changed; nothing to infer
	case runnable.IsCodeFile(name):
		m.infer(path)
	default:
		return
	}

	if _, err := m.Regenerate(); err != nil {
		m.logger.Error().Err(err).Msg("Failed to generate type declarations")
	}
}

func (m *Manager) infer(path string) {
	id := runnable.IDFromFile(path)

	code, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			m.cache.Delete(id)
			return
		}
		m.logger.Warn().Err(err).Str("runnable", id).Msg("Failed to read runnable code")
		return
	}

	language := runnable.LanguageForFile(path)
	if r, err := m.loader.Get(id); err == nil && r.Kind == runnable.KindInline && r.Inline.Language != "" {
		language = r.Inline.Language
	}

	schema, err := Infer(language, string(code))
	if err != nil {
		if errors.Is(err, ErrUnsupportedLanguage) {
			m.logger.Debug().Str("runnable", id).Str("language", language).Msg("No schema inference for language")
		} else {
			m.logger.Warn().Err(err).Str("runnable", id).Msg("Failed to infer schema")
		}
		return
	}

	m.cache.Set(id, schema)
	m.logger.Info().Str("runnable", id).Int("params", len(schema.Properties)).Msg("Inferred schema")
}

// Run generates the declarations once, then watches the runnables folder
// until ctx is cancelled. A missing folder disables watching.
func (m *Manager) Run(ctx context.Context) error {
	if _, err := m.Regenerate(); err != nil {
		m.logger.Error().Err(err).Msg("Failed to generate type declarations")
	}

	dir := m.loader.BackendDir()
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		m.logger.Info().Str("dir", dir).Msg("No runnables folder, schema inference disabled")
		return nil
	}

	w, err := watch.New(dir, watch.Config{
		Debounce: m.debounce,
		Logger:   m.logger,
	}, func(ev watch.Event) {
		m.HandleChange(ev.Path)
	})
	if err != nil {
		return fmt.Errorf("failed to watch runnables: %w", err)
	}
	return w.Run(ctx)
}
