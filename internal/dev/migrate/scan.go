package migrate

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/windmill-labs/windmill-sub006/internal/dev/watch"
)

// Default timings.
const (
	DefaultDebounce     = 100 * time.Millisecond
	DefaultInitialDelay = 500 * time.Millisecond
)

// IsMigrationFile reports whether path is a SQL file.
func IsMigrationFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".sql")
}

// List returns the SQL files under dir, recursively, sorted by path.
// A missing dir yields no files.
func List(dir string) ([]File, error) {
	var files []File
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return fs.SkipDir
			}
			return err
		}
		if d.IsDir() || !IsMigrationFile(path) {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = d.Name()
		}
		files = append(files, File{Path: path, FileName: filepath.ToSlash(rel)})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations in %s: %w", dir, err)
	}

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// Scan enqueues every SQL file in the migrations folder and presents the
// head of the queue. It returns how many files were newly queued.
func (q *Queue) Scan() (int, error) {
	files, err := List(q.dir)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, f := range files {
		if q.enqueueLocked(f.Path) {
			added++
		}
	}
	q.presentNextLocked()
	return added, nil
}

// RunConfig holds the watch timings for Run.
type RunConfig struct {
	// InitialDelay postpones the first scan so clients can connect first
	InitialDelay time.Duration
	// Debounce coalesces repeated writes to one file
	Debounce time.Duration
}

// Run scans the folder once after the initial delay and then queues files
// as they are created or modified, until ctx is cancelled. A missing
// folder disables detection.
func (q *Queue) Run(ctx context.Context, config RunConfig) error {
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultInitialDelay
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultDebounce
	}

	info, err := os.Stat(q.dir)
	if err != nil || !info.IsDir() {
		q.logger.Info().Str("dir", q.dir).Msg("No migrations folder, SQL migrations disabled")
		return nil
	}

	w, err := watch.New(q.dir, watch.Config{
		Debounce:  config.Debounce,
		Recursive: true,
		Filter:    IsMigrationFile,
		Logger:    q.logger,
	}, q.onFileEvent)
	if err != nil {
		return fmt.Errorf("failed to watch migrations: %w", err)
	}

	select {
	case <-ctx.Done():
		w.Close()
		return nil
	case <-time.After(config.InitialDelay):
	}

	if n, err := q.Scan(); err != nil {
		q.logger.Warn().Err(err).Msg("Initial migrations scan failed")
	} else if n > 0 {
		q.logger.Info().Int("count", n).Msg("Found pending migrations")
	}

	return w.Run(ctx)
}

func (q *Queue) onFileEvent(ev watch.Event) {
	if ev.Op == watch.OpDelete {
		return
	}
	if _, err := os.Stat(ev.Path); err != nil {
		return
	}
	q.Enqueue(ev.Path)
}
