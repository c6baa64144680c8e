// Package watch provides a debounced file system watcher.
//
// Rapid successive writes to one file (editors often write a file several
// times per save) are coalesced: the handler runs once per path after the
// path has been quiet for the debounce interval, with the latest operation.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted or renamed away.
	OpDelete
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is a debounced change to one file.
type Event struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the last operation seen for the path.
	Op EventOp
}

// Filter decides whether a file path is of interest.
type Filter func(path string) bool

// Handler receives debounced events. It runs on the watcher goroutine,
// one event at a time.
type Handler func(Event)

// Config holds configuration for a watcher.
type Config struct {
	// Debounce is how long a path must be quiet before its event is delivered
	Debounce time.Duration

	// Recursive watches every subdirectory, including ones created later
	Recursive bool

	// Filter restricts events to matching files; nil accepts all
	Filter Filter

	Logger zerolog.Logger
}

type queued struct {
	op EventOp
	at time.Time
}

// Watcher watches a directory tree and delivers debounced events.
type Watcher struct {
	root    string
	config  Config
	handler Handler
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	changeQueue   map[string]queued
	changeQueueMu sync.Mutex
}

// New creates a watcher for root and starts watching it. Events are
// delivered once Run is called.
func New(root string, config Config, handler Handler) (*Watcher, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if config.Debounce <= 0 {
		config.Debounce = 100 * time.Millisecond
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", root, err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:        absRoot,
		config:      config,
		handler:     handler,
		watcher:     fw,
		logger:      config.Logger,
		changeQueue: make(map[string]queued),
	}

	// Watches are in place when New returns, so no write is missed
	// between construction and Run.
	if err := w.addTree(absRoot); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run watches until ctx is cancelled. Pending events that have not yet
// settled are dropped on shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.Close()

	w.logger.Debug().Str("root", w.root).Bool("recursive", w.config.Recursive).Msg("Watching")

	ticker := time.NewTicker(w.config.Debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleRaw(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("Watcher error")

		case <-ticker.C:
			w.processPendingChanges()
		}
	}
}

// Close releases the watches. Run closes the watcher on return; Close is
// only needed when Run is never called.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// addTree adds dir, and its subdirectories when recursive.
func (w *Watcher) addTree(dir string) error {
	if !w.config.Recursive {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		return nil
	}

	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) handleRaw(event fsnotify.Event) {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename shows up as a create under the new name
		op = OpDelete
	default:
		return
	}

	if op == OpCreate && w.config.Recursive {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("Failed to watch new directory")
			}
			// Files written before the watch was added are picked up by a scan.
			w.queueTree(event.Name)
			return
		}
	}

	if w.config.Filter != nil && !w.config.Filter(event.Name) {
		return
	}

	w.logger.Trace().Str("op", op.String()).Str("path", event.Name).Msg("File event")
	w.queueChange(event.Name, op)
}

func (w *Watcher) queueTree(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if w.config.Filter == nil || w.config.Filter(path) {
			w.queueChange(path, OpCreate)
		}
		return nil
	})
}

// queueChange adds a file to the change queue with debouncing.
func (w *Watcher) queueChange(path string, op EventOp) {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()

	// A create followed by writes is still a create.
	if prev, ok := w.changeQueue[path]; ok && prev.op == OpCreate && op == OpModify {
		op = OpCreate
	}
	w.changeQueue[path] = queued{op: op, at: time.Now()}
}

// processPendingChanges delivers events for paths that have been quiet
// long enough, in path order.
func (w *Watcher) processPendingChanges() {
	w.changeQueueMu.Lock()
	now := time.Now()
	var ready []Event
	for path, q := range w.changeQueue {
		if now.Sub(q.at) < w.config.Debounce {
			continue
		}
		ready = append(ready, Event{Path: path, Op: q.op})
		delete(w.changeQueue, path)
	}
	w.changeQueueMu.Unlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].Path < ready[j].Path })
	for _, ev := range ready {
		w.handler(ev)
	}
}

// Pending returns how many paths are waiting to settle.
func (w *Watcher) Pending() int {
	w.changeQueueMu.Lock()
	defer w.changeQueueMu.Unlock()
	return len(w.changeQueue)
}
