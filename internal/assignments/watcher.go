package assignments

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hochfrequenz/robot-orchestrator/internal/domain"
)

// Persister stores a replaced assignment set
type Persister interface {
	ReplaceAssignments(ctx context.Context, list []domain.RobotAssignment) error
}

// Watcher reloads an assignment file into a Table when it changes
type Watcher struct {
	path     string
	table    *Table
	persist  Persister
	logger   *slog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	timer   *time.Timer
	mu      sync.Mutex
	reloads int
}

// NewWatcher creates a watcher for path. persist may be nil.
func NewWatcher(path string, table *Table, persist Persister, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	// editors replace files on save, so watch the directory
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		table:    table,
		persist:  persist,
		logger:   logger,
		debounce: debounce,
		watcher:  w,
	}, nil
}

// Reload reads the file and replaces the table. On error the previous table
// stays active.
func (w *Watcher) Reload(ctx context.Context) error {
	list, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	if err := w.table.Replace(list); err != nil {
		return err
	}
	if w.persist != nil {
		if err := w.persist.ReplaceAssignments(ctx, list); err != nil {
			return err
		}
	}
	w.mu.Lock()
	w.reloads++
	w.mu.Unlock()
	w.logger.Info("robot assignments loaded", "path", w.path, "count", len(list))
	return nil
}

// Reloads returns how many reloads succeeded
func (w *Watcher) Reloads() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reloads
}

// Close stops watching. Run returns once its event channel closes.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run processes file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("assignment watcher error", "err", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if err := w.Reload(ctx); err != nil {
			w.logger.Error("reload robot assignments, keeping previous set", "path", w.path, "err", err)
		}
	})
}
