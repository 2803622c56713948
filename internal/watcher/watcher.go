package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	packsync "github.com/packwright/packsyncd/internal/sync"
	"github.com/packwright/packsyncd/internal/trigger"
)

// Runner executes a sync run in an existing working copy.
type Runner interface {
	RunAt(ctx context.Context, dir string, ev trigger.Event) (*packsync.Result, error)
}

// Watcher monitors a local working copy and fires one sync run per settled
// burst of file events matching the watched path patterns. Runs in a single
// worktree are sequential; a local checkout cannot host concurrent runs.
type Watcher struct {
	dir    string
	filter *trigger.Filter
	settle time.Duration
	runner Runner
	logger *slog.Logger

	fs      *fsnotify.Watcher
	pending map[string]bool
}

// New creates a watcher over dir.
func New(dir string, filter *trigger.Filter, settle time.Duration, runner Runner, logger *slog.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		dir:     dir,
		filter:  filter,
		settle:  settle,
		runner:  runner,
		logger:  logger,
		fs:      fs,
		pending: make(map[string]bool),
	}, nil
}

// Run watches until the context is cancelled. Each burst of qualifying
// events that goes quiet for the settle window triggers one run.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		_ = w.fs.Close()
	}()

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching working copy",
		"dir", w.dir,
		"patterns", w.filter.Patterns(),
		"settle", w.settle)

	// The settle timer is armed on the first qualifying event of a burst
	// and re-armed on every further one; it fires once events go quiet.
	settleTimer := time.NewTimer(w.settle)
	if !settleTimer.Stop() {
		<-settleTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event, settleTimer)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)

		case <-settleTimer.C:
			w.flush(ctx)
		}
	}
}

// handleEvent records a qualifying change and re-arms the settle timer.
// New directories are added to the watch so nested changes keep arriving.
func (w *Watcher) handleEvent(event fsnotify.Event, settleTimer *time.Timer) {
	rel, err := filepath.Rel(w.dir, event.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	// Ignore hidden paths (.git and friends).
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") {
			return
		}
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
			}
		}
	}

	if !w.filter.Matches(rel) {
		return
	}

	w.logger.Debug("file event", "op", event.Op.String(), "path", rel)
	w.pending[rel] = true

	if !settleTimer.Stop() {
		select {
		case <-settleTimer.C:
		default:
		}
	}
	settleTimer.Reset(w.settle)
}

// flush turns the accumulated paths into one trigger event and runs the
// pipeline in the working copy.
func (w *Watcher) flush(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}

	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	w.pending = make(map[string]bool)

	w.logger.Info("changes settled, starting sync run", "changed_paths", len(paths))

	ev := trigger.Event{Paths: paths}
	if _, err := w.runner.RunAt(ctx, w.dir, ev); err != nil {
		w.logger.Error("sync run failed", "error", err)
	}
}

// addRecursive watches dir and every non-hidden subdirectory beneath it.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}
