package daemon

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"tomato/internal/logging"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// fileWatcher calls onChange after any of the watched files is written,
// replaced or removed. Bursts of events collapse into a single call.
type fileWatcher struct {
	logger   *slog.Logger
	onChange func()
	files    map[string]struct{}
	dirs     []string

	timerMu sync.Mutex
	timer   *time.Timer
}

func newFileWatcher(logger *slog.Logger, onChange func(), files ...string) *fileWatcher {
	w := &fileWatcher{
		logger:   logging.NewComponentLogger(logger, "watcher"),
		onChange: onChange,
		files:    make(map[string]struct{}),
	}
	seen := make(map[string]struct{})
	for _, file := range files {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		if abs, err := filepath.Abs(file); err == nil {
			file = abs
		}
		w.files[filepath.Clean(file)] = struct{}{}
		dir := filepath.Dir(file)
		if _, ok := seen[dir]; !ok {
			seen[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w
}

func (w *fileWatcher) matches(name string) bool {
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	_, ok := w.files[filepath.Clean(name)]
	return ok
}

func (w *fileWatcher) trigger() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.onChange)
}

func (w *fileWatcher) stopTimer() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// run blocks until ctx is done, recreating the underlying watcher with a
// jittered backoff whenever it breaks.
func (w *fileWatcher) run(ctx context.Context) {
	defer w.stopTimer()
	if len(w.dirs) == 0 {
		return
	}

	backoff := restartBackoffBase
	wait := func() bool {
		delay := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
			return true
		}
	}

	for ctx.Err() == nil {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			w.logger.Warn("file watch init failed", logging.Error(err))
			if !wait() {
				return
			}
			continue
		}
		if err := w.addDirs(fw); err != nil {
			_ = fw.Close()
			w.logger.Warn("file watch add failed", logging.Error(err))
			if !wait() {
				return
			}
			continue
		}

		backoff = restartBackoffBase
		w.logger.Debug("file watcher started", logging.Any("dirs", w.dirs))
		w.loop(ctx, fw)
		_ = fw.Close()
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn("file watcher stopped; restarting", logging.Duration("backoff", backoff))
		if !wait() {
			return
		}
	}
}

func (w *fileWatcher) addDirs(fw *fsnotify.Watcher) error {
	for _, dir := range w.dirs {
		if err := fw.Add(dir); err != nil {
			return err
		}
	}
	return nil
}

func (w *fileWatcher) loop(ctx context.Context, fw *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if !w.matches(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.logger.Debug("watched file changed", logging.String("path", ev.Name), logging.String("op", ev.Op.String()))
				w.trigger()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			if err == nil {
				continue
			}
			// An overflow may have swallowed a relevant event.
			if strings.Contains(strings.ToLower(err.Error()), "overflow") {
				w.trigger()
				continue
			}
			w.logger.Warn("file watch error", logging.Error(err))
		}
	}
}
