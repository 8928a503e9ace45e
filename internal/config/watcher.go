package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/j-veylop/provider-ingest/internal/logger"
)

const planDebounceInterval = 100 * time.Millisecond

// PlanWatcher reloads the plan file when it changes on disk. Invalid edits
// are logged and ignored so the previous plan stays in effect.
type PlanWatcher struct {
	watcher       *fsnotify.Watcher
	onChange      func(*Plan)
	stopChan      chan struct{}
	debounceTimer *time.Timer
	path          string
	mu            sync.Mutex
	closeOnce     sync.Once
}

// WatchPlan starts watching path and calls onChange with every valid reload.
func WatchPlan(path string, onChange func(*Plan)) (*PlanWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to start plan watcher: %w", err)
	}

	// Watch the directory (to catch editors that replace the file)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		if closeErr := watcher.Close(); closeErr != nil {
			logger.Error("failed to close watcher", "error", closeErr)
		}
		return nil, fmt.Errorf("failed to watch plan directory: %w", err)
	}

	w := &PlanWatcher{
		watcher:  watcher,
		onChange: onChange,
		stopChan: make(chan struct{}),
		path:     path,
	}
	go w.watchLoop()
	return w, nil
}

func (w *PlanWatcher) watchLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.mu.Lock()
				if w.debounceTimer != nil {
					w.debounceTimer.Stop()
				}
				w.debounceTimer = time.AfterFunc(planDebounceInterval, w.reload)
				w.mu.Unlock()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("plan watcher error", "error", err)

		case <-w.stopChan:
			return
		}
	}
}

func (w *PlanWatcher) reload() {
	plan, err := LoadPlan(w.path)
	if err != nil {
		logger.Warn("ignoring invalid plan change", "path", w.path, "error", err)
		return
	}
	logger.Info("plan reloaded", "path", w.path, "groups", len(plan.Groups))
	if w.onChange != nil {
		w.onChange(plan)
	}
}

// Close stops the watcher.
func (w *PlanWatcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}
