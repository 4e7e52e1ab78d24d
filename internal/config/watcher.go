package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"fleetd/pkg/logger"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reloads the config file when it changes and re-applies the
// settings that are safe to change at runtime, currently the log level.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	stopCh  chan struct{}

	mu       sync.Mutex
	debounce *time.Timer
}

// NewWatcher returns a watcher for the config file at path.
func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher: w,
		path:    path,
		stopCh:  make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.path); err != nil {
		return err
	}
	go w.run()
	return nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Editors replace files on save, so Create counts too.
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				w.handleEvent()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Msg("Config watcher error")
		}
	}
}

// handleEvent reloads after a short debounce so a burst of writes from
// one save triggers a single reload.
func (w *Watcher) handleEvent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Warn().Err(err).Str("path", w.path).Msg("Config reload failed")
		return
	}
	logger.SetLevel(cfg.Log.Level)
	logger.Info().Str("path", w.path).Str("level", cfg.Log.Level).Msg("Config reloaded")
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
