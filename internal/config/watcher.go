package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"knowflow/internal/logging"
)

// Watcher reloads the config file on change and notifies subscribers.
// Editors often emit several write events per save, so reloads are debounced.
type Watcher struct {
	mu          sync.Mutex
	path        string
	watcher     *fsnotify.Watcher
	callbacks   []func(*Config)
	debounceDur time.Duration
	lastReload  time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
}

// NewWatcher creates a watcher for the given config file path.
func NewWatcher(path string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:        path,
		watcher:     fw,
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// OnReload registers a callback invoked with the freshly loaded config.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives rename-based atomic saves.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	w.running = true
	go w.loop()
	return nil
}

// Stop terminates the watch loop.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()
	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
}

func (w *Watcher) loop() {
	defer close(w.doneCh)
	log := logging.Get(logging.CategoryBoot)
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastReload) < w.debounceDur {
				w.mu.Unlock()
				continue
			}
			w.lastReload = time.Now()
			callbacks := append([]func(*Config){}, w.callbacks...)
			w.mu.Unlock()

			cfg, err := Load(w.path)
			if err != nil {
				log.Warnw("config reload failed", "path", w.path, "error", err)
				continue
			}
			log.Infow("config reloaded", "path", w.path)
			for _, fn := range callbacks {
				fn(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "error", err)
		}
	}
}
