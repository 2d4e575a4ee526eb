package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/wudi/prefixgate/internal/logging"
	"go.uber.org/zap"
)

// DefaultDebounce collapses the burst of events editors emit for one save.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	fs       *fsnotify.Watcher
	loader   *Loader
	path     string
	debounce time.Duration

	mu       sync.Mutex
	onChange func(*Config)
	timer    *time.Timer
	done     chan struct{}
}

// NewWatcher creates a watcher for path. onChange receives every config that
// loads and validates; files that fail to load are logged and skipped.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fs:       fsw,
		loader:   NewLoader(),
		path:     path,
		debounce: DefaultDebounce,
		onChange: onChange,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}

// Start begins watching. The directory is watched rather than the file so
// atomic replace-by-rename saves are seen.
func (w *Watcher) Start() error {
	if err := w.fs.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		logging.Error("failed to reload config", zap.String("path", w.path), zap.Error(err))
		return
	}
	logging.Info("configuration file changed", zap.String("path", w.path))
	w.onChange(cfg)
}

// Stop stops watching for changes
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.done)
	return w.fs.Close()
}
