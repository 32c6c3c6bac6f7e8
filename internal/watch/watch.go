package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is the quiet period before a reload fires.
const DefaultDebounce = 100 * time.Millisecond

// ErrRunning is returned when Run is called on a watcher that is already running.
var ErrRunning = errors.New("watcher already running")

// ReloadFunc is invoked after the watched file settles.
type ReloadFunc func(ctx context.Context) error

// FileWatcher watches a single file by watching its parent directory, which
// survives editors that replace the file through a rename.
type FileWatcher struct {
	path     string
	debounce time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	running bool
}

// Option configures a FileWatcher.
type Option func(*FileWatcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// New creates a watcher for path. Call Run to start it and Close to release
// the underlying inotify handle.
func New(path string, opts ...Option) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	fw := &FileWatcher{
		path:     abs,
		debounce: DefaultDebounce,
		logger:   zap.NewNop(),
		watcher:  watcher,
	}
	for _, opt := range opts {
		opt(fw)
	}
	return fw, nil
}

// Path returns the absolute path being watched.
func (fw *FileWatcher) Path() string {
	return fw.path
}

// Run blocks until ctx is cancelled, calling reload once per burst of writes
// to the watched file. Reload errors are logged and watching continues.
func (fw *FileWatcher) Run(ctx context.Context, reload ReloadFunc) error {
	fw.mu.Lock()
	if fw.running {
		fw.mu.Unlock()
		return ErrRunning
	}
	fw.running = true
	fw.mu.Unlock()

	defer func() {
		fw.mu.Lock()
		fw.running = false
		fw.mu.Unlock()
	}()

	dir := filepath.Dir(fw.path)
	if err := fw.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	fw.logger.Info("file watcher started",
		zap.String("path", fw.path),
		zap.Duration("debounce", fw.debounce),
	)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			fw.logger.Info("file watcher stopped", zap.String("path", fw.path))
			return nil

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return errors.New("watcher events channel closed")
			}
			if !fw.relevant(event) {
				continue
			}
			fw.logger.Debug("file event detected",
				zap.String("path", event.Name),
				zap.String("op", event.Op.String()),
			)
			if timer == nil {
				timer = time.NewTimer(fw.debounce)
				fire = timer.C
			} else {
				timer.Reset(fw.debounce)
			}

		case <-fire:
			fw.logger.Info("reloading configuration", zap.String("path", fw.path))
			if err := reload(ctx); err != nil {
				fw.logger.Error("configuration reload failed", zap.Error(err))
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return errors.New("watcher errors channel closed")
			}
			fw.logger.Error("file watcher error", zap.Error(err))
		}
	}
}

// Close releases the fsnotify watcher. Run returns once its channels close.
func (fw *FileWatcher) Close() error {
	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (fw *FileWatcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	return filepath.Clean(event.Name) == fw.path
}
