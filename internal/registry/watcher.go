package registry

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeCallback is called after the registry file changed and was reloaded
type ChangeCallback func(ctx context.Context)

// Watcher reloads a FileRegistry when its file changes
type Watcher struct {
	watcher  *fsnotify.Watcher
	registry *FileRegistry
	callback ChangeCallback
	debounce time.Duration
	logger   *zap.Logger

	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches the directory holding the registry file so that
// editors replacing the file are noticed too
func NewWatcher(reg *FileRegistry, callback ChangeCallback, logger *zap.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(reg.Path())); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		watcher:  fw,
		registry: reg,
		callback: callback,
		debounce: 500 * time.Millisecond,
		logger:   logger.Named("registry"),
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets how long changes are batched before reloading
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching until ctx is done or Stop is called
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(ctx, event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("watch error", zap.Error(err))
			}
		}
	}()
}

// Stop ends watching and waits for the event loop to exit
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.watcher.Close()
	if w.cancel != nil {
		<-w.done
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.registry.Path()) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.flush(ctx) })
}

func (w *Watcher) flush(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.registry.Reload(); err != nil {
		w.logger.Warn("reloading registry failed", zap.Error(err))
		return
	}
	w.logger.Info("registry reloaded", zap.String("path", w.registry.Path()))
	if w.callback != nil {
		w.callback(ctx)
	}
}
