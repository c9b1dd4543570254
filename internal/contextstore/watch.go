package contextstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// OverrideWatcher signals when an override record appears or changes.
type OverrideWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	logger  *zap.Logger
}

// NewOverrideWatcher watches the directory holding path. The directory is
// created if it does not exist.
func NewOverrideWatcher(path string, logger *zap.Logger) (*OverrideWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving override path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0700); err != nil {
		return nil, fmt.Errorf("creating override directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	return &OverrideWatcher{
		path:    abs,
		watcher: w,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		logger:  logger,
	}, nil
}

// Start processes filesystem events until ctx is done or Stop is called.
func (w *OverrideWatcher) Start(ctx context.Context) {
	go w.run(ctx)
}

// Events delivers one coalesced signal per burst of writes.
func (w *OverrideWatcher) Events() <-chan struct{} {
	return w.events
}

// Stop releases the watcher.
func (w *OverrideWatcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

func (w *OverrideWatcher) run(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			select {
			case w.events <- struct{}{}:
			default:
			}
			w.logger.Debug("override record changed", zap.String("path", event.Name), zap.String("op", event.Op.String()))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("override watcher error", zap.Error(err))
		}
	}
}
