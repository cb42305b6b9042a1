package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// BundleWatcher watches a playbook bundle directory and invokes the callback
// after a quiet period, so a bulk copy of many descriptor files triggers one
// re-ingestion instead of hundreds.
type BundleWatcher struct {
	dir      string
	onChange func()
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	once     sync.Once
}

// NewBundleWatcher starts watching dir for YAML descriptor changes.
func NewBundleWatcher(dir string, onChange func(), logger *slog.Logger) (*BundleWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &BundleWatcher{
		dir:      dir,
		onChange: onChange,
		logger:   logger,
		watcher:  watcher,
		cancel:   cancel,
	}
	go w.loop(ctx)
	return w, nil
}

// Close stops the watcher.
func (w *BundleWatcher) Close() error {
	var err error
	w.once.Do(func() {
		w.cancel()
		err = w.watcher.Close()
	})
	return err
}

func (w *BundleWatcher) loop(ctx context.Context) {
	var debounce *time.Timer
	const quietPeriod = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			ext := strings.ToLower(filepath.Ext(event.Name))
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(quietPeriod, func() {
					w.logger.Info("bundle directory changed, re-ingesting", "dir", w.dir)
					w.onChange()
				})
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("bundle watcher error", "error", err)
		}
	}
}
