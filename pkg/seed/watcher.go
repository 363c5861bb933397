package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pario-ai/keypool/pkg/logger"
	"github.com/pario-ai/keypool/pkg/store"
)

// DefaultDebounce is used when the watcher is given no debounce interval.
const DefaultDebounce = 500 * time.Millisecond

// Watcher re-imports a seed file whenever it changes on disk.
type Watcher struct {
	path     string
	store    store.Store
	debounce time.Duration

	// OnImport, if set, is called after every import attempt.
	OnImport func(Result, error)

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a Watcher for path.
func NewWatcher(path string, s store.Store, debounce time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: path, store: s, debounce: debounce}
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors that replace the file by rename are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create seed watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	logger.Info("watching seed file", "path", w.path)

	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	base := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			logger.Warn("seed watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() { w.reload(ctx) })
}

func (w *Watcher) reload(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := ImportFile(ctx, w.store, w.path)
	if err != nil {
		logger.Error("seed reload failed", "path", w.path, "error", err)
	} else {
		logger.Info("seed reloaded", "path", w.path,
			"credentials", res.Credentials, "backups", res.Backups,
			"bindings", res.Bindings, "quotas", res.Quotas, "skipped", res.Skipped)
	}
	if w.OnImport != nil {
		w.OnImport(res, err)
	}
}
