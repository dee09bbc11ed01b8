package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher hot-reloads the registry when its file changes on disk. Reloads
// are lenient: corrupt records are isolated rather than failing the swap.
type Watcher struct {
	registry *Registry
	custody  *CustodyLog
	path     string
	debounce time.Duration
}

// NewWatcher creates a watcher for the registry file at path. The custody
// log may be nil.
func NewWatcher(registry *Registry, custody *CustodyLog, path string) *Watcher {
	return &Watcher{
		registry: registry,
		custody:  custody,
		path:     path,
		debounce: 250 * time.Millisecond,
	}
}

// Run watches the registry file until ctx is cancelled. Write and create
// events are debounced because editors and atomic-rename writers emit
// several events per save.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	// Watch the directory: atomic renames replace the file inode.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("registry watcher error", slog.String("error", err.Error()))
		case <-fire:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	if err := w.registry.LoadFile(w.path, false); err != nil {
		slog.Error("registry hot reload failed",
			slog.String("path", w.path),
			slog.String("error", err.Error()),
		)
		return
	}
	if w.custody != nil {
		if err := w.custody.Append(CustodyEvent{Action: "registry.reload", Resource: w.path}); err != nil {
			slog.Warn("custody append failed", slog.String("error", err.Error()))
		}
	}
}
