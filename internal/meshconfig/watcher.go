package meshconfig

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback that fires when the ingress config
// file changes on disk, letting the ARN allow-list be hot-reloaded
// without restarting the server.
type WatchTargets struct {
	// OnConfigChange fires when the watched config file is written or
	// created. Typically reloads the auth allow-list in place.
	OnConfigChange func()
}

// Watcher monitors a config file's containing directory for changes
// using fsnotify, watching the directory rather than the file itself
// so editors that replace-on-save (rename over the old inode) are
// still picked up.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	done      chan struct{}
}

// NewWatcher watches configPath's directory and fires targets.OnConfigChange
// whenever configPath itself is written or created.
func NewWatcher(configPath string, targets WatchTargets) (*Watcher, error) {
	dir := filepath.Dir(configPath)
	name := filepath.Base(configPath)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{fsWatcher: fw, done: make(chan struct{})}
	go w.processEvents(name, targets)

	slog.Info("config watcher started", "path", configPath)
	return w, nil
}

func (w *Watcher) processEvents(name string, targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			slog.Info("config file changed, triggering reload", "file", name)
			if targets.OnConfigChange != nil {
				targets.OnConfigChange()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("config watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// Close stops the watcher goroutine and releases the underlying
// fsnotify watcher. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
