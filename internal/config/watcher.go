package config

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchTargets holds the callback that fires when rubberduckd.yaml changes
// on disk, letting the default Bedrock region and cache limits hot-reload
// without a process restart.
type WatchTargets struct {
	OnConfigChange func()
}

// Watcher monitors the directory containing rubberduckd.yaml and fires
// WatchTargets.OnConfigChange when the file is written or created.
type Watcher struct {
	fsWatcher  *fsnotify.Watcher
	configName string
	done       chan struct{}
}

// NewWatcher creates a file watcher on the directory containing configPath.
func NewWatcher(configPath string, targets WatchTargets) (*Watcher, error) {
	dir := filepath.Dir(configPath)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}

	w := &Watcher{
		fsWatcher:  fw,
		configName: filepath.Base(configPath),
		done:       make(chan struct{}),
	}

	go w.processEvents(targets)

	slog.Info("config watcher started", "dir", dir)
	return w, nil
}

func (w *Watcher) processEvents(targets WatchTargets) {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if filepath.Base(event.Name) != w.configName {
				continue
			}
			slog.Info("config file changed, reloading", "file", w.configName)
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

// Close stops the watcher goroutine. Safe to call multiple times.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.fsWatcher.Close()
}
