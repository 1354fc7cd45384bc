package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// reloadDelay coalesces the burst of events editors produce for one save
const reloadDelay = 100 * time.Millisecond

// Watcher reloads a config file when it changes on disk
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onReload func(Config)
}

// NewWatcher watches path and calls onReload with every successfully parsed
// new version of the file. The parent directory is watched so that atomic
// replace-by-rename saves are seen.
func NewWatcher(path string, onReload func(Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	return &Watcher{
		path:     filepath.Clean(path),
		watcher:  watcher,
		onReload: onReload,
	}, nil
}

// Run handles file events until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	log.Debugf("Watching config file for changes: %s", w.path)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			log.Debugf("Config file event: %s, %s", event.Name, event.Op.String())

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			pending = timer.C

		case <-pending:
			pending = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Config watcher error: %v", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Warnf("Warning: keeping previous config: %v", err)
		return
	}
	if err := cfg.Validate(); err != nil {
		log.Warnf("Warning: keeping previous config, new one is invalid: %v", err)
		return
	}
	log.Infof("Reloaded config from %s", w.path)
	w.onReload(cfg)
}
