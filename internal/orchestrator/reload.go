package orchestrator

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/marmos91/oig-proxy/internal/config"
	"github.com/marmos91/oig-proxy/internal/logger"
)

// watchConfig hot-reloads the keys that are safe to change without a
// restart: the control whitelist and the hybrid tunables.
// Connection-affecting keys (listener/cloud/bus addresses, queue paths)
// and the status interval are logged as requiring a restart when they
// differ.
func (o *Orchestrator) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("config watcher unavailable", logger.Err(err))
		return
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory, not the file: editors and atomic-rename
	// writers replace the inode, which silences a file-level watch.
	if err := watcher.Add(filepath.Dir(o.cfgPath)); err != nil {
		logger.Warn("config watch failed", logger.Source(o.cfgPath), logger.Err(err))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Name != o.cfgPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			o.reloadConfig()
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("config watcher error", logger.Err(err))
		}
	}
}

func (o *Orchestrator) reloadConfig() {
	reloaded, err := config.Load(o.cfgPath)
	if err != nil {
		logger.Warn("config reload failed, keeping previous configuration", logger.Err(err))
		return
	}

	o.pipeline.SetWhitelist(buildWhitelist(reloaded.Control.Whitelist))
	o.machine.Reconfigure(reloaded.Hybrid.FailThreshold, reloaded.Hybrid.RetryInterval)

	if reloaded.BoxListener != o.cfg.BoxListener ||
		reloaded.CloudSession != o.cfg.CloudSession ||
		reloaded.Bus != o.cfg.Bus ||
		reloaded.Queue != o.cfg.Queue ||
		reloaded.Status != o.cfg.Status {
		logger.Warn("connection-affecting config keys changed; restart required for them to take effect")
	}

	logger.Info("config reloaded", logger.Source(o.cfgPath))
}
