package gateway

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"ctxproxy/internal/budget"
	"ctxproxy/internal/cache"
	"ctxproxy/internal/config"
	"ctxproxy/pkg/logger"
)

// WatchConfig reloads budget limits when the config file changes.
// Only the cache limits are hot-reloadable; server, backend, and storage
// settings need a restart.
func WatchConfig(ctx context.Context, path string, manager *cache.Manager) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the directory: editors replace the file, which drops a watch
	// placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}

				cfg, err := config.Load(path)
				if err != nil {
					logger.Warn().Err(err).Msg("config reload failed, keeping current limits")
					continue
				}
				manager.Budget().SetLimits(budget.LimitsFromConfig(cfg.Cache))
				logger.Info().
					Int("max_active_tokens", cfg.Cache.MaxActiveTokens).
					Int("max_total_tokens", cfg.Cache.MaxTotalTokens).
					Msg("budget limits reloaded")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	return nil
}
