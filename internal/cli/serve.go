package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ctxproxy/internal/budget"
	"ctxproxy/internal/cache"
	"ctxproxy/internal/config"
	"ctxproxy/internal/gateway"
	ws "ctxproxy/internal/gateway/websocket"
	"ctxproxy/internal/provider"
	"ctxproxy/internal/retrieval"
	"ctxproxy/internal/session"
	"ctxproxy/internal/storage"
	"ctxproxy/internal/summary"
	"ctxproxy/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the proxy gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Get()

		store, err := storage.Open(cfg.Cache.Dir)
		if err != nil {
			return fmt.Errorf("open cache store: %w", err)
		}
		defer store.Close()

		backend := provider.NewOllama(provider.OllamaOptions{
			Endpoint:  cfg.Ollama.Endpoint,
			Model:     cfg.Ollama.Model,
			Timeout:   cfg.Ollama.Timeout,
			KeepAlive: cfg.Ollama.KeepAlive,
		})

		budgetMgr := budget.NewManager(budget.LimitsFromConfig(cfg.Cache))
		registry := session.NewRegistry(store, budgetMgr.Estimator(), cfg.Cache.AutoSession)
		summarizer := summary.New(backend, cfg.Ollama.SummaryTimeout)
		engine := retrieval.NewEngine(store, retrieval.NewAnalyzer(),
			cfg.Retrieval.Threshold, cfg.Retrieval.MaxResults)

		hub := ws.NewHub()
		manager := cache.New(store, registry, budgetMgr, summarizer, engine, hub)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Sweep.Enabled {
			maxAge := time.Duration(cfg.Sweep.MaxAgeDays) * 24 * time.Hour
			sweeper, err := session.NewSweeper(registry, cfg.Sweep.Schedule, maxAge)
			if err != nil {
				return fmt.Errorf("configure sweeper: %w", err)
			}
			sweeper.Start()
			defer sweeper.Stop()
		}

		if path, err := configPath(); err == nil {
			if _, statErr := os.Stat(path); statErr == nil {
				if err := gateway.WatchConfig(ctx, path, manager); err != nil {
					logger.Warn().Err(err).Msg("config watcher unavailable")
				}
			}
		}

		srv := gateway.NewServer(*cfg, manager, backend, hub)
		return srv.Start(ctx)
	},
}
