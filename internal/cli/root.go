// Package cli wires the ctxproxy command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ctxproxy/internal/config"
	"ctxproxy/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ctxproxy",
	Short: "Context-caching proxy for local LLM backends",
	Long: `ctxproxy sits between chat clients and an Ollama backend, keeping each
conversation inside a token budget. Overflow history is summarized into
immutable archives and brought back automatically when a request refers
to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if err := logger.Init(logger.Config{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
			File:   cfg.Log.File,
		}); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// Execute runs the command tree.
func Execute() error {
	defer logger.Close()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}
