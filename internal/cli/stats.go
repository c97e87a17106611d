package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ctxproxy/internal/config"
	"ctxproxy/internal/storage"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache-wide statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(config.Get().Cache.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.Stats()
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}
