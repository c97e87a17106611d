package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ctxproxy/internal/config"
	"ctxproxy/internal/storage"
)

var cleanupDays int

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete sessions idle longer than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(config.Get().Cache.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		cutoff := time.Now().AddDate(0, 0, -cleanupDays)
		ids, err := store.SessionsAccessedBefore(cutoff)
		if err != nil {
			return err
		}

		removed := 0
		for _, id := range ids {
			if err := store.DeleteSession(id); err != nil {
				fmt.Printf("failed to delete %s: %v\n", id, err)
				continue
			}
			removed++
		}
		fmt.Printf("removed %d of %d stale sessions\n", removed, len(ids))
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", config.DefaultSweepMaxAgeDays, "delete sessions idle longer than this many days")
}
