package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ctxproxy/internal/config"
	"ctxproxy/internal/storage"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage cached sessions",
}

var sessionListLimit int

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently used first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(config.Get().Cache.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListSessions(sessionListLimit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("no sessions")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMESSAGES\tACTIVE\tTOTAL\tARCHIVES\tLAST ACCESSED")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%s\n",
				s.ID, s.TotalMessages, s.ActiveTokens, s.TotalTokens,
				s.ArchiveCount, s.LastAccessed.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var sessionShowMessages bool

var sessionShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show one session's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(config.Get().Cache.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		sess, err := store.LoadSession(args[0])
		if err != nil {
			return err
		}

		if !sessionShowMessages {
			sess.Messages = nil
		}
		out, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var sessionDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a session with its archives and index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(config.Get().Cache.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DeleteSession(args[0]); err != nil {
			return err
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var sessionArchivesCmd = &cobra.Command{
	Use:   "archives <session-id>",
	Short: "List a session's archives",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.Open(config.Get().Cache.Dir)
		if err != nil {
			return err
		}
		defer store.Close()

		archives, err := store.ListArchives(args[0])
		if err != nil {
			return err
		}
		if len(archives) == 0 {
			fmt.Println("no archives")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ARCHIVE\tORIGINAL\tSUMMARY\tCREATED")
		for _, a := range archives {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n",
				a.ID, a.OriginalTokens, a.SummaryTokens,
				a.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	sessionListCmd.Flags().IntVar(&sessionListLimit, "limit", 50, "maximum sessions to list")
	sessionShowCmd.Flags().BoolVar(&sessionShowMessages, "messages", false, "include the message log")

	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionCmd.AddCommand(sessionDeleteCmd)
	sessionCmd.AddCommand(sessionArchivesCmd)
}
