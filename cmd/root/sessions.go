package root

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type sessionsFlags struct {
	list   bool
	delete string
}

func newSessionsCmd(root *rootFlags) *cobra.Command {
	var flags sessionsFlags

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List or delete checkpointed sessions",
		Example: `  trustee sessions --list
  trustee sessions --delete 3f1c2b9e-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(root, nil)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if !flags.list && flags.delete == "" {
				return errors.New("one of --list or --delete is required")
			}
			if flags.delete != "" {
				if err := store.Delete(cmd.Context(), flags.delete); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", flags.delete)
				return nil
			}

			sessions, err := store.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATUS\tSTEP\tITERATION\tCHECKPOINT\tUPDATED\tTASK")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					s.SessionID, s.Status, s.Step, s.Iteration, s.LatestSequence,
					s.UpdatedAt.Local().Format(time.DateTime), summarize(s.TaskDescription, 60))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVarP(&flags.list, "list", "l", false, "List sessions, newest first")
	cmd.Flags().StringVar(&flags.delete, "delete", "", "Delete all checkpoints of a session")
	cmd.MarkFlagsMutuallyExclusive("list", "delete")
	cmd.MarkFlagsOneRequired("list", "delete")

	return cmd
}

func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
