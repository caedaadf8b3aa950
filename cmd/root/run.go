package root

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/martinemde/trustee/agentloop"
	"github.com/martinemde/trustee/checkpoint"
)

var errEmptyTask = errors.New("task must not be empty")

type runFlags struct {
	sessionOverrides
	sessionID string
}

func newRunCmd(root *rootFlags) *cobra.Command {
	var flags runFlags

	cmd := &cobra.Command{
		Use:   "run <task>...",
		Short: "Start a new session for a task",
		Example: `  trustee run "fix the failing test in parser_test.go"
  trustee run --mode interactive "help me refactor the config loader"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := strings.TrimSpace(strings.Join(args, " "))
			if task == "" {
				return errEmptyTask
			}
			var opts []agentloop.SessionOption
			if flags.sessionID != "" {
				if err := checkpoint.ValidateSessionID(flags.sessionID); err != nil {
					return err
				}
				opts = append(opts, agentloop.WithSessionID(flags.sessionID))
			}

			rt, err := newAgentRuntime(cmd, root, &flags.sessionOverrides)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess := rt.newSession(opts...)
			return drive(cmd, sess, func(ctx context.Context) (*agentloop.Result, error) {
				return sess.Run(ctx, task)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&flags.sessionID, "session-id", "", "Use this session id instead of a generated one")

	return cmd
}
