package root

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/martinemde/trustee/agentloop"
)

type resumeFlags struct {
	sessionOverrides
	sessionID string
	sequence  int
}

func newResumeCmd(root *rootFlags) *cobra.Command {
	var flags resumeFlags

	cmd := &cobra.Command{
		Use:   "resume --session <id>",
		Short: "Resume a session from its latest (or a given) checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := newAgentRuntime(cmd, root, &flags.sessionOverrides)
			if err != nil {
				return err
			}
			defer rt.Close()

			cp, err := rt.store.Load(cmd.Context(), flags.sessionID, flags.sequence)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return RuntimeError{Code: ExitCode(err), Err: err}
			}
			if cp.State.Step.Terminal() {
				err := fmt.Errorf("%w: session %s already ended (%s)", agentloop.ErrSessionTerminal, cp.SessionID, cp.Status())
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return RuntimeError{Code: ExitFailed, Err: err}
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Resuming session %s from checkpoint %d (iteration %d)\n", cp.SessionID, cp.Sequence, cp.State.Iteration)
			sess := rt.newSession()
			return drive(cmd, sess, func(ctx context.Context) (*agentloop.Result, error) {
				return sess.Resume(ctx, cp)
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&flags.sessionID, "session", "s", "", "Session id to resume")
	cmd.Flags().IntVar(&flags.sequence, "sequence", 0, "Checkpoint sequence to resume from (default: latest)")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
