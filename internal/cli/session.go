package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/model"
)

// NewSessionCommand creates the session command group.
func NewSessionCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Open, close, inspect and nest sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "open",
		Short:         "Open a session and print its ID",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				id, err := e.engine.OpenSession(commandContext(cmd))
				if err != nil {
					return e.out.Fail("failed to open session", err, nil)
				}
				return e.out.Emit(map[string]string{"itemid": id}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, id)
					return err
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "close <session-id>",
		Short:         "Close a session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				ctx := commandContext(cmd)
				if err := e.engine.CloseSession(ctx, args[0]); err != nil {
					return e.out.Fail("failed to close session", err, nil)
				}
				sess, err := e.engine.GetSession(ctx, args[0])
				if err != nil {
					return e.out.Fail("failed to read session", err, nil)
				}
				return e.out.Emit(sess, func(w io.Writer) error {
					return writeSession(w, sess)
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "show <session-id>",
		Short:         "Show a session",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				sess, err := e.engine.GetSession(commandContext(cmd), args[0])
				if err != nil {
					return e.out.Fail("failed to read session", err, nil)
				}
				return e.out.Emit(sess, func(w io.Writer) error {
					return writeSession(w, sess)
				})
			})
		},
	})

	var state string
	list := &cobra.Command{
		Use:           "list",
		Short:         "List sessions",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				sessions, err := e.engine.ListSessions(commandContext(cmd), model.SessionState(state))
				if err != nil {
					return e.out.Fail("failed to list sessions", err, nil)
				}
				return e.out.Emit(sessions, func(w io.Writer) error {
					for _, s := range sessions {
						fmt.Fprintf(w, "%-37s %-7s %s claims=%d results=%d\n",
							s.ItemID, s.State(), s.OpenedAt.Format(time.RFC3339), len(s.Claims), len(s.Results))
					}
					return nil
				})
			})
		},
	}
	list.Flags().StringVar(&state, "state", "", "filter by state (open|closed)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:           "nest <outer-session-id> <inner-session-id>",
		Short:         "Make one session a child of another",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				if err := e.engine.AssociateSession(commandContext(cmd), args[0], args[1]); err != nil {
					return e.out.Fail("failed to nest session", err, map[string]string{"outer": args[0], "inner": args[1]})
				}
				return e.out.Emit(map[string]string{"outer": args[0], "inner": args[1]}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "%s -> %s\n", args[0], args[1])
					return err
				})
			})
		},
	})

	return cmd
}

// withEnv opens the env, runs fn and closes the env.
func withEnv(cmd *cobra.Command, opts *RootOptions, fn func(e *env) error) error {
	e, err := openEnv(cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

func writeSession(w io.Writer, s model.Session) error {
	closed := "-"
	if s.ClosedAt != nil {
		closed = s.ClosedAt.Format(time.RFC3339)
	}
	parent := s.ParentSession
	if parent == "" {
		parent = "-"
	}
	_, err := fmt.Fprintf(w, "Session  %s\nState    %s\nOpened   %s\nClosed   %s\nParent   %s\nClaims   %s\nResults  %s\nSessions %s\n",
		s.ItemID, s.State(), s.OpenedAt.Format(time.RFC3339), closed, parent,
		joinOrDash(s.Claims), joinOrDash(s.Results), joinOrDash(s.Sessions))
	return err
}

func joinOrDash(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ", ")
}
