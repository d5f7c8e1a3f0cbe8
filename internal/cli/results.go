package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/model"
)

// ResultsOptions holds flags for the results command.
type ResultsOptions struct {
	*RootOptions
	Since   string
	Limit   int
	Element string
	Policy  string
	Claim   string
}

// NewResultsCommand creates the results command.
func NewResultsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResultsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "results",
		Short: "List verification results, newest first",
		Long: `List verification results, newest first.

Example:
  vouch results --limit 20
  vouch results --since 2026-03-01T00:00:00Z --element $EID`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResults(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Since, "since", "", "only results verified after this RFC 3339 time")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum number of results (0 for all)")
	cmd.Flags().StringVar(&opts.Element, "element", "", "filter by element item ID")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "filter by policy item ID")
	cmd.Flags().StringVar(&opts.Claim, "claim", "", "filter by claim item ID")

	return cmd
}

func runResults(opts *ResultsOptions, cmd *cobra.Command) error {
	q := model.Query{ElementID: opts.Element, PolicyID: opts.Policy, ClaimID: opts.Claim, Limit: opts.Limit}
	if opts.Since != "" {
		since, err := time.Parse(time.RFC3339Nano, opts.Since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		q.Since = &since
	}

	return withEnv(cmd, opts.RootOptions, func(e *env) error {
		results, err := e.engine.ListResults(commandContext(cmd), q)
		if err != nil {
			return e.out.Fail("failed to list results", err, nil)
		}
		return e.out.Emit(results, func(w io.Writer) error {
			for _, r := range results {
				verified := "-"
				if r.VerifiedAt != nil {
					verified = r.VerifiedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%-37s %-20s %-13s %-26s %s\n", r.ItemID, verified, r.Outcome, r.RuleName, r.Message)
			}
			return nil
		})
	})
}
