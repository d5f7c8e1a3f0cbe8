package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/verify"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Claim   string
	Rule    string
	Session string
	Params  string
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a claim with a rule",
		Long: `Verify a claim against its expected value with a named rule and
record the result. Exits 1 when the outcome is not pass.

Example:
  vouch verify --claim $CID --rule tpm2/quote/magic
  vouch verify --claim $CID --rule tpm2/pcrs --session $SID`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				return runVerify(opts, e, cmd)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Claim, "claim", "", "claim item ID (required)")
	_ = cmd.MarkFlagRequired("claim")
	cmd.Flags().StringVar(&opts.Rule, "rule", "", "rule name (required)")
	_ = cmd.MarkFlagRequired("rule")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to associate the result with")
	cmd.Flags().StringVar(&opts.Params, "params", "", "rule parameters as a JSON object")

	return cmd
}

func runVerify(opts *VerifyOptions, e *env, cmd *cobra.Command) error {
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}

	result, err := e.engine.Verify(commandContext(cmd), verify.Request{
		ClaimID:    opts.Claim,
		RuleName:   opts.Rule,
		SessionID:  opts.Session,
		Parameters: params,
	})
	if err != nil {
		var details any
		if result.ItemID != "" {
			details = map[string]string{"result": result.ItemID}
		}
		return e.out.Fail("verification failed", err, details)
	}

	if err := e.out.Emit(result, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Result   %s\nClaim    %s\nRule     %s\nOutcome  %s\nMessage  %s\n",
			result.ItemID, result.ClaimID, result.RuleName, result.Outcome, result.Message)
		return err
	}); err != nil {
		return err
	}
	if result.Outcome != model.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("outcome %s", result.Outcome))
	}
	return nil
}
