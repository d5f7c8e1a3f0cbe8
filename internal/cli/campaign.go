package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/campaign"
	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
)

// CampaignOptions holds flags for the campaign command.
type CampaignOptions struct {
	*RootOptions
	Errors bool
	Color  bool
}

// NewCampaignCommand creates the campaign command.
func NewCampaignCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CampaignOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "campaign <template> <evaluation>",
		Short: "Run an attestation campaign",
		Long: `Attest every template entry the evaluation references, verify each
claim with the entry's rules, and combine the verdicts into one outcome.

Both documents are CUE (JSON is accepted). Structural errors are reported
before anything is attested. Exits 1 when the outcome is not pass.

Example:
  vouch campaign ./fleet.cue ./decision.cue
  vouch campaign ./fleet.cue ./decision.cue --errors --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCampaign(opts, cmd, args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&opts.Errors, "errors", false, "list errors after the summary")
	cmd.Flags().BoolVar(&opts.Color, "color", false, "colour the outcome column")

	return cmd
}

func runCampaign(opts *CampaignOptions, cmd *cobra.Command, templatePath, evaluationPath string) error {
	template, err := readDocument(templatePath)
	if err != nil {
		return err
	}
	evaluation, err := readDocument(evaluationPath)
	if err != nil {
		return err
	}

	return withEnv(cmd, opts.RootOptions, func(e *env) error {
		report, err := e.engine.RunCampaign(commandContext(cmd), template, evaluation)
		if err != nil {
			var details any
			if report != nil {
				details = report
			}
			return e.out.Fail("campaign failed", err, details)
		}

		if err := e.out.Emit(report, func(w io.Writer) error {
			return campaign.WriteSummary(w, report, campaign.SummaryOptions{Errors: opts.Errors, Color: opts.Color})
		}); err != nil {
			return err
		}
		if report.Outcome != model.Pass {
			return NewExitError(ExitFailure, fmt.Sprintf("campaign outcome %s", report.Outcome))
		}
		return nil
	})
}

func readDocument(path string) (engine.Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return engine.Document{}, WrapExitError(ExitCommandError, "failed to read campaign document", err)
	}
	return engine.Document{Name: path, Source: src}, nil
}
