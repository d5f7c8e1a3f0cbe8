package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/attest"
	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
)

// AttestOptions holds flags for the attest command.
type AttestOptions struct {
	*RootOptions
	Element string
	Policy  string
	Session string
	Params  string
}

// NewAttestCommand creates the attest command.
func NewAttestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AttestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "attest",
		Short: "Collect a claim from an element under a policy",
		Long: `Collect a measurement from an element under a policy and record it
as a claim. Elements and policies may be given by item ID or name.

Example:
  vouch attest --element web01 --policy tpm-quote
  vouch attest --element web01 --policy tpm-quote --session $SID --params '{"nonce":"abcd"}'`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, rootOpts, func(e *env) error {
				return runAttest(commandContext(cmd), opts, e)
			})
		},
	}

	cmd.Flags().StringVar(&opts.Element, "element", "", "element item ID or name (required)")
	_ = cmd.MarkFlagRequired("element")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "policy item ID or name (required)")
	_ = cmd.MarkFlagRequired("policy")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to associate the claim with")
	cmd.Flags().StringVar(&opts.Params, "params", "", "call parameters as a JSON object")

	return cmd
}

func runAttest(ctx context.Context, opts *AttestOptions, e *env) error {
	params, err := parseParams(opts.Params)
	if err != nil {
		return err
	}
	el, err := resolveElement(ctx, e.engine, opts.Element)
	if err != nil {
		return e.out.Fail("failed to resolve element", err, nil)
	}
	p, err := resolvePolicy(ctx, e.engine, opts.Policy)
	if err != nil {
		return e.out.Fail("failed to resolve policy", err, nil)
	}

	e.out.VerboseLog("attesting %s (%s) under %s (%s)", el.Name, el.ItemID, p.Name, p.ItemID)
	claim, err := e.engine.Attest(ctx, attest.Request{
		ElementID:      el.ItemID,
		PolicyID:       p.ItemID,
		CallParameters: params,
		SessionID:      opts.Session,
	})
	if err != nil {
		var details any
		if claim.ItemID != "" {
			details = map[string]string{"claim": claim.ItemID}
		}
		return e.out.Fail("attestation failed", err, details)
	}

	return e.out.Emit(claim, func(w io.Writer) error {
		return writeClaim(w, claim)
	})
}

func writeClaim(w io.Writer, c model.Claim) error {
	received := "-"
	if c.ReceivedAt != nil {
		received = c.ReceivedAt.Format(time.RFC3339)
	}
	_, err := fmt.Fprintf(w, "Claim    %s\nElement  %s\nPolicy   %s\nIntent   %s\nDigest   %s\nReceived %s\n",
		c.ItemID, c.ElementID, c.PolicyID, c.Intent, c.PayloadDigest, received)
	return err
}

func parseParams(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	params, err := model.DecodeObject([]byte(raw))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --params JSON", err)
	}
	return params, nil
}

// resolveElement looks ref up as an item ID, then as a name.
func resolveElement(ctx context.Context, eng *engine.Engine, ref string) (model.Element, error) {
	el, err := eng.GetElement(ctx, ref)
	if model.IsNotFound(err) {
		return eng.GetElementByName(ctx, ref)
	}
	return el, err
}

// resolvePolicy looks ref up as an item ID, then as a name.
func resolvePolicy(ctx context.Context, eng *engine.Engine, ref string) (model.Policy, error) {
	p, err := eng.GetPolicy(ctx, ref)
	if model.IsNotFound(err) {
		return eng.GetPolicyByName(ctx, ref)
	}
	return p, err
}
