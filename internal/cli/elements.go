package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/model"
)

// ElementsOptions holds flags for the elements command.
type ElementsOptions struct {
	*RootOptions
	Type     string
	Archived bool
	Types    bool
}

// NewElementsCommand creates the elements command.
func NewElementsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ElementsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "elements",
		Short: "List registered elements",
		Long: `List registered elements in registration order.

Archived elements are hidden unless --archived is given, which lists
only them.

Example:
  vouch elements --type tpm2.0
  vouch elements --types`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runElements(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Type, "type", "", "only elements carrying this type tag")
	cmd.Flags().BoolVar(&opts.Archived, "archived", false, "list archived elements instead")
	cmd.Flags().BoolVar(&opts.Types, "types", false, "list the distinct type tags instead")
	cmd.MarkFlagsMutuallyExclusive("type", "archived", "types")

	return cmd
}

func runElements(opts *ElementsOptions, cmd *cobra.Command) error {
	return withEnv(cmd, opts.RootOptions, func(e *env) error {
		ctx := commandContext(cmd)
		if opts.Types {
			types, err := e.engine.ElementTypes(ctx)
			if err != nil {
				return e.out.Fail("failed to list element types", err, nil)
			}
			return e.out.Emit(map[string]any{"types": types}, func(w io.Writer) error {
				for _, t := range types {
					fmt.Fprintln(w, t)
				}
				return nil
			})
		}

		var (
			els []model.Element
			err error
		)
		if opts.Archived {
			els, err = e.engine.ListArchivedElements(ctx)
		} else {
			els, err = e.engine.ListElements(ctx, opts.Type)
		}
		if err != nil {
			return e.out.Fail("failed to list elements", err, nil)
		}
		return e.out.Emit(map[string]any{"elements": els, "count": len(els)}, func(w io.Writer) error {
			for _, el := range els {
				fmt.Fprintf(w, "%-37s %-20s %-8s %s\n", el.ItemID, el.Name, el.Protocol, strings.Join(el.Types, ","))
			}
			return nil
		})
	})
}
