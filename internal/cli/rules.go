package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/rules"
)

// NewRulesCommand creates the rules command.
func NewRulesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "rules",
		Short:         "List the registered verification rules",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := rules.DefaultRegistry()
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build rule registry", err)
			}
			infos := reg.List()
			return newFormatter(cmd, rootOpts).Emit(infos, func(w io.Writer) error {
				for _, info := range infos {
					fmt.Fprintf(w, "%-26s %s\n", info.Name, info.Description)
				}
				return nil
			})
		},
	}
}
