package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the REST API",
		Long: `Serve the engine over REST under /v2 until interrupted.

Example:
  vouch serve --db ./vouch.db --addr :8520
  vouch serve --config /etc/vouch/vouch.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address, overrides server.addr")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	e, err := openEnv(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	addr := e.cfg.Server.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s. Press Ctrl-C to stop.\n", addr)
	srv := api.NewServer(e.engine, api.WithLogger(e.logger))
	if err := srv.Run(ctx, addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	e.logger.Info("server stopped gracefully")
	return nil
}
