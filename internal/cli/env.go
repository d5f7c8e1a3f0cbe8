package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/vouch/internal/config"
	"github.com/roach88/vouch/internal/engine"
	"github.com/roach88/vouch/internal/model"
	"github.com/roach88/vouch/internal/mongostore"
	"github.com/roach88/vouch/internal/notify"
	"github.com/roach88/vouch/internal/store"
)

// env is what a command needs at run time: the resolved configuration
// and an engine over the configured repository.
type env struct {
	cfg     config.Config
	engine  *engine.Engine
	logger  *slog.Logger
	out     *OutputFormatter
	closers []io.Closer
}

// loadConfig reads --config when given and applies flag overrides.
func loadConfig(opts *RootOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if opts.Database != "" {
		switch cfg.Database.Driver {
		case config.DriverMongo:
			cfg.Database.URI = opts.Database
		default:
			cfg.Database.Path = opts.Database
		}
	}
	return cfg, nil
}

// newLogger builds the process logger on w. --verbose forces debug.
func newLogger(w io.Writer, cfg config.Log, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func newFormatter(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// openEnv loads config, installs the logger and opens the engine. The
// caller must Close the env.
func openEnv(cmd *cobra.Command, opts *RootOptions) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger := newLogger(cmd.ErrOrStderr(), cfg.Log, opts.Verbose)
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger, out: newFormatter(cmd, opts)}

	repo, err := e.openRepository(commandContext(cmd))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	announcer, err := e.openAnnouncer()
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open notifier", err)
	}

	verdict, err := cfg.LeafErrorVerdict()
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "invalid config", err)
	}

	eng, err := engine.New(repo,
		engine.WithLogger(logger),
		engine.WithAnnouncer(announcer),
		engine.WithEndpointTimeout(cfg.Attestation.EndpointTimeout),
		engine.WithClosedSessionAssociation(cfg.Attestation.AllowClosedSessionAssociation),
		engine.WithCampaignConcurrency(cfg.Campaign.Concurrency),
		engine.WithLeafErrorVerdict(verdict))
	if err != nil {
		e.Close()
		return nil, WrapExitError(ExitCommandError, "failed to start engine", err)
	}
	e.engine = eng
	return e, nil
}

func (e *env) openRepository(ctx context.Context) (model.Repository, error) {
	switch e.cfg.Database.Driver {
	case config.DriverMongo:
		e.logger.Debug("opening database", "driver", "mongo", "name", e.cfg.Database.Name)
		st, err := mongostore.Connect(ctx, e.cfg.Database.URI, e.cfg.Database.Name)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, st)
		return st, nil
	case config.DriverSQLite:
		e.logger.Debug("opening database", "driver", "sqlite", "path", e.cfg.Database.Path)
		st, err := store.Open(e.cfg.Database.Path, store.WithBusyTimeout(e.cfg.Database.BusyTimeout))
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, st)
		return st, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", e.cfg.Database.Driver)
	}
}

func (e *env) openAnnouncer() (notify.Announcer, error) {
	switch e.cfg.Notify.Driver {
	case config.NotifyRedis:
		a, err := notify.NewRedisAnnouncer(e.cfg.Notify.RedisAddr, e.cfg.Notify.ChannelPrefix)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, a)
		return a, nil
	case config.NotifyNone:
		return notify.Discard{}, nil
	default:
		return notify.NewLogAnnouncer(e.logger), nil
	}
}

// Close releases everything openEnv opened, in reverse order.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	if err := errors.Join(errs...); err != nil {
		e.logger.Error("error closing resources", "error", err)
		return err
	}
	return nil
}

// commandContext returns the command's context, or Background when the
// command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
