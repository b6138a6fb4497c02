package main

import (
	"context"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaymutate/internal/config"
)

func newServeCmd(global *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the inspect API over the persisted registry",
		Long: `serve restores the registry from the configured state backend, sweeps
entries past their retention and exposes stats, updates, conflicts, metrics
and the live event stream. When --config is set the file is watched and the
log level follows it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(global.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Inspect.Addr = addr
			}
			return runServe(cmd.Context(), cfg, global, slog.Default())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config, global *globalFlags, logger *slog.Logger) error {
	rt, err := newRuntime(cfg, logger, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()
	stats := rt.registry.Stats()
	logger.Info("registry restored", "entries", stats.Total, "state_dsn", redactDSN(cfg.Registry.StateDSN))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.inspect.Run(ctx, cfg.Inspect.Addr)
	})
	if path := strings.TrimSpace(global.configPath); path != "" {
		g.Go(func() error {
			return config.Watch(ctx, path, logger, func(next config.Config) {
				if lvl, err := parseLevel(next.Log.Level); err == nil {
					global.level.Set(lvl)
				}
				if next.Registry != cfg.Registry || next.Inspect != cfg.Inspect {
					logger.Warn("registry and inspect settings change on restart only")
				}
			})
		})
	}
	return g.Wait()
}

// redactDSN hides credentials in a DSN before it is logged.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}
