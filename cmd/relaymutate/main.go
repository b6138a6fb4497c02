package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type globalFlags struct {
	configPath  string
	logFormat   string
	logLevel    string
	traceStdout bool

	// level is shared by the default logger so serve can change it on
	// config reload.
	level slog.LevelVar
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "relaymutate:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	var shutdownTracing func(context.Context) error
	root := &cobra.Command{
		Use:           "relaymutate",
		Short:         "Apply optimistic mutations and inspect their outcome",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			lvl, err := parseLevel(flags.logLevel)
			if err != nil {
				return err
			}
			flags.level.Set(lvl)
			logger, err := newLogger(cmd.ErrOrStderr(), flags.logFormat, &flags.level)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			if flags.traceStdout {
				shutdownTracing, err = setupTracing(cmd.ErrOrStderr())
				if err != nil {
					return fmt.Errorf("init tracing: %w", err)
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if shutdownTracing == nil {
				return nil
			}
			return shutdownTracing(context.Background())
		},
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", strings.TrimSpace(os.Getenv("RELAYMUTATE_CONFIG")), "YAML config file")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVar(&flags.traceStdout, "trace-stdout", false, "export trace spans to stderr")

	root.AddCommand(
		newApplyCmd(flags),
		newStatsCmd(),
		newDupesCmd(),
		newServeCmd(flags),
	)
	return root
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", raw)
}

func newLogger(w io.Writer, format string, level slog.Leveler) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, errors.New("log format must be text or json")
}

func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
