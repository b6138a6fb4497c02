package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/agentworkforce/relaymutate/internal/config"
	"github.com/agentworkforce/relaymutate/internal/conflicts"
	"github.com/agentworkforce/relaymutate/internal/inspect"
	"github.com/agentworkforce/relaymutate/internal/optimistic"
)

// runtime holds the long-lived pieces shared by apply and serve.
type runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	prom      *prometheus.Registry
	metrics   *optimistic.Metrics
	registry  *optimistic.Registry
	conflicts *conflicts.Log
	detector  *conflicts.Detector
	inspect   *inspect.Server

	closers []func() error
}

func newRuntime(cfg config.Config, logger *slog.Logger, withInspect bool) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger, prom: prometheus.NewRegistry()}
	if err := rt.prom.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	metrics, err := optimistic.NewMetrics(rt.prom)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	rt.metrics = metrics
	logMetrics, err := conflicts.NewLogMetrics(rt.prom)
	if err != nil {
		return nil, fmt.Errorf("register conflict metrics: %w", err)
	}

	backend, err := optimistic.BuildStateBackendFromDSN(cfg.Registry.StateDSN)
	if err != nil {
		return nil, fmt.Errorf("state backend: %w", err)
	}
	registry, err := optimistic.NewRegistry(optimistic.RegistryOptions{
		Logger:        logger,
		Metrics:       metrics,
		StateBackend:  backend,
		Retention:     cfg.Registry.Retention,
		SweepInterval: cfg.Registry.SweepInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	rt.registry = registry
	rt.closers = append(rt.closers, func() error { registry.Close(); return nil })

	rt.conflicts = conflicts.NewLog(conflicts.LogOptions{Logger: logger, Metrics: logMetrics})
	rt.detector = conflicts.NewDetector(rt.conflicts, conflicts.DetectorOptions{
		ConcurrentEditWindow: cfg.Conflicts.ConcurrentEditWindow,
	})

	if withInspect {
		srv, err := inspect.NewServer(inspect.Options{
			Registry:  registry,
			Conflicts: rt.conflicts,
			Gatherer:  rt.prom,
			Logger:    logger,
			Config:    inspect.ServerConfig{Token: cfg.Inspect.Token},
		})
		if err != nil {
			_ = rt.Close()
			return nil, err
		}
		rt.inspect = srv
		rt.closers = append(rt.closers, func() error { srv.Close(); return nil })
	}
	return rt, nil
}

// feedbackSink logs feedback and, when the inspect server runs, streams it.
func (rt *runtime) feedbackSink() optimistic.FeedbackSink {
	sink := optimistic.FeedbackSink(optimistic.LogSink{Logger: rt.logger})
	if rt.inspect != nil {
		sink = optimistic.MultiSink(sink, rt.inspect.Hub())
	}
	return sink
}

// serveInspect runs the inspect server in the background until ctx ends.
func (rt *runtime) serveInspect(ctx context.Context, addr string) <-chan error {
	errCh := make(chan error, 1)
	if rt.inspect == nil || addr == "" {
		close(errCh)
		return errCh
	}
	go func() {
		errCh <- rt.inspect.Run(ctx, addr)
	}()
	return errCh
}

func (rt *runtime) onClose(fn func() error) {
	rt.closers = append(rt.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}

func closeQuietly(c io.Closer, logger *slog.Logger, what string) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "resource", what, "error", err)
	}
}
