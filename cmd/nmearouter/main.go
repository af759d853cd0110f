// Package main implements the nmearouter entry point. It loads the
// configuration, discovers serial adapters, builds every endpoint and routes
// sentences between them until a termination signal arrives.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/markmerz/nmea0183-repeater-raspberry/config"
	"github.com/markmerz/nmea0183-repeater-raspberry/discovery"
	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/lifecycle"
	"github.com/markmerz/nmea0183-repeater-raspberry/metric"
	"github.com/markmerz/nmea0183-repeater-raspberry/router"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "nmearouter"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:], os.Stderr); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string, stderr io.Writer) error {
	cliCfg, err := parseFlags(args, stderr)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		_, _ = fmt.Fprintf(stderr, "%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		return nil
	}

	logger, level := setupLogger(stderr, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting nmearouter", "version", Version, "build_time", BuildTime, "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	debug := cliCfg.Debug || cfg.DebugEnabled()
	if debug {
		level.Set(slog.LevelDebug)
	}
	metricsPort := cfg.MetricsPort
	if cliCfg.MetricsPort >= 0 {
		metricsPort = cliCfg.MetricsPort
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "entries", len(cfg.Configurations))
		return nil
	}

	lc := lifecycle.NewController(logger.With("component", "lifecycle"))
	ctx := lc.Start(context.Background())
	defer lc.Stop()

	return serve(ctx, cfg, logger, debug, metricsPort)
}

// serve discovers devices, builds the endpoints and runs them with the
// router, tap and admin server until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger, debug bool, metricsPort int) error {
	scanner := discovery.NewScanner(cfg.Glob(), discovery.UdevResolver{}, logger.With("component", "discovery"))
	serialCfgs, err := scanner.Scan(ctx, cfg.SerialEntries())
	if err != nil {
		return fmt.Errorf("discover devices: %w", err)
	}
	endpointCfgs := append(serialCfgs, cfg.NetworkEndpoints()...)
	if len(endpointCfgs) == 0 {
		slog.Warn("No endpoints to run")
		return nil
	}

	registry := metric.NewMetricsRegistry()
	deps := endpoint.Deps{Logger: logger, Registry: registry, Debug: debug}

	eps, err := buildEndpoints(endpointCfgs, deps)
	if err != nil {
		return fmt.Errorf("create endpoints: %w", err)
	}
	for _, c := range endpointCfgs {
		slog.Info("Configured endpoint", "endpoint", c.String())
	}

	r, err := router.New(eps, router.Deps{
		Logger:   logger.With("component", "router"),
		Registry: registry,
		Debug:    debug,
	})
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// nothing is left to serve once every endpoint has stopped
		defer cancel()
		if err := r.Run(runCtx); err != nil {
			slog.Warn("Endpoints stopped with errors", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		return r.RunTap(runCtx)
	})

	if metricsPort > 0 {
		addr := net.JoinHostPort("", strconv.Itoa(metricsPort))
		srv := metric.NewServer(addr, registry, r, logger.With("component", "admin"))
		g.Go(func() error {
			return srv.Run(runCtx)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("Normal exit")
	return nil
}
