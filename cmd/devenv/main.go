package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crm_devenv/internal/compose"
	"crm_devenv/internal/config"
	"crm_devenv/internal/db"
	"crm_devenv/internal/dispatch"
	"crm_devenv/internal/httpserver"
	"crm_devenv/internal/logging"
	"crm_devenv/internal/metrics"
	"crm_devenv/internal/migrate"
	"crm_devenv/internal/probe"
	"crm_devenv/internal/provision"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "help" {
		quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
		_ = dispatch.New(config.Config{TestDatabase: config.TestDatabaseName}, dispatch.Deps{}, stdout, quiet).Run(context.Background(), nil)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "config error:", err)
		return 1
	}
	logger := logging.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	m := metrics.New()
	ctrl := migrate.NewFromConfig(cfg, logger, m)
	runner := compose.New(cfg.Compose, logger)
	runner.Stdout, runner.Stderr = stdout, stderr

	deps := dispatch.Deps{
		Compose:  runner,
		Migrator: ctrl,
		InitTestDB: func(ctx context.Context) error {
			res, err := provision.BootstrapFromConfig(ctx, cfg, logger, m)
			if err != nil {
				return err
			}
			logger.Info("test database ready", "database", res.Name, "created", res.Created)
			return nil
		},
		Serve: func(ctx context.Context) error {
			pinger, err := newPinger(cfg)
			if err != nil {
				return err
			}
			prober := probe.New(pinger, cfg.Probe.Interval, logger,
				probe.WithTimeout(cfg.Probe.Timeout),
				probe.WithMetrics(m),
			)
			return httpserver.New(cfg.HTTPAddress, logger, prober, ctrl, m.Handler()).Start(ctx)
		},
	}

	err = dispatch.New(cfg, deps, stdout, logger).Run(ctx, args)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, flag.ErrHelp):
		return 0
	}
	fmt.Fprintln(stderr, "error:", err)
	return compose.ExitCode(err)
}

// newPinger probes postgres natively and any other provider through its
// migration store adapter.
func newPinger(cfg config.Config) (probe.Pinger, error) {
	if cfg.Target.Provider == "postgres" {
		return probe.NewPostgresPinger(cfg.Target.URL(cfg.Target.Database))
	}
	return probe.PingFunc(func(ctx context.Context) error {
		adapter, err := db.Open(cfg.Target, cfg.Target.Database)
		if err != nil {
			return fmt.Errorf("%w: %w", probe.ErrSetup, err)
		}
		defer adapter.Close()
		return adapter.Ping(ctx)
	}), nil
}
