package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"crm_devenv/internal/config"
	"crm_devenv/internal/metrics"
	"crm_devenv/internal/probe"
)

// Waiter blocks until the server accepts connections.
type Waiter interface {
	WaitUntilReady(ctx context.Context) error
}

// Connector opens the administrative connection used for provisioning.
// The returned func releases it.
type Connector func(ctx context.Context) (Querier, func(), error)

// PostgresConnector opens a single-connection pgx pool on connString and
// pings it before handing it out.
func PostgresConnector(connString string) Connector {
	return func(ctx context.Context) (Querier, func(), error) {
		cfg, err := pgxpool.ParseConfig(connString)
		if err != nil {
			return nil, nil, fmt.Errorf("parse db dsn: %w", err)
		}
		cfg.MaxConns = 1
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create db pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping db: %w", err)
		}
		return pool, pool.Close, nil
	}
}

// Bootstrap waits for the server and then ensures name exists. Nothing is
// provisioned until the wait succeeds.
func Bootstrap(ctx context.Context, waiter Waiter, connect Connector, name string, logger *slog.Logger, m *metrics.Collector) (Result, error) {
	if err := waiter.WaitUntilReady(ctx); err != nil {
		return Result{Name: name}, err
	}
	conn, release, err := connect(ctx)
	if err != nil {
		return Result{Name: name}, fmt.Errorf("%w: connect: %w", ErrSetup, err)
	}
	defer release()

	return New(conn, logger, m).EnsureDatabase(ctx, name)
}

// BootstrapFromConfig runs Bootstrap for the configured test database
// against the administrative database of cfg.Target.
func BootstrapFromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Collector) (Result, error) {
	if cfg.Target.Provider != "postgres" {
		return Result{Name: cfg.TestDatabase}, fmt.Errorf("%w: test database provisioning needs the postgres provider, got %s", ErrSetup, cfg.Target.Provider)
	}
	if err := cfg.Target.Validate(); err != nil {
		return Result{Name: cfg.TestDatabase}, fmt.Errorf("%w: %w", ErrSetup, err)
	}
	url := cfg.Target.URL(cfg.Target.Database)
	pinger, err := probe.NewPostgresPinger(url)
	if err != nil {
		return Result{Name: cfg.TestDatabase}, err
	}
	prober := probe.New(pinger, cfg.Probe.Interval, logger,
		probe.WithTimeout(cfg.Probe.Timeout),
		probe.WithMaxAttempts(cfg.Probe.MaxAttempts),
		probe.WithMetrics(m),
	)
	logger.Info("waiting for database", "target", cfg.Target.Redacted(cfg.Target.Database))
	return Bootstrap(ctx, prober, PostgresConnector(url), cfg.TestDatabase, logger, m)
}
