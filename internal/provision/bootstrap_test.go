package provision

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_devenv/internal/config"
	"crm_devenv/internal/probe"
)

type waiterFunc func(ctx context.Context) error

func (f waiterFunc) WaitUntilReady(ctx context.Context) error { return f(ctx) }

func connectTo(catalog *fakeCatalog, connects *int, released *bool) Connector {
	return func(context.Context) (Querier, func(), error) {
		*connects++
		return catalog, func() { *released = true }, nil
	}
}

func TestBootstrapProvisionsAfterReady(t *testing.T) {
	catalog := newFakeCatalog()
	var (
		connects int
		released bool
		order    []string
	)
	waiter := waiterFunc(func(context.Context) error {
		order = append(order, "wait")
		return nil
	})
	connect := func(ctx context.Context) (Querier, func(), error) {
		order = append(order, "connect")
		return connectTo(catalog, &connects, &released)(ctx)
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	res, err := Bootstrap(context.Background(), waiter, connect, "crm_test", logger, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, []string{"wait", "connect"}, order)
	assert.True(t, released)
	assert.True(t, catalog.databases["crm_test"])
}

func TestBootstrapNeverProvisionsWhenNotReady(t *testing.T) {
	catalog := newFakeCatalog()
	var (
		connects int
		released bool
	)
	waiter := waiterFunc(func(context.Context) error { return context.Canceled })

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := Bootstrap(context.Background(), waiter, connectTo(catalog, &connects, &released), "crm_test", logger, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, connects)
	assert.Empty(t, catalog.execs)
}

func TestBootstrapConnectFailureIsSetupError(t *testing.T) {
	waiter := waiterFunc(func(context.Context) error { return nil })
	connect := func(context.Context) (Querier, func(), error) {
		return nil, nil, errors.New("connection refused")
	}

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := Bootstrap(context.Background(), waiter, connect, "crm_test", logger, nil)
	assert.ErrorIs(t, err, ErrSetup)
}

func TestBootstrapFromConfigRequiresPostgres(t *testing.T) {
	cfg := config.Config{
		Target:       config.Target{Provider: "sqlite", SQLiteDir: t.TempDir()},
		TestDatabase: config.TestDatabaseName,
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := BootstrapFromConfig(context.Background(), cfg, logger, nil)
	assert.ErrorIs(t, err, ErrSetup)
}

func TestBootstrapFromConfigRequiresPassword(t *testing.T) {
	cfg := config.Config{
		Target:       config.Target{Provider: "postgres", Host: "127.0.0.1", Port: 5432, User: "crm_user", Database: "crm_db"},
		Probe:        config.ProbeConfig{Interval: 1, Timeout: 1},
		TestDatabase: config.TestDatabaseName,
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := BootstrapFromConfig(context.Background(), cfg, logger, nil)
	assert.ErrorIs(t, err, ErrSetup)
	assert.ErrorContains(t, err, "POSTGRES_PASSWORD")
}

func TestBootstrapFromConfigStopsOnCancel(t *testing.T) {
	cfg := config.Config{
		Target: config.Target{
			Provider: "postgres", Host: "127.0.0.1", Port: 1,
			User: "crm_user", Password: "x", Database: "crm_db", SSLMode: "disable",
		},
		Probe:        config.ProbeConfig{Interval: 1, Timeout: 1},
		TestDatabase: config.TestDatabaseName,
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	_, err := BootstrapFromConfig(ctx, cfg, logger, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, probe.ErrSetup))
}
