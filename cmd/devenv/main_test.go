package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_devenv/internal/config"
	"crm_devenv/internal/probe"
)

// setupEnv points the config at an empty environment and a fake docker
// binary that echoes its arguments and exits with $FAKE_DOCKER_EXIT.
func setupEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	docker := filepath.Join(dir, "docker")
	script := "#!/bin/sh\necho \"$@\"\nexit ${FAKE_DOCKER_EXIT:-0}\n"
	require.NoError(t, os.WriteFile(docker, []byte(script), 0o755))

	for _, key := range []string{
		"DATABASE_URL", "DEVENV_DB_PROVIDER", "POSTGRES_HOST", "POSTGRES_PORT",
		"POSTGRES_USER", "POSTGRES_PASSWORD", "POSTGRES_DB", "COMPOSE_PROJECT_NAME",
		"DEVENV_PROBE_INTERVAL", "DEVENV_PROBE_TIMEOUT", "DEVENV_PROBE_MAX_ATTEMPTS",
		"FAKE_DOCKER_EXIT",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("DEVENV_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("DEVENV_DOCKER_BIN", docker)
	t.Setenv("COMPOSE_FILE", "dc.yml")
	t.Setenv("DEVENV_MIGRATIONS_DIR", filepath.Join(dir, "migrations"))
	t.Setenv("DEVENV_SQLITE_DIR", filepath.Join(dir, "data"))
}

func TestRunHelpNeedsNoConfig(t *testing.T) {
	t.Setenv("DEVENV_PROBE_INTERVAL", "not-a-duration")

	for _, args := range [][]string{nil, {"help"}} {
		var stdout, stderr bytes.Buffer
		assert.Equal(t, 0, run(args, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "devenv commands:")
		assert.Empty(t, stderr.String())
	}
}

func TestRunPassthroughWithoutPassword(t *testing.T) {
	setupEnv(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"build"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "compose -f dc.yml build")
}

func TestRunPropagatesComposeExitCode(t *testing.T) {
	setupEnv(t)
	t.Setenv("FAKE_DOCKER_EXIT", "3")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 3, run([]string{"test", "-x"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "exec backend pytest -x")
	assert.Contains(t, stderr.String(), "error:")
}

func TestRunDatabaseCommandWithoutPassword(t *testing.T) {
	setupEnv(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"migrate-current"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "POSTGRES_PASSWORD")
}

func TestRunFlagHelpExitsZero(t *testing.T) {
	setupEnv(t)
	t.Setenv("POSTGRES_PASSWORD", "crm_password")

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 0, run([]string{"migrate-downgrade", "-h"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "-steps")
}

func TestRunUnknownCommand(t *testing.T) {
	setupEnv(t)

	var stdout, stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"deploy"}, &stdout, &stderr))
	assert.Contains(t, stderr.String(), "unknown command deploy")
}

func TestRunMigrateCurrentOnSQLite(t *testing.T) {
	setupEnv(t)
	t.Setenv("DEVENV_DB_PROVIDER", "sqlite")

	var stdout, stderr bytes.Buffer
	require.Equal(t, 0, run([]string{"migrate-current"}, &stdout, &stderr), stderr.String())
	assert.Contains(t, stdout.String(), "Current: base")
}

func TestNewPingerUsesAdapterForOtherProviders(t *testing.T) {
	cfg := config.Config{Target: config.Target{Provider: "sqlite", SQLiteDir: t.TempDir(), Database: "crm_db"}}

	pinger, err := newPinger(cfg)
	require.NoError(t, err)
	_, native := pinger.(*probe.PostgresPinger)
	assert.False(t, native)
	assert.NoError(t, pinger.Ping(context.Background()))
}

func TestNewPingerPostgres(t *testing.T) {
	cfg := config.Config{Target: config.Target{
		Provider: "postgres", Host: "localhost", Port: 5432,
		User: "crm_user", Password: "crm_password", Database: "crm_db", SSLMode: "disable",
	}}

	pinger, err := newPinger(cfg)
	require.NoError(t, err)
	assert.IsType(t, &probe.PostgresPinger{}, pinger)
}
