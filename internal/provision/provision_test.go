package provision

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_devenv/internal/metrics"
)

type catalogRow struct {
	found bool
	err   error
}

func (r catalogRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if !r.found {
		return pgx.ErrNoRows
	}
	*(dest[0].(*int)) = 1
	return nil
}

// fakeCatalog is an in-memory stand-in for pg_database.
type fakeCatalog struct {
	databases map[string]bool
	execs     []string
	lookupErr error
	createErr error
	// raceOnCreate simulates another operator creating the database between
	// the lookup and the CREATE.
	raceOnCreate bool
}

func newFakeCatalog(existing ...string) *fakeCatalog {
	c := &fakeCatalog{databases: map[string]bool{"postgres": true, "crm_db": true}}
	for _, name := range existing {
		c.databases[name] = true
	}
	return c
}

func (c *fakeCatalog) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	if c.lookupErr != nil {
		return catalogRow{err: c.lookupErr}
	}
	return catalogRow{found: c.databases[args[0].(string)]}
}

func (c *fakeCatalog) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.execs = append(c.execs, sql)
	if c.createErr != nil {
		return pgconn.CommandTag{}, c.createErr
	}
	if c.raceOnCreate {
		return pgconn.CommandTag{}, &pgconn.PgError{Code: "42P04", Message: `database "crm_test" already exists`}
	}
	c.databases["crm_test"] = true
	return pgconn.NewCommandTag("CREATE DATABASE"), nil
}

func newTestProvisioner(db Querier, m *metrics.Collector) *Provisioner {
	return New(db, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)), m)
}

func TestEnsureDatabaseCreatesWhenAbsent(t *testing.T) {
	catalog := newFakeCatalog()
	p := newTestProvisioner(catalog, nil)

	res, err := p.EnsureDatabase(context.Background(), "crm_test")
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, []string{`CREATE DATABASE "crm_test"`}, catalog.execs)

	exists, err := p.Exists(context.Background(), "crm_test")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestEnsureDatabaseIsIdempotent(t *testing.T) {
	catalog := newFakeCatalog()
	m := metrics.New()
	p := newTestProvisioner(catalog, m)

	_, err := p.EnsureDatabase(context.Background(), "crm_test")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := p.EnsureDatabase(context.Background(), "crm_test")
		require.NoError(t, err)
		assert.False(t, res.Created)
	}
	assert.Len(t, catalog.execs, 1, "only the first call may issue CREATE DATABASE")

	count, err := testutil.GatherAndCount(m.Registry(), "devenv_provision_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "created and existing series")
}

func TestEnsureDatabaseExistingIssuesNoCreate(t *testing.T) {
	catalog := newFakeCatalog("crm_test")

	res, err := newTestProvisioner(catalog, nil).EnsureDatabase(context.Background(), "crm_test")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Empty(t, catalog.execs)
}

func TestEnsureDatabaseToleratesDuplicateRace(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.raceOnCreate = true

	res, err := newTestProvisioner(catalog, nil).EnsureDatabase(context.Background(), "crm_test")
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Len(t, catalog.execs, 1)
}

func TestEnsureDatabaseSurfacesSetupErrors(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.createErr = &pgconn.PgError{Code: "42501", Message: "permission denied to create database"}

	_, err := newTestProvisioner(catalog, nil).EnsureDatabase(context.Background(), "crm_test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSetup)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestEnsureDatabaseLookupFailure(t *testing.T) {
	catalog := newFakeCatalog()
	catalog.lookupErr = errors.New("conn closed")

	_, err := newTestProvisioner(catalog, nil).EnsureDatabase(context.Background(), "crm_test")
	assert.ErrorIs(t, err, ErrSetup)
	assert.Empty(t, catalog.execs)
}

func TestEnsureDatabaseRejectsBadName(t *testing.T) {
	catalog := newFakeCatalog()

	_, err := newTestProvisioner(catalog, nil).EnsureDatabase(context.Background(), `crm"; DROP DATABASE crm_db; --`)
	assert.ErrorIs(t, err, ErrSetup)
	assert.Empty(t, catalog.execs)
}
