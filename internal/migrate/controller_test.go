package migrate

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crm_devenv/internal/config"
	"crm_devenv/internal/db"
	"crm_devenv/internal/metrics"
	"crm_devenv/internal/revision"
)

type fixture struct {
	dir     string
	target  config.Target
	ctrl    *Controller
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		dir:     filepath.Join(root, "migrations"),
		target:  config.Target{Provider: "sqlite", SQLiteDir: filepath.Join(root, "data")},
		metrics: metrics.New(),
	}
	seq := 0
	open := func(database string) (db.Adapter, error) {
		return db.Open(f.target, database)
	}
	f.ctrl = New(f.dir, open, "crm_db", "crm_test",
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("%012d", seq)
		}),
	)
	return f
}

// addRevision writes a revision with the given scripts on top of the head.
func (f *fixture) addRevision(t *testing.T, message, up, down string) *revision.Revision {
	t.Helper()
	rev, err := f.ctrl.Create(context.Background(), message, false)
	require.NoError(t, err)
	rev.Up, rev.Down = up, down
	require.NoError(t, os.WriteFile(rev.Path, rev.Render(), 0o644))
	rev, err = revision.ReadFile(rev.Path)
	require.NoError(t, err)
	return rev
}

func (f *fixture) tables(t *testing.T) map[string]db.Table {
	t.Helper()
	adapter, err := db.Open(f.target, "crm_db")
	require.NoError(t, err)
	defer adapter.Close()
	schema, err := adapter.FetchSchema(context.Background(), "")
	require.NoError(t, err)
	return schema.Tables
}

func (f *fixture) current(t *testing.T) string {
	t.Helper()
	st, err := f.ctrl.Current(context.Background())
	require.NoError(t, err)
	return st.Current
}

func TestCreateRejectsEmptyMessage(t *testing.T) {
	f := newFixture(t)

	for _, msg := range []string{"", "   \n"} {
		_, err := f.ctrl.Create(context.Background(), msg, false)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "message", verr.Field)
	}

	_, err := os.Stat(f.dir)
	assert.True(t, os.IsNotExist(err), "no revision file may be written")
}

func TestCreateChainsOnHead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Create(ctx, "create contacts", false)
	require.NoError(t, err)
	assert.Equal(t, "000000000001", first.ID)
	assert.Equal(t, "", first.Parent)
	assert.Equal(t, filepath.Join(f.dir, "000000000001_create_contacts.sql"), first.Path)

	second, err := f.ctrl.Create(ctx, "add email index", false)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.Parent)

	chain, err := revision.Load(f.dir)
	require.NoError(t, err)
	assert.Equal(t, second.ID, chain.Head())
}

func TestCreateAutogenerateEmbedsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.addRevision(t, "create contacts",
		"CREATE TABLE contacts (id INTEGER PRIMARY KEY, email TEXT NOT NULL);",
		"DROP TABLE contacts;")
	_, err := f.ctrl.Upgrade(ctx, revision.Head)
	require.NoError(t, err)

	rev, err := f.ctrl.Create(ctx, "sync test db", true)
	require.NoError(t, err)
	assert.Contains(t, rev.Up, "-- schema drift (crm_db -> crm_test):")
	assert.Contains(t, rev.Up, "--   tables missing from crm_test: contacts")

	raw, err := os.ReadFile(rev.Path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "tables missing from crm_test: contacts")
}

func TestUpgradeDowngradeRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.addRevision(t, "create contacts",
		"CREATE TABLE contacts (id INTEGER PRIMARY KEY, email TEXT NOT NULL);",
		"DROP TABLE contacts;")
	r2 := f.addRevision(t, "create companies",
		"CREATE TABLE companies (id INTEGER PRIMARY KEY, name TEXT);",
		"DROP TABLE companies;")

	res, err := f.ctrl.Upgrade(ctx, revision.Head)
	require.NoError(t, err)
	assert.Equal(t, "", res.From)
	assert.Equal(t, r2.ID, res.To)
	assert.Equal(t, []string{r1.ID, r2.ID}, res.Steps)
	assert.Contains(t, f.tables(t), "companies")

	res, err = f.ctrl.Downgrade(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, r1.ID, res.To)
	assert.Equal(t, r1.ID, f.current(t))
	assert.NotContains(t, f.tables(t), "companies")
	assert.Contains(t, f.tables(t), "contacts")

	res, err = f.ctrl.Upgrade(ctx, r2.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{r2.ID}, res.Steps)
	assert.Equal(t, r2.ID, f.current(t))

	res, err = f.ctrl.Upgrade(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, res.Steps)

	st, err := f.ctrl.Current(ctx)
	require.NoError(t, err)
	assert.True(t, st.UpToDate())

	history, err := f.ctrl.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, db.DirectionUp, history[0].Direction)
	assert.Equal(t, r2.ID, history[0].Revision)
	assert.Equal(t, db.DirectionDown, history[1].Direction)
	assert.Equal(t, r1.ID, history[1].ToRevision)
	assert.Equal(t, r2.Checksum(db.DirectionDown), history[1].Checksum)
}

func TestDowngradeAtBaseFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addRevision(t, "create contacts", "CREATE TABLE contacts (id INTEGER);", "DROP TABLE contacts;")

	_, err := f.ctrl.Downgrade(ctx, 1)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, OpDowngrade, terr.Op)
	assert.ErrorIs(t, err, revision.ErrNotEnoughApplied)
	assert.Equal(t, "", f.current(t))
}

func TestDowngradeMoreThanAppliedLeavesPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.addRevision(t, "create contacts", "CREATE TABLE contacts (id INTEGER);", "DROP TABLE contacts;")

	_, err := f.ctrl.Upgrade(ctx, revision.Head)
	require.NoError(t, err)

	_, err = f.ctrl.Downgrade(ctx, 2)
	assert.ErrorIs(t, err, revision.ErrNotEnoughApplied)
	assert.Equal(t, r1.ID, f.current(t))
	assert.Contains(t, f.tables(t), "contacts")
}

func TestDowngradeRejectsNonPositiveSteps(t *testing.T) {
	f := newFixture(t)
	for _, steps := range []int{0, -3} {
		_, err := f.ctrl.Downgrade(context.Background(), steps)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "steps", verr.Field)
	}
}

func TestUpgradeStopsAtFailedRevision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1 := f.addRevision(t, "create contacts", "CREATE TABLE contacts (id INTEGER);", "DROP TABLE contacts;")
	r2 := f.addRevision(t, "broken", "CREATE TABLE leads (id INTEGER); CREATE TABLE broken (;", "")
	f.addRevision(t, "create companies", "CREATE TABLE companies (id INTEGER);", "DROP TABLE companies;")

	res, err := f.ctrl.Upgrade(ctx, revision.Head)
	var terr *ToolError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, OpUpgrade, terr.Op)
	assert.Equal(t, r1.ID, res.To)

	assert.Equal(t, r1.ID, f.current(t))
	tables := f.tables(t)
	assert.Contains(t, tables, "contacts")
	assert.NotContains(t, tables, "leads")
	assert.NotContains(t, tables, "companies")

	history, err := f.ctrl.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, db.StatusFailed, history[0].Status)
	assert.Equal(t, r2.ID, history[0].Revision)
	assert.True(t, history[0].Error.Valid)
}

func TestUpgradeRejectsPointerOutsideChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.addRevision(t, "create contacts", "CREATE TABLE contacts (id INTEGER);", "DROP TABLE contacts;")
	_, err := f.ctrl.Upgrade(ctx, revision.Head)
	require.NoError(t, err)

	require.NoError(t, os.Remove(r1.Path))

	_, err = f.ctrl.Upgrade(ctx, revision.Head)
	assert.ErrorIs(t, err, revision.ErrUnknownRevision)
}

func TestUpgradeRejectsInvalidChain(t *testing.T) {
	f := newFixture(t)
	f.addRevision(t, "one", "", "")
	fork := revision.New("ffffffffffff", "", "second base", time.Now())
	_, err := revision.Write(f.dir, fork)
	require.NoError(t, err)

	_, err = f.ctrl.Upgrade(context.Background(), revision.Head)
	assert.ErrorIs(t, err, revision.ErrInvalidChain)
}

func (f *fixture) revisionTablesExist(t *testing.T) bool {
	t.Helper()
	adapter, err := db.Open(f.target, "crm_db")
	require.NoError(t, err)
	defer adapter.Close()
	exists, err := adapter.RevisionTablesExist(context.Background())
	require.NoError(t, err)
	return exists
}

func TestReadsLeaveFreshDatabaseUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.addRevision(t, "create contacts", "CREATE TABLE contacts (id INTEGER);", "DROP TABLE contacts;")

	st, err := f.ctrl.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, Status{Current: "", Head: r1.ID}, st)

	history, err := f.ctrl.History(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	assert.False(t, f.revisionTablesExist(t))
	assert.Empty(t, f.tables(t))
}

func TestHistoryRejectsNonPositiveLimit(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.History(context.Background(), 0)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestCheckReportsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	d, err := f.ctrl.Check(ctx)
	require.NoError(t, err)
	assert.False(t, d.HasChanges())

	f.addRevision(t, "create contacts", "CREATE TABLE contacts (id INTEGER);", "DROP TABLE contacts;")
	_, err = f.ctrl.Upgrade(ctx, revision.Head)
	require.NoError(t, err)

	d, err = f.ctrl.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"contacts"}, d.Missing)
}

func TestEnsureDatabaseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.ctrl.EnsureDatabase(ctx, "crm_test")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = f.ctrl.EnsureDatabase(ctx, "crm_test")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = f.ctrl.EnsureDatabase(ctx, "crm-test; drop")
	var terr *ToolError
	assert.ErrorAs(t, err, &terr)
}

func TestOperationsAreCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.ctrl.Create(ctx, "", false)
	_, err := f.ctrl.Create(ctx, "ok", false)
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "devenv_migration_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
