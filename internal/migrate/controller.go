// Package migrate runs create-revision, upgrade and downgrade over the
// revision chain stored in the migrations directory.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crm_devenv/internal/config"
	"crm_devenv/internal/db"
	"crm_devenv/internal/diff"
	"crm_devenv/internal/metrics"
	"crm_devenv/internal/revision"
)

const (
	OpCreate    = "create-revision"
	OpUpgrade   = "upgrade"
	OpDowngrade = "downgrade"
	OpCurrent   = "current"
	OpHistory   = "history"
	OpCheck     = "check"
	OpEnsureDB  = "ensure-db"
)

// Opener connects to a database by name on the configured server.
type Opener func(database string) (db.Adapter, error)

// Controller owns the migrations directory and the schema pointer of the
// primary database. Every call is single shot; nothing is retried.
type Controller struct {
	dir     string
	open    Opener
	primary string
	test    string
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
	newID   func() string
}

type Option func(*Controller)

func WithMetrics(m *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithIDGenerator(f func() string) Option {
	return func(c *Controller) { c.newID = f }
}

// New builds a controller migrating primary, comparing against test for drift.
func New(dir string, open Opener, primary, test string, logger *slog.Logger, opts ...Option) *Controller {
	c := &Controller{
		dir:     dir,
		open:    open,
		primary: primary,
		test:    test,
		logger:  logger,
		now:     time.Now,
		newID:   revision.NewID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewFromConfig wires a controller to the configured target.
func NewFromConfig(cfg config.Config, logger *slog.Logger, m *metrics.Collector) *Controller {
	target := cfg.Target
	open := func(database string) (db.Adapter, error) {
		return db.Open(target, database)
	}
	return New(cfg.MigrationsDir, open, target.Database, cfg.TestDatabase, logger, WithMetrics(m))
}

// Status is the schema pointer next to the chain head.
type Status struct {
	Current string `json:"current"`
	Head    string `json:"head"`
}

// UpToDate reports whether every revision is applied.
func (s Status) UpToDate() bool { return s.Current == s.Head }

// Result summarizes an upgrade or downgrade.
type Result struct {
	From  string
	To    string
	Steps []string
}

func (c *Controller) observe(op string, err *error) {
	c.metrics.MigrationOp(op, *err == nil)
}

// Create writes a new revision on top of the current head. With
// autogenerate the upgrade section starts with the schema drift between
// the primary and test databases as comments.
func (c *Controller) Create(ctx context.Context, message string, autogenerate bool) (rev *revision.Revision, err error) {
	defer c.observe(OpCreate, &err)

	if strings.TrimSpace(message) == "" {
		return nil, &ValidationError{Field: "message", Msg: "must not be empty"}
	}
	chain, err := revision.Load(c.dir)
	if err != nil {
		return nil, toolError(OpCreate, err)
	}

	rev = revision.New(c.newID(), chain.Head(), message, c.now())
	if autogenerate {
		d, err := c.drift(ctx)
		if err != nil {
			return nil, toolError(OpCreate, err)
		}
		rev.Up = driftComment(d) + rev.Up
	}
	if _, err := revision.Write(c.dir, rev); err != nil {
		return nil, toolError(OpCreate, err)
	}
	c.logger.Info("revision created", "revision", rev.ID, "parent", rev.Parent, "path", rev.Path)
	return rev, nil
}

func driftComment(d diff.SchemaDiff) string {
	var b strings.Builder
	fmt.Fprintf(&b, "-- schema drift (%s -> %s):\n", d.Reference, d.Target)
	for _, line := range d.Lines() {
		b.WriteString("--   " + line + "\n")
	}
	return b.String()
}

// Upgrade applies unapplied revisions in chain order up to target, which is
// revision.Head or a revision ID. On failure the database stays at the last
// revision that applied cleanly.
func (c *Controller) Upgrade(ctx context.Context, target string) (res Result, err error) {
	defer c.observe(OpUpgrade, &err)

	if target == "" {
		target = revision.Head
	}
	chain, adapter, current, err := c.prepare(ctx)
	if err != nil {
		return res, toolError(OpUpgrade, err)
	}
	defer adapter.Close()

	res.From, res.To = current, current
	path, err := chain.UpgradePath(current, target)
	if err != nil {
		return res, toolError(OpUpgrade, err)
	}
	if len(path) == 0 {
		c.logger.Info("database already at target", "revision", current, "target", target)
		return res, nil
	}

	for _, r := range path {
		step := db.Step{
			Revision:  r.ID,
			Direction: db.DirectionUp,
			From:      res.To,
			To:        r.ID,
			Script:    r.Up,
			Checksum:  r.Checksum(db.DirectionUp),
		}
		if err := c.apply(ctx, adapter, step); err != nil {
			return res, toolError(OpUpgrade, err)
		}
		res.To = r.ID
		res.Steps = append(res.Steps, r.ID)
		c.logger.Info("revision applied", "revision", r.ID, "message", r.Message)
	}
	return res, nil
}

// Downgrade reverts the most recent steps revisions, newest first. Asking
// for more than is applied fails before anything runs.
func (c *Controller) Downgrade(ctx context.Context, steps int) (res Result, err error) {
	defer c.observe(OpDowngrade, &err)

	if steps < 1 {
		return res, &ValidationError{Field: "steps", Msg: fmt.Sprintf("must be at least 1, got %d", steps)}
	}
	chain, adapter, current, err := c.prepare(ctx)
	if err != nil {
		return res, toolError(OpDowngrade, err)
	}
	defer adapter.Close()

	res.From, res.To = current, current
	path, err := chain.DowngradePath(current, steps)
	if err != nil {
		return res, toolError(OpDowngrade, err)
	}

	for _, r := range path {
		step := db.Step{
			Revision:  r.ID,
			Direction: db.DirectionDown,
			From:      res.To,
			To:        r.Parent,
			Script:    r.Down,
			Checksum:  r.Checksum(db.DirectionDown),
		}
		if err := c.apply(ctx, adapter, step); err != nil {
			return res, toolError(OpDowngrade, err)
		}
		res.To = r.Parent
		res.Steps = append(res.Steps, r.ID)
		c.logger.Info("revision reverted", "revision", r.ID, "now", revision.Display(r.Parent))
	}
	return res, nil
}

// Current reads the schema pointer and the chain head. It never creates
// the revision tables; a database without them is at base.
func (c *Controller) Current(ctx context.Context) (st Status, err error) {
	defer c.observe(OpCurrent, &err)

	chain, err := revision.Load(c.dir)
	if err != nil {
		return st, toolError(OpCurrent, err)
	}
	adapter, err := c.open(c.primary)
	if err != nil {
		return st, toolError(OpCurrent, fmt.Errorf("open %s: %w", c.primary, err))
	}
	defer adapter.Close()

	exists, err := adapter.RevisionTablesExist(ctx)
	if err != nil {
		return st, toolError(OpCurrent, err)
	}
	var current string
	if exists {
		if current, err = c.readPointer(ctx, adapter, chain); err != nil {
			return st, toolError(OpCurrent, err)
		}
	}
	return Status{Current: current, Head: chain.Head()}, nil
}

// History returns the latest limit history rows, newest first.
func (c *Controller) History(ctx context.Context, limit int) (entries []db.HistoryEntry, err error) {
	defer c.observe(OpHistory, &err)

	if limit < 1 {
		return nil, &ValidationError{Field: "limit", Msg: fmt.Sprintf("must be at least 1, got %d", limit)}
	}
	adapter, err := c.open(c.primary)
	if err != nil {
		return nil, toolError(OpHistory, err)
	}
	defer adapter.Close()
	exists, err := adapter.RevisionTablesExist(ctx)
	if err != nil || !exists {
		return nil, toolError(OpHistory, err)
	}
	entries, err = adapter.FetchHistory(ctx, limit)
	return entries, toolError(OpHistory, err)
}

// Check compares the primary schema with the test database schema.
func (c *Controller) Check(ctx context.Context) (d diff.SchemaDiff, err error) {
	defer c.observe(OpCheck, &err)

	d, err = c.drift(ctx)
	return d, toolError(OpCheck, err)
}

// EnsureDatabase creates name through the migration store when it is
// missing. It reports whether the database was created.
func (c *Controller) EnsureDatabase(ctx context.Context, name string) (created bool, err error) {
	defer c.observe(OpEnsureDB, &err)

	adapter, err := c.open(c.primary)
	if err != nil {
		return false, toolError(OpEnsureDB, err)
	}
	defer adapter.Close()

	exists, err := adapter.DatabaseExists(ctx, name)
	if err != nil {
		return false, toolError(OpEnsureDB, err)
	}
	if exists {
		c.logger.Info("database already exists", "database", name)
		return false, nil
	}
	if err := adapter.CreateDatabase(ctx, name); err != nil {
		return false, toolError(OpEnsureDB, err)
	}
	c.logger.Info("database created", "database", name)
	return true, nil
}

// prepare loads the chain, opens the primary database and validates that
// the stored pointer belongs to the chain.
func (c *Controller) prepare(ctx context.Context) (*revision.Chain, db.Adapter, string, error) {
	chain, err := revision.Load(c.dir)
	if err != nil {
		return nil, nil, "", err
	}
	adapter, err := c.open(c.primary)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open %s: %w", c.primary, err)
	}
	if err := adapter.EnsureRevisionTables(ctx); err != nil {
		adapter.Close()
		return nil, nil, "", err
	}
	current, err := c.readPointer(ctx, adapter, chain)
	if err != nil {
		adapter.Close()
		return nil, nil, "", err
	}
	return chain, adapter, current, nil
}

// readPointer returns the stored pointer after checking it names a revision
// of chain.
func (c *Controller) readPointer(ctx context.Context, adapter db.Adapter, chain *revision.Chain) (string, error) {
	current, err := adapter.CurrentRevision(ctx)
	if err != nil {
		return "", err
	}
	if _, err := chain.Applied(current); err != nil {
		return "", fmt.Errorf("database pointer is not in %s: %w", c.dir, err)
	}
	return current, nil
}

// apply runs one step. A failed step leaves a failed history row written
// outside the rolled back transaction.
func (c *Controller) apply(ctx context.Context, adapter db.Adapter, step db.Step) error {
	err := adapter.ApplyStep(ctx, step)
	if err == nil {
		return nil
	}
	c.logger.Error("revision failed", "revision", step.Revision, "direction", step.Direction, "error", err)
	entry := db.HistoryEntry{
		Revision:     step.Revision,
		Direction:    step.Direction,
		FromRevision: step.From,
		ToRevision:   step.To,
		Status:       db.StatusFailed,
		Checksum:     step.Checksum,
		AppliedAt:    c.now().UTC(),
		Error:        sql.NullString{Valid: true, String: err.Error()},
	}
	if recErr := adapter.RecordHistory(ctx, entry); recErr != nil {
		return errors.Join(err, recErr)
	}
	return err
}

func (c *Controller) drift(ctx context.Context) (diff.SchemaDiff, error) {
	primary, err := c.fetchSchema(ctx, c.primary)
	if err != nil {
		return diff.SchemaDiff{}, err
	}
	test, err := c.fetchSchema(ctx, c.test)
	if err != nil {
		return diff.SchemaDiff{}, err
	}
	return diff.Compare(
		diff.Side{Label: c.primary, Schema: primary},
		diff.Side{Label: c.test, Schema: test},
		db.RevisionTable, db.HistoryTable,
	), nil
}

func (c *Controller) fetchSchema(ctx context.Context, database string) (db.Schema, error) {
	adapter, err := c.open(database)
	if err != nil {
		return db.Schema{}, fmt.Errorf("open %s: %w", database, err)
	}
	defer adapter.Close()
	schema, err := adapter.FetchSchema(ctx, "")
	if err != nil {
		return db.Schema{}, fmt.Errorf("inspect %s: %w", database, err)
	}
	return schema, nil
}
