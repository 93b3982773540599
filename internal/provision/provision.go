// Package provision makes sure a named database exists on a ready server.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"crm_devenv/internal/metrics"
)

// duplicateDatabase is SQLSTATE 42P04, raised when a concurrent creator wins.
const duplicateDatabase = "42P04"

var (
	ErrSetup = errors.New("provisioning setup error")

	identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Querier is the subset of *pgx.Conn and *pgxpool.Pool the provisioner uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Result struct {
	Name    string
	Created bool
}

type Provisioner struct {
	db      Querier
	logger  *slog.Logger
	metrics *metrics.Collector
}

func New(db Querier, logger *slog.Logger, m *metrics.Collector) *Provisioner {
	return &Provisioner{db: db, logger: logger, metrics: m}
}

// EnsureDatabase creates name if the catalog has no entry for it. An existing
// database, including one created concurrently between the lookup and the
// CREATE, is a successful no-op.
func (p *Provisioner) EnsureDatabase(ctx context.Context, name string) (Result, error) {
	res, err := p.ensure(ctx, name)
	switch {
	case err != nil:
		p.metrics.Provisioned("error")
	case res.Created:
		p.metrics.Provisioned("created")
	default:
		p.metrics.Provisioned("existing")
	}
	return res, err
}

func (p *Provisioner) ensure(ctx context.Context, name string) (Result, error) {
	res := Result{Name: name}
	if !identifierRegex.MatchString(name) {
		return res, fmt.Errorf("%w: invalid database name %q", ErrSetup, name)
	}

	exists, err := p.Exists(ctx, name)
	if err != nil {
		return res, err
	}
	if exists {
		p.logger.Info("database already exists", "database", name)
		return res, nil
	}

	p.logger.Info("creating database", "database", name)
	if _, err := p.db.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == duplicateDatabase {
			p.logger.Info("database created concurrently", "database", name)
			return res, nil
		}
		return res, fmt.Errorf("%w: create database %s: %w", ErrSetup, name, err)
	}

	exists, err = p.Exists(ctx, name)
	if err != nil {
		return res, err
	}
	if !exists {
		return res, fmt.Errorf("%w: database %s missing from catalog after create", ErrSetup, name)
	}
	res.Created = true
	p.logger.Info("database created", "database", name)
	return res, nil
}

// Exists looks name up in pg_database.
func (p *Provisioner) Exists(ctx context.Context, name string) (bool, error) {
	var one int
	err := p.db.QueryRow(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, name).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: catalog lookup for %s: %w", ErrSetup, name, err)
	}
	return true, nil
}
