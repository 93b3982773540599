package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"crm_devenv/internal/config"
)

const (
	// RevisionTable holds the single schema pointer row.
	RevisionTable = "devenv_schema_revision"
	// HistoryTable records every applied or failed step.
	HistoryTable = "devenv_schema_history"
)

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Adapter abstracts provider-specific behavior of the migration store.
type Adapter interface {
	Provider() string
	Close() error
	Ping(ctx context.Context) error
	DatabaseExists(ctx context.Context, name string) (bool, error)
	CreateDatabase(ctx context.Context, name string) error
	EnsureRevisionTables(ctx context.Context) error
	RevisionTablesExist(ctx context.Context) (bool, error)
	CurrentRevision(ctx context.Context) (string, error)
	ApplyStep(ctx context.Context, step Step) error
	RecordHistory(ctx context.Context, entry HistoryEntry) error
	FetchHistory(ctx context.Context, limit int) ([]HistoryEntry, error)
	FetchSchema(ctx context.Context, schema string) (Schema, error)
}

// Open builds an adapter for database on the configured target.
func Open(target config.Target, database string) (Adapter, error) {
	switch target.Provider {
	case "postgres":
		db, err := sql.Open("pgx", target.DSN(database))
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(5)
		return &PostgresAdapter{sqlAdapter{db: db, dialect: postgresDialect}}, nil
	case "mysql":
		dsn := target.DSN(database)
		// Validate DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		db, err := sql.Open("mysql", dsn)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(5)
		return &MySQLAdapter{sqlAdapter{db: db, dialect: mysqlDialect}}, nil
	case "sqlite":
		if err := os.MkdirAll(target.SQLiteDir, 0o755); err != nil {
			return nil, err
		}
		db, err := sql.Open("sqlite3", target.DSN(database))
		if err != nil {
			return nil, err
		}
		// One writer at a time; sqlite serializes anyway.
		db.SetMaxOpenConns(1)
		return &SQLiteAdapter{sqlAdapter: sqlAdapter{db: db, dialect: sqliteDialect}, target: target}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", target.Provider)
	}
}

func validateName(name string) error {
	if !identifierRegex.MatchString(name) {
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}
