package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var postgresDialect = dialect{
	bindvar: dollarBindvar,
	revisionDDL: `
CREATE TABLE IF NOT EXISTS ` + RevisionTable + ` (
	singleton integer PRIMARY KEY CHECK (singleton = 1),
	revision varchar(64) NOT NULL,
	updated_at timestamptz NOT NULL
)`,
	historyDDL: `
CREATE TABLE IF NOT EXISTS ` + HistoryTable + ` (
	id bigserial PRIMARY KEY,
	revision varchar(64) NOT NULL,
	direction varchar(8) NOT NULL,
	from_revision varchar(64) NOT NULL,
	to_revision varchar(64) NOT NULL,
	status varchar(16) NOT NULL,
	checksum varchar(64) NOT NULL,
	applied_at timestamptz NOT NULL,
	error text
)`,
	tableExists: `SELECT 1 FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`,
}

type PostgresAdapter struct {
	sqlAdapter
}

func (p *PostgresAdapter) Provider() string { return "postgres" }

func (p *PostgresAdapter) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx, `SELECT 1 FROM pg_database WHERE datname = $1`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateDatabase issues CREATE DATABASE and treats duplicate_database as
// success. Postgres has no IF NOT EXISTS form for databases.
func (p *PostgresAdapter) CreateDatabase(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(name))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

func (p *PostgresAdapter) FetchSchema(ctx context.Context, schema string) (Schema, error) {
	if schema == "" {
		schema = "public"
	}
	result := Schema{Tables: map[string]Table{}}

	tablesRows, err := p.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=$1 AND table_type='BASE TABLE'`, schema)
	if err != nil {
		return result, err
	}
	defer tablesRows.Close()

	for tablesRows.Next() {
		var name string
		if err := tablesRows.Scan(&name); err != nil {
			return result, err
		}
		result.Tables[name] = Table{
			Name:       name,
			Columns:    map[string]Column{},
			PrimaryKey: []string{},
		}
	}
	if err := tablesRows.Err(); err != nil {
		return result, err
	}

	colsRows, err := p.db.QueryContext(ctx, `
SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema=$1`, schema)
	if err != nil {
		return result, err
	}
	defer colsRows.Close()

	for colsRows.Next() {
		var tbl, col, dataType, nullable string
		var def sql.NullString
		if err := colsRows.Scan(&tbl, &col, &dataType, &nullable, &def); err != nil {
			return result, err
		}
		t, ok := result.Tables[tbl]
		if !ok {
			continue
		}
		t.Columns[col] = Column{
			Name:         col,
			DataType:     dataType,
			IsNullable:   strings.EqualFold(nullable, "YES"),
			DefaultValue: def,
		}
		result.Tables[tbl] = t
	}
	if err := colsRows.Err(); err != nil {
		return result, err
	}

	pkRows, err := p.db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.table_schema=$1 AND tc.constraint_type='PRIMARY KEY'
ORDER BY kcu.ordinal_position`, schema)
	if err != nil {
		return result, err
	}
	defer pkRows.Close()

	for pkRows.Next() {
		var tbl, col string
		var pos int
		if err := pkRows.Scan(&tbl, &col, &pos); err != nil {
			return result, err
		}
		t, ok := result.Tables[tbl]
		if !ok {
			continue
		}
		t.PrimaryKey = append(t.PrimaryKey, col)
		result.Tables[tbl] = t
	}
	return result, pkRows.Err()
}
