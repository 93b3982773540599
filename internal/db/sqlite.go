package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"crm_devenv/internal/config"
)

var sqliteDialect = dialect{
	bindvar: questionBindvar,
	revisionDDL: `
CREATE TABLE IF NOT EXISTS ` + RevisionTable + ` (
	singleton INTEGER PRIMARY KEY CHECK (singleton = 1),
	revision TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`,
	historyDDL: `
CREATE TABLE IF NOT EXISTS ` + HistoryTable + ` (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	revision TEXT NOT NULL,
	direction TEXT NOT NULL,
	from_revision TEXT NOT NULL,
	to_revision TEXT NOT NULL,
	status TEXT NOT NULL,
	checksum TEXT NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	error TEXT
)`,
	tableExists: `SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`,
}

// SQLiteAdapter keeps each database in its own file under the target's
// SQLite directory. It backs offline work and the migration tests.
type SQLiteAdapter struct {
	sqlAdapter
	target config.Target
}

func (s *SQLiteAdapter) Provider() string { return "sqlite" }

func (s *SQLiteAdapter) path(name string) string {
	return filepath.Join(s.target.SQLiteDir, name+".db")
}

func (s *SQLiteAdapter) DatabaseExists(_ context.Context, name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}
	_, err := os.Stat(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// CreateDatabase opens the file once so sqlite creates it. Opening an
// existing file is a no-op.
func (s *SQLiteAdapter) CreateDatabase(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	db, err := sql.Open("sqlite3", s.target.DSN(name))
	if err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// FetchSchema ignores the schema argument; a sqlite file has one namespace.
func (s *SQLiteAdapter) FetchSchema(ctx context.Context, _ string) (Schema, error) {
	result := Schema{Tables: map[string]Table{}}

	tablesRows, err := s.db.QueryContext(ctx, `
SELECT name FROM sqlite_master
WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return result, err
	}
	var names []string
	for tablesRows.Next() {
		var name string
		if err := tablesRows.Scan(&name); err != nil {
			tablesRows.Close()
			return result, err
		}
		names = append(names, name)
	}
	tablesRows.Close()
	if err := tablesRows.Err(); err != nil {
		return result, err
	}

	for _, name := range names {
		t := Table{Name: name, Columns: map[string]Column{}, PrimaryKey: []string{}}
		colsRows, err := s.db.QueryContext(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY pk`, name)
		if err != nil {
			return result, err
		}
		for colsRows.Next() {
			var (
				col, dataType string
				notNull, pk   int
				def           sql.NullString
			)
			if err := colsRows.Scan(&col, &dataType, &notNull, &def, &pk); err != nil {
				colsRows.Close()
				return result, err
			}
			t.Columns[col] = Column{
				Name:         col,
				DataType:     strings.ToLower(dataType),
				IsNullable:   notNull == 0 && pk == 0,
				DefaultValue: def,
			}
			if pk > 0 {
				t.PrimaryKey = append(t.PrimaryKey, col)
			}
		}
		colsRows.Close()
		if err := colsRows.Err(); err != nil {
			return result, err
		}
		result.Tables[name] = t
	}
	return result, nil
}
