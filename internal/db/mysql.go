package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var mysqlDialect = dialect{
	bindvar: questionBindvar,
	revisionDDL: `
CREATE TABLE IF NOT EXISTS ` + RevisionTable + ` (
	singleton int PRIMARY KEY,
	revision varchar(64) NOT NULL,
	updated_at timestamp(6) NOT NULL,
	CHECK (singleton = 1)
) ENGINE=InnoDB`,
	historyDDL: `
CREATE TABLE IF NOT EXISTS ` + HistoryTable + ` (
	id bigint AUTO_INCREMENT PRIMARY KEY,
	revision varchar(64) NOT NULL,
	direction varchar(8) NOT NULL,
	from_revision varchar(64) NOT NULL,
	to_revision varchar(64) NOT NULL,
	status varchar(16) NOT NULL,
	checksum varchar(64) NOT NULL,
	applied_at timestamp(6) NOT NULL,
	error text
) ENGINE=InnoDB`,
	tableExists: `SELECT 1 FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`,
}

type MySQLAdapter struct {
	sqlAdapter
}

func (m *MySQLAdapter) Provider() string { return "mysql" }

func (m *MySQLAdapter) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var found string
	err := m.db.QueryRowContext(ctx, `SELECT schema_name FROM information_schema.schemata WHERE schema_name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (m *MySQLAdapter) CreateDatabase(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", name)
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

func (m *MySQLAdapter) FetchSchema(ctx context.Context, schema string) (Schema, error) {
	schemaName := strings.TrimSpace(schema)
	if schemaName == "" {
		if err := m.db.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&schemaName); err != nil {
			return Schema{Tables: map[string]Table{}}, err
		}
	}
	result := Schema{Tables: map[string]Table{}}

	tablesRows, err := m.db.QueryContext(ctx, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=? AND table_type='BASE TABLE'`, schemaName)
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

	colsRows, err := m.db.QueryContext(ctx, `
SELECT table_name, column_name, column_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema=?`, schemaName)
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

	pkRows, err := m.db.QueryContext(ctx, `
SELECT tc.table_name, kcu.column_name, kcu.ordinal_position
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
 ON tc.constraint_name = kcu.constraint_name
 AND tc.table_schema = kcu.table_schema
 AND tc.table_name = kcu.table_name
WHERE tc.table_schema=? AND tc.constraint_type='PRIMARY KEY'
ORDER BY kcu.ordinal_position`, schemaName)
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
