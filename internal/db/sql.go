package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// dialect carries the SQL that differs between providers for the shared
// revision-store operations.
type dialect struct {
	bindvar     func(n int) string
	revisionDDL string
	historyDDL  string
	// tableExists selects 1 when the table named by the single argument is
	// present in the connected database.
	tableExists string
}

func dollarBindvar(n int) string { return "$" + strconv.Itoa(n) }

func questionBindvar(int) string { return "?" }

// sqlAdapter implements the provider-neutral part of Adapter over database/sql.
type sqlAdapter struct {
	db      *sql.DB
	dialect dialect
}

func (a *sqlAdapter) Close() error { return a.db.Close() }

func (a *sqlAdapter) Ping(ctx context.Context) error { return a.db.PingContext(ctx) }

func (a *sqlAdapter) EnsureRevisionTables(ctx context.Context) error {
	for _, ddl := range []string{a.dialect.revisionDDL, a.dialect.historyDDL} {
		if err := a.ExecScript(ctx, ddl); err != nil {
			return fmt.Errorf("ensure revision tables: %w", err)
		}
	}
	return nil
}

// RevisionTablesExist reports whether both revision tables are present,
// without creating them.
func (a *sqlAdapter) RevisionTablesExist(ctx context.Context) (bool, error) {
	for _, table := range []string{RevisionTable, HistoryTable} {
		var one int
		err := a.db.QueryRowContext(ctx, a.dialect.tableExists, table).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("look up %s: %w", table, err)
		}
	}
	return true, nil
}

// CurrentRevision returns the schema pointer, or "" when nothing is applied.
func (a *sqlAdapter) CurrentRevision(ctx context.Context) (string, error) {
	var rev string
	err := a.db.QueryRowContext(ctx, `SELECT revision FROM `+RevisionTable+` WHERE singleton = 1`).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read schema pointer: %w", err)
	}
	return rev, nil
}

// ApplyStep executes the step script, moves the pointer and appends an
// applied history row in one transaction. On mysql DDL commits implicitly,
// so only the pointer and history writes are atomic there.
func (a *sqlAdapter) ApplyStep(ctx context.Context, step Step) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, stmt := range splitStatements(step.Script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute %s %s: %w", step.Direction, step.Revision, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+RevisionTable); err != nil {
		return fmt.Errorf("clear schema pointer: %w", err)
	}
	now := time.Now().UTC()
	if step.To != "" {
		stmt := fmt.Sprintf(`INSERT INTO %s (singleton, revision, updated_at) VALUES (1, %s, %s)`,
			RevisionTable, a.dialect.bindvar(1), a.dialect.bindvar(2))
		if _, err := tx.ExecContext(ctx, stmt, step.To, now); err != nil {
			return fmt.Errorf("set schema pointer: %w", err)
		}
	}

	entry := HistoryEntry{
		Revision:     step.Revision,
		Direction:    step.Direction,
		FromRevision: step.From,
		ToRevision:   step.To,
		Status:       StatusApplied,
		Checksum:     step.Checksum,
		AppliedAt:    now,
	}
	if err := a.insertHistory(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (a *sqlAdapter) RecordHistory(ctx context.Context, entry HistoryEntry) error {
	return a.insertHistory(ctx, a.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (a *sqlAdapter) insertHistory(ctx context.Context, ex execer, entry HistoryEntry) error {
	b := a.dialect.bindvar
	stmt := fmt.Sprintf(`INSERT INTO %s
		(revision, direction, from_revision, to_revision, status, checksum, applied_at, error)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s)`, HistoryTable,
		b(1), b(2), b(3), b(4), b(5), b(6), b(7), b(8))
	_, err := ex.ExecContext(ctx, stmt,
		entry.Revision,
		entry.Direction,
		entry.FromRevision,
		entry.ToRevision,
		entry.Status,
		entry.Checksum,
		entry.AppliedAt,
		nullString(entry.Error),
	)
	if err != nil {
		return fmt.Errorf("record history: %w", err)
	}
	return nil
}

func (a *sqlAdapter) FetchHistory(ctx context.Context, limit int) ([]HistoryEntry, error) {
	stmt := fmt.Sprintf(`SELECT revision, direction, from_revision, to_revision, status, checksum, applied_at, error
FROM %s
ORDER BY id DESC
LIMIT %s`, HistoryTable, a.dialect.bindvar(1))
	rows, err := a.db.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.Revision, &e.Direction, &e.FromRevision, &e.ToRevision, &e.Status, &e.Checksum, &e.AppliedAt, &e.Error); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (a *sqlAdapter) ExecScript(ctx context.Context, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func nullString(s sql.NullString) any {
	if s.Valid {
		return s.String
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// splitStatements breaks a script on top-level semicolons so every provider
// can run it without multi-statement support. Quoted strings, identifiers,
// line and block comments and dollar-quoted bodies are kept intact.
func splitStatements(sqlText string) []string {
	var (
		out     []string
		current strings.Builder
	)

	flush := func() {
		stmt := strings.TrimSpace(current.String())
		if stmt != "" && !onlyComments(stmt) {
			out = append(out, stmt)
		}
		current.Reset()
	}

	runes := []rune(sqlText)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			end := i
			for end < len(runes) && runes[end] != '\n' {
				end++
			}
			current.WriteString(string(runes[i:end]))
			i = end - 1
			continue
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			end := blockCommentEnd(runes, i)
			current.WriteString(string(runes[i:end]))
			i = end - 1
			continue
		case r == '\'' || r == '"':
			escapes := r == '\'' && escapeStringPrefix(runes, i)
			end := i + 1
			for end < len(runes) && runes[end] != r {
				if escapes && runes[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(runes) {
				end = len(runes) - 1
			}
			current.WriteString(string(runes[i : end+1]))
			i = end
			continue
		case r == '$':
			if tag, ok := dollarTag(runes[i:]); ok {
				n := len(tag)
				end := len(runes)
				for k := i + n; k+n <= len(runes); k++ {
					if string(runes[k:k+n]) == string(tag) {
						end = k + n
						break
					}
				}
				current.WriteString(string(runes[i:end]))
				i = end - 1
				continue
			}
		case r == ';':
			flush()
			continue
		}
		current.WriteRune(r)
	}
	flush()
	return out
}

// blockCommentEnd returns the index just past the comment opened at start.
// Postgres block comments nest. An unterminated comment runs to the end.
func blockCommentEnd(runes []rune, start int) int {
	depth := 0
	for k := start; k+1 < len(runes); k++ {
		switch {
		case runes[k] == '/' && runes[k+1] == '*':
			depth++
			k++
		case runes[k] == '*' && runes[k+1] == '/':
			depth--
			k++
			if depth == 0 {
				return k + 1
			}
		}
	}
	return len(runes)
}

// escapeStringPrefix reports whether the quote at i opens an E'...' string,
// where backslash escapes the next character.
func escapeStringPrefix(runes []rune, i int) bool {
	if i == 0 || (runes[i-1] != 'E' && runes[i-1] != 'e') {
		return false
	}
	if i == 1 {
		return true
	}
	prev := runes[i-2]
	return !(prev == '_' || unicode.IsLetter(prev) || unicode.IsDigit(prev))
}

// dollarTag matches a postgres dollar-quote opener such as $$ or $body$.
func dollarTag(runes []rune) ([]rune, bool) {
	for j := 1; j < len(runes); j++ {
		c := runes[j]
		if c == '$' {
			return runes[:j+1], true
		}
		if !(c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || (j > 1 && c >= '0' && c <= '9')) {
			return nil, false
		}
	}
	return nil, false
}

func onlyComments(stmt string) bool {
	runes := []rune(stmt)
	for i := 0; i < len(runes); i++ {
		switch {
		case unicode.IsSpace(runes[i]):
		case runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i = blockCommentEnd(runes, i) - 1
		default:
			return false
		}
	}
	return true
}
