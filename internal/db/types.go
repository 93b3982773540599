package db

import (
	"database/sql"
	"time"
)

// Schema holds the introspected structure of a database.
type Schema struct {
	Tables map[string]Table
}

// Table describes a table and its columns.
type Table struct {
	Name       string
	Columns    map[string]Column
	PrimaryKey []string
}

// Column describes a table column.
type Column struct {
	Name         string
	DataType     string
	IsNullable   bool
	DefaultValue sql.NullString
}

const (
	DirectionUp   = "up"
	DirectionDown = "down"

	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// Step is one move of the schema pointer along the revision chain.
type Step struct {
	Revision  string
	Direction string
	From      string
	To        string
	Script    string
	Checksum  string
}

// HistoryEntry is a row of the revision history table.
type HistoryEntry struct {
	Revision     string
	Direction    string
	FromRevision string
	ToRevision   string
	Status       string
	Checksum     string
	AppliedAt    time.Time
	Error        sql.NullString
}
