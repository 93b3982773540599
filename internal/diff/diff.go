package diff

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"crm_devenv/internal/db"
)

// Side names one of the two schemas being compared.
type Side struct {
	Label  string
	Schema db.Schema
}

// SchemaDiff describes how the target schema drifted from the reference.
type SchemaDiff struct {
	Reference string
	Target    string
	Missing   []string
	Extra     []string
	Tables    map[string]TableDiff
}

// TableDiff captures per-table drift.
type TableDiff struct {
	Missing        []string
	Extra          []string
	Changed        []ColumnChange
	PrimaryKeyWant []string
	PrimaryKeyGot  []string
	PrimaryKeyDiff bool
}

// ColumnChange marks a column present on both sides with different attributes.
type ColumnChange struct {
	Name string
	Want db.Column
	Got  db.Column
}

// Compare reports the tables and columns of target that differ from
// reference. Tables named in ignore are skipped on both sides.
func Compare(reference, target Side, ignore ...string) SchemaDiff {
	res := SchemaDiff{
		Reference: reference.Label,
		Target:    target.Label,
		Tables:    map[string]TableDiff{},
	}

	want := tableNames(reference.Schema, ignore)
	got := tableNames(target.Schema, ignore)
	res.Missing = difference(want, got)
	res.Extra = difference(got, want)

	for _, name := range want {
		wantTable := reference.Schema.Tables[name]
		gotTable, ok := target.Schema.Tables[name]
		if !ok {
			continue
		}
		if td, drifted := compareTable(wantTable, gotTable); drifted {
			res.Tables[name] = td
		}
	}
	return res
}

func compareTable(want, got db.Table) (TableDiff, bool) {
	td := TableDiff{
		PrimaryKeyWant: slices.Clone(want.PrimaryKey),
		PrimaryKeyGot:  slices.Clone(got.PrimaryKey),
		PrimaryKeyDiff: !slices.Equal(want.PrimaryKey, got.PrimaryKey),
	}

	wantCols := sortedKeys(want.Columns)
	gotCols := sortedKeys(got.Columns)
	td.Missing = difference(wantCols, gotCols)
	td.Extra = difference(gotCols, wantCols)

	for _, col := range wantCols {
		g, ok := got.Columns[col]
		if !ok {
			continue
		}
		if w := want.Columns[col]; !columnsEqual(w, g) {
			td.Changed = append(td.Changed, ColumnChange{Name: col, Want: w, Got: g})
		}
	}
	drifted := td.PrimaryKeyDiff || len(td.Missing) > 0 || len(td.Extra) > 0 || len(td.Changed) > 0
	return td, drifted
}

func columnsEqual(a, b db.Column) bool {
	return strings.EqualFold(a.DataType, b.DataType) &&
		a.IsNullable == b.IsNullable &&
		normalizeDefault(a.DefaultValue.String) == normalizeDefault(b.DefaultValue.String)
}

func normalizeDefault(val string) string {
	return strings.TrimSpace(val)
}

// HasChanges reports whether the diff contains meaningful differences.
func (d SchemaDiff) HasChanges() bool {
	return len(d.Missing) > 0 || len(d.Extra) > 0 || len(d.Tables) > 0
}

// Describe returns one line per difference, or "schemas match".
func Describe(d SchemaDiff) string {
	return strings.Join(d.Lines(), "\n")
}

// Lines is Describe split per difference.
func (d SchemaDiff) Lines() []string {
	if !d.HasChanges() {
		return []string{"schemas match"}
	}

	var lines []string
	if len(d.Missing) > 0 {
		lines = append(lines, fmt.Sprintf("tables missing from %s: %s", d.Target, strings.Join(d.Missing, ", ")))
	}
	if len(d.Extra) > 0 {
		lines = append(lines, fmt.Sprintf("tables only in %s: %s", d.Target, strings.Join(d.Extra, ", ")))
	}

	for _, name := range sortedKeys(d.Tables) {
		td := d.Tables[name]
		if len(td.Missing) > 0 {
			lines = append(lines, fmt.Sprintf("table %s: columns missing from %s: %s", name, d.Target, strings.Join(td.Missing, ", ")))
		}
		if len(td.Extra) > 0 {
			lines = append(lines, fmt.Sprintf("table %s: columns only in %s: %s", name, d.Target, strings.Join(td.Extra, ", ")))
		}
		for _, ch := range td.Changed {
			lines = append(lines, fmt.Sprintf("table %s column %s differs (%s: %s | %s: %s)",
				name, ch.Name, d.Reference, describeColumn(ch.Want), d.Target, describeColumn(ch.Got)))
		}
		if td.PrimaryKeyDiff {
			lines = append(lines, fmt.Sprintf("table %s primary key differs (%s: %v | %s: %v)",
				name, d.Reference, td.PrimaryKeyWant, d.Target, td.PrimaryKeyGot))
		}
	}
	return lines
}

func describeColumn(c db.Column) string {
	s := c.DataType
	if !c.IsNullable {
		s += " NOT NULL"
	}
	if def := normalizeDefault(c.DefaultValue.String); c.DefaultValue.Valid && def != "" {
		s += " DEFAULT " + def
	}
	return s
}

func tableNames(s db.Schema, ignore []string) []string {
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		if !slices.Contains(ignore, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, v := range b {
		set[v] = struct{}{}
	}
	var out []string
	for _, v := range a {
		if _, ok := set[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}
