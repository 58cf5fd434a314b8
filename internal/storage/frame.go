package storage

import (
	"fmt"
	"strings"
)

// Mode selects how Load treats existing table contents.
type Mode int

const (
	// Append inserts rows and keeps what is already there.
	Append Mode = iota
	// Replace drops the table and recreates it with the frame's contents.
	Replace
)

func (m Mode) String() string {
	if m == Replace {
		return "replace"
	}
	return "append"
}

// TableRef names a table inside a schema. An empty Schema means the default one.
type TableRef struct {
	Schema string
	Name   string
}

func (r TableRef) String() string {
	if r.Schema == "" {
		return r.Name
	}
	return r.Schema + "." + r.Name
}

// Frame is an in-memory table: named columns and rows of values.
// Values read from CSV are strings or nil; Types is filled by type inference
// and may be nil, in which case every column is treated as text.
type Frame struct {
	Columns []string
	Types   []ColumnType
	Rows    [][]any
}

// Len returns the row count.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Rows)
}

// Index returns the position of column name (case-insensitive), or -1.
func (f *Frame) Index(name string) int {
	for i, c := range f.Columns {
		if strings.EqualFold(c, name) {
			return i
		}
	}
	return -1
}

// TypeOf returns the inferred type of column i, text when unknown.
func (f *Frame) TypeOf(i int) ColumnType {
	if i < len(f.Types) {
		return f.Types[i]
	}
	return TypeText
}

// DropColumn removes column name if present and reports whether it did.
func (f *Frame) DropColumn(name string) bool {
	idx := f.Index(name)
	if idx < 0 {
		return false
	}
	f.Columns = append(f.Columns[:idx:idx], f.Columns[idx+1:]...)
	if idx < len(f.Types) {
		f.Types = append(f.Types[:idx:idx], f.Types[idx+1:]...)
	}
	for i, row := range f.Rows {
		if idx < len(row) {
			f.Rows[i] = append(row[:idx:idx], row[idx+1:]...)
		}
	}
	return true
}

// AddColumn appends a column holding v in every row.
func (f *Frame) AddColumn(name string, t ColumnType, v any) {
	f.Columns = append(f.Columns, name)
	if f.Types != nil {
		f.Types = append(f.Types, t)
	}
	for i := range f.Rows {
		f.Rows[i] = append(f.Rows[i], v)
	}
}

// Validate checks that every row has one value per column.
func (f *Frame) Validate() error {
	if len(f.Columns) == 0 {
		return fmt.Errorf("frame has no columns")
	}
	if f.Types != nil && len(f.Types) != len(f.Columns) {
		return fmt.Errorf("frame has %d types for %d columns", len(f.Types), len(f.Columns))
	}
	for i, row := range f.Rows {
		if len(row) != len(f.Columns) {
			return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(f.Columns))
		}
	}
	return nil
}
