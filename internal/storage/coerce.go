package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the coarse logical type of a staging column.
type ColumnType int

const (
	TypeText ColumnType = iota
	TypeInteger
	TypeFloat
	TypeBoolean
	TypeDate
	TypeTimestamp
)

func (t ColumnType) String() string {
	switch t {
	case TypeInteger:
		return "integer"
	case TypeFloat:
		return "float"
	case TypeBoolean:
		return "boolean"
	case TypeDate:
		return "date"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// DateLayouts are the accepted date formats, tried in order.
// Slash dates are month-first unless a column only parses day-first.
var DateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"02/01/2006",
	"02.01.2006",
}

// ISODate is the form date values are rewritten to once a column layout
// has been chosen, so Convert reads them the same way on every backend.
const ISODate = "2006-01-02"

// TimestampLayouts are the accepted timestamp formats, tried in order.
var TimestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05.999999",
	"02.01.2006 15:04:05",
}

// ParseBool accepts 1/0, t/f, true/false, yes/no, y/n in any case.
func ParseBool(s string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "yes", "y":
		return true, true
	case "0", "f", "false", "no", "n":
		return false, true
	default:
		return false, false
	}
}

// ParseDate parses s with the first matching DateLayouts entry.
func ParseDate(s string) (time.Time, bool) {
	return parseLayouts(DateLayouts, s)
}

// ParseTimestamp parses s with the first matching TimestampLayouts entry.
func ParseTimestamp(s string) (time.Time, bool) {
	return parseLayouts(TimestampLayouts, s)
}

// ColumnLayout returns the first of layouts that parses every value.
// Mixing layouts inside one column is ambiguous, so there is no fallback
// to per-value matching.
func ColumnLayout(layouts []string, values []string) (string, bool) {
	if len(values) == 0 {
		return "", false
	}
next:
	for _, lay := range layouts {
		for _, v := range values {
			if _, err := time.Parse(lay, strings.TrimSpace(v)); err != nil {
				continue next
			}
		}
		return lay, true
	}
	return "", false
}

func parseLayouts(layouts []string, s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, lay := range layouts {
		if t, err := time.Parse(lay, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Convert turns a raw frame value into the Go value for a column of type t.
// nil stays nil. Already-typed values pass through unchanged.
func Convert(v any, t ColumnType) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	s = strings.TrimSpace(s)

	switch t {
	case TypeInteger:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			// "12.0" is a common export artefact of integer columns.
			f, ferr := strconv.ParseFloat(s, 64)
			if ferr != nil || f != float64(int64(f)) {
				return nil, fmt.Errorf("not an integer: %q", s)
			}
			n = int64(f)
		}
		return n, nil
	case TypeFloat:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("not a number: %q", s)
		}
		return f, nil
	case TypeBoolean:
		b, ok := ParseBool(s)
		if !ok {
			return nil, fmt.Errorf("not a boolean: %q", s)
		}
		return b, nil
	case TypeDate:
		if d, ok := ParseDate(s); ok {
			return d, nil
		}
		if ts, ok := ParseTimestamp(s); ok {
			y, m, d := ts.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
		return nil, fmt.Errorf("not a date: %q", s)
	case TypeTimestamp:
		if ts, ok := ParseTimestamp(s); ok {
			return ts, nil
		}
		if d, ok := ParseDate(s); ok {
			return d, nil
		}
		return nil, fmt.Errorf("not a timestamp: %q", s)
	default:
		return v, nil
	}
}

// ConvertRows converts every value of f to types, returning new rows.
// The error names the row (1-based, excluding the header) and column.
func ConvertRows(f *Frame, types []ColumnType) ([][]any, error) {
	if len(types) != len(f.Columns) {
		return nil, fmt.Errorf("have %d types for %d columns", len(types), len(f.Columns))
	}
	out := make([][]any, len(f.Rows))
	for i, row := range f.Rows {
		conv := make([]any, len(row))
		for j, v := range row {
			c, err := Convert(v, types[j])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", i+1, f.Columns[j], err)
			}
			conv[j] = c
		}
		out[i] = conv
	}
	return out, nil
}

// TargetTypes decides the column types used for writing f.
// existing maps lower-cased column names of an existing table to their types;
// nil means the table does not exist and f's inferred types are used.
// A frame column absent from an existing table is an error.
func TargetTypes(f *Frame, existing map[string]ColumnType) ([]ColumnType, error) {
	types := make([]ColumnType, len(f.Columns))
	for i, c := range f.Columns {
		if existing == nil {
			types[i] = f.TypeOf(i)
			continue
		}
		t, ok := existing[strings.ToLower(c)]
		if !ok {
			return nil, fmt.Errorf("column %q does not exist in target table", c)
		}
		types[i] = t
	}
	return types, nil
}

// NormalizeKey converts a value to a canonical string form for identity
// comparisons (e.g. duplicate uniq_id detection). nil and blank values map to "".
func NormalizeKey(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case []byte:
		return strings.TrimSpace(string(t))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
