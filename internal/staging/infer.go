package staging

import (
	"strconv"
	"strings"
	"time"

	"reportetl/internal/storage"
)

// InferTypes sets f.Types from the string values of each column.
// The most specific type that every non-empty value satisfies wins, in the
// order integer, boolean, date, timestamp, float. Columns with no values,
// or values that are not strings, are text.
//
// Date and timestamp columns must fit a single layout. Date columns are
// rewritten in place to ISO form with that layout, so "03/04/2024" is read
// month-first or day-first consistently with the rest of its column.
func InferTypes(f *storage.Frame) {
	types := make([]storage.ColumnType, len(f.Columns))
	for col := range f.Columns {
		t, layout := inferColumn(f.Rows, col)
		if t == storage.TypeDate {
			rewriteDates(f.Rows, col, layout)
		}
		types[col] = t
	}
	f.Types = types
}

// inferColumn returns the column type and, for dates and timestamps, the
// layout every value parses with.
func inferColumn(rows [][]any, col int) (storage.ColumnType, string) {
	var values []string
	allInt, allFloat, allBool := true, true, true

	for _, r := range rows {
		if col >= len(r) || r[col] == nil {
			continue
		}
		s, ok := r[col].(string)
		if !ok {
			return storage.TypeText, ""
		}
		v := strings.TrimSpace(s)
		if v == "" {
			continue
		}
		values = append(values, v)

		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allFloat = false
			}
		}
		if allBool {
			if _, ok := storage.ParseBool(v); !ok {
				allBool = false
			}
		}
	}

	switch {
	case len(values) == 0:
		return storage.TypeText, ""
	case allInt:
		return storage.TypeInteger, ""
	case allBool:
		return storage.TypeBoolean, ""
	}
	if lay, ok := storage.ColumnLayout(storage.DateLayouts, values); ok {
		return storage.TypeDate, lay
	}
	if lay, ok := storage.ColumnLayout(storage.TimestampLayouts, values); ok {
		return storage.TypeTimestamp, lay
	}
	if allFloat {
		return storage.TypeFloat, ""
	}
	return storage.TypeText, ""
}

func rewriteDates(rows [][]any, col int, layout string) {
	for _, r := range rows {
		if col >= len(r) {
			continue
		}
		s, ok := r[col].(string)
		if !ok || strings.TrimSpace(s) == "" {
			continue
		}
		if d, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			r[col] = d.Format(storage.ISODate)
		}
	}
}
