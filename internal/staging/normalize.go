package staging

import (
	"reportetl/internal/storage"
)

const (
	uniqIDColumn = "uniq_id"
	idColumn     = "id"
	statusColumn = "status"
	// StatusShipped is injected into order logs that predate the status column.
	StatusShipped = "shipped"
)

// Normalize applies the staging rules to f in place:
//   - rows whose uniq_id occurs more than once are all removed, keeping none;
//     null and blank ids count as the same id
//   - the uniq_id and id columns are dropped
//   - when addStatus is set and the frame has no status column, one is
//     added holding "shipped"; existing status values are kept
//
// It returns the number of rows removed as duplicates.
func Normalize(f *storage.Frame, addStatus bool) int {
	removed := 0
	if idx := f.Index(uniqIDColumn); idx >= 0 {
		counts := make(map[string]int, len(f.Rows))
		for _, row := range f.Rows {
			counts[storage.NormalizeKey(cell(row, idx))]++
		}
		kept := f.Rows[:0]
		for _, row := range f.Rows {
			if counts[storage.NormalizeKey(cell(row, idx))] > 1 {
				removed++
				continue
			}
			kept = append(kept, row)
		}
		f.Rows = kept
	}

	f.DropColumn(uniqIDColumn)
	f.DropColumn(idColumn)

	if addStatus && f.Index(statusColumn) < 0 {
		f.AddColumn(statusColumn, storage.TypeText, StatusShipped)
	}
	return removed
}

func cell(row []any, i int) any {
	if i < len(row) {
		return row[i]
	}
	return nil
}
