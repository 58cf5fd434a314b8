// Package staging loads report extracts into staging tables.
package staging

import (
	"strings"
	"unicode/utf8"

	"reportetl/internal/config"
	csvparser "reportetl/internal/parser/csv"
)

// Extract describes one CSV dataset and the staging table it lands in.
type Extract struct {
	Table string
	// Key locates the file in the report paths for increment loads.
	Key string
	// InitKey locates the file for full (initialization) loads.
	InitKey         string
	AddStatusColumn bool
	CSV             csvparser.Options
}

// ExtractsFromConfig converts configured extracts, filling key defaults.
func ExtractsFromConfig(in []config.Extract) []Extract {
	out := make([]Extract, 0, len(in))
	for _, e := range in {
		x := Extract{
			Table:           e.Table,
			Key:             e.Key,
			InitKey:         e.InitKey,
			AddStatusColumn: e.AddStatusColumn,
			CSV: csvparser.Options{
				Encoding:  e.Encoding,
				HeaderMap: e.HeaderMap,
			},
		}
		if x.Key == "" {
			x.Key = e.Table + "_inc"
		}
		if x.InitKey == "" {
			x.InitKey = e.Table
		}
		if d := strings.TrimSpace(e.Delimiter); d != "" {
			r, _ := utf8.DecodeRuneInString(d)
			x.CSV.Delimiter = r
		}
		out = append(out, x)
	}
	return out
}

// KeyFor returns the report path key used by the given load mode.
func (e Extract) KeyFor(full bool) string {
	if full {
		return e.InitKey
	}
	return e.Key
}
