// Package csv reads CSV extracts into in-memory frames.
package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"reportetl/internal/storage"
)

// Options controls how an extract is parsed.
type Options struct {
	// Delimiter defaults to ','.
	Delimiter rune
	// Encoding is a WHATWG label ("windows-1251", "latin1", ...). Empty means UTF-8.
	// A byte-order mark always wins over the label.
	Encoding string
	// HeaderMap renames source headers (after trimming) to column names.
	// Unmapped headers are lower-cased with spaces replaced by underscores.
	HeaderMap map[string]string
	// LazyQuotes tolerates stray quotes inside unquoted fields.
	LazyQuotes bool
}

// ErrEmpty is returned for input without a header row.
var ErrEmpty = errors.New("csv: empty input")

// ReadFrame reads the whole of r. Values are trimmed and empty fields become nil.
// Rows shorter than the header are padded with nil; longer rows are an error.
func ReadFrame(ctx context.Context, r io.Reader, opt Options) (*storage.Frame, error) {
	dec, err := decoder(opt.Encoding)
	if err != nil {
		return nil, err
	}

	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(dec)))
	if opt.Delimiter != 0 {
		cr.Comma = opt.Delimiter
	}
	cr.LazyQuotes = opt.LazyQuotes
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("csv: read header: %w", err)
	}

	f := &storage.Frame{Columns: headerNames(hdr, opt.HeaderMap)}
	width := len(f.Columns)

	for line := 2; ; line++ {
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return f, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv: %w", err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" && width > 1 {
			// encoding/csv already skips empty lines; this is a whitespace-only line.
			continue
		}
		if len(rec) > width {
			return nil, fmt.Errorf("csv: line %d has %d fields, header has %d", line, len(rec), width)
		}

		row := make([]any, width)
		for i, v := range rec {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			row[i] = v
		}
		f.Rows = append(f.Rows, row)
	}
}

func decoder(label string) (transform.Transformer, error) {
	label = strings.TrimSpace(label)
	if label == "" || strings.EqualFold(label, "utf-8") || strings.EqualFold(label, "utf8") {
		return unicode.UTF8.NewDecoder(), nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("csv: unknown encoding %q: %w", label, err)
	}
	return enc.NewDecoder(), nil
}

// headerNames normalises headers and makes repeated names unique ("a", "a_1").
func headerNames(hdr []string, hm map[string]string) []string {
	out := make([]string, len(hdr))
	seen := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\uFEFF")
		}
		if mapped, ok := hm[h]; ok {
			h = mapped
		} else {
			h = strings.ReplaceAll(strings.ToLower(h), " ", "_")
		}
		if h == "" {
			h = "column_" + strconv.Itoa(i)
		}
		if n := seen[h]; n > 0 {
			seen[h] = n + 1
			h = h + "_" + strconv.Itoa(n)
		} else {
			seen[h] = 1
		}
		out[i] = h
	}
	return out
}
