package staging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"reportetl/internal/etlerr"
	"reportetl/internal/logging"
	"reportetl/internal/metrics"
	csvparser "reportetl/internal/parser/csv"
	"reportetl/internal/report"
	"reportetl/internal/source"
	"reportetl/internal/storage"
)

// Loader moves one extract from the report into a staging table.
type Loader struct {
	Repo   storage.Repository
	Source source.Opener
	Schema string
	Logger *zap.Logger
}

// Load fetches the extract named by x from h, normalizes it and writes it
// to Schema.x.Table. Replace mode is used by the initialization routine and
// looks the file up by InitKey; Append looks it up by Key.
// Returns the number of rows written.
func (l *Loader) Load(ctx context.Context, h report.Handle, x Extract, mode storage.Mode) (int64, error) {
	log := l.logger().With(
		zap.String(logging.FieldTable, x.Table),
		zap.String(logging.FieldSchema, l.Schema),
		zap.Stringer("mode", mode),
	)
	op := "staging.load " + x.Table

	key := x.KeyFor(mode == storage.Replace)
	uri, ok := h.Paths[key]
	if !ok || uri == "" {
		return 0, etlerr.Newf(etlerr.KindSourceFetch, op, "report %s has no file for key %q", h.ReportID, key)
	}

	start := time.Now()
	frame, err := l.fetch(ctx, uri, x.CSV)
	if err != nil {
		return 0, etlerr.SourceFetch(op, err)
	}
	read := frame.Len()

	dropped := Normalize(frame, x.AddStatusColumn)
	InferTypes(frame)

	ref := storage.TableRef{Schema: l.Schema, Name: x.Table}
	n, err := l.Repo.Load(ctx, ref, frame, mode)
	if err != nil {
		return 0, etlerr.Persistence(op, err)
	}

	metrics.RecordRows(x.Table, n)
	log.Info("extract loaded",
		zap.Int("rows_read", read),
		zap.Int("duplicates_dropped", dropped),
		zap.Int64(logging.FieldRows, n),
		logging.Duration(time.Since(start)),
	)
	return n, nil
}

func (l *Loader) fetch(ctx context.Context, uri string, opt csvparser.Options) (*storage.Frame, error) {
	rc, err := l.Source.Open(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	frame, err := csvparser.ReadFrame(ctx, rc, opt)
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return frame, nil
}

func (l *Loader) logger() *zap.Logger {
	if l.Logger == nil {
		return zap.NewNop()
	}
	return l.Logger.Named("staging")
}
