// Package pipeline sequences one daily run: request the report, wait for
// it, fetch the increment, load every extract concurrently, then run the
// dimension and fact scripts. Init runs the one-off initialization routine.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"reportetl/internal/config"
	"reportetl/internal/logging"
	"reportetl/internal/metrics"
	"reportetl/internal/report"
	"reportetl/internal/staging"
	"reportetl/internal/storage"
	"reportetl/internal/transform"
)

// Step names used in logs and metrics.
const (
	StepSubmit           = "submit_report"
	StepAwait            = "await_report"
	StepFetchIncrement   = "fetch_increment"
	StepLoad             = "load_staging"
	StepUpdateDimensions = "update_dimensions"
	StepUpdateFacts      = "update_facts"
	StepInitSchema       = "init_schema"
	StepUpdateDatamarts  = "update_datamarts"
)

// ReportAPI is the part of *report.Client the pipeline drives.
type ReportAPI interface {
	Submit(ctx context.Context) (report.Request, error)
	AwaitCompletion(ctx context.Context, req report.Request) (report.Handle, error)
	FetchReportMetadata(ctx context.Context, h report.Handle, asOf time.Time) (report.Handle, error)
}

// Loader is the part of *staging.Loader the pipeline drives.
type Loader interface {
	Load(ctx context.Context, h report.Handle, x staging.Extract, mode storage.Mode) (int64, error)
}

// Scripts is the part of *transform.Runner the pipeline drives.
type Scripts interface {
	Run(ctx context.Context, path string, params map[string]string) error
}

// Runner holds the collaborators of a run. Build assembles one from config.
type Runner struct {
	API      ReportAPI
	Loader   Loader
	Scripts  Scripts
	Extracts []staging.Extract
	Schemas  config.Schemas
	SQL      config.SQL
	Logger   *zap.Logger

	newRunID func() uuid.UUID
	repo     storage.Repository
}

// Result summarises a finished run.
type Result struct {
	RunID    uuid.UUID
	TaskID   string
	ReportID string
	// Rows is keyed by staging table.
	Rows  map[string]int64
	Total int64
}

// Run executes the daily DAG for reportDate. The first failure aborts the
// run, cancelling loads still in flight. Nothing already written is undone.
func (r *Runner) Run(ctx context.Context, reportDate time.Time) (Result, error) {
	res := Result{RunID: r.runID(), Rows: map[string]int64{}}
	log := r.logger().With(
		zap.String(logging.FieldRunID, res.RunID.String()),
		zap.String("report_date", reportDate.Format("2006-01-02")),
	)
	log.Info("run started")

	var req report.Request
	if err := step(ctx, log, StepSubmit, func(ctx context.Context) (err error) {
		req, err = r.API.Submit(ctx)
		return err
	}); err != nil {
		return res, err
	}
	res.TaskID = req.TaskID

	var h report.Handle
	if err := step(ctx, log, StepAwait, func(ctx context.Context) (err error) {
		h, err = r.API.AwaitCompletion(ctx, req)
		return err
	}); err != nil {
		return res, err
	}
	res.ReportID = h.ReportID

	var inc report.Handle
	if err := step(ctx, log, StepFetchIncrement, func(ctx context.Context) (err error) {
		inc, err = r.API.FetchReportMetadata(ctx, h, reportDate)
		return err
	}); err != nil {
		return res, err
	}

	if err := step(ctx, log, StepLoad, func(ctx context.Context) error {
		return r.loadAll(ctx, inc, storage.Append, &res)
	}); err != nil {
		return res, err
	}

	params := transform.Params(r.Schemas.Mart, r.Schemas.Stage, reportDate)
	for _, s := range []struct{ name, file string }{
		{StepUpdateDimensions, r.SQL.UpdateDimensions},
		{StepUpdateFacts, r.SQL.UpdateFacts},
	} {
		path := r.SQL.Path(s.file)
		if err := step(ctx, log, s.name, func(ctx context.Context) error {
			return r.Scripts.Run(ctx, path, params)
		}); err != nil {
			return res, err
		}
	}

	log.Info("run finished", zap.Int64(logging.FieldRows, res.Total))
	return res, nil
}

// Init creates the schemas and tables, loads the full report in replace
// mode and builds the datamarts.
func (r *Runner) Init(ctx context.Context) (Result, error) {
	res := Result{RunID: r.runID(), Rows: map[string]int64{}}
	log := r.logger().With(zap.String(logging.FieldRunID, res.RunID.String()))
	log.Info("initialization started")

	params := transform.Params(r.Schemas.Mart, r.Schemas.Stage, time.Time{})

	if err := step(ctx, log, StepInitSchema, func(ctx context.Context) error {
		return r.Scripts.Run(ctx, r.SQL.Path(r.SQL.Init), params)
	}); err != nil {
		return res, err
	}

	var req report.Request
	if err := step(ctx, log, StepSubmit, func(ctx context.Context) (err error) {
		req, err = r.API.Submit(ctx)
		return err
	}); err != nil {
		return res, err
	}
	res.TaskID = req.TaskID

	var h report.Handle
	if err := step(ctx, log, StepAwait, func(ctx context.Context) (err error) {
		h, err = r.API.AwaitCompletion(ctx, req)
		return err
	}); err != nil {
		return res, err
	}
	res.ReportID = h.ReportID

	if err := step(ctx, log, StepLoad, func(ctx context.Context) error {
		return r.loadAll(ctx, h, storage.Replace, &res)
	}); err != nil {
		return res, err
	}

	if err := step(ctx, log, StepUpdateDatamarts, func(ctx context.Context) error {
		return r.Scripts.Run(ctx, r.SQL.Path(r.SQL.UpdateDatamarts), params)
	}); err != nil {
		return res, err
	}

	log.Info("initialization finished", zap.Int64(logging.FieldRows, res.Total))
	return res, nil
}

// loadAll starts one load per extract and waits for all of them.
func (r *Runner) loadAll(ctx context.Context, h report.Handle, mode storage.Mode, res *Result) error {
	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex

	for _, x := range r.Extracts {
		g.Go(func() error {
			n, err := r.Loader.Load(gctx, h, x, mode)
			if err != nil {
				return err
			}
			mu.Lock()
			res.Rows[x.Table] = n
			res.Total += n
			mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// step brackets fn with boundary logs and a step metric.
func step(ctx context.Context, log *zap.Logger, name string, fn func(context.Context) error) error {
	log = log.With(zap.String(logging.FieldStep, name))
	log.Info("step started")
	start := time.Now()

	err := fn(ctx)
	d := time.Since(start)
	if err != nil {
		metrics.RecordStep(name, "error", d)
		log.Error("step failed", logging.Duration(d), zap.Error(err))
		return err
	}
	metrics.RecordStep(name, "ok", d)
	log.Info("step succeeded", logging.Duration(d))
	return nil
}

func (r *Runner) runID() uuid.UUID {
	if r.newRunID != nil {
		return r.newRunID()
	}
	return uuid.New()
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger.Named("pipeline")
}
