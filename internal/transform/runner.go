package transform

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"reportetl/internal/etlerr"
	"reportetl/internal/logging"
	"reportetl/internal/storage"
)

// Parameter names understood by the shipped scripts.
const (
	ParamMartSchema  = "mart_schema"
	ParamStageSchema = "stage_schema"
	ParamReportDate  = "report_date"
)

// Params builds the standard parameter set. reportDate may be zero for
// scripts that do not reference {report_date}.
func Params(martSchema, stageSchema string, reportDate time.Time) map[string]string {
	p := map[string]string{
		ParamMartSchema:  martSchema,
		ParamStageSchema: stageSchema,
	}
	if !reportDate.IsZero() {
		p[ParamReportDate] = reportDate.Format("2006-01-02")
	}
	return p
}

// Runner executes SQL template files against a repository.
type Runner struct {
	Repo   storage.Repository
	Logger *zap.Logger

	readFile func(string) ([]byte, error)
}

// Run reads the script at path, renders it with params and executes it in
// one connection scope. Read and render failures are plain errors; an
// execution failure is an etlerr.KindTransform error.
func (r *Runner) Run(ctx context.Context, path string, params map[string]string) error {
	read := r.readFile
	if read == nil {
		read = os.ReadFile
	}
	raw, err := read(path)
	if err != nil {
		return fmt.Errorf("transform: read %s: %w", path, err)
	}
	script, err := Render(string(raw), params)
	if err != nil {
		return fmt.Errorf("transform: render %s: %w", path, err)
	}

	name := filepath.Base(path)
	start := time.Now()
	if err := r.Repo.Exec(ctx, script); err != nil {
		return etlerr.Transform("transform.run "+name, err)
	}
	r.logger().Info("script executed",
		zap.String("script", name),
		logging.Duration(time.Since(start)),
	)
	return nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger.Named("transform")
}
