// Command reportetl runs the daily report pipeline once and exits.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"reportetl/internal/cli"
	"reportetl/internal/etlerr"
	"reportetl/internal/pipeline"

	// register all backends with the storage factory.
	_ "reportetl/internal/storage/all"
)

// deps are the seams tests replace.
type deps struct {
	Stderr io.Writer
	Now    func() time.Time
	Build  pipeline.BuildOptions
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], deps{Stderr: os.Stderr, Now: time.Now})
	stop()
	os.Exit(code)
}

type runConfig struct {
	cli.Flags
	ReportDate time.Time
}

// parseFlags validates arguments. -report-date defaults to yesterday.
func parseFlags(args []string, now time.Time, stderr io.Writer) (runConfig, error) {
	var cfg runConfig
	var date string

	fs := flag.NewFlagSet("reportetl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg.Register(fs)
	fs.StringVar(&date, "report-date", "", "report date YYYY-MM-DD (default yesterday)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	if date == "" {
		y, m, d := now.AddDate(0, 0, -1).Date()
		cfg.ReportDate = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		return cfg, nil
	}
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return cfg, fmt.Errorf("-report-date must be YYYY-MM-DD, got %q", date)
	}
	cfg.ReportDate = t
	return cfg, nil
}

// run executes one pipeline run and returns an exit code.
//
// Exit codes:
//   - 0: success, or -validate passed.
//   - 1: the run failed.
//   - 2: configuration or flag error.
func run(ctx context.Context, args []string, d deps) int {
	if d.Stderr == nil {
		d.Stderr = io.Discard
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	cfg, err := parseFlags(args, d.Now(), d.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitOK
		}
		fmt.Fprintln(d.Stderr, err)
		return cli.ExitConfig
	}

	env, code := cli.Setup(ctx, cfg.Flags, d.Stderr)
	if env == nil {
		return code
	}
	defer env.Close()
	log := env.Logger

	r, err := pipeline.Build(ctx, env.Config, log, d.Build)
	if err != nil {
		log.Error("pipeline setup failed", zap.Stringer("kind", etlerr.KindOf(err)), zap.Error(err))
		return cli.ExitFailed
	}
	defer r.Close()

	start := time.Now()
	res, err := r.Run(ctx, cfg.ReportDate)
	if err != nil {
		log.Error("run failed",
			zap.String("run_id", res.RunID.String()),
			zap.Stringer("kind", etlerr.KindOf(err)),
			zap.Error(err))
		return cli.ExitFailed
	}

	log.Info("run completed",
		zap.String("run_id", res.RunID.String()),
		zap.String("report_id", res.ReportID),
		zap.Int64("rows", res.Total),
		zap.Duration("elapsed", time.Since(start).Truncate(time.Millisecond)))
	return cli.ExitOK
}
