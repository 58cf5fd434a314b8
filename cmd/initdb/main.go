// Command initdb creates the schemas and tables, loads the full report and
// builds the datamarts. It is run once before the first daily run.
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

	"go.uber.org/zap"

	"reportetl/internal/cli"
	"reportetl/internal/etlerr"
	"reportetl/internal/pipeline"

	_ "reportetl/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, pipeline.BuildOptions{})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer, bo pipeline.BuildOptions) int {
	if stderr == nil {
		stderr = io.Discard
	}

	var f cli.Flags
	fs := flag.NewFlagSet("initdb", flag.ContinueOnError)
	fs.SetOutput(stderr)
	f.Register(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return cli.ExitOK
		}
		return cli.ExitConfig
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "unexpected arguments: %v\n", fs.Args())
		return cli.ExitConfig
	}

	env, code := cli.Setup(ctx, f, stderr)
	if env == nil {
		return code
	}
	defer env.Close()
	log := env.Logger

	if env.Config.SQL.Init == "" || env.Config.SQL.UpdateDatamarts == "" {
		log.Error("sql.init and sql.update_datamarts are required for initialization")
		return cli.ExitConfig
	}

	r, err := pipeline.Build(ctx, env.Config, log, bo)
	if err != nil {
		log.Error("pipeline setup failed", zap.Stringer("kind", etlerr.KindOf(err)), zap.Error(err))
		return cli.ExitFailed
	}
	defer r.Close()

	res, err := r.Init(ctx)
	if err != nil {
		log.Error("initialization failed", zap.Stringer("kind", etlerr.KindOf(err)), zap.Error(err))
		return cli.ExitFailed
	}
	log.Info("initialization completed",
		zap.String("run_id", res.RunID.String()),
		zap.Int64("rows", res.Total))
	return cli.ExitOK
}
