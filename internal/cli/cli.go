// Package cli holds the start-up sequence shared by the binaries:
// env file, config, validation, logger and metrics backend.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"reportetl/internal/config"
	"reportetl/internal/logging"
	"reportetl/internal/metrics"
	"reportetl/internal/metrics/datadog"
	"reportetl/internal/metrics/prompush"
)

// Exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

// Flags are the options common to every binary.
type Flags struct {
	ConfigPath     string
	EnvFile        string
	MetricsBackend string
	PushgatewayURL string
	Validate       bool
	Verbose        bool
}

// Register binds the common flags on fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.ConfigPath, "config", "", "pipeline config file (json, yaml or toml); empty uses defaults and environment")
	fs.StringVar(&f.EnvFile, "env-file", "", "dotenv file loaded before the config (default ./.env when present)")
	fs.StringVar(&f.MetricsBackend, "metrics-backend", "", "metrics backend: pushgateway, datadog or none (overrides env METRICS_BACKEND)")
	fs.StringVar(&f.PushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.BoolVar(&f.Validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&f.Verbose, "v", false, "debug logging")
}

// Env is what Setup produced. Close must be called once the run is over.
type Env struct {
	Config config.Pipeline
	Logger *zap.Logger

	closers []func()
}

// Close flushes metrics and the logger.
func (e *Env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

// Setup loads and validates the configuration, then builds the logger and
// the metrics backend. It returns a non-zero exit code when the caller
// should stop; ExitOK with a nil Env means -validate succeeded.
func Setup(ctx context.Context, f Flags, stderr io.Writer) (*Env, int) {
	if err := config.LoadEnvFile(f.EnvFile); err != nil {
		fmt.Fprintln(stderr, err)
		return nil, ExitConfig
	}
	p, err := config.Load(f.ConfigPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, ExitConfig
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", describe(f.ConfigPath))
		return nil, ExitConfig
	}
	if f.Validate {
		fmt.Fprintf(stderr, "configuration is valid: %s\n", describe(f.ConfigPath))
		return nil, ExitOK
	}

	level := p.Logging.Level
	if f.Verbose {
		level = "debug"
	}
	log, err := logging.New(logging.Options{Format: p.Logging.Format, Level: level, Output: stderr})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return nil, ExitConfig
	}
	log = log.With(zap.String("job", p.Job))

	env := &Env{Config: p, Logger: log}
	env.closers = append(env.closers, func() { _ = log.Sync() })
	setupMetrics(ctx, env, f)
	return env, ExitOK
}

// setupMetrics picks the backend: flag, then config/env, then none.
// A backend that fails to start leaves metrics disabled.
func setupMetrics(ctx context.Context, env *Env, f Flags) {
	p := env.Config
	log := env.Logger.Named("metrics")

	name := f.MetricsBackend
	if name == "" {
		name = p.Metrics.Backend
	}

	switch name {
	case "pushgateway":
		gwURL := f.PushgatewayURL
		if gwURL == "" {
			gwURL = p.Metrics.PushgatewayURL
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(p.Job, gwURL)
		if err != nil {
			log.Warn("pushgateway backend unavailable, metrics disabled", zap.Error(err))
			return
		}
		log.Info("metrics enabled", zap.String("backend", name), zap.String("url", gwURL))
		metrics.SetBackend(b)
		env.closers = append(env.closers, func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics flush failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		})

	case "datadog":
		tags := datadog.ParseTagsCSV(p.Metrics.Tags)
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    p.Job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Warn("datadog backend unavailable, metrics disabled", zap.Error(err))
			return
		}
		log.Info("metrics enabled", zap.String("backend", name), zap.Strings("tags", tags))
		metrics.SetBackend(b)
		// Close stops the flush loop and submits what is still buffered.
		env.closers = append(env.closers, func() {
			if err := b.Close(); err != nil {
				log.Warn("datadog close failed", zap.Error(err))
			}
			metrics.SetBackend(nil)
		})

	case "", "none":
		log.Debug("metrics disabled")

	default:
		log.Warn("unknown metrics backend, metrics disabled", zap.String("backend", name))
	}
}

func describe(path string) string {
	if path == "" {
		return "(defaults and environment)"
	}
	return path
}
