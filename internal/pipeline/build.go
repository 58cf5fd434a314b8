package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"reportetl/internal/config"
	"reportetl/internal/report"
	"reportetl/internal/retry"
	"reportetl/internal/source"
	"reportetl/internal/staging"
	"reportetl/internal/storage"
	"reportetl/internal/transform"
)

// BuildOptions overrides collaborators Build would otherwise create.
type BuildOptions struct {
	// HTTP is used for both the report API and http(s) extracts.
	HTTP report.Doer
	// Sleep replaces the poll pause.
	Sleep func(ctx context.Context, d time.Duration) bool
}

// Build opens the repository and wires a Runner from cfg.
// Callers must Close the runner.
func Build(ctx context.Context, cfg config.Pipeline, log *zap.Logger, opts BuildOptions) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}

	policy := retry.Fixed(cfg.Poll.MaxAttempts, cfg.Poll.Interval)
	policy.Sleep = opts.Sleep

	httpClient := opts.HTTP
	if httpClient == nil && cfg.API.Timeout > 0 {
		httpClient = &http.Client{Timeout: cfg.API.Timeout}
	}
	api, err := report.New(report.Options{
		Endpoint: cfg.API.Endpoint,
		Headers:  cfg.API.RequestHeaders(),
		Policy:   policy,
		HTTP:     httpClient,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	router := &source.Router{}
	if opts.HTTP != nil {
		router.HTTP = opts.HTTP
	}
	if strings.TrimSpace(cfg.Source.S3Endpoint) != "" {
		s3, err := source.NewS3Store(source.S3Config{
			Endpoint:        cfg.Source.S3Endpoint,
			AccessKeyID:     cfg.Source.S3AccessKey,
			SecretAccessKey: cfg.Source.S3SecretKey,
			Region:          cfg.Source.S3Region,
			UseSSL:          cfg.Source.S3UseSSL,
		})
		if err != nil {
			return nil, err
		}
		router.S3 = s3
	}

	dsn, err := cfg.Storage.ResolveDSN()
	if err != nil {
		return nil, err
	}
	repo, err := storage.Open(ctx, storage.Config{
		Kind:    cfg.Storage.Kind,
		DSN:     dsn,
		Schemas: []string{cfg.Schemas.Stage, cfg.Schemas.Mart},
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Runner{
		API: api,
		Loader: &staging.Loader{
			Repo:   repo,
			Source: router,
			Schema: cfg.Schemas.Stage,
			Logger: log,
		},
		Scripts:  &transform.Runner{Repo: repo, Logger: log},
		Extracts: staging.ExtractsFromConfig(cfg.Extracts),
		Schemas:  cfg.Schemas,
		SQL:      cfg.SQL,
		Logger:   log,
		repo:     repo,
	}, nil
}

// Close releases the repository opened by Build. It is a no-op otherwise.
func (r *Runner) Close() {
	if r.repo != nil {
		r.repo.Close()
		r.repo = nil
	}
}
