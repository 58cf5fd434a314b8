// Package logging builds the zap logger shared by every pipeline component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field names shared across components so log queries stay stable.
const (
	FieldRunID    = "run_id"
	FieldStep     = "step"
	FieldTable    = "table"
	FieldSchema   = "schema"
	FieldAttempt  = "attempt"
	FieldStatus   = "status"
	FieldTaskID   = "task_id"
	FieldReportID = "report_id"
	FieldRows     = "rows"
	FieldDuration = "duration_ms"
	FieldURI      = "uri"
)

// Options selects the encoder and the minimum level.
// Format is "json" (default) or "console"; Level is any zap level name.
type Options struct {
	Format string
	Level  string

	// Output overrides stderr. Used by tests.
	Output io.Writer
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case "console":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("logging: unsupported format %q (want json|console)", opts.Format)
	}

	var ws zapcore.WriteSyncer
	if opts.Output != nil {
		ws = zapcore.AddSync(opts.Output)
	} else {
		ws = zapcore.Lock(zapcore.AddSync(os.Stderr))
	}

	return zap.New(zapcore.NewCore(enc, ws, level), zap.AddCaller()), nil
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("logging: invalid level %q", s)
	}
	return l, nil
}

// Duration renders d as whole milliseconds under FieldDuration.
func Duration(d time.Duration) zap.Field {
	return zap.Int64(FieldDuration, d.Milliseconds())
}
