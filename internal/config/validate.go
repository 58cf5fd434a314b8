package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path is the dotted config key.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// identRe restricts names that end up inside SQL text (schemas, staging tables).
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidatePipeline checks p and returns every problem found, errors first in config order.
// Binaries must refuse to run when any issue has SeverityError.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if p.API.Endpoint == "" {
		add(SeverityError, "api.endpoint", "required")
	} else if u, err := url.Parse(p.API.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add(SeverityError, "api.endpoint", "must be an absolute http(s) URL, got %q", p.API.Endpoint)
	}
	if p.API.Key == "" {
		add(SeverityWarning, "api.api_key", "empty; upstream will likely reject requests")
	}
	if p.API.Timeout < 0 {
		add(SeverityError, "api.timeout", "must not be negative")
	}

	switch p.Storage.Kind {
	case "postgres", "sqlite", "sqlserver":
		if _, err := p.Storage.ResolveDSN(); err != nil {
			add(SeverityError, "storage", "%v", err)
		}
	case "":
		add(SeverityError, "storage.kind", "required")
	default:
		add(SeverityError, "storage.kind", "unsupported %q (want postgres|sqlite|sqlserver)", p.Storage.Kind)
	}

	if p.Poll.MaxAttempts < 1 {
		add(SeverityError, "poll.max_attempts", "must be >= 1, got %d", p.Poll.MaxAttempts)
	}
	if p.Poll.Interval < 0 {
		add(SeverityError, "poll.interval", "must not be negative")
	}

	for _, f := range []struct{ path, name string }{
		{"schemas.stage", p.Schemas.Stage},
		{"schemas.mart", p.Schemas.Mart},
	} {
		if !identRe.MatchString(f.name) {
			add(SeverityError, f.path, "must be a plain SQL identifier, got %q", f.name)
		}
	}
	if p.Schemas.Stage != "" && strings.EqualFold(p.Schemas.Stage, p.Schemas.Mart) {
		add(SeverityWarning, "schemas", "stage and mart share schema %q", p.Schemas.Stage)
	}

	for _, f := range []struct{ path, name string }{
		{"sql.update_dimensions", p.SQL.UpdateDimensions},
		{"sql.update_facts", p.SQL.UpdateFacts},
	} {
		if f.name == "" {
			add(SeverityError, f.path, "required")
		}
	}

	if len(p.Extracts) == 0 {
		add(SeverityError, "extracts", "at least one extract is required")
	}
	seen := map[string]bool{}
	for i, e := range p.Extracts {
		path := fmt.Sprintf("extracts[%d]", i)
		if !identRe.MatchString(e.Table) {
			add(SeverityError, path+".table", "must be a plain SQL identifier, got %q", e.Table)
		}
		if seen[strings.ToLower(e.Table)] {
			add(SeverityError, path+".table", "duplicate table %q", e.Table)
		}
		seen[strings.ToLower(e.Table)] = true
		if len([]rune(e.Delimiter)) > 1 {
			add(SeverityError, path+".delimiter", "must be a single character, got %q", e.Delimiter)
		}
	}

	switch strings.ToLower(p.Logging.Format) {
	case "", "json", "console":
	default:
		add(SeverityError, "logging.format", "unsupported %q (want json|console)", p.Logging.Format)
	}
	switch p.Metrics.Backend {
	case "", "none", "datadog", "pushgateway":
	default:
		add(SeverityError, "metrics.backend", "unsupported %q (want none|datadog|pushgateway)", p.Metrics.Backend)
	}

	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
