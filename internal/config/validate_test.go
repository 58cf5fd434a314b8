package config

import (
	"strings"
	"testing"
	"time"
)

func validPipeline() Pipeline {
	p := Pipeline{
		API:      API{Endpoint: "https://api.example.com", Key: "k"},
		Storage:  Storage{Kind: "postgres", Host: "db", Port: 5432, Database: "main"},
		Poll:     Poll{MaxAttempts: 8, Interval: 20 * time.Second},
		Schemas:  Schemas{Stage: "stage", Mart: "mart"},
		SQL:      SQL{UpdateDimensions: "d.sql", UpdateFacts: "f.sql"},
		Extracts: DefaultExtracts(),
	}
	p.applyDefaults()
	return p
}

func findIssue(issues []Issue, path string) (Issue, bool) {
	for _, iss := range issues {
		if iss.Path == path {
			return iss, true
		}
	}
	return Issue{}, false
}

func TestValidatePipeline_Valid(t *testing.T) {
	issues := ValidatePipeline(validPipeline())
	if HasErrors(issues) {
		t.Fatalf("expected no errors, got %#v", issues)
	}
}

func TestValidatePipeline_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Pipeline)
		path   string
		sev    Severity
	}{
		{"missing_endpoint", func(p *Pipeline) { p.API.Endpoint = "" }, "api.endpoint", SeverityError},
		{"relative_endpoint", func(p *Pipeline) { p.API.Endpoint = "api.example.com" }, "api.endpoint", SeverityError},
		{"missing_key_warns", func(p *Pipeline) { p.API.Key = "" }, "api.api_key", SeverityWarning},
		{"unknown_storage", func(p *Pipeline) { p.Storage.Kind = "oracle" }, "storage.kind", SeverityError},
		{"missing_host", func(p *Pipeline) { p.Storage.Host = "" }, "storage", SeverityError},
		{"zero_attempts", func(p *Pipeline) { p.Poll.MaxAttempts = 0 }, "poll.max_attempts", SeverityError},
		{"negative_interval", func(p *Pipeline) { p.Poll.Interval = -time.Second }, "poll.interval", SeverityError},
		{"injected_schema", func(p *Pipeline) { p.Schemas.Mart = "mart; drop table x" }, "schemas.mart", SeverityError},
		{"same_schema", func(p *Pipeline) { p.Schemas.Mart = "STAGE" }, "schemas", SeverityWarning},
		{"missing_fact_sql", func(p *Pipeline) { p.SQL.UpdateFacts = "" }, "sql.update_facts", SeverityError},
		{"no_extracts", func(p *Pipeline) { p.Extracts = nil }, "extracts", SeverityError},
		{"bad_table", func(p *Pipeline) { p.Extracts[0].Table = "user-log" }, "extracts[0].table", SeverityError},
		{"dup_table", func(p *Pipeline) { p.Extracts[2].Table = "Customer_Research" }, "extracts[2].table", SeverityError},
		{"bad_delimiter", func(p *Pipeline) { p.Extracts[1].Delimiter = ";;" }, "extracts[1].delimiter", SeverityError},
		{"bad_log_format", func(p *Pipeline) { p.Logging.Format = "xml" }, "logging.format", SeverityError},
		{"bad_metrics", func(p *Pipeline) { p.Metrics.Backend = "statsd" }, "metrics.backend", SeverityError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := validPipeline()
			tc.mutate(&p)
			iss, ok := findIssue(ValidatePipeline(p), tc.path)
			if !ok {
				t.Fatalf("expected issue at %s", tc.path)
			}
			if iss.Severity != tc.sev {
				t.Fatalf("severity=%s want %s (%s)", iss.Severity, tc.sev, iss.Message)
			}
		})
	}
}

func TestValidatePipeline_StableOrder(t *testing.T) {
	p := validPipeline()
	p.Schemas = Schemas{Stage: "bad stage", Mart: "bad mart"}
	p.SQL = SQL{}

	want := []string{"schemas.stage", "schemas.mart", "sql.update_dimensions", "sql.update_facts"}
	for i := 0; i < 20; i++ {
		var got []string
		for _, iss := range ValidatePipeline(p) {
			switch iss.Path {
			case "schemas.stage", "schemas.mart", "sql.update_dimensions", "sql.update_facts":
				got = append(got, iss.Path)
			}
		}
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("run %d: issue order %v, want %v", i, got, want)
		}
	}
}
