package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reportetl/internal/cli"
	"reportetl/internal/pipeline"
)

func TestRun_Init(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("POST /generate_report", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"task_id":"t1"}`)
	})
	mux.HandleFunc("GET /get_report", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"SUCCESS","data":{"report_id":"r1","s3_path":{"user_order_log":"%s/uol.csv"}}}`, srv.URL)
	})
	mux.HandleFunc("GET /uol.csv", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "uniq_id,id,date_time,city_id,customer_id,first_name,last_name,item_id,item_name,quantity,payment_amount\n"+
			"o1,1,2024-03-01 10:00:00,1,101,F,L,11,I,1,5\n")
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	sqlDir, err := filepath.Abs(filepath.Join("..", "..", "internal", "pipeline", "testdata"))
	require.NoError(t, err)
	cfg, err := json.Marshal(map[string]any{
		"api":      map[string]any{"endpoint": srv.URL, "api_key": "k"},
		"storage":  map[string]any{"kind": "sqlite", "dsn": filepath.Join(dir, "main.db")},
		"sql":      map[string]any{"dir": sqlDir},
		"extracts": []map[string]any{{"table": "user_order_log", "add_status_column": true}},
		"logging":  map[string]any{"format": "console"},
	})
	require.NoError(t, err)
	cfgPath := filepath.Join(dir, "pipeline.json")
	require.NoError(t, os.WriteFile(cfgPath, cfg, 0o600))

	var stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath}, &stderr, pipelineOpts())
	require.Equal(t, cli.ExitOK, code, stderr.String())
	assert.Contains(t, stderr.String(), "initialization completed")

	assert.Equal(t, cli.ExitConfig, run(context.Background(), []string{"extra"}, &stderr, pipelineOpts()))
}

func pipelineOpts() pipeline.BuildOptions {
	return pipeline.BuildOptions{Sleep: func(context.Context, time.Duration) bool { return true }}
}
