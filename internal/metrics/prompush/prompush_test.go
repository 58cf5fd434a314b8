package prompush

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"reportetl/internal/metrics"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	mu     sync.Mutex
	paths  []string
	bodies []string
	status int
}

func (g *gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.paths = append(g.paths, r.Method+" "+r.URL.Path)
	g.bodies = append(g.bodies, string(body))
	status := g.status
	g.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func TestNewBackend_Validates(t *testing.T) {
	_, err := NewBackend("", "http://localhost:9091")
	require.Error(t, err)
	_, err = NewBackend("reportetl", " ")
	require.Error(t, err)
}

func TestFlush_PushesRegistry(t *testing.T) {
	gw := &gateway{}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	b, err := NewBackend("reportetl_daily", srv.URL)
	require.NoError(t, err)

	metrics.SetBackend(b)
	defer metrics.SetBackend(nil)

	metrics.RecordStep("load_stage", "ok", 3*time.Second)
	metrics.RecordRows("user_order_log", 5)
	metrics.RecordHTTP("get_report", 200, 50*time.Millisecond)
	metrics.RecordPoll("get_report", "SUCCESS")
	b.IncCounter("not_declared", 1, nil)

	require.NoError(t, metrics.Flush())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.paths, 1)
	assert.Equal(t, "PUT /metrics/job/reportetl_daily", gw.paths[0])
	for _, name := range []string{metrics.StepTotal, metrics.RowsTotal, metrics.HTTPRequestsTotal, metrics.PollAttemptsTotal, metrics.StepDurationSeconds} {
		assert.True(t, strings.Contains(gw.bodies[0], name), "missing %s in pushed body", name)
	}
	assert.False(t, strings.Contains(gw.bodies[0], "not_declared"))
}

func TestFlush_GatewayError(t *testing.T) {
	gw := &gateway{status: http.StatusInternalServerError}
	srv := httptest.NewServer(gw)
	defer srv.Close()

	b, err := NewBackend("reportetl", srv.URL)
	require.NoError(t, err)
	b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"table": "t"})

	err = b.Flush()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prompush: push")
}
