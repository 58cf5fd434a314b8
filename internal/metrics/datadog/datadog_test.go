package datadog

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"reportetl/internal/metrics"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// newTestBackend builds a backend whose ticker never fires during the test.
func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	t.Setenv("DD_ENV", "")
	b, err := NewBackend(context.Background(), Options{
		JobName:    "daily",
		Tags:       []string{"service:reportetl"},
		FlushEvery: time.Hour,
		clock:      func() time.Time { return time.Unix(1700000000, 0) },
		api:        sub,
	})
	require.NoError(t, err)
	return b
}

func findSeries(p datadogV2.MetricPayload, metric string) []datadogV2.MetricSeries {
	var out []datadogV2.MetricSeries
	for _, s := range p.Series {
		if s.Metric == metric {
			out = append(out, s)
		}
	}
	return out
}

func value(t *testing.T, p datadogV2.MetricPayload, metric string) float64 {
	t.Helper()
	ss := findSeries(p, metric)
	require.Len(t, ss, 1, metric)
	require.Len(t, ss[0].Points, 1)
	return *ss[0].Points[0].Value
}

func TestNewBackend_Tags(t *testing.T) {
	sub := &fakeSubmitter{}
	t.Setenv("DD_ENV", "prod")
	b, err := NewBackend(context.Background(), Options{api: sub, FlushEvery: time.Hour})
	require.NoError(t, err)

	b.IncCounter(metrics.PollAttemptsTotal, 1, metrics.Labels{"phase": "get_report", "outcome": ""})
	require.NoError(t, b.Close())

	p, ok := sub.last()
	require.True(t, ok)
	s := findSeries(p, "reportetl.poll.attempts.total")
	require.Len(t, s, 1)
	assert.Equal(t, []string{"job:reportetl", "env:prod", "outcome:unknown", "phase:get_report"}, s[0].Tags)
	assert.Equal(t, datadogV2.METRICINTAKETYPE_COUNT, *s[0].Type)
}

func TestNewBackend_NilContext(t *testing.T) {
	var ctx context.Context
	_, err := NewBackend(ctx, Options{})
	require.Error(t, err)
}

func TestLabelTags_SortedWithUnknownDefault(t *testing.T) {
	got := labelTags(metrics.Labels{"status": "", "step": "load_stage", "endpoint": "get_report"})
	assert.Equal(t, "endpoint:get_report,status:unknown,step:load_stage", got)
	assert.Equal(t, "", labelTags(nil))
}

func TestFlush_SubmitsAndResets(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "submit", "status": "ok"})
	b.IncCounter(metrics.StepTotal, 1, metrics.Labels{"step": "submit", "status": "ok"})
	b.IncCounter(metrics.RowsTotal, 10, metrics.Labels{"table": "customer_research"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 1.5, metrics.Labels{"step": "submit", "status": "ok"})
	b.ObserveHistogram(metrics.StepDurationSeconds, 0.5, metrics.Labels{"step": "submit", "status": "ok"})

	require.NoError(t, b.Flush())
	p, ok := sub.last()
	require.True(t, ok)

	assert.Equal(t, 2.0, value(t, p, "reportetl.step.total"))
	assert.Equal(t, 10.0, value(t, p, "reportetl.rows.total"))
	assert.Equal(t, 2.0, value(t, p, "reportetl.step.duration_seconds.count"))
	assert.Equal(t, 1.0, value(t, p, "reportetl.step.duration_seconds.avg"))
	assert.Equal(t, 1.5, value(t, p, "reportetl.step.duration_seconds.max"))

	steps := findSeries(p, "reportetl.step.total")
	assert.Equal(t, []string{"job:daily", "service:reportetl", "status:ok", "step:submit"}, steps[0].Tags)
	assert.Equal(t, int64(1700000000), *steps[0].Points[0].Timestamp)

	avg := findSeries(p, "reportetl.step.duration_seconds.avg")
	assert.Equal(t, datadogV2.METRICINTAKETYPE_GAUGE, *avg[0].Type)

	require.NoError(t, b.Flush())
	assert.Equal(t, 1, sub.count(), "window must be empty after a flush")
}

func TestFlush_PropagatesSubmitError(t *testing.T) {
	cause := errors.New("403")
	sub := &fakeSubmitter{err: cause}
	b := newTestBackend(t, sub)
	defer func() { _ = b.Close() }()

	b.IncCounter(metrics.PollAttemptsTotal, 1, metrics.Labels{"phase": "get_report", "outcome": "RUNNING"})
	err := b.Flush()
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "datadog: submit 1 series")

	require.NoError(t, b.Flush(), "failed window is discarded")
}

func TestIgnoredEvents(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer func() { _ = b.Close() }()

	b.IncCounter("unknown_metric", 1, nil)
	b.IncCounter(metrics.StepTotal, 0, nil)
	b.IncCounter(metrics.StepTotal, -1, nil)
	b.IncCounter(metrics.StepDurationSeconds, 1, nil)
	b.ObserveHistogram(metrics.HTTPDurationSeconds, -0.1, nil)
	b.ObserveHistogram(metrics.RowsTotal, 3, nil)

	require.NoError(t, b.Flush())
	assert.Equal(t, 0, sub.count())
}

func TestClose_FinalFlush(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	b.ObserveHistogram(metrics.HTTPDurationSeconds, 0.2, metrics.Labels{"endpoint": "get_increment", "status": "200"})
	require.NoError(t, b.Close())
	require.Equal(t, 1, sub.count())

	p, _ := sub.last()
	assert.Equal(t, 0.2, value(t, p, "reportetl.http.request_duration_seconds.max"))
}

func TestClose_AfterParentCancel(t *testing.T) {
	sub := &fakeSubmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	b, err := NewBackend(ctx, Options{api: sub, FlushEvery: time.Hour})
	require.NoError(t, err)

	b.IncCounter(metrics.RowsTotal, 4, metrics.Labels{"table": "user_order_log"})
	cancel()
	require.NoError(t, b.Close())
	assert.Equal(t, 1, sub.count())
}

func TestBackend_ConcurrentAccess(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.IncCounter(metrics.RowsTotal, 1, metrics.Labels{"table": "user_activity_log"})
				b.ObserveHistogram(metrics.HTTPDurationSeconds, 0.1, metrics.Labels{"endpoint": "get_report", "status": "200"})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Close())

	p, _ := sub.last()
	assert.Equal(t, 800.0, value(t, p, "reportetl.rows.total"))
	assert.Equal(t, 800.0, value(t, p, "reportetl.http.request_duration_seconds.count"))
}

func TestParseTagsCSV(t *testing.T) {
	assert.Equal(t, []string{"env:prod", "service:reportetl"}, ParseTagsCSV(" env:prod, ,service:reportetl "))
	assert.Nil(t, ParseTagsCSV(""))
}
