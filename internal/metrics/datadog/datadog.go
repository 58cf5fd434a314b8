// Package datadog implements a Datadog backend for internal/metrics.
//
// A daily run spends most of its time polling the report API, so events are
// aggregated in memory and submitted every FlushEvery and once more on Close.
// Counters become COUNT series. Durations become a COUNT of observations
// plus avg and max gauges for the window.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"reportetl/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// counterNames and durationNames map facade metrics to Datadog names.
// Anything else is dropped.
var (
	counterNames = map[string]string{
		metrics.StepTotal:         "reportetl.step.total",
		metrics.RowsTotal:         "reportetl.rows.total",
		metrics.HTTPRequestsTotal: "reportetl.http.requests.total",
		metrics.PollAttemptsTotal: "reportetl.poll.attempts.total",
	}
	durationNames = map[string]string{
		metrics.StepDurationSeconds: "reportetl.step.duration_seconds",
		metrics.HTTPDurationSeconds: "reportetl.http.request_duration_seconds",
	}
)

// Options configures NewBackend.
type Options struct {
	// JobName is added as "job:<name>". Defaults to "reportetl".
	JobName string
	// Tags are extra tags such as "service:reportetl".
	Tags []string
	// FlushEvery defaults to one minute.
	FlushEvery time.Duration

	clock func() time.Time
	api   submitter
}

type submitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// window aggregates one series between flushes.
type window struct {
	count float64
	sum   float64
	max   float64
}

type series struct {
	name string
	tags string
}

// Backend implements metrics.Backend. Create it with NewBackend and stop it
// with Close.
type Backend struct {
	api      submitter
	submitTo context.Context
	clock    func() time.Time
	tags     []string

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	counters  map[series]float64
	durations map[series]*window
}

// NewBackend starts a backend that flushes on a ticker until Close.
// DD_API_KEY and DD_SITE are read by the Datadog client; a missing key shows
// up as a Flush error. DD_ENV, when set, adds an "env:" tag.
func NewBackend(ctx context.Context, opts Options) (*Backend, error) {
	if ctx == nil {
		return nil, errors.New("datadog: nil context")
	}
	job := opts.JobName
	if job == "" {
		job = "reportetl"
	}
	every := opts.FlushEvery
	if every <= 0 {
		every = time.Minute
	}

	tags := []string{"job:" + job}
	if env := strings.TrimSpace(os.Getenv("DD_ENV")); env != "" {
		tags = append(tags, "env:"+env)
	}
	tags = append(tags, opts.Tags...)

	b := &Backend{
		api:       opts.api,
		submitTo:  dd.NewDefaultContext(context.WithoutCancel(ctx)),
		clock:     opts.clock,
		tags:      tags,
		done:      make(chan struct{}),
		counters:  map[series]float64{},
		durations: map[series]*window{},
	}
	if b.api == nil {
		b.api = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}
	if b.clock == nil {
		b.clock = time.Now
	}

	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go b.run(loopCtx, every)
	return b, nil
}

func (b *Backend) run(ctx context.Context, every time.Duration) {
	defer close(b.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = b.Flush()
		}
	}
}

// Close stops the ticker and flushes what is left. Call it once.
func (b *Backend) Close() error {
	b.cancel()
	<-b.done
	return b.Flush()
}

// IncCounter implements metrics.Backend. Non-positive deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	dn, ok := counterNames[name]
	if !ok || delta <= 0 {
		return
	}
	s := series{name: dn, tags: labelTags(labels)}
	b.mu.Lock()
	b.counters[s] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Negative values are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	dn, ok := durationNames[name]
	if !ok || value < 0 {
		return
	}
	s := series{name: dn, tags: labelTags(labels)}
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.durations[s]
	if w == nil {
		w = &window{}
		b.durations[s] = w
	}
	w.count++
	w.sum += value
	if value > w.max {
		w.max = value
	}
}

// Flush submits the current window and starts a new one. The window is
// discarded even when the submission fails.
func (b *Backend) Flush() error {
	b.mu.Lock()
	counters, durations := b.counters, b.durations
	b.counters, b.durations = map[series]float64{}, map[series]*window{}
	b.mu.Unlock()

	if len(counters) == 0 && len(durations) == 0 {
		return nil
	}
	ts := b.clock().Unix()
	var out []datadogV2.MetricSeries
	for s, v := range counters {
		out = append(out, b.point(datadogV2.METRICINTAKETYPE_COUNT, s.name, s.tags, v, ts))
	}
	for s, w := range durations {
		out = append(out,
			b.point(datadogV2.METRICINTAKETYPE_COUNT, s.name+".count", s.tags, w.count, ts),
			b.point(datadogV2.METRICINTAKETYPE_GAUGE, s.name+".avg", s.tags, w.sum/w.count, ts),
			b.point(datadogV2.METRICINTAKETYPE_GAUGE, s.name+".max", s.tags, w.max, ts),
		)
	}

	_, _, err := b.api.SubmitMetrics(b.submitTo, datadogV2.MetricPayload{Series: out})
	if err != nil {
		return errors.Wrapf(err, "datadog: submit %d series", len(out))
	}
	return nil
}

func (b *Backend) point(typ datadogV2.MetricIntakeType, name, labels string, v float64, ts int64) datadogV2.MetricSeries {
	tags := append([]string(nil), b.tags...)
	if labels != "" {
		tags = append(tags, strings.Split(labels, ",")...)
	}
	return datadogV2.MetricSeries{
		Metric: name,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{{Timestamp: dd.PtrInt64(ts), Value: dd.PtrFloat64(v)}},
		Tags:   tags,
	}
}

// labelTags renders labels as "k:v" joined by commas, sorted by key.
// Empty values are tagged "unknown".
func labelTags(labels metrics.Labels) string {
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		if v == "" {
			v = "unknown"
		}
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return strings.Join(tags, ",")
}

// ParseTagsCSV splits "env:prod, service:reportetl" into tags, skipping blanks.
func ParseTagsCSV(s string) []string {
	var out []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
