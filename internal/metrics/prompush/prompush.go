// Package prompush implements a Prometheus Pushgateway backend for internal/metrics.
//
// A batch run has nothing to scrape once it exits, so collectors live in a
// private registry and are pushed to the gateway on Flush.
package prompush

import (
	"fmt"
	"strings"
	"sync"

	"reportetl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

type counterDef struct {
	help   string
	labels []string
}

var counterDefs = map[string]counterDef{
	metrics.StepTotal:         {"Finished pipeline steps by outcome.", []string{"step", "status"}},
	metrics.RowsTotal:         {"Rows written to staging tables.", []string{"table"}},
	metrics.HTTPRequestsTotal: {"Requests sent to the report API.", []string{"endpoint", "status"}},
	metrics.PollAttemptsTotal: {"Poll attempts by phase and observed status.", []string{"phase", "outcome"}},
}

type histogramDef struct {
	help    string
	labels  []string
	buckets []float64
}

var histogramDefs = map[string]histogramDef{
	metrics.StepDurationSeconds: {"Pipeline step duration.", []string{"step", "status"}, prometheus.ExponentialBuckets(0.1, 2, 14)},
	metrics.HTTPDurationSeconds: {"Report API request duration.", []string{"endpoint", "status"}, prometheus.ExponentialBuckets(0.01, 2, 14)},
}

// Backend implements metrics.Backend on top of a push.Pusher.
type Backend struct {
	pusher *push.Pusher

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewBackend registers the collectors and targets gatewayURL under job.
func NewBackend(job, gatewayURL string) (*Backend, error) {
	job = strings.TrimSpace(job)
	gatewayURL = strings.TrimSpace(gatewayURL)
	if job == "" {
		return nil, fmt.Errorf("prompush: empty job name")
	}
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: empty pushgateway url")
	}

	reg := prometheus.NewRegistry()
	b := &Backend{
		counters:   make(map[string]*prometheus.CounterVec, len(counterDefs)),
		histograms: make(map[string]*prometheus.HistogramVec, len(histogramDefs)),
	}

	for name, def := range counterDefs {
		cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: def.help}, def.labels)
		if err := reg.Register(cv); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		b.counters[name] = cv
	}
	for name, def := range histogramDefs {
		hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: def.help, Buckets: def.buckets}, def.labels)
		if err := reg.Register(hv); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		b.histograms[name] = hv
	}

	b.pusher = push.New(gatewayURL, job).Gatherer(reg)
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are dropped.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	cv, ok := b.counters[name]
	if !ok {
		return
	}
	cv.With(promLabels(counterDefs[name].labels, labels)).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are dropped.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	hv, ok := b.histograms[name]
	if !ok {
		return
	}
	hv.With(promLabels(histogramDefs[name].labels, labels)).Observe(value)
}

// Flush pushes the whole registry, replacing the job's previous group.
func (b *Backend) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// promLabels fills every declared label so With never panics on a missing one.
func promLabels(names []string, in metrics.Labels) prometheus.Labels {
	out := make(prometheus.Labels, len(names))
	for _, n := range names {
		out[n] = in[n]
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
