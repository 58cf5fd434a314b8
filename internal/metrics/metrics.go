// Package metrics is the backend-agnostic metrics facade used by the pipeline.
//
// Components call the Record* helpers; the binary picks a backend once at
// startup with SetBackend. Until then every call goes to a no-op backend.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names understood by the backends.
const (
	StepTotal           = "reportetl_step_total"
	StepDurationSeconds = "reportetl_step_duration_seconds"
	RowsTotal           = "reportetl_rows_total"
	HTTPRequestsTotal   = "reportetl_http_requests_total"
	HTTPDurationSeconds = "reportetl_http_request_duration_seconds"
	PollAttemptsTotal   = "reportetl_poll_attempts_total"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b; nil restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush pushes buffered metrics through the active backend.
func Flush() error { return current().Flush() }

// RecordStep counts one finished pipeline step and observes its duration.
// status is "ok" or "error".
func RecordStep(step, status string, d time.Duration) {
	b := current()
	l := Labels{"step": step, "status": status}
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows written to a staging table.
func RecordRows(table string, n int64) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"table": table})
}

// RecordHTTP counts one upstream request. code 0 means a transport failure.
func RecordHTTP(endpoint string, code int, d time.Duration) {
	status := "transport_error"
	if code > 0 {
		status = strconv.Itoa(code)
	}
	b := current()
	l := Labels{"endpoint": endpoint, "status": status}
	b.IncCounter(HTTPRequestsTotal, 1, l)
	b.ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
}

// RecordPoll counts one poll attempt. outcome is the upstream status or "error".
func RecordPoll(phase, outcome string) {
	current().IncCounter(PollAttemptsTotal, 1, Labels{"phase": phase, "outcome": outcome})
}
