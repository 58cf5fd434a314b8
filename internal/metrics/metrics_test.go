package metrics

import (
	"sync"
	"testing"
	"time"
)

type event struct {
	kind   string
	name   string
	value  float64
	labels Labels
}

type fakeBackend struct {
	mu      sync.Mutex
	events  []event
	flushes int
}

func (f *fakeBackend) IncCounter(name string, delta float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{"counter", name, delta, labels})
}

func (f *fakeBackend) ObserveHistogram(name string, value float64, labels Labels) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event{"histogram", name, value, labels})
}

func (f *fakeBackend) Flush() error {
	f.flushes++
	return nil
}

func TestRecordHelpers_RouteToBackend(t *testing.T) {
	fb := &fakeBackend{}
	SetBackend(fb)
	defer SetBackend(nil)

	RecordStep("load_stage", "ok", 2*time.Second)
	RecordRows("user_order_log", 5)
	RecordRows("empty", 0)
	RecordHTTP("get_report", 0, 10*time.Millisecond)
	RecordPoll("get_report", "RUNNING")
	if err := Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(fb.events) != 6 {
		t.Fatalf("expected 6 events, got %d: %#v", len(fb.events), fb.events)
	}
	if fb.events[0].name != StepTotal || fb.events[0].labels["step"] != "load_stage" {
		t.Fatalf("unexpected step event: %#v", fb.events[0])
	}
	if fb.events[1].name != StepDurationSeconds || fb.events[1].value != 2 {
		t.Fatalf("unexpected duration event: %#v", fb.events[1])
	}
	if fb.events[2].name != RowsTotal || fb.events[2].value != 5 {
		t.Fatalf("unexpected rows event: %#v", fb.events[2])
	}
	if fb.events[3].labels["status"] != "transport_error" {
		t.Fatalf("expected transport_error status, got %#v", fb.events[3].labels)
	}
	if fb.events[5].name != PollAttemptsTotal || fb.events[5].labels["outcome"] != "RUNNING" {
		t.Fatalf("unexpected poll event: %#v", fb.events[5])
	}
	if fb.flushes != 1 {
		t.Fatalf("expected 1 flush, got %d", fb.flushes)
	}
}

func TestSetBackend_NilRestoresNop(t *testing.T) {
	SetBackend(nil)
	RecordStep("x", "ok", time.Second)
	if err := Flush(); err != nil {
		t.Fatalf("nop Flush: %v", err)
	}
}
