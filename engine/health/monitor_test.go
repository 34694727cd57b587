package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/civilnas/indexer/engine/queue"
)

type fakeDepth struct {
	depth queue.Depth
	err   error
}

func (f *fakeDepth) Depth(_ context.Context) (queue.Depth, error) {
	return f.depth, f.err
}

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

func newTestMonitor(q depthSource, idx pinger) *Monitor {
	m := NewMonitor(MonitorOpts{
		Queue: q,
		Index: idx,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	m.proc = nil // memory probe is a no-op in tests
	return m
}

func TestZeroPIDDisablesMemoryProbe(t *testing.T) {
	m := NewMonitor(MonitorOpts{
		Queue: &fakeDepth{},
		Index: &fakePinger{},
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if m.proc != nil {
		t.Fatal("PID 0 must not attach a process watch")
	}
	if c := m.checkMemory(); !c.OK {
		t.Errorf("memory check = %+v, want a no-op pass", c)
	}
}

func TestProbeHealthy(t *testing.T) {
	m := newTestMonitor(&fakeDepth{depth: queue.Depth{Available: 0}}, &fakePinger{})
	status, checks := m.Probe(context.Background())
	if status != Healthy {
		t.Errorf("status = %s, checks = %+v", status, checks)
	}
	for _, c := range checks {
		if !c.OK {
			t.Errorf("check %s failed: %s", c.Name, c.Err)
		}
	}
}

func TestProbeDegradedOnIndexOutage(t *testing.T) {
	m := newTestMonitor(&fakeDepth{}, &fakePinger{err: errors.New("connection refused")})
	status, _ := m.Probe(context.Background())
	if status != Degraded {
		t.Errorf("status = %s, want degraded for a single failed probe", status)
	}
}

func TestProbeUnhealthyOnMultipleFailures(t *testing.T) {
	m := newTestMonitor(&fakeDepth{err: errors.New("sqs down")}, &fakePinger{err: errors.New("index down")})
	status, _ := m.Probe(context.Background())
	if status != Unhealthy {
		t.Errorf("status = %s, want unhealthy", status)
	}
}

func TestProbeUnhealthyWhenQueueStuck(t *testing.T) {
	q := &fakeDepth{depth: queue.Depth{Available: 40}}
	m := newTestMonitor(q, &fakePinger{})
	m.stuckThreshold = 10 * time.Minute

	// First pass establishes the baseline.
	if status, _ := m.Probe(context.Background()); status != Healthy {
		t.Fatalf("baseline status = %s", status)
	}

	// Backlog unchanged past the threshold: stuck.
	m.lastProgressAt = time.Now().Add(-11 * time.Minute)
	status, checks := m.Probe(context.Background())
	if status != Unhealthy {
		t.Errorf("status = %s, checks = %+v", status, checks)
	}
}

func TestProbeShrinkingBacklogIsProgress(t *testing.T) {
	q := &fakeDepth{depth: queue.Depth{Available: 40}}
	m := newTestMonitor(q, &fakePinger{})
	m.Probe(context.Background())

	m.lastProgressAt = time.Now().Add(-11 * time.Minute)
	q.depth.Available = 30
	status, _ := m.Probe(context.Background())
	if status != Healthy {
		t.Errorf("status = %s, a shrinking backlog is progress", status)
	}
}

func TestStatusString(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{Healthy, "healthy"},
		{Degraded, "degraded"},
		{Unhealthy, "unhealthy"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestFirstFailure(t *testing.T) {
	checks := []Check{
		{Name: "queue_progress", OK: true},
		{Name: "memory", Err: "rss over limit"},
		{Name: "index", Err: "503"},
	}
	if got := firstFailure(checks); got != "memory: rss over limit" {
		t.Errorf("firstFailure = %q", got)
	}
	if got := firstFailure([]Check{{Name: "index", OK: true}}); got != "" {
		t.Errorf("firstFailure = %q, want empty", got)
	}
}
