// Package health watches the worker from the outside: queue progress,
// process memory, and index reachability.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/metrics"
)

// Defaults for the monitor loop.
const (
	DefaultInterval       = 60 * time.Second
	DefaultStuckThreshold = 10 * time.Minute
	DefaultMemoryLimit    = 5 * 1024 * 1024 * 1024 // bytes
	consecutiveFailLimit  = 3
)

// Status is the aggregate health verdict.
type Status int

const (
	Healthy Status = iota
	Degraded
	Unhealthy
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// Check is one named probe result.
type Check struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Err  string `json:"error,omitempty"`
}

// pinger is the slice of the index gateway the monitor needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// depthSource reports queue backlog. *queue.Broker satisfies it.
type depthSource interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// MonitorOpts configures a Monitor.
type MonitorOpts struct {
	Queue          depthSource
	Index          pinger
	PID            int32 // worker process to watch; 0 disables the memory probe
	Interval       time.Duration
	StuckThreshold time.Duration
	MemoryLimit    uint64

	// OnRestart fires after three consecutive unhealthy passes.
	OnRestart func(reason string)

	Log     *slog.Logger
	Metrics *metrics.Registry
}

// Monitor runs periodic probes and triggers a restart when the worker is
// wedged: no queue progress, runaway memory, or an unreachable index.
type Monitor struct {
	queue          depthSource
	index          pinger
	proc           *process.Process
	interval       time.Duration
	stuckThreshold time.Duration
	memoryLimit    uint64
	onRestart      func(string)
	log            *slog.Logger

	consecutiveFails int
	lastAvailable    int
	lastProgressAt   time.Time

	restarts  *metrics.Counter
	failGauge *metrics.Gauge
}

// NewMonitor creates a Monitor.
func NewMonitor(opts MonitorOpts) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = DefaultStuckThreshold
	}
	if opts.MemoryLimit == 0 {
		opts.MemoryLimit = DefaultMemoryLimit
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	var proc *process.Process
	if opts.PID > 0 {
		if p, err := process.NewProcess(opts.PID); err == nil {
			proc = p
		}
	}
	return &Monitor{
		queue:          opts.Queue,
		index:          opts.Index,
		proc:           proc,
		interval:       opts.Interval,
		stuckThreshold: opts.StuckThreshold,
		memoryLimit:    opts.MemoryLimit,
		onRestart:      opts.OnRestart,
		log:            opts.Log,
		lastAvailable:  -1,
		lastProgressAt: time.Now(),
		restarts:       met.Counter("indexer_worker_restarts_total", "Restarts triggered by the health monitor"),
		failGauge:      met.Gauge("indexer_health_consecutive_failures", "Consecutive unhealthy passes"),
	}
}

// Run probes on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		status, checks := m.Probe(ctx)
		if status == Healthy {
			m.consecutiveFails = 0
			m.failGauge.Set(0)
			continue
		}

		m.consecutiveFails++
		m.failGauge.Set(int64(m.consecutiveFails))
		reason := firstFailure(checks)
		m.log.Warn("health probe failed",
			"status", status.String(), "consecutive", m.consecutiveFails, "reason", reason)

		if m.consecutiveFails >= consecutiveFailLimit {
			m.restarts.Inc()
			m.consecutiveFails = 0
			m.failGauge.Set(0)
			m.log.Error("restart triggered", "reason", reason)
			if m.onRestart != nil {
				m.onRestart(reason)
			}
		}
	}
}

// Probe runs every check once. Degraded means one probe failed; Unhealthy
// means the queue is stuck or more than one probe failed.
func (m *Monitor) Probe(ctx context.Context) (Status, []Check) {
	checks := []Check{
		m.checkQueueProgress(ctx),
		m.checkMemory(),
		m.checkIndex(ctx),
	}
	failed := 0
	stuck := false
	for _, c := range checks {
		if !c.OK {
			failed++
			if c.Name == "queue_progress" {
				stuck = true
			}
		}
	}
	switch {
	case failed == 0:
		return Healthy, checks
	case stuck || failed > 1:
		return Unhealthy, checks
	default:
		return Degraded, checks
	}
}

// checkQueueProgress fails when messages are waiting but the backlog has not
// shrunk within the stuck threshold.
func (m *Monitor) checkQueueProgress(ctx context.Context) Check {
	depth, err := m.queue.Depth(ctx)
	if err != nil {
		return Check{Name: "queue_progress", Err: err.Error()}
	}

	now := time.Now()
	if m.lastAvailable < 0 || depth.Available < m.lastAvailable || depth.Available == 0 {
		m.lastProgressAt = now
	}
	m.lastAvailable = depth.Available

	if depth.Available > 0 && now.Sub(m.lastProgressAt) > m.stuckThreshold {
		return Check{
			Name: "queue_progress",
			Err: fmt.Sprintf("%d messages waiting, no progress for %s",
				depth.Available, now.Sub(m.lastProgressAt).Round(time.Second)),
		}
	}
	return Check{Name: "queue_progress", OK: true}
}

// checkMemory fails when the watched process RSS crosses the limit.
func (m *Monitor) checkMemory() Check {
	if m.proc == nil {
		return Check{Name: "memory", OK: true}
	}
	mem, err := m.proc.MemoryInfo()
	if err != nil {
		return Check{Name: "memory", Err: err.Error()}
	}
	if mem.RSS > m.memoryLimit {
		return Check{
			Name: "memory",
			Err:  fmt.Sprintf("rss %d over limit %d", mem.RSS, m.memoryLimit),
		}
	}
	return Check{Name: "memory", OK: true}
}

func (m *Monitor) checkIndex(ctx context.Context) Check {
	if err := m.index.Ping(ctx); err != nil {
		return Check{Name: "index", Err: err.Error()}
	}
	return Check{Name: "index", OK: true}
}

func firstFailure(checks []Check) string {
	for _, c := range checks {
		if !c.OK {
			return c.Name + ": " + c.Err
		}
	}
	return ""
}
