package worker

import (
	"log/slog"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/civilnas/indexer/pkg/metrics"
)

const (
	// rssSampleEvery is how many handled messages pass between RSS samples.
	rssSampleEvery = 10
	// gcEvery forces a GC pass after this many handled messages.
	gcEvery = 50
	// memoryHighWaterRatio of the limit triggers GC and batch shrinking.
	memoryHighWaterRatio = 0.8
)

// ResourceGuard watches the process RSS and tells the receive loop when to
// back off. Long-lived workers chewing through scanned PDFs drift upward in
// memory; the guard keeps them under the restart ceiling.
type ResourceGuard struct {
	proc       *process.Process
	limitBytes uint64
	log        *slog.Logger

	handled  int
	lastRSS  uint64
	rssGauge *metrics.Gauge
	gcForced *metrics.Counter
}

// NewResourceGuard creates a guard with the given RSS limit in bytes.
func NewResourceGuard(limitBytes uint64, log *slog.Logger, met *metrics.Registry) *ResourceGuard {
	if log == nil {
		log = slog.Default()
	}
	if met == nil {
		met = metrics.New()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil // RSS checks become no-ops; GC cadence still applies
	}
	return &ResourceGuard{
		proc:       proc,
		limitBytes: limitBytes,
		log:        log,
		rssGauge:   met.Gauge("indexer_worker_rss_bytes", "Resident set size at the last sample"),
		gcForced:   met.Counter("indexer_worker_gc_forced_total", "Forced GC passes"),
	}
}

// RSS returns the current resident set size, zero when unavailable.
func (g *ResourceGuard) RSS() uint64 {
	if g.proc == nil {
		return 0
	}
	mem, err := g.proc.MemoryInfo()
	if err != nil {
		return 0
	}
	return mem.RSS
}

// AfterBatch is called once per handled batch with the number of messages.
// It samples memory on the sample cadence, forces GC on the GC cadence, and
// reports whether the loop should shrink its next receive.
func (g *ResourceGuard) AfterBatch(n int) (shrink bool) {
	before := g.handled
	g.handled += n

	if crossed(before, g.handled, gcEvery) {
		runtime.GC()
		g.gcForced.Inc()
	}
	if !crossed(before, g.handled, rssSampleEvery) {
		return false
	}

	rss := g.RSS()
	if rss == 0 {
		return false
	}
	g.lastRSS = rss
	g.rssGauge.Set(int64(rss))

	if g.limitBytes > 0 && float64(rss) > float64(g.limitBytes)*memoryHighWaterRatio {
		runtime.GC()
		g.gcForced.Inc()
		g.log.Warn("memory high-water mark crossed, shrinking batch",
			"rss_bytes", rss, "limit_bytes", g.limitBytes)
		return true
	}
	return false
}

// crossed reports whether the counter passed a multiple of step between
// before and after.
func crossed(before, after, step int) bool {
	return after/step > before/step
}
