package worker

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Stats counts message outcomes across the life of a runtime. All fields are
// updated from pool goroutines, so access goes through atomics.
type Stats struct {
	started time.Time

	Received    atomic.Int64
	Indexed     atomic.Int64
	Failed      atomic.Int64
	Unsupported atomic.Int64
	Skipped     atomic.Int64
	DeadLetter  atomic.Int64
}

// NewStats creates a Stats anchored at now.
func NewStats(now time.Time) *Stats {
	return &Stats{started: now}
}

// Snapshot is a point-in-time copy for logging and the stats dump.
type Snapshot struct {
	Uptime      time.Duration `json:"uptimeSeconds"`
	Received    int64         `json:"received"`
	Indexed     int64         `json:"indexed"`
	Failed      int64         `json:"failed"`
	Unsupported int64         `json:"unsupported"`
	Skipped     int64         `json:"skipped"`
	DeadLetter  int64         `json:"deadLetter"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot(now time.Time) Snapshot {
	return Snapshot{
		Uptime:      now.Sub(s.started),
		Received:    s.Received.Load(),
		Indexed:     s.Indexed.Load(),
		Failed:      s.Failed.Load(),
		Unsupported: s.Unsupported.Load(),
		Skipped:     s.Skipped.Load(),
		DeadLetter:  s.DeadLetter.Load(),
	}
}

// Log writes the snapshot at info level.
func (s *Stats) Log(log *slog.Logger, now time.Time) {
	snap := s.Snapshot(now)
	log.Info("worker stats",
		"uptime_seconds", int(snap.Uptime.Seconds()),
		"received", snap.Received,
		"indexed", snap.Indexed,
		"failed", snap.Failed,
		"unsupported", snap.Unsupported,
		"skipped", snap.Skipped,
		"dead_letter", snap.DeadLetter,
	)
}
