package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/fn"
)

// Receive-loop defaults.
const (
	defaultVisibilitySeconds = 900
	defaultWaitSeconds       = 20
	defaultBatchSize         = 10

	// settleMargin is carved off the visibility timeout so a batch always
	// settles before its messages become visible again.
	settleMargin = 60 * time.Second

	statsInterval  = time.Minute
	receiveBackoff = 5 * time.Second
)

// Handler settles one message.
type Handler interface {
	Handle(ctx context.Context, msg Message) Outcome
}

// RuntimeOpts configures a Runtime.
type RuntimeOpts struct {
	Broker  *queue.Broker
	Handler Handler
	Workers int

	BatchSize         int
	VisibilitySeconds int
	WaitSeconds       int

	// IdleTimeout exits the loop after this long without a message.
	// Zero keeps the loop running forever.
	IdleTimeout time.Duration

	Guard *ResourceGuard
	Stats *Stats
	Log   *slog.Logger
}

// Runtime drives the receive loop: one long-poll batch at a time, fanned out
// across the pool, every message settled exactly once.
type Runtime struct {
	broker  *queue.Broker
	handler Handler
	workers int

	maxBatch   int
	batch      int
	visibility int
	wait       int
	idle       time.Duration

	guard *ResourceGuard
	stats *Stats
	log   *slog.Logger
}

// NewRuntime creates a Runtime.
func NewRuntime(opts RuntimeOpts) *Runtime {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.VisibilitySeconds <= 0 {
		opts.VisibilitySeconds = defaultVisibilitySeconds
	}
	if opts.WaitSeconds <= 0 {
		opts.WaitSeconds = defaultWaitSeconds
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Stats == nil {
		opts.Stats = NewStats(time.Now())
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Runtime{
		broker:     opts.Broker,
		handler:    opts.Handler,
		workers:    opts.Workers,
		maxBatch:   opts.BatchSize,
		batch:      opts.BatchSize,
		visibility: opts.VisibilitySeconds,
		wait:       opts.WaitSeconds,
		idle:       opts.IdleTimeout,
		guard:      opts.Guard,
		stats:      opts.Stats,
		log:        opts.Log,
	}
}

// Stats returns the runtime's counters.
func (r *Runtime) Stats() *Stats { return r.stats }

// Run blocks until ctx is cancelled or the idle timeout fires. In-flight
// messages are always settled before returning.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("worker runtime starting",
		"workers", r.workers, "batch", r.batch, "visibility_seconds", r.visibility)

	lastMessage := time.Now()
	lastStats := time.Now()

	for {
		if ctx.Err() != nil {
			r.log.Info("worker runtime stopping")
			return nil
		}
		if time.Since(lastStats) >= statsInterval {
			r.stats.Log(r.log, time.Now())
			lastStats = time.Now()
		}

		msgs, err := r.broker.ReceiveBatch(ctx, r.batch, r.wait, r.visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("receive failed, backing off", "error", err)
			sleepCtx(ctx, receiveBackoff)
			continue
		}
		if len(msgs) == 0 {
			if r.idle > 0 && time.Since(lastMessage) >= r.idle {
				r.log.Info("idle timeout reached, exiting", "idle", r.idle)
				return nil
			}
			continue
		}
		lastMessage = time.Now()
		r.stats.Received.Add(int64(len(msgs)))

		batchCtx, cancel := batchContext(ctx, r.visibility)
		outcomes := fn.ParMapResult(msgs, r.workers, func(m Message) fn.Result[Outcome] {
			return fn.Ok(r.handler.Handle(batchCtx, m))
		})
		cancel()

		r.settle(context.WithoutCancel(ctx), outcomes)

		if r.guard != nil {
			if r.guard.AfterBatch(len(msgs)) {
				r.batch = max(1, r.batch/2)
			} else if r.batch < r.maxBatch {
				r.batch++
			}
		}
	}
}

// batchContext bounds a batch by the visibility budget while shielding
// in-flight handlers from shutdown cancellation: a signal stops new receives,
// the current batch still runs to completion.
func batchContext(ctx context.Context, visibilitySeconds int) (context.Context, context.CancelFunc) {
	budget := time.Duration(visibilitySeconds)*time.Second - settleMargin
	return context.WithTimeout(context.WithoutCancel(ctx), budget)
}

// settle applies each outcome's disposition. Deletes are batched; a DLQ send
// that fails leaves the message in the queue for redelivery rather than
// losing it.
func (r *Runtime) settle(ctx context.Context, outcomes []fn.Result[Outcome]) {
	var acks []Message

	for _, res := range outcomes {
		out, _ := res.Unwrap()
		switch out.Disposition {
		case DispositionAck:
			acks = append(acks, out.Msg)
			switch {
			case out.Skipped:
				r.stats.Skipped.Add(1)
			case errors.Is(out.Err, domain.ErrUnsupportedFormat):
				r.stats.Unsupported.Add(1)
			case out.Err != nil:
				r.stats.Failed.Add(1)
			default:
				r.stats.Indexed.Add(1)
			}

		case DispositionDead:
			r.stats.Failed.Add(1)
			reason := "unknown"
			if out.Err != nil {
				reason = out.Err.Error()
			}
			if err := r.broker.SendToDLQ(ctx, out.Msg, reason); err != nil {
				r.log.Error("DLQ send failed, leaving message for redelivery",
					"message_id", out.Msg.ID, "error", err)
				continue
			}
			r.stats.DeadLetter.Add(1)
			acks = append(acks, out.Msg)
			r.log.Error("message dead-lettered",
				"message_id", out.Msg.ID, "key", out.Key, "error", out.Err)
		}
	}

	if len(acks) > 0 {
		if err := r.broker.DeleteBatch(ctx, acks); err != nil {
			r.log.Error("batch delete incomplete", "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
