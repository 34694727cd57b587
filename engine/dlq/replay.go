package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/queue"
)

const (
	// minAge keeps fresh failures in the DLQ: a message that just died is
	// usually dying for a reason that has not cleared yet.
	minAge = 5 * time.Minute

	// maxReplays is the lifetime replay budget per message.
	maxReplays = 3

	replayVisibilitySeconds = 300
)

// archiveStore writes unrecoverable messages out of the queue. The blob
// store's UploadBytes satisfies it.
type archiveStore interface {
	UploadBytes(ctx context.Context, bucket, key string, data []byte, contentType string, metadata map[string]string) (string, error)
}

// archivedMessage is the JSON record written for each buried message.
type archivedMessage struct {
	MessageID  string            `json:"messageId"`
	Body       json.RawMessage   `json:"body"`
	Attributes map[string]string `json:"attributes"`
	Kind       string            `json:"kind"`
	ArchivedAt string            `json:"archivedAt"`
}

// Reprocessor drains the DLQ: recoverable messages go back to the primary
// queue, unrecoverable ones are archived to the object store and removed.
// replayTarget accepts messages back onto the primary queue.
type replayTarget interface {
	Requeue(ctx context.Context, body string, attrs map[string]string) error
}

type Reprocessor struct {
	dlq     dlqSource
	primary replayTarget
	store   archiveStore
	bucket  string
	log     *slog.Logger
}

// NewReprocessor creates a Reprocessor. bucket receives the archive objects;
// it must not be the ingest bucket or archives would re-enter the pipeline.
func NewReprocessor(dlq, primary *queue.Broker, store archiveStore, bucket string, log *slog.Logger) *Reprocessor {
	if log == nil {
		log = slog.Default()
	}
	return &Reprocessor{dlq: dlq, primary: primary, store: store, bucket: bucket, log: log}
}

// ReplayOpts bounds one drain pass.
type ReplayOpts struct {
	MaxMessages int
	DryRun      bool
}

// ReplayReport summarises one drain pass.
type ReplayReport struct {
	Inspected int `json:"inspected"`
	Replayed  int `json:"replayed"`
	Archived  int `json:"archived"`
	TooYoung  int `json:"tooYoung"`
	Failed    int `json:"failed"`
}

// ArchiveKey is the object key for a buried message.
func ArchiveKey(messageID string, t time.Time) string {
	return fmt.Sprintf("dlq-archive/%s/%s.json", t.UTC().Format("2006/01/02"), messageID)
}

// Run drains up to MaxMessages from the DLQ.
func (r *Reprocessor) Run(ctx context.Context, opts ReplayOpts) (ReplayReport, error) {
	var report ReplayReport

	for report.Inspected < opts.MaxMessages {
		want := opts.MaxMessages - report.Inspected
		msgs, err := r.dlq.ReceiveBatch(ctx, want, 2, replayVisibilitySeconds)
		if err != nil {
			return report, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			report.Inspected++
			r.handle(ctx, m, opts.DryRun, &report)
		}
	}

	r.log.Info("dlq replay finished",
		"inspected", report.Inspected, "replayed", report.Replayed,
		"archived", report.Archived, "too_young", report.TooYoung,
		"failed", report.Failed, "dry_run", opts.DryRun)
	return report, nil
}

func (r *Reprocessor) handle(ctx context.Context, m queue.Message, dryRun bool, report *ReplayReport) {
	if age, known := messageAge(m, time.Now()); known && age < minAge {
		report.TooYoung++
		return
	}

	reason := m.Attributes[queue.AttrErrorMessage]
	kind := domain.ClassifyMessage(reason)
	replayable := kind.Retryable() && m.RetryCount() < maxReplays

	if dryRun {
		if replayable {
			report.Replayed++
		} else {
			report.Archived++
		}
		r.log.Info("dlq message would be handled",
			"message_id", m.ID, "kind", string(kind), "replay", replayable)
		return
	}

	if replayable {
		if err := r.replay(ctx, m); err != nil {
			report.Failed++
			r.log.Error("dlq replay failed", "message_id", m.ID, "error", err)
			return
		}
		report.Replayed++
		return
	}

	if err := r.archive(ctx, m, kind); err != nil {
		report.Failed++
		r.log.Error("dlq archive failed", "message_id", m.ID, "error", err)
		return
	}
	report.Archived++
}

// replay returns the message to the primary queue with its retry budget
// advanced, then deletes it from the DLQ. Order matters: a crash between the
// two steps duplicates the message, never loses it.
func (r *Reprocessor) replay(ctx context.Context, m queue.Message) error {
	attrs := map[string]string{
		queue.AttrRetryCount:    strconv.Itoa(m.RetryCount() + 1),
		queue.AttrReprocessedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if v := m.Attributes[queue.AttrOriginalMessageID]; v != "" {
		attrs[queue.AttrOriginalMessageID] = v
	}
	if err := r.primary.Requeue(ctx, m.Body, attrs); err != nil {
		return err
	}
	return r.dlq.DeleteMessage(ctx, m.ReceiptHandle)
}

// archive writes the message to the object store, then deletes it.
func (r *Reprocessor) archive(ctx context.Context, m queue.Message, kind domain.ErrorKind) error {
	now := time.Now()
	body := json.RawMessage(m.Body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(m.Body)
		body = quoted
	}
	record, err := json.MarshalIndent(archivedMessage{
		MessageID:  m.ID,
		Body:       body,
		Attributes: m.Attributes,
		Kind:       string(kind),
		ArchivedAt: now.UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq: marshal archive record: %w", err)
	}

	key := ArchiveKey(m.ID, now)
	if _, err := r.store.UploadBytes(ctx, r.bucket, key, record, "application/json", nil); err != nil {
		return err
	}
	return r.dlq.DeleteMessage(ctx, m.ReceiptHandle)
}

// messageAge derives how long ago the message was dead-lettered from its
// FailedAt attribute. Unknown when the attribute is missing or malformed.
func messageAge(m queue.Message, now time.Time) (time.Duration, bool) {
	v := m.Attributes[queue.AttrFailedAt]
	if v == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return 0, false
	}
	return now.Sub(t), true
}
