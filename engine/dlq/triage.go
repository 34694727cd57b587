// Package dlq inspects and replays dead-lettered messages.
package dlq

import (
	"context"
	"log/slog"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/queue"
)

// triageVisibilitySeconds keeps inspected messages hidden just long enough
// to classify them; analyze-only runs let them reappear untouched.
const triageVisibilitySeconds = 30

// dlqSource is the slice of the DLQ broker this package consumes.
type dlqSource interface {
	ReceiveBatch(ctx context.Context, n, waitSeconds, visibilityTimeout int) ([]queue.Message, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
}

// KindSummary aggregates one error kind across the DLQ.
type KindSummary struct {
	Kind      domain.ErrorKind `json:"kind"`
	Count     int              `json:"count"`
	Retryable bool             `json:"retryable"`
	Samples   []string         `json:"samples"` // up to three error messages
}

// TriageReport is the outcome of an analyze pass.
type TriageReport struct {
	Inspected int                               `json:"inspected"`
	ByKind    map[domain.ErrorKind]*KindSummary `json:"byKind"`
}

// Triage classifies up to maxMessages DLQ entries without consuming them.
// Messages are received with a short visibility timeout and never deleted,
// so they return to the queue after the pass.
func Triage(ctx context.Context, dlq dlqSource, maxMessages int, log *slog.Logger) (TriageReport, error) {
	if log == nil {
		log = slog.Default()
	}
	report := TriageReport{ByKind: make(map[domain.ErrorKind]*KindSummary)}

	for report.Inspected < maxMessages {
		want := maxMessages - report.Inspected
		msgs, err := dlq.ReceiveBatch(ctx, want, 2, triageVisibilitySeconds)
		if err != nil {
			return report, err
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			report.Inspected++
			reason := m.Attributes[queue.AttrErrorMessage]
			kind := domain.ClassifyMessage(reason)

			s, ok := report.ByKind[kind]
			if !ok {
				s = &KindSummary{Kind: kind, Retryable: kind.Retryable()}
				report.ByKind[kind] = s
			}
			s.Count++
			if len(s.Samples) < 3 && reason != "" {
				s.Samples = append(s.Samples, reason)
			}
		}
	}

	for kind, s := range report.ByKind {
		log.Info("dlq triage",
			"kind", string(kind), "count", s.Count, "retryable", s.Retryable)
	}
	return report, nil
}
