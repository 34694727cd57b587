package dlq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/queue"
)

// fakeDLQ serves scripted batches and records deletions.
type fakeDLQ struct {
	batches [][]queue.Message
	deleted []string
}

func (f *fakeDLQ) ReceiveBatch(_ context.Context, _, _, _ int) ([]queue.Message, error) {
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeDLQ) DeleteMessage(_ context.Context, receiptHandle string) error {
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

type fakePrimary struct {
	bodies []string
	attrs  []map[string]string
	err    error
}

func (f *fakePrimary) Requeue(_ context.Context, body string, attrs map[string]string) error {
	if f.err != nil {
		return f.err
	}
	f.bodies = append(f.bodies, body)
	f.attrs = append(f.attrs, attrs)
	return nil
}

type fakeArchive struct {
	keys    []string
	objects map[string][]byte
}

func (f *fakeArchive) UploadBytes(_ context.Context, _, key string, data []byte, _ string, _ map[string]string) (string, error) {
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.keys = append(f.keys, key)
	f.objects[key] = data
	return "https://s3.example/" + key, nil
}

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func oldEnough() string {
	return time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
}

func deadMessage(id, reason string) queue.Message {
	return queue.Message{
		ID:            id,
		ReceiptHandle: "rh-" + id,
		Body:          `{"bucket":"b","key":"docs/a.pdf"}`,
		Attributes: map[string]string{
			queue.AttrErrorMessage: reason,
			queue.AttrRetryCount:   "0",
			queue.AttrFailedAt:     oldEnough(),
		},
	}
}

func TestTriage(t *testing.T) {
	dlq := &fakeDLQ{batches: [][]queue.Message{{
		deadMessage("m1", "connection refused"),
		deadMessage("m2", "dial tcp: connection refused"),
		deadMessage("m3", "unsupported format: .dwg"),
	}}}

	report, err := Triage(context.Background(), dlq, 100, testLog())
	if err != nil {
		t.Fatal(err)
	}
	if report.Inspected != 3 {
		t.Errorf("inspected = %d", report.Inspected)
	}
	net := report.ByKind[domain.KindNetwork]
	if net == nil || net.Count != 2 || !net.Retryable {
		t.Errorf("network summary = %+v", net)
	}
	if len(net.Samples) != 2 {
		t.Errorf("samples = %v", net.Samples)
	}
	uns := report.ByKind[domain.KindUnsupported]
	if uns == nil || uns.Count != 1 || uns.Retryable {
		t.Errorf("unsupported summary = %+v", uns)
	}
	if len(dlq.deleted) != 0 {
		t.Error("triage must never delete messages")
	}
}

func TestReprocessorReplaysRecoverable(t *testing.T) {
	msg := deadMessage("m1", "opensearch 503")
	msg.Attributes[queue.AttrOriginalMessageID] = "orig-9"
	dlq := &fakeDLQ{batches: [][]queue.Message{{msg}}}
	primary := &fakePrimary{}
	r := &Reprocessor{dlq: dlq, primary: primary, store: &fakeArchive{}, bucket: "thumbs", log: testLog()}

	report, err := r.Run(context.Background(), ReplayOpts{MaxMessages: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.Replayed != 1 || report.Archived != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(primary.bodies) != 1 || primary.bodies[0] != msg.Body {
		t.Errorf("requeued bodies = %v", primary.bodies)
	}
	attrs := primary.attrs[0]
	if attrs[queue.AttrRetryCount] != "1" {
		t.Errorf("retry count = %q, want advanced to 1", attrs[queue.AttrRetryCount])
	}
	if attrs[queue.AttrOriginalMessageID] != "orig-9" {
		t.Error("original message id must ride along")
	}
	if len(dlq.deleted) != 1 || dlq.deleted[0] != "rh-m1" {
		t.Errorf("deleted = %v", dlq.deleted)
	}
}

func TestReprocessorArchivesUnrecoverable(t *testing.T) {
	dlq := &fakeDLQ{batches: [][]queue.Message{{
		deadMessage("m1", "corrupt input: broken xref table"),
	}}}
	store := &fakeArchive{}
	r := &Reprocessor{dlq: dlq, primary: &fakePrimary{}, store: store, bucket: "thumbs", log: testLog()}

	report, err := r.Run(context.Background(), ReplayOpts{MaxMessages: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.Archived != 1 || report.Replayed != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(store.keys) != 1 || !strings.HasPrefix(store.keys[0], "dlq-archive/") {
		t.Errorf("archive keys = %v", store.keys)
	}
	var record archivedMessage
	if err := json.Unmarshal(store.objects[store.keys[0]], &record); err != nil {
		t.Fatal(err)
	}
	if record.MessageID != "m1" || record.Kind != string(domain.KindCorrupt) {
		t.Errorf("record = %+v", record)
	}
	if len(dlq.deleted) != 1 {
		t.Errorf("deleted = %v", dlq.deleted)
	}
}

func TestReprocessorBuriesExhaustedRetryBudget(t *testing.T) {
	msg := deadMessage("m1", "timeout while downloading")
	msg.Attributes[queue.AttrRetryCount] = "3"
	dlq := &fakeDLQ{batches: [][]queue.Message{{msg}}}
	store := &fakeArchive{}
	r := &Reprocessor{dlq: dlq, primary: &fakePrimary{}, store: store, bucket: "thumbs", log: testLog()}

	report, err := r.Run(context.Background(), ReplayOpts{MaxMessages: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.Archived != 1 || report.Replayed != 0 {
		t.Errorf("retryable kind past the budget must archive: %+v", report)
	}
}

func TestReprocessorSkipsFreshFailures(t *testing.T) {
	msg := deadMessage("m1", "network error")
	msg.Attributes[queue.AttrFailedAt] = time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	dlq := &fakeDLQ{batches: [][]queue.Message{{msg}}}
	r := &Reprocessor{dlq: dlq, primary: &fakePrimary{}, store: &fakeArchive{}, bucket: "thumbs", log: testLog()}

	report, err := r.Run(context.Background(), ReplayOpts{MaxMessages: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.TooYoung != 1 || report.Replayed != 0 || report.Archived != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(dlq.deleted) != 0 {
		t.Error("fresh message must stay in the DLQ")
	}
}

func TestReprocessorDryRun(t *testing.T) {
	dlq := &fakeDLQ{batches: [][]queue.Message{{
		deadMessage("m1", "opensearch 503"),
		deadMessage("m2", "permission denied"),
	}}}
	primary := &fakePrimary{}
	store := &fakeArchive{}
	r := &Reprocessor{dlq: dlq, primary: primary, store: store, bucket: "thumbs", log: testLog()}

	report, err := r.Run(context.Background(), ReplayOpts{MaxMessages: 10, DryRun: true})
	if err != nil {
		t.Fatal(err)
	}
	if report.Replayed != 1 || report.Archived != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(primary.bodies) != 0 || len(store.keys) != 0 || len(dlq.deleted) != 0 {
		t.Error("dry run must not mutate anything")
	}
}

func TestReprocessorReplayFailureKeepsMessage(t *testing.T) {
	dlq := &fakeDLQ{batches: [][]queue.Message{{deadMessage("m1", "network error")}}}
	r := &Reprocessor{
		dlq: dlq, primary: &fakePrimary{err: domain.ErrNetwork},
		store: &fakeArchive{}, bucket: "thumbs", log: testLog(),
	}

	report, err := r.Run(context.Background(), ReplayOpts{MaxMessages: 10})
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 {
		t.Errorf("report = %+v", report)
	}
	if len(dlq.deleted) != 0 {
		t.Error("message must survive a failed requeue")
	}
}

func TestMessageAge(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		failedAt string
		want     time.Duration
		known    bool
	}{
		{"one hour", "2026-08-24T11:00:00Z", time.Hour, true},
		{"missing", "", 0, false},
		{"malformed", "yesterday", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := queue.Message{Attributes: map[string]string{}}
			if tt.failedAt != "" {
				m.Attributes[queue.AttrFailedAt] = tt.failedAt
			}
			age, known := messageAge(m, now)
			if known != tt.known || age != tt.want {
				t.Errorf("messageAge = %v, %v", age, known)
			}
		})
	}
}

func TestArchiveKey(t *testing.T) {
	at := time.Date(2026, 8, 24, 3, 4, 5, 0, time.UTC)
	want := "dlq-archive/2026/08/24/m-123.json"
	if got := ArchiveKey("m-123", at); got != want {
		t.Errorf("ArchiveKey = %q, want %q", got, want)
	}
}
