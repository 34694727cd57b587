package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/process"
	"github.com/civilnas/indexer/pkg/metrics"
)

// fakeStore hands out real temp files so the registry's stat checks pass.
type fakeStore struct {
	dir         string
	content     string
	downloadErr error

	downloads []string
	deletes   []string
	cleaned   []string
}

func (f *fakeStore) Download(_ context.Context, _, key string) (string, error) {
	f.downloads = append(f.downloads, key)
	if f.downloadErr != nil {
		return "", f.downloadErr
	}
	path := filepath.Join(f.dir, filepath.Base(key))
	if err := os.WriteFile(path, []byte(f.content), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (f *fakeStore) DeleteSourceObject(_ context.Context, _, key string) error {
	f.deletes = append(f.deletes, key)
	return nil
}

func (f *fakeStore) CleanupTempFile(path string) {
	f.cleaned = append(f.cleaned, path)
}

type fakeIndexer struct {
	docs []domain.Document
	ids  []string
	err  error
}

func (f *fakeIndexer) IndexDocument(_ context.Context, doc domain.Document, id string) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	f.ids = append(f.ids, id)
	return nil
}

type fakeThumbs struct {
	err    error
	called int
}

func (f *fakeThumbs) UploadThumbnail(_ context.Context, sourceKey string, _ []byte) (string, string, error) {
	f.called++
	if f.err != nil {
		return "", "", f.err
	}
	return "https://cdn.example/thumbnails/" + sourceKey + ".jpg", "thumbnails/" + sourceKey + ".jpg", nil
}

type fakeEmbedder struct {
	vector []float32
	err    error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

func (f *fakeEmbedder) Dimension() int { return len(f.vector) }

// stubProcessor returns a fixed result for whatever it is registered on.
type stubProcessor struct {
	result process.Result
}

func (s *stubProcessor) Name() string           { return "stub" }
func (s *stubProcessor) Version() string        { return "test" }
func (s *stubProcessor) MaxBytes() int64        { return 1 << 30 }
func (s *stubProcessor) CanProcess(string) bool { return true }
func (s *stubProcessor) Process(_ context.Context, _ process.Request) process.Result {
	return s.result
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T, store *fakeStore, idx *fakeIndexer, reg *process.Registry) *Pipeline {
	t.Helper()
	if store.dir == "" {
		store.dir = t.TempDir()
	}
	if store.content == "" {
		store.content = "file bytes"
	}
	p := NewPipeline(PipelineOpts{
		Registry: reg,
		Bucket:   "ingest-bucket",
		Log:      discardLog(),
		Metrics:  metrics.New(),
	})
	p.store = store
	p.indexer = idx
	return p
}

func pdfRegistry(result process.Result) *process.Registry {
	reg := process.NewRegistry()
	reg.Register(&stubProcessor{result: result}, ".pdf")
	return reg
}

func TestHandleMalformedBody(t *testing.T) {
	p := newTestPipeline(t, &fakeStore{}, &fakeIndexer{}, process.NewRegistry())
	out := p.Handle(context.Background(), Message{Body: "not json"})
	if out.Disposition != DispositionDead {
		t.Errorf("disposition = %v, want Dead", out.Disposition)
	}
	if out.Err == nil {
		t.Error("want error on outcome")
	}
}

func TestHandleDerivedArtifact(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(t, store, &fakeIndexer{}, process.NewRegistry())
	out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"thumbnails/a.jpg"}`})
	if out.Disposition != DispositionAck || !out.Skipped {
		t.Errorf("outcome = %+v, want acked skip", out)
	}
	if len(store.downloads) != 0 {
		t.Error("derived artifact must not be downloaded")
	}
}

func TestHandleUnsupportedFormat(t *testing.T) {
	p := newTestPipeline(t, &fakeStore{}, &fakeIndexer{}, process.NewRegistry())
	out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"docs/plan.dwg"}`})
	if out.Disposition != DispositionAck {
		t.Errorf("disposition = %v, want Ack", out.Disposition)
	}
	if !errors.Is(out.Err, domain.ErrUnsupportedFormat) {
		t.Errorf("err = %v, want ErrUnsupportedFormat", out.Err)
	}
}

func TestHandleSuccess(t *testing.T) {
	store := &fakeStore{}
	idx := &fakeIndexer{}
	reg := pdfRegistry(process.Result{
		Success:       true,
		ExtractedText: "橋梁点検 結果",
		PageCount:     3,
		FileType:      "pdf",
	})
	p := newTestPipeline(t, store, idx, reg)

	out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"docs/report.pdf"}`})
	if out.Disposition != DispositionAck || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if len(idx.docs) != 1 {
		t.Fatalf("indexed %d documents", len(idx.docs))
	}
	doc := idx.docs[0]
	if doc.FileKey != "docs/report.pdf" {
		t.Errorf("fileKey = %q", doc.FileKey)
	}
	if idx.ids[0] != doc.FileKey {
		t.Errorf("index id = %q, want the file key", idx.ids[0])
	}
	if doc.ProcessingStatus != domain.StatusCompleted || !doc.Success {
		t.Errorf("status = %q success = %v", doc.ProcessingStatus, doc.Success)
	}
	if doc.PageCount != 3 || doc.ExtractedText == "" {
		t.Errorf("result fields not copied: %+v", doc)
	}
	if len(store.cleaned) != 1 {
		t.Errorf("temp file not cleaned: %v", store.cleaned)
	}
	if len(store.deletes) != 0 {
		t.Error("source deleted without deleteAfterIngest")
	}
}

func TestHandleDeleteAfterIngest(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(t, store, &fakeIndexer{}, pdfRegistry(process.Result{Success: true}))
	p.deleteAfterIngest = true

	out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"docs/a.pdf"}`})
	if out.Disposition != DispositionAck {
		t.Fatalf("outcome = %+v", out)
	}
	if len(store.deletes) != 1 || store.deletes[0] != "docs/a.pdf" {
		t.Errorf("deletes = %v", store.deletes)
	}
}

func TestHandleThumbnailFailureIsNonFatal(t *testing.T) {
	idx := &fakeIndexer{}
	p := newTestPipeline(t, &fakeStore{}, idx, pdfRegistry(process.Result{
		Success:        true,
		ThumbnailBytes: []byte{0xff, 0xd8},
	}))
	p.thumbs = &fakeThumbs{err: errors.New("s3 down")}

	out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"docs/a.pdf"}`})
	if out.Disposition != DispositionAck || out.Err != nil {
		t.Fatalf("thumbnail failure must not fail the message: %+v", out)
	}
	if len(idx.docs) != 1 || idx.docs[0].ThumbnailURL != "" {
		t.Error("document should index without thumbnail fields")
	}
}

func TestHandleEmbedsImages(t *testing.T) {
	idx := &fakeIndexer{}
	reg := process.NewRegistry()
	reg.Register(&stubProcessor{result: process.Result{Success: true, FileType: "image"}}, ".jpg")
	p := newTestPipeline(t, &fakeStore{}, idx, reg)
	p.embedder = &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}

	out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"photos/site.jpg"}`})
	if out.Disposition != DispositionAck || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	doc := idx.docs[0]
	if len(doc.ImageVector) != 3 || doc.VectorDimension != 3 {
		t.Errorf("vector not attached: dim=%d len=%d", doc.VectorDimension, len(doc.ImageVector))
	}
	if doc.VectorModel == "" || doc.VectorUpdatedAt == "" {
		t.Error("vector provenance not stamped")
	}
}

func TestHandleFailuresAreDeadLettered(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"network", domain.ErrNetwork},
		{"timeout", domain.ErrTimeout},
		{"corrupt", domain.ErrCorruptInput},
		{"permission", domain.ErrPermission},
		{"unknown", errors.New("mystery")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{downloadErr: tt.err}
			p := newTestPipeline(t, store, &fakeIndexer{}, pdfRegistry(process.Result{Success: true}))

			out := p.Handle(context.Background(), Message{Body: `{"bucket":"b","key":"docs/a.pdf"}`})
			if out.Disposition != DispositionDead {
				t.Errorf("disposition = %v, want Dead", out.Disposition)
			}
			if !errors.Is(out.Err, tt.err) {
				t.Errorf("err = %v", out.Err)
			}
		})
	}
}

// An index outage must dead-letter the message on every delivery: a failing
// message never stays in the primary queue waiting for redelivery.
func TestHandleIndexFailure(t *testing.T) {
	idx := &fakeIndexer{err: domain.ErrIndexUnavailable}
	p := newTestPipeline(t, &fakeStore{}, idx, pdfRegistry(process.Result{Success: true}))

	msg := Message{Body: `{"bucket":"b","key":"docs/a.pdf"}`}
	for delivery := 0; delivery < 5; delivery++ {
		out := p.Handle(context.Background(), msg)
		if out.Disposition != DispositionDead {
			t.Fatalf("delivery %d: disposition = %v, want Dead", delivery, out.Disposition)
		}
		if !errors.Is(out.Err, domain.ErrIndexUnavailable) {
			t.Fatalf("delivery %d: err = %v", delivery, out.Err)
		}
	}
}

func TestCrossed(t *testing.T) {
	tests := []struct {
		before, after, step int
		want                bool
	}{
		{0, 5, 10, false},
		{5, 10, 10, true},
		{9, 11, 10, true},
		{10, 19, 10, false},
		{10, 20, 10, true},
		{48, 52, 50, true},
	}
	for _, tt := range tests {
		if got := crossed(tt.before, tt.after, tt.step); got != tt.want {
			t.Errorf("crossed(%d, %d, %d) = %v", tt.before, tt.after, tt.step, got)
		}
	}
}
