// Package worker runs the ingest loop: receive a batch, fan out across the
// pool, and settle every message exactly once.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/civilnas/indexer/engine/blob"
	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/enrich"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/engine/process"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/fn"
	"github.com/civilnas/indexer/pkg/metrics"
)

// Disposition is what the runtime does with a message after handling.
// There is no retry disposition: every failure goes through the DLQ, which
// doubles as the retry buffer, so the primary queue never redelivers.
type Disposition int

const (
	// DispositionAck deletes the message: success, or a drop that must
	// not come back (unsupported format, derived artifact, malformed).
	DispositionAck Disposition = iota
	// DispositionDead copies the message to the DLQ, then deletes it.
	// The replayer returns retryable failures to the primary queue with
	// the retry budget advanced.
	DispositionDead
)

// Outcome is the settled result of one message.
type Outcome struct {
	Msg         Message
	Disposition Disposition
	Key         string
	Err         error
	// Skipped marks an acked message that was dropped before processing
	// (derived artifact), as opposed to one that produced a document.
	Skipped bool
}

// Message aliases the queue message so outcome consumers avoid the extra
// import.
type Message = queue.Message

// objectStore is the slice of the blob store the pipeline uses.
type objectStore interface {
	Download(ctx context.Context, bucket, key string) (string, error)
	DeleteSourceObject(ctx context.Context, bucket, key string) error
	CleanupTempFile(path string)
}

// documentIndexer writes one document.
type documentIndexer interface {
	IndexDocument(ctx context.Context, doc domain.Document, id string) error
}

// thumbnailSink stores the generated thumbnail.
type thumbnailSink interface {
	UploadThumbnail(ctx context.Context, sourceKey string, data []byte) (url, key string, err error)
}

// vectorSource produces the image embedding. Nil-able: embedding is optional.
type vectorSource interface {
	Embed(ctx context.Context, imageURL string) ([]float32, error)
	Dimension() int
}

// Pipeline turns one queue message into one indexed document.
type Pipeline struct {
	store    objectStore
	registry *process.Registry
	indexer  documentIndexer
	thumbs   thumbnailSink
	embedder vectorSource

	bucket            string
	deleteAfterIngest bool
	log               *slog.Logger

	handled  *metrics.Counter
	failures *metrics.Counter
	duration *metrics.Histogram
}

// PipelineOpts wires a Pipeline.
type PipelineOpts struct {
	Store             *blob.Store
	Registry          *process.Registry
	Indexer           documentIndexer
	Thumbnails        *enrich.Uploader
	Embedder          *enrich.Embedder // nil disables embedding
	Bucket            string
	DeleteAfterIngest bool
	Log               *slog.Logger
	Metrics           *metrics.Registry
}

// NewPipeline creates a Pipeline.
func NewPipeline(opts PipelineOpts) *Pipeline {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	p := &Pipeline{
		store:             opts.Store,
		registry:          opts.Registry,
		indexer:           opts.Indexer,
		bucket:            opts.Bucket,
		deleteAfterIngest: opts.DeleteAfterIngest,
		log:               log,
		handled:           met.Counter("indexer_pipeline_handled_total", "Messages handled"),
		failures:          met.Counter("indexer_pipeline_failed_total", "Messages that failed processing"),
		duration: met.Histogram("indexer_pipeline_duration_seconds", "Per-message processing time",
			[]float64{0.1, 0.5, 1, 5, 15, 60, 180, 600}),
	}
	if opts.Thumbnails != nil {
		p.thumbs = opts.Thumbnails
	}
	if opts.Embedder != nil {
		p.embedder = opts.Embedder
	}
	return p
}

// msgState flows through the per-message stages.
type msgState struct {
	msg    Message
	event  domain.SourceEvent
	local  string
	result process.Result
	doc    domain.Document
}

// Handle settles one message. Every return path maps to exactly one
// disposition; the runtime never sees a half-handled message.
func (p *Pipeline) Handle(ctx context.Context, msg Message) Outcome {
	start := time.Now()
	defer p.duration.Since(start)
	p.handled.Inc()

	event, err := domain.ParseSourceEvent([]byte(msg.Body), p.bucket)
	if err != nil {
		// Malformed payloads never become parseable; straight to the DLQ.
		p.failures.Inc()
		return Outcome{Msg: msg, Disposition: DispositionDead, Err: err}
	}

	if domain.IsDerivedArtifactKey(event.Key) {
		p.log.Debug("skipping derived artifact event", "key", event.Key)
		return Outcome{Msg: msg, Disposition: DispositionAck, Key: event.Key, Skipped: true}
	}

	if _, ok := p.registry.Lookup(event.Key); !ok {
		// Unsupported formats are dropped, not dead-lettered: replaying
		// them can never succeed and they would bury real failures.
		p.log.Info("dropping unsupported format", "key", event.Key)
		return Outcome{
			Msg: msg, Disposition: DispositionAck, Key: event.Key,
			Err: fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, domain.Extension(event.Key)),
		}
	}

	state := &msgState{msg: msg, event: event}
	pipe := fn.Pipeline(
		fn.TracedStage("pipeline.download", p.stageDownload),
		fn.TracedStage("pipeline.process", p.stageProcess),
		fn.TracedStage("pipeline.document", p.stageDocument),
		fn.TracedStage("pipeline.thumbnail", p.stageThumbnail),
		fn.TracedStage("pipeline.embed", p.stageEmbed),
		fn.TracedStage("pipeline.index", p.stageIndex),
	)
	_, err = pipe(ctx, state).Unwrap()
	if state.local != "" {
		p.store.CleanupTempFile(state.local)
	}
	if err != nil {
		p.failures.Inc()
		return Outcome{Msg: msg, Disposition: DispositionDead, Key: event.Key, Err: err}
	}

	if p.deleteAfterIngest {
		if err := p.store.DeleteSourceObject(ctx, event.Bucket, event.Key); err != nil {
			// The document is indexed; a leftover source object is an
			// acceptable cost of not reprocessing it.
			p.log.Warn("source delete failed after ingest", "key", event.Key, "error", err)
		}
	}
	return Outcome{Msg: msg, Disposition: DispositionAck, Key: event.Key}
}

func (p *Pipeline) stageDownload(ctx context.Context, s *msgState) fn.Result[*msgState] {
	local, err := p.store.Download(ctx, s.event.Bucket, s.event.Key)
	if err != nil {
		return fn.Err[*msgState](err)
	}
	s.local = local
	return fn.Ok(s)
}

func (p *Pipeline) stageProcess(ctx context.Context, s *msgState) fn.Result[*msgState] {
	s.result = p.registry.Process(ctx, process.Request{
		LocalPath: s.local,
		Bucket:    s.event.Bucket,
		Key:       s.event.Key,
		FileName:  fileNameOf(s.event.Key),
	})
	if !s.result.Success {
		return fn.Err[*msgState](s.result.Err)
	}
	return fn.Ok(s)
}

func (p *Pipeline) stageDocument(_ context.Context, s *msgState) fn.Result[*msgState] {
	doc := domain.NewDocument(s.event.Bucket, s.event.Key, time.Now())
	doc.ApplyPathMetadata(s.event.OriginalPath)

	r := s.result
	doc.MimeType = r.MimeType
	doc.FileSize = r.FileSize
	doc.ExtractedText = r.ExtractedText
	doc.Content = r.ExtractedText
	doc.PageCount = r.PageCount
	doc.WordCount = r.WordCount
	doc.CharCount = r.CharCount
	doc.OCRConfidence = r.OCRConfidence
	doc.OCRLanguage = r.OCRLanguage
	doc.ProcessorName = r.ProcessorName
	doc.ProcessorVersion = r.ProcessorVersion
	doc.ProcessingTimeSeconds = r.ProcessingTimeSeconds
	doc.ProcessingStatus = domain.StatusCompleted
	doc.Success = true
	if r.OCRConfidence > 0 {
		doc.OCRText = r.ExtractedText
	}

	s.doc = doc
	return fn.Ok(s)
}

func (p *Pipeline) stageThumbnail(ctx context.Context, s *msgState) fn.Result[*msgState] {
	if p.thumbs == nil || len(s.result.ThumbnailBytes) == 0 {
		return fn.Ok(s)
	}
	url, key, err := p.thumbs.UploadThumbnail(ctx, s.event.Key, s.result.ThumbnailBytes)
	if err != nil {
		// A missing thumbnail degrades the UI, not the search results.
		p.log.Warn("thumbnail upload failed", "key", s.event.Key, "error", err)
		return fn.Ok(s)
	}
	s.doc.ThumbnailURL = url
	s.doc.ThumbnailS3Key = key
	return fn.Ok(s)
}

func (p *Pipeline) stageEmbed(ctx context.Context, s *msgState) fn.Result[*msgState] {
	if p.embedder == nil || !process.IsImageExtension(s.doc.FileExtension) {
		return fn.Ok(s)
	}
	vector, err := p.embedder.Embed(ctx, domain.ObjectURL(s.event.Bucket, s.event.Key))
	if err != nil {
		// Text search still works without the vector; index anyway.
		p.log.Warn("embedding failed", "key", s.event.Key, "error", err)
		return fn.Ok(s)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	s.doc.ImageVector = vector
	s.doc.VectorDimension = p.embedder.Dimension()
	s.doc.VectorModel = index.VectorModel
	s.doc.VectorUpdatedAt = now
	return fn.Ok(s)
}

func (p *Pipeline) stageIndex(ctx context.Context, s *msgState) fn.Result[*msgState] {
	if err := p.indexer.IndexDocument(ctx, s.doc, s.doc.FileKey); err != nil {
		return fn.Err[*msgState](err)
	}
	p.log.Info("document indexed",
		"key", s.doc.FileKey,
		"type", s.result.FileType,
		"pages", s.doc.PageCount,
		"chars", s.doc.CharCount,
		"seconds", s.doc.ProcessingTimeSeconds,
	)
	return fn.Ok(s)
}

func fileNameOf(key string) string {
	return path.Base(key)
}
