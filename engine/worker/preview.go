package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/civilnas/indexer/engine/blob"
	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/enrich"
	"github.com/civilnas/indexer/engine/process"
	"github.com/civilnas/indexer/pkg/metrics"
)

// previewStore is the slice of the blob store the preview handler uses.
type previewStore interface {
	Download(ctx context.Context, bucket, key string) (string, error)
	CleanupTempFile(path string)
}

// documentPatcher applies a partial update to one indexed document.
type documentPatcher interface {
	UpdateDocument(ctx context.Context, id string, partial map[string]any) error
}

// previewUploader stores rendered pages.
type previewUploader interface {
	UploadPreviewPage(ctx context.Context, fileID string, page int, data []byte, width, height int) (domain.PreviewImage, error)
}

// PreviewHandler consumes the preview queue: render the pages of one already
// indexed document and patch the preview fields onto it.
type PreviewHandler struct {
	store    previewStore
	office   *process.OfficeProcessor
	uploader previewUploader
	patcher  documentPatcher

	bucket string
	opts   process.PreviewOptions
	log    *slog.Logger

	rendered *metrics.Counter
	pages    *metrics.Counter
}

// PreviewHandlerOpts wires a PreviewHandler.
type PreviewHandlerOpts struct {
	Store    *blob.Store
	Uploader *enrich.Uploader
	Patcher  documentPatcher
	Bucket   string
	Render   process.PreviewOptions
	Log      *slog.Logger
	Metrics  *metrics.Registry
}

// NewPreviewHandler creates a PreviewHandler.
func NewPreviewHandler(opts PreviewHandlerOpts) *PreviewHandler {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New()
	}
	h := &PreviewHandler{
		store:    opts.Store,
		office:   process.NewOfficeProcessor(),
		patcher:  opts.Patcher,
		bucket:   opts.Bucket,
		opts:     opts.Render,
		log:      log,
		rendered: met.Counter("indexer_preview_documents_total", "Documents whose previews were rendered"),
		pages:    met.Counter("indexer_preview_pages_total", "Preview pages rendered"),
	}
	if opts.Uploader != nil {
		h.uploader = opts.Uploader
	}
	return h
}

// Handle settles one preview work item.
func (h *PreviewHandler) Handle(ctx context.Context, msg Message) Outcome {
	item, err := domain.ParseWorkItem([]byte(msg.Body))
	if err != nil {
		return Outcome{Msg: msg, Disposition: DispositionDead, Err: err}
	}

	docID := item.DocID
	if docID == "" {
		docID = item.S3Key
	}

	pdfPath, cleanup, err := h.fetchAsPDF(ctx, item)
	if err != nil {
		return Outcome{Msg: msg, Disposition: DispositionDead, Key: item.S3Key, Err: err}
	}
	defer cleanup()

	rendered, err := process.RenderPreviews(ctx, pdfPath, h.opts)
	if err != nil {
		return Outcome{Msg: msg, Disposition: DispositionDead, Key: item.S3Key, Err: err}
	}

	fileID := item.FileID
	if fileID == "" {
		fileID = domain.FileID(h.bucket, item.S3Key)
	}
	previews := make([]domain.PreviewImage, 0, len(rendered))
	for _, page := range rendered {
		img, err := h.uploader.UploadPreviewPage(ctx, fileID, page.Page, page.Bytes, page.Width, page.Height)
		if err != nil {
			return Outcome{Msg: msg, Disposition: DispositionDead, Key: item.S3Key, Err: err}
		}
		previews = append(previews, img)
	}

	patch := map[string]any{
		"previewImages":      previews,
		"totalPages":         len(previews),
		"previewGeneratedAt": time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.patcher.UpdateDocument(ctx, docID, patch); err != nil {
		return Outcome{Msg: msg, Disposition: DispositionDead, Key: item.S3Key, Err: err}
	}

	h.rendered.Inc()
	h.pages.Add(int64(len(previews)))
	h.log.Info("previews rendered",
		"doc_id", docID, "file_type", item.FileType, "pages", len(previews))
	return Outcome{Msg: msg, Disposition: DispositionAck, Key: item.S3Key}
}

// fetchAsPDF produces a local PDF for the work item: PDFs download directly,
// Office files are converted locally, DocuWorks files rely on the converter's
// output object.
func (h *PreviewHandler) fetchAsPDF(ctx context.Context, item domain.WorkItem) (string, func(), error) {
	noop := func() {}

	switch item.FileType {
	case domain.FileTypePDF:
		local, err := h.store.Download(ctx, h.bucket, item.S3Key)
		if err != nil {
			return "", noop, err
		}
		return local, func() { h.store.CleanupTempFile(local) }, nil

	case domain.FileTypeOffice:
		local, err := h.store.Download(ctx, h.bucket, item.S3Key)
		if err != nil {
			return "", noop, err
		}
		converted, err := h.office.ConvertToPDF(ctx, local)
		if err != nil {
			h.store.CleanupTempFile(local)
			return "", noop, err
		}
		return converted, func() {
			os.Remove(converted)
			h.store.CleanupTempFile(local)
		}, nil

	case domain.FileTypeDocuWorks:
		key := process.ConvertedKey(item.S3Key)
		local, err := h.store.Download(ctx, h.bucket, key)
		if err != nil {
			return "", noop, fmt.Errorf("converted object %s: %w", key, err)
		}
		return local, func() { h.store.CleanupTempFile(local) }, nil

	default:
		return "", noop, fmt.Errorf("%w: preview file type %q", domain.ErrUnsupportedFormat, item.FileType)
	}
}
