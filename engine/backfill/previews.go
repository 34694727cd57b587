package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/engine/queue"
)

// enqueueRate caps work-item publishing so a big backfill does not flood the
// preview queue faster than the workers drain it.
const enqueueRate = 50 // items per second

// previewExtensions maps the preview file-type filter to extensions.
var previewExtensions = map[string][]string{
	domain.FileTypeOffice:    {".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx"},
	domain.FileTypeDocuWorks: {".xdw", ".xbd"},
	domain.FileTypePDF:       {".pdf"},
}

// scroller walks matching documents. *index.Gateway satisfies it.
type scroller interface {
	Scroll(ctx context.Context, query map[string]any, pageSize int, keepAlive time.Duration, visit func(index.Hit) error) error
	CountByQuery(ctx context.Context, query map[string]any) (int, error)
}

// workSender publishes preview work items.
type workSender interface {
	SendBatch(ctx context.Context, bodies []string, attrs map[string]string) (int, error)
}

// PreviewEnqueuer finds indexed documents without preview pages and enqueues
// regeneration work for them.
type PreviewEnqueuer struct {
	idx    scroller
	sender workSender
	log    *slog.Logger
}

// NewPreviewEnqueuer creates a PreviewEnqueuer publishing to broker's primary
// queue.
func NewPreviewEnqueuer(idx *index.Gateway, broker *queue.Broker, log *slog.Logger) *PreviewEnqueuer {
	if log == nil {
		log = slog.Default()
	}
	return &PreviewEnqueuer{idx: idx, sender: broker, log: log}
}

// EnqueueOpts filters and bounds one enqueuer run.
type EnqueueOpts struct {
	FileType  string // office, docuworks, pdf, or "" for all
	Limit     int    // 0 is unlimited
	DryRun    bool
	CountOnly bool
}

// EnqueueReport summarises one run.
type EnqueueReport struct {
	Matched  int
	Enqueued int
	Skipped  int
	BatchID  string
}

// missingPreviewQuery matches documents of the given file types that have no
// preview pages yet.
func missingPreviewQuery(fileType string) (map[string]any, error) {
	var exts []string
	if fileType == "" {
		for _, e := range previewExtensions {
			exts = append(exts, e...)
		}
	} else {
		var ok bool
		exts, ok = previewExtensions[fileType]
		if !ok {
			return nil, fmt.Errorf("%w: file type %q", domain.ErrValidation, fileType)
		}
	}
	return map[string]any{
		"bool": map[string]any{
			"filter": []any{
				map[string]any{"terms": map[string]any{"fileExtension": exts}},
			},
			"must_not": []any{
				map[string]any{"exists": map[string]any{"field": "previewImages"}},
			},
		},
	}, nil
}

// Run scans for documents missing previews and enqueues work items.
func (e *PreviewEnqueuer) Run(ctx context.Context, opts EnqueueOpts) (EnqueueReport, error) {
	query, err := missingPreviewQuery(opts.FileType)
	if err != nil {
		return EnqueueReport{}, err
	}

	if opts.CountOnly {
		n, err := e.idx.CountByQuery(ctx, query)
		if err != nil {
			return EnqueueReport{}, err
		}
		return EnqueueReport{Matched: n}, nil
	}

	now := time.Now()
	report := EnqueueReport{BatchID: domain.NewBatchID(now)}
	limiter := rate.NewLimiter(rate.Limit(enqueueRate), enqueueRate)

	var pending []string
	flush := func() error {
		if len(pending) == 0 || opts.DryRun {
			pending = nil
			return nil
		}
		if err := limiter.WaitN(ctx, len(pending)); err != nil {
			return err
		}
		sent, err := e.sender.SendBatch(ctx, pending, map[string]string{
			queue.AttrTaskType: domain.TaskPreviewRegeneration,
		})
		report.Enqueued += sent
		pending = nil
		return err
	}

	err = e.idx.Scroll(ctx, query, 500, 0, func(hit index.Hit) error {
		if opts.Limit > 0 && report.Matched >= opts.Limit {
			return errLimitReached
		}
		report.Matched++

		var doc domain.Document
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			report.Skipped++
			return nil
		}
		if doc.FileKey == "" {
			doc.FileKey = hit.ID
		}
		item, err := domain.NewPreviewWorkItem(doc, report.BatchID, "missing_previews", now)
		if err != nil {
			report.Skipped++
			return nil
		}
		body, err := json.Marshal(item)
		if err != nil {
			report.Skipped++
			return nil
		}
		pending = append(pending, string(body))
		if opts.DryRun {
			report.Enqueued++
			pending = nil
			return nil
		}
		if len(pending) >= 10 {
			return flush()
		}
		return nil
	})
	if err != nil && err != errLimitReached {
		return report, err
	}
	if err := flush(); err != nil {
		return report, err
	}

	e.log.Info("preview enqueue finished",
		"matched", report.Matched, "enqueued", report.Enqueued,
		"skipped", report.Skipped, "batch_id", report.BatchID, "dry_run", opts.DryRun)
	return report, nil
}

// errLimitReached stops the scroll early without surfacing an error.
var errLimitReached = fmt.Errorf("backfill: limit reached")
