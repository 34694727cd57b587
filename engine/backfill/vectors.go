package backfill

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/enrich"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/pkg/resilience"
)

// imageExtensions are the formats eligible for image vectors.
var imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// embedRatePerSecond paces Lambda invocations so a backfill never starves the
// live pipeline of embedding-function concurrency.
const (
	embedRatePerSecond = 10
	embedBurst         = 10
)

// vectorPatcher applies vector patches. *index.Gateway satisfies it.
type vectorPatcher interface {
	UpdateDocument(ctx context.Context, id string, partial map[string]any) error
	Refresh(ctx context.Context) error
}

// embedder produces one vector per object URL.
type embedder interface {
	Embed(ctx context.Context, imageURL string) ([]float32, error)
	Dimension() int
}

// VectorBackfill adds missing image embeddings to already indexed documents.
type VectorBackfill struct {
	idx      scroller
	patcher  vectorPatcher
	embedder embedder
	limiter  *resilience.Limiter
	log      *slog.Logger
}

// NewVectorBackfill creates a VectorBackfill.
func NewVectorBackfill(idx *index.Gateway, emb *enrich.Embedder, log *slog.Logger) *VectorBackfill {
	if log == nil {
		log = slog.Default()
	}
	return &VectorBackfill{
		idx:      idx,
		patcher:  idx,
		embedder: emb,
		limiter:  resilience.NewLimiter(resilience.LimiterOpts{Rate: embedRatePerSecond, Burst: embedBurst}),
		log:      log,
	}
}

// VectorOpts bounds one backfill run.
type VectorOpts struct {
	MaxFiles    int // 0 is unlimited
	Concurrency int
	BatchSize   int // documents per checkpoint save
	DryRun      bool
	Checkpoint  *Checkpoint // nil disables resume
}

// missingVectorQuery matches image documents without a vector.
func missingVectorQuery() map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"filter": []any{
				map[string]any{"terms": map[string]any{"fileExtension": imageExtensions}},
			},
			"must_not": []any{
				map[string]any{"exists": map[string]any{"field": "imageVector"}},
			},
		},
	}
}

type vectorTask struct {
	id  string
	url string
}

// Run embeds and patches every matching document. The scroll feeds batches;
// each batch fans out across Concurrency embedding calls and ends with a
// checkpoint save.
func (v *VectorBackfill) Run(ctx context.Context, opts VectorOpts) (CheckpointStats, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	cp := opts.Checkpoint

	var stats CheckpointStats
	var batch []vectorTask

	runBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(opts.Concurrency)
		for _, task := range batch {
			g.Go(func() error {
				err := v.embedOne(gctx, task, opts.DryRun)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					stats.Failed++
					v.log.Warn("vector backfill item failed", "id", task.id, "error", err)
				} else {
					stats.Updated++
				}
				if cp != nil {
					cp.Mark(task.id)
				}
				return nil // one bad image never aborts the run
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		batch = nil
		if cp != nil {
			cp.Stats = stats
			if err := cp.Save(); err != nil {
				return err
			}
		}
		return nil
	}

	err := v.idx.Scroll(ctx, missingVectorQuery(), 500, 0, func(hit index.Hit) error {
		if opts.MaxFiles > 0 && stats.Scanned >= opts.MaxFiles {
			return errLimitReached
		}
		stats.Scanned++

		if cp != nil && cp.Seen(hit.ID) {
			stats.Skipped++
			return nil
		}
		var doc domain.Document
		if err := json.Unmarshal(hit.Source, &doc); err != nil || doc.Bucket == "" || doc.FileKey == "" {
			stats.Skipped++
			return nil
		}
		batch = append(batch, vectorTask{id: hit.ID, url: domain.ObjectURL(doc.Bucket, doc.FileKey)})
		if len(batch) >= opts.BatchSize {
			return runBatch()
		}
		return nil
	})
	if err != nil && err != errLimitReached {
		return stats, err
	}
	if err := runBatch(); err != nil {
		return stats, err
	}

	if !opts.DryRun {
		if err := v.patcher.Refresh(ctx); err != nil {
			v.log.Warn("refresh after vector backfill failed", "error", err)
		}
	}
	v.log.Info("vector backfill finished",
		"scanned", stats.Scanned, "updated", stats.Updated,
		"skipped", stats.Skipped, "failed", stats.Failed, "dry_run", opts.DryRun)
	return stats, nil
}

func (v *VectorBackfill) embedOne(ctx context.Context, task vectorTask, dryRun bool) error {
	if dryRun {
		return nil
	}
	if v.limiter != nil {
		if err := v.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	vector, err := v.embedder.Embed(ctx, task.url)
	if err != nil {
		return err
	}
	return v.patcher.UpdateDocument(ctx, task.id, map[string]any{
		"imageVector":     vector,
		"vectorDimension": v.embedder.Dimension(),
		"vectorModel":     index.VectorModel,
		"vectorUpdatedAt": time.Now().UTC().Format(time.RFC3339),
	})
}
