package backfill

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/engine/index"
)

// CategoryBackfill re-derives path metadata for every document and patches
// the ones whose category is missing or contradicts the server mapping.
// Documents indexed before the authoritative mapping existed carry whatever
// the path segment said at the time.
type CategoryBackfill struct {
	idx     scroller
	patcher vectorPatcher
	log     *slog.Logger
}

// NewCategoryBackfill creates a CategoryBackfill.
func NewCategoryBackfill(idx *index.Gateway, log *slog.Logger) *CategoryBackfill {
	if log == nil {
		log = slog.Default()
	}
	return &CategoryBackfill{idx: idx, patcher: idx, log: log}
}

// CategoryOpts bounds one run.
type CategoryOpts struct {
	MaxFiles int
	DryRun   bool
}

// Run scans every document and patches stale category fields.
func (c *CategoryBackfill) Run(ctx context.Context, opts CategoryOpts) (CheckpointStats, error) {
	var stats CheckpointStats

	matchAll := map[string]any{"match_all": map[string]any{}}
	err := c.idx.Scroll(ctx, matchAll, 500, 0, func(hit index.Hit) error {
		if opts.MaxFiles > 0 && stats.Scanned >= opts.MaxFiles {
			return errLimitReached
		}
		stats.Scanned++

		var doc domain.Document
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			stats.Skipped++
			return nil
		}
		key := doc.FileKey
		if key == "" {
			key = hit.ID
		}

		meta := domain.DerivePathMetadata(key, "")
		if meta.Category == "" || meta.Category == doc.Category {
			stats.Skipped++
			return nil
		}

		if opts.DryRun {
			stats.Updated++
			c.log.Info("category would change",
				"id", hit.ID, "from", doc.Category, "to", meta.Category)
			return nil
		}
		err := c.patcher.UpdateDocument(ctx, hit.ID, map[string]any{
			"category":        meta.Category,
			"categoryDisplay": meta.CategoryDisplay,
			"nasServer":       meta.NASServer,
		})
		if err != nil {
			stats.Failed++
			c.log.Warn("category patch failed", "id", hit.ID, "error", err)
			return nil
		}
		stats.Updated++
		return nil
	})
	if err != nil && err != errLimitReached {
		return stats, err
	}

	if !opts.DryRun && stats.Updated > 0 {
		if err := c.patcher.Refresh(ctx); err != nil {
			c.log.Warn("refresh after category backfill failed", "error", err)
		}
	}
	c.log.Info("category backfill finished",
		"scanned", stats.Scanned, "updated", stats.Updated,
		"skipped", stats.Skipped, "failed", stats.Failed, "dry_run", opts.DryRun)
	return stats, nil
}
