// Command backfill-embeddings repairs indexed documents in place: adds
// missing image vectors (the default mode) or corrects stale categories.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/civilnas/indexer/engine/backfill"
	"github.com/civilnas/indexer/engine/enrich"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/pkg/config"
)

func main() {
	var (
		mode        = flag.String("mode", "vectors", "what to backfill: vectors or categories")
		maxFiles    = flag.Int("max-files", 0, "stop after this many documents (0 is unlimited)")
		dryRun      = flag.Bool("dry-run", false, "report what would change without writing")
		resume      = flag.Bool("resume", false, "resume from the checkpoint file")
		concurrency = flag.Int("concurrency", 4, "parallel embedding calls")
		batchSize   = flag.Int("batch-size", 100, "documents per checkpoint save")
		checkpoint  = flag.String("checkpoint", "backfill-checkpoint.json", "checkpoint file path")
	)
	flag.Parse()

	cfg := config.FromEnv()
	log := cfg.Logger()
	slog.SetDefault(log)

	if cfg.OpenSearchEndpoint == "" {
		log.Error("missing configuration: OPENSEARCH_ENDPOINT is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := index.New(cfg.OpenSearchEndpoint, cfg.IndexName, nil, log)
	if err != nil {
		log.Error("index connect failed", "error", err)
		os.Exit(1)
	}
	if err := idx.Ping(ctx); err != nil {
		log.Error("index unreachable", "error", err)
		os.Exit(1)
	}

	switch *mode {
	case "categories":
		runner := backfill.NewCategoryBackfill(idx, log)
		stats, err := runner.Run(ctx, backfill.CategoryOpts{MaxFiles: *maxFiles, DryRun: *dryRun})
		exitOn(log, stats, err)

	case "vectors":
		if cfg.EmbeddingFunction == "" {
			log.Error("missing configuration: IMAGE_EMBEDDING_LAMBDA is required for vector mode")
			os.Exit(1)
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			log.Error("aws config failed", "error", err)
			os.Exit(1)
		}
		embedder := enrich.NewEmbedder(lambda.NewFromConfig(awsCfg), cfg.EmbeddingFunction, index.VectorDimension, log)

		var cp *backfill.Checkpoint
		if *resume {
			cp, err = backfill.LoadCheckpoint(*checkpoint)
			if err != nil {
				log.Error("checkpoint load failed", "path", *checkpoint, "error", err)
				os.Exit(1)
			}
			log.Info("resuming from checkpoint",
				"path", *checkpoint, "already_processed", cp.Count())
		} else {
			cp = backfill.NewCheckpoint(*checkpoint)
		}

		runner := backfill.NewVectorBackfill(idx, embedder, log)
		stats, err := runner.Run(ctx, backfill.VectorOpts{
			MaxFiles:    *maxFiles,
			Concurrency: *concurrency,
			BatchSize:   *batchSize,
			DryRun:      *dryRun,
			Checkpoint:  cp,
		})
		exitOn(log, stats, err)

	default:
		log.Error("unknown mode", "mode", *mode)
		os.Exit(2)
	}
}

func exitOn(log *slog.Logger, stats backfill.CheckpointStats, err error) {
	if err != nil {
		log.Error("backfill failed", "error", err,
			"scanned", stats.Scanned, "updated", stats.Updated, "failed", stats.Failed)
		os.Exit(1)
	}
	log.Info("backfill complete",
		"scanned", stats.Scanned, "updated", stats.Updated,
		"skipped", stats.Skipped, "failed", stats.Failed)
	os.Exit(exitCode(stats))
}

// exitCode surfaces partial failure to schedulers: any failed item makes the
// run non-zero.
func exitCode(stats backfill.CheckpointStats) int {
	if stats.Failed > 0 {
		return 1
	}
	return 0
}
