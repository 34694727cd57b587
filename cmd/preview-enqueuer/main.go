// Command preview-enqueuer scans the index for documents without preview
// pages and enqueues regeneration work for them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/civilnas/indexer/engine/backfill"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/config"
	"github.com/civilnas/indexer/pkg/metrics"
)

var met = metrics.New()

func main() {
	var (
		fileType  = flag.String("file-type", "", "restrict to one file type: office, docuworks, or pdf")
		limit     = flag.Int("limit", 0, "stop after this many matches (0 is unlimited)")
		dryRun    = flag.Bool("dry-run", false, "report what would be enqueued without sending")
		countOnly = flag.Bool("count-only", false, "print the match count and exit")
		queueURL  = flag.String("queue-url", "", "preview queue URL (overrides PREVIEW_QUEUE_URL)")
	)
	flag.Parse()

	cfg := config.FromEnv()
	log := cfg.Logger()
	slog.SetDefault(log)

	url := *queueURL
	if url == "" {
		url = cfg.PreviewQueueURL
	}
	if cfg.OpenSearchEndpoint == "" || (url == "" && !*countOnly) {
		log.Error("missing configuration: OPENSEARCH_ENDPOINT and a preview queue URL are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := index.New(cfg.OpenSearchEndpoint, cfg.IndexName, nil, log)
	if err != nil {
		log.Error("index connect failed", "error", err)
		os.Exit(1)
	}

	var broker *queue.Broker
	if url != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			log.Error("aws config failed", "error", err)
			os.Exit(1)
		}
		broker = queue.New(sqs.NewFromConfig(awsCfg), url, "", log, met)
	}

	enqueuer := backfill.NewPreviewEnqueuer(idx, broker, log)
	report, err := enqueuer.Run(ctx, backfill.EnqueueOpts{
		FileType:  *fileType,
		Limit:     *limit,
		DryRun:    *dryRun,
		CountOnly: *countOnly,
	})
	if err != nil {
		log.Error("enqueue run failed", "error", err)
		os.Exit(1)
	}

	if *countOnly {
		log.Info("documents missing previews", "count", report.Matched, "file_type", *fileType)
		return
	}
	log.Info("enqueue complete",
		"matched", report.Matched, "enqueued", report.Enqueued,
		"skipped", report.Skipped, "batch_id", report.BatchID)
}
