// Command dlq-reprocessor inspects the dead-letter queue and, unless running
// in analyze-only mode, replays recoverable messages and archives the rest.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/civilnas/indexer/engine/blob"
	"github.com/civilnas/indexer/engine/dlq"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/config"
	"github.com/civilnas/indexer/pkg/metrics"
)

var met = metrics.New()

func main() {
	var (
		dryRun      = flag.Bool("dry-run", false, "report planned actions without touching messages")
		analyzeOnly = flag.Bool("analyze-only", false, "classify DLQ contents and exit")
		maxMessages = flag.Int("max-messages", 100, "process at most this many messages")
		auto        = flag.Bool("auto", false, "run without the confirmation prompt")
	)
	flag.Parse()

	cfg := config.FromEnv()
	log := cfg.Logger()
	slog.SetDefault(log)

	if cfg.QueueURL == "" || cfg.DLQURL == "" {
		log.Error("missing configuration: SQS_QUEUE_URL and a resolvable DLQ URL are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Error("aws config failed", "error", err)
		os.Exit(1)
	}
	sqsClient := sqs.NewFromConfig(awsCfg)
	dlqBroker := queue.New(sqsClient, cfg.DLQURL, "", log, met)

	if *analyzeOnly {
		report, err := dlq.Triage(ctx, dlqBroker, *maxMessages, log)
		if err != nil {
			log.Error("triage failed", "error", err)
			os.Exit(1)
		}
		log.Info("triage complete", "inspected", report.Inspected, "kinds", len(report.ByKind))
		return
	}

	if !*auto && !*dryRun {
		log.Error("refusing to modify the DLQ without --auto or --dry-run")
		os.Exit(2)
	}
	if cfg.ThumbnailBucket == "" {
		log.Error("missing configuration: S3_THUMBNAIL_BUCKET is required for the archive")
		os.Exit(1)
	}

	temp, err := blob.NewTempRegistry(cfg.TempDir)
	if err != nil {
		log.Error("temp dir unavailable", "error", err)
		os.Exit(1)
	}
	store := blob.New(s3.NewFromConfig(awsCfg), temp, cfg.Bucket, cfg.ThumbnailBucket, log)
	primary := queue.New(sqsClient, cfg.QueueURL, cfg.DLQURL, log, met)

	repro := dlq.NewReprocessor(dlqBroker, primary, store, cfg.ThumbnailBucket, log)
	report, err := repro.Run(ctx, dlq.ReplayOpts{MaxMessages: *maxMessages, DryRun: *dryRun})
	if err != nil {
		log.Error("reprocess failed", "error", err)
		os.Exit(1)
	}
	log.Info("reprocess complete",
		"inspected", report.Inspected, "replayed", report.Replayed,
		"archived", report.Archived, "too_young", report.TooYoung, "failed", report.Failed)
	os.Exit(exitCode(report))
}

// exitCode surfaces partial failure to schedulers: any message that could
// neither be replayed nor archived makes the run non-zero.
func exitCode(report dlq.ReplayReport) int {
	if report.Failed > 0 {
		return 1
	}
	return 0
}
