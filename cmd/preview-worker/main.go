// Command preview-worker consumes the preview queue and renders per-page
// images for already indexed documents. It exits on its own once the queue
// stays empty, so it can run as a scale-to-zero job.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/civilnas/indexer/engine/blob"
	"github.com/civilnas/indexer/engine/enrich"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/engine/process"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/engine/worker"
	"github.com/civilnas/indexer/pkg/config"
	"github.com/civilnas/indexer/pkg/metrics"
)

var met = metrics.New()

func main() {
	var (
		queueURL       = flag.String("queue-url", "", "preview queue URL (overrides PREVIEW_QUEUE_URL)")
		threads        = flag.Int("threads", 0, "render concurrency (0 uses MAX_WORKERS)")
		idleTimeout    = flag.Duration("idle-timeout", 300*time.Second, "exit after this long without a message (0 runs forever)")
		skipValidation = flag.Bool("skip-validation", false, "skip the startup connectivity checks")
	)
	flag.Parse()

	cfg := config.FromEnv()
	log := cfg.Logger()
	slog.SetDefault(log)

	url := *queueURL
	if url == "" {
		url = cfg.PreviewQueueURL
	}
	if url == "" || cfg.Bucket == "" || cfg.OpenSearchEndpoint == "" {
		log.Error("missing configuration: preview queue URL, S3_BUCKET, and OPENSEARCH_ENDPOINT are required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	idx, err := index.New(cfg.OpenSearchEndpoint, cfg.IndexName, nil, log)
	if err != nil {
		log.Error("index connect failed", "error", err)
		os.Exit(1)
	}
	if !*skipValidation {
		if err := idx.Ping(ctx); err != nil {
			log.Error("index unreachable", "error", err)
			os.Exit(1)
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Error("aws config failed", "error", err)
		os.Exit(1)
	}
	temp, err := blob.NewTempRegistry(cfg.TempDir)
	if err != nil {
		log.Error("temp dir unavailable", "dir", cfg.TempDir, "error", err)
		os.Exit(1)
	}
	defer temp.RemoveAll()

	store := blob.New(s3.NewFromConfig(awsCfg), temp, cfg.Bucket, cfg.ThumbnailBucket, log)
	broker := queue.New(sqs.NewFromConfig(awsCfg), url, config.DeriveDLQURL(url), log, met)

	handler := worker.NewPreviewHandler(worker.PreviewHandlerOpts{
		Store:    store,
		Uploader: enrich.NewUploader(store),
		Patcher:  idx,
		Bucket:   cfg.Bucket,
		Render: process.PreviewOptions{
			DPI:       cfg.PreviewDPI,
			MaxWidth:  cfg.PreviewMaxWidth,
			MaxHeight: cfg.PreviewMaxHeight,
			Quality:   cfg.PreviewQuality,
			MaxPages:  cfg.PreviewMaxPages,
		},
		Log:     log,
		Metrics: met,
	})

	workers := *threads
	if workers <= 0 {
		workers = cfg.MaxWorkers
	}
	stats := worker.NewStats(time.Now())
	runtime := worker.NewRuntime(worker.RuntimeOpts{
		Broker:      broker,
		Handler:     handler,
		Workers:     workers,
		IdleTimeout: *idleTimeout,
		Guard:       worker.NewResourceGuard(5*1024*1024*1024, log, met),
		Stats:       stats,
		Log:         log,
	})

	if err := runtime.Run(ctx); err != nil {
		log.Error("runtime failed", "error", err)
		os.Exit(1)
	}
	stats.Log(log, time.Now())
}
