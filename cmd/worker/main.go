// Command worker consumes file-ingestion events from the primary queue and
// indexes one document per source file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
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
	"github.com/civilnas/indexer/pkg/mid"
)

var met = metrics.New()

func main() {
	var (
		validateOnly = flag.Bool("validate-only", false, "check configuration and connectivity, then exit")
		createIndex  = flag.Bool("create-index", false, "create the index with its mapping if missing, then exit")
		metricsPort  = flag.Int("metrics-port", 9091, "ops server port for /metrics and /healthz")
	)
	flag.Parse()

	cfg := config.FromEnv()
	log := cfg.Logger()
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("configuration invalid", "error", err)
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
		log.Error("index unreachable", "endpoint", cfg.OpenSearchEndpoint, "error", err)
		os.Exit(1)
	}

	if *createIndex {
		if err := idx.EnsureIndex(ctx); err != nil {
			log.Error("index creation failed", "error", err)
			os.Exit(1)
		}
		log.Info("index ready", "index", cfg.IndexName)
		return
	}
	if *validateOnly {
		log.Info("configuration valid",
			"queue", cfg.QueueURL, "bucket", cfg.Bucket, "index", cfg.IndexName)
		return
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
	broker := queue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL, cfg.DLQURL, log, met)

	var conversion *queue.Broker
	if cfg.ConversionQueue != "" {
		conversion = queue.New(sqs.NewFromConfig(awsCfg), cfg.ConversionQueue, "", log, met)
	}

	var embedder *enrich.Embedder
	if cfg.EnableEmbedding && cfg.EmbeddingFunction != "" {
		embedder = enrich.NewEmbedder(lambda.NewFromConfig(awsCfg), cfg.EmbeddingFunction, index.VectorDimension, log)
		log.Info("image embedding enabled", "function", cfg.EmbeddingFunction)
	}

	registry := buildRegistry(conversion, store)
	pipeline := worker.NewPipeline(worker.PipelineOpts{
		Store:             store,
		Registry:          registry,
		Indexer:           idx,
		Thumbnails:        enrich.NewUploader(store),
		Embedder:          embedder,
		Bucket:            cfg.Bucket,
		DeleteAfterIngest: cfg.DeleteAfterIngest,
		Log:               log,
		Metrics:           met,
	})

	stats := worker.NewStats(time.Now())
	runtime := worker.NewRuntime(worker.RuntimeOpts{
		Broker:  broker,
		Handler: pipeline,
		Workers: cfg.MaxWorkers,
		Guard:   worker.NewResourceGuard(5*1024*1024*1024, log, met),
		Stats:   stats,
		Log:     log,
	})

	met.CollectRuntime("indexer_worker", 15*time.Second)
	go serveOps(*metricsPort, idx, stats, log)

	if err := runtime.Run(ctx); err != nil {
		log.Error("runtime failed", "error", err)
		os.Exit(1)
	}
	stats.Log(log, time.Now())
}

// buildRegistry wires every format family.
func buildRegistry(conversion *queue.Broker, store *blob.Store) *process.Registry {
	registry := process.NewRegistry()
	registry.Register(process.NewImageProcessor(true), process.ImageExtensions...)
	registry.Register(process.NewPDFProcessor(), ".pdf")
	registry.Register(process.NewOfficeProcessor(), process.OfficeExtensions...)
	registry.Register(process.NewDocuWorksProcessor(conversion, store), process.DocuWorksExtensions...)
	registry.Register(process.NewMetadataProcessor(), process.MetadataOnlyExtensions...)
	return registry
}

// serveOps exposes /metrics, /healthz, and /stats.
func serveOps(port int, idx *index.Gateway, stats *worker.Stats, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", met.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := idx.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats.Snapshot(time.Now()))
	})

	handler := mid.Chain(mux, mid.Recover(log), mid.Trace("ops"))
	addr := fmt.Sprintf(":%d", port)
	log.Info("ops server listening", "addr", addr)
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Error("ops server failed", "error", err)
	}
}
