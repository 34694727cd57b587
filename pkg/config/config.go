// Package config loads the pipeline configuration from the environment.
// Binaries layer stdlib flags on top of the values resolved here.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Config is the full configuration of the worker fleet. All values have
// defaults except the queue URL, bucket, and OpenSearch endpoint, which the
// long-running binaries require.
type Config struct {
	Region          string
	Bucket          string // ingest (landing) bucket
	ThumbnailBucket string
	QueueURL        string
	DLQURL          string // resolved: env wins, else derived from QueueURL
	PreviewQueueURL string
	ConversionQueue string // DocuWorks converter queue

	OpenSearchEndpoint string
	IndexName          string

	LogLevel   slog.Level
	MaxWorkers int
	TempDir    string

	EmbeddingFunction string
	EnableEmbedding   bool

	// Preview rendering knobs.
	PreviewDPI       int
	PreviewMaxWidth  int
	PreviewMaxHeight int
	PreviewQuality   int
	PreviewMaxPages  int

	// Behaviour toggles.
	DeleteAfterIngest bool
}

// FromEnv resolves the configuration from environment variables.
func FromEnv() Config {
	cfg := Config{
		Region:             envOr("AWS_REGION", "ap-northeast-1"),
		Bucket:             os.Getenv("S3_BUCKET"),
		ThumbnailBucket:    os.Getenv("S3_THUMBNAIL_BUCKET"),
		QueueURL:           os.Getenv("SQS_QUEUE_URL"),
		DLQURL:             os.Getenv("DLQ_QUEUE_URL"),
		PreviewQueueURL:    os.Getenv("PREVIEW_QUEUE_URL"),
		ConversionQueue:    os.Getenv("CONVERSION_QUEUE_URL"),
		OpenSearchEndpoint: os.Getenv("OPENSEARCH_ENDPOINT"),
		IndexName:          envOr("OPENSEARCH_INDEX", "file-index"),
		LogLevel:           parseLevel(os.Getenv("LOG_LEVEL")),
		MaxWorkers:         envInt("MAX_WORKERS", defaultWorkers()),
		TempDir:            envOr("TEMP_DIR", os.TempDir()),
		EmbeddingFunction:  os.Getenv("IMAGE_EMBEDDING_LAMBDA"),
		EnableEmbedding:    envBool("ENABLE_IMAGE_EMBEDDING", false),
		PreviewDPI:         envInt("PREVIEW_DPI", 150),
		PreviewMaxWidth:    envInt("PREVIEW_MAX_WIDTH", 1600),
		PreviewMaxHeight:   envInt("PREVIEW_MAX_HEIGHT", 1600),
		PreviewQuality:     envInt("PREVIEW_QUALITY", 85),
		PreviewMaxPages:    envInt("PREVIEW_MAX_PAGES", 20),
		DeleteAfterIngest:  envBool("DELETE_AFTER_INGEST", false),
	}
	if cfg.DLQURL == "" && cfg.QueueURL != "" {
		cfg.DLQURL = DeriveDLQURL(cfg.QueueURL)
	}
	return cfg
}

// Validate checks the fields every worker binary needs.
func (c Config) Validate() error {
	var missing []string
	if c.QueueURL == "" {
		missing = append(missing, "SQS_QUEUE_URL")
	}
	if c.Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.OpenSearchEndpoint == "" {
		missing = append(missing, "OPENSEARCH_ENDPOINT")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// DeriveDLQURL substitutes "queue" with "dlq" in the queue name segment.
func DeriveDLQURL(queueURL string) string {
	idx := strings.LastIndexByte(queueURL, '/')
	if idx < 0 {
		return ""
	}
	name := queueURL[idx+1:]
	if !strings.Contains(name, "queue") {
		return ""
	}
	return queueURL[:idx+1] + strings.Replace(name, "queue", "dlq", 1)
}

// Logger builds the process-wide slog logger at the configured level.
func (c Config) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: c.LogLevel}))
}

func defaultWorkers() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}
