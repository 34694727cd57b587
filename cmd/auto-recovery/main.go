// Command auto-recovery supervises a worker service from the outside and
// restarts it when the health monitor sees three failed passes in a row.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/civilnas/indexer/engine/health"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/config"
	"github.com/civilnas/indexer/pkg/metrics"
)

var met = metrics.New()

func main() {
	var (
		checkInterval   = flag.Duration("check-interval", health.DefaultInterval, "time between probes")
		stuckThreshold  = flag.Duration("stuck-threshold", health.DefaultStuckThreshold, "queue backlog must shrink within this window")
		memoryThreshold = flag.Int64("memory-threshold", health.DefaultMemoryLimit, "worker RSS limit in bytes")
		serviceName     = flag.String("service-name", "indexer-worker", "systemd unit to restart")
		workerPID       = flag.Int("worker-pid", 0, "worker process id to watch (0 disables the memory probe)")
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

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Error("aws config failed", "error", err)
		os.Exit(1)
	}
	broker := queue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL, cfg.DLQURL, log, met)

	idx, err := index.New(cfg.OpenSearchEndpoint, cfg.IndexName, nil, log)
	if err != nil {
		log.Error("index connect failed", "error", err)
		os.Exit(1)
	}

	monitor := health.NewMonitor(health.MonitorOpts{
		Queue:          broker,
		Index:          idx,
		PID:            int32(*workerPID),
		Interval:       *checkInterval,
		StuckThreshold: *stuckThreshold,
		MemoryLimit:    uint64(*memoryThreshold),
		OnRestart: func(reason string) {
			restartService(ctx, *serviceName, reason, log)
		},
		Log:     log,
		Metrics: met,
	})

	log.Info("auto-recovery watching",
		"service", *serviceName, "interval", *checkInterval,
		"stuck_threshold", *stuckThreshold, "memory_limit", *memoryThreshold)
	if err := monitor.Run(ctx); err != nil {
		log.Error("monitor failed", "error", err)
		os.Exit(1)
	}
}

// restartService bounces the systemd unit and waits for it to settle.
func restartService(ctx context.Context, unit, reason string, log *slog.Logger) {
	log.Warn("restarting service", "unit", unit, "reason", reason)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	out, err := exec.CommandContext(ctx, "systemctl", "restart", unit).CombinedOutput()
	if err != nil {
		log.Error("service restart failed", "unit", unit, "error", err, "output", string(out))
		return
	}
	log.Info("service restarted", "unit", unit)
}
