// Command health-check runs every probe once and exits 0 (healthy),
// 1 (unhealthy), or 2 (degraded). Meant for cron and container healthchecks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/civilnas/indexer/engine/health"
	"github.com/civilnas/indexer/engine/index"
	"github.com/civilnas/indexer/engine/queue"
	"github.com/civilnas/indexer/pkg/config"
)

func main() {
	var (
		pid     = flag.Int("pid", 0, "worker process to check memory for (0 skips the memory check)")
		timeout = flag.Duration("timeout", 30*time.Second, "overall probe timeout")
		asJSON  = flag.Bool("json", false, "print the probe results as JSON")
	)
	flag.Parse()

	cfg := config.FromEnv()
	log := cfg.Logger()
	slog.SetDefault(log)

	if err := cfg.Validate(); err != nil {
		log.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		log.Error("aws config failed", "error", err)
		os.Exit(1)
	}
	broker := queue.New(sqs.NewFromConfig(awsCfg), cfg.QueueURL, cfg.DLQURL, log, nil)

	idx, err := index.New(cfg.OpenSearchEndpoint, cfg.IndexName, nil, log)
	if err != nil {
		log.Error("index connect failed", "error", err)
		os.Exit(1)
	}

	monitor := health.NewMonitor(health.MonitorOpts{
		Queue: broker,
		Index: idx,
		PID:   int32(*pid),
		Log:   log,
	})
	status, checks := monitor.Probe(ctx)

	if *asJSON {
		json.NewEncoder(os.Stdout).Encode(map[string]any{
			"status": status.String(),
			"checks": checks,
		})
	} else {
		for _, c := range checks {
			if c.OK {
				log.Info("check passed", "name", c.Name)
			} else {
				log.Warn("check failed", "name", c.Name, "error", c.Err)
			}
		}
		log.Info("health", "status", status.String())
	}

	os.Exit(exitCodeFor(status))
}

// exitCodeFor maps the verdict onto the documented codes: 0 pass, 1 critical,
// 2 warning.
func exitCodeFor(status health.Status) int {
	switch status {
	case health.Healthy:
		return 0
	case health.Degraded:
		return 2
	default:
		return 1
	}
}
