package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/agent"
	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/styles"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const reconnectDelay = 5 * time.Second

func main() {
	var (
		configFile  = flag.String("config", "configs/worker.yaml", "Path to config file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(styles.Banner("Hivemind Worker", Version))
		fmt.Println(styles.KV("Git Commit", GitCommit))
		fmt.Println(styles.KV("Build Time", BuildTime))
		os.Exit(0)
	}

	cfg, err := config.LoadWorkerConfig(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, styles.Error("Failed to load config: %v", err))
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, styles.Error("Failed to initialize logger: %v", err))
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	fmt.Println(styles.Banner("Hivemind Worker", Version))

	res := agent.DetectResources(cfg.Worker.GPUs)
	log.Info("Starting worker",
		zap.String("version", Version),
		zap.String("hostname", cfg.Worker.Hostname),
		zap.String("coordinator", cfg.Coordinator.Address),
		zap.Int("cpu_cores", res.CPUCores),
		zap.Int64("memory_bytes", res.MemoryBytes),
		zap.Int("gpus", len(res.GPUs)),
	)
	fmt.Println(styles.KV("Coordinator", cfg.Coordinator.Address))
	fmt.Println(styles.KV("Hostname", cfg.Worker.Hostname))

	executor := agent.NewExecutor(cfg.Executor.MinLatencyMs, cfg.Executor.MaxLatencyMs)

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Shutting down worker...")
		cancel()
	}()

	// each session registers fresh; the coordinator keeps history by
	// worker id and a dropped id simply goes offline
	for {
		client := agent.NewClient(cfg, res, executor, log)
		err := client.Run(ctx)
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			log.Warn("Session ended", zap.Error(err))
			fmt.Println(styles.Info("Reconnecting in %s...", reconnectDelay))
		}
		select {
		case <-ctx.Done():
		case <-time.After(reconnectDelay):
			continue
		}
		break
	}

	log.Info("Worker stopped")
}
