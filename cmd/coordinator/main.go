package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hivemind-network/hivemind/pkg/api"
	"github.com/hivemind-network/hivemind/pkg/config"
	"github.com/hivemind-network/hivemind/pkg/coordinator"
	"github.com/hivemind-network/hivemind/pkg/gateway"
	"github.com/hivemind-network/hivemind/pkg/ledger"
	"github.com/hivemind-network/hivemind/pkg/logger"
	"github.com/hivemind-network/hivemind/pkg/queue"
	"github.com/hivemind-network/hivemind/pkg/registry"
	"github.com/hivemind-network/hivemind/pkg/store"
	"github.com/hivemind-network/hivemind/pkg/styles"
	"github.com/hivemind-network/hivemind/pkg/users"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "configs/coordinator.yaml", "Path to config file")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(styles.Banner("Hivemind Coordinator", Version))
		fmt.Println(styles.KV("Git Commit", GitCommit))
		fmt.Println(styles.KV("Build Time", BuildTime))
		os.Exit(0)
	}

	cfg, err := config.LoadCoordinatorConfig(*configFile)
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

	fmt.Println(styles.Banner("Hivemind Coordinator", Version))
	log.Info("Starting coordinator",
		zap.String("version", Version),
		zap.String("config", *configFile),
	)

	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	var rdb *redis.Client
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
	}

	reg := registry.New(st, rdb, cfg.Policy, log)
	q := queue.New(st, cfg.Policy, log)
	led := ledger.New(st, log)
	accounts := users.New(st, cfg.Auth, log)
	coord := coordinator.New(st, reg, q, led, cfg.Policy, log)

	gw := gateway.New(coord, log)
	coord.AttachGateway(gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord.StartWatchdog(ctx)

	gwErr := make(chan error, 1)
	go func() { gwErr <- gw.Listen(ctx, cfg.Server.GatewayAddress) }()

	httpServer := api.New(coord, reg, q, led, accounts, log)
	if err := httpServer.Start(cfg.Server.HTTPAddress); err != nil {
		log.Fatal("Failed to start HTTP API", zap.Error(err))
	}

	log.Info("Coordinator started",
		zap.String("gateway_address", cfg.Server.GatewayAddress),
		zap.String("http_address", cfg.Server.HTTPAddress),
	)
	fmt.Println(styles.Success("Listening: gateway %s, http %s", cfg.Server.GatewayAddress, cfg.Server.HTTPAddress))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-gwErr:
		if err != nil {
			log.Error("Gateway failed", zap.Error(err))
		}
	}

	log.Info("Shutting down coordinator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown failed", zap.Error(err))
	}

	log.Info("Coordinator stopped")
}
