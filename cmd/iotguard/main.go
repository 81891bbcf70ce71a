package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"iotguard/internal/api"
	"iotguard/internal/config"
	"iotguard/internal/dispatch"
	"iotguard/internal/engine"
	"iotguard/internal/ingest"
	"iotguard/internal/logging"
	"iotguard/internal/queue"
	"iotguard/internal/status"
	"iotguard/internal/storage"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "iotguard.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("iotguard " + version)
		return
	}

	cfgMgr, err := config.NewManager(config.ResolvePath(*configPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgMgr.Get()
	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("starting iotguard", "version", version, "config", cfgMgr.Path())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		logger.Error("failed to open storage", "err", err)
		os.Exit(1)
	}
	if err := store.Init(ctx); err != nil {
		logger.Error("failed to init storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	agg := status.NewAggregator(store, logger)
	if err := agg.Rehydrate(ctx); err != nil {
		logger.Error("failed to rehydrate device statuses", "err", err)
		os.Exit(1)
	}
	eng := engine.New(store, agg, logger)

	var dedupe queue.Deduper
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
		defer client.Close()
		dedupe = queue.NewRedisDeduper(client, cfg.Queue.DedupeTTL)
	} else {
		dedupe = queue.NewMemoryDeduper(cfg.Queue.DedupeTTL)
	}

	q := queue.New(cfg.Queue, dedupe, eng.ProcessEvent, nil, logger)
	q.Start(ctx)

	ingest.StartREST(ctx, cfgMgr, q, logger)
	ingest.StartKafka(ctx, cfgMgr, q, logger)

	if cfg.Dispatch.Enabled {
		d := dispatch.New(cfg.Dispatch, store, dispatch.LogSink{Logger: logger}, logger)
		go d.Run(ctx)
	}

	api.Start(ctx, cfgMgr, store, eng, logger, version)

	go cfgMgr.Watch(0,
		func(*config.Config) { logger.Info("config reloaded") },
		func(err error) { logger.Warn("config reload failed", "err", err) },
		ctx.Done(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	q.Stop()
}
