package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"imgconvert/internal/artifacts"
	"imgconvert/internal/batch"
	"imgconvert/internal/billing"
	"imgconvert/internal/convert"
	"imgconvert/internal/encoder"
	"imgconvert/internal/metadata"
	"imgconvert/internal/models"
	"imgconvert/internal/queue"
	"imgconvert/internal/quota"
	"imgconvert/internal/reaper"
	"imgconvert/internal/server"
	"imgconvert/internal/storage"
)

func main() {
	defaultPath := os.Getenv("CONFIG_PATH")
	if defaultPath == "" {
		defaultPath = "config.yaml"
	}
	configPath := flag.String("config", defaultPath, "path to the YAML config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	log := setupLogger(cfg.Server.Env)
	if err := run(cfg, log); err != nil {
		log.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func setupLogger(env string) *slog.Logger {
	if env == "dev" {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func run(cfg *models.Config, log *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Batch store: Postgres when configured, otherwise in memory.
	var (
		repo batch.Repository
		db   *storage.Storage
	)
	if cfg.Database.URL != "" {
		var err error
		db, err = storage.NewStorage(ctx, cfg.Database.URL, log)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = db
	} else {
		log.Warn("no database configured, batches are kept in memory")
		repo = storage.NewMemoryStorage()
	}

	var ledger quota.Ledger
	if cfg.Quota.Ledger == "redis" || db == nil {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return err
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		ledger = quota.NewRedisLedger(client, cfg.Retention.AnonymousUsage)
	} else {
		ledger = db.Ledger()
	}

	var (
		subs      quota.SubscriptionProvider
		linker    server.SubscriptionLinker
		quotaOpts []quota.Option
	)
	if cfg.Billing.StripeKey != "" && db != nil {
		stripe := billing.NewStripe(cfg.Billing.StripeKey, cfg.Billing.MeterName, db, log)
		subs = stripe
		linker = stripe
		quotaOpts = append(quotaOpts, quota.WithOverageReporter(stripe))
	} else {
		log.Warn("billing disabled, every user is on the free plan")
	}
	quotas := quota.NewService(ledger, subs, quota.PolicyFrom(cfg.Quota, time.Local), log, quotaOpts...)

	var store artifacts.Store
	if cfg.Storage.Driver == "s3" {
		s3, err := artifacts.NewS3(ctx, cfg.Storage, log)
		if err != nil {
			return err
		}
		store = s3
	} else {
		local, err := artifacts.NewLocal(cfg.Storage.Path)
		if err != nil {
			return err
		}
		store = local
	}

	batches := batch.NewManager(repo, log)
	meta := metadata.NewOpenAI(cfg.Metadata)
	if !meta.IsConfigured() {
		log.Info("no AI key configured, SEO metadata uses keyword heuristics")
	}

	var wg sync.WaitGroup
	tasks := convert.NewQueue(cfg.Conversion.QueueSize)
	var dispatcher convert.Dispatcher = tasks

	if cfg.Conversion.Dispatcher == "kafka" {
		producer := queue.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		dispatcher = producer

		consumer := queue.NewConsumer(cfg.Kafka, log)
		defer consumer.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx, tasks); err != nil {
				log.Error("kafka consumer stopped", slog.Any("error", err))
			}
		}()
	}

	orch := convert.New(batches, store, encoder.New(), meta, dispatcher, convert.OptionsFrom(cfg.Conversion), log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx, tasks.Tasks())
	}()

	rp := reaper.New(batches, store, quotas, *cfg, log)
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Reaper.Schedule, func() {
		if _, err := rp.Sweep(ctx); err != nil {
			log.Error("reaper sweep", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	if _, err := scheduler.AddFunc(cfg.Reaper.PurgeSchedule, func() {
		if _, err := rp.PurgeUsage(ctx); err != nil {
			log.Error("usage purge", slog.Any("error", err))
		}
	}); err != nil {
		return err
	}
	scheduler.Start()

	srv := server.NewServer(cfg, server.Deps{
		Batches: batches,
		Quota:   quotas,
		Store:   store,
		Convert: orch,

		Subscriptions: linker,
	}, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case s := <-sig:
		log.Info("shutting down", slog.String("signal", s.String()))
	case serveErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Error("http shutdown", slog.Any("error", err))
	}

	<-scheduler.Stop().Done()
	cancel()
	wg.Wait()

	log.Info("stopped")
	return serveErr
}
