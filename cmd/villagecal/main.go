package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "villagecal/configs"
	"villagecal/pkg/api"
	"villagecal/pkg/auth"
	"villagecal/pkg/jobs"
	"villagecal/pkg/logger"
	tracing "villagecal/pkg/observability"
	"villagecal/pkg/objectstore"
	"villagecal/pkg/queue"
	pgstore "villagecal/pkg/queue/postgres"
	"villagecal/pkg/render"
	"villagecal/pkg/scheduler"
	"villagecal/pkg/status"
)

const (
	exitOK      = 0
	exitStartup = 1
	exitRuntime = 2
)

func main() {
	os.Exit(run())
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: villagecal <command>

commands:
  serve-api      HTTP API only, no workers
  serve-worker   workers and scheduler, no HTTP
  serve-all      everything in one process`)
}

func run() int {
	if len(os.Args) < 2 {
		usage()
		return exitStartup
	}
	mode := os.Args[1]
	switch mode {
	case "serve-api", "serve-worker", "serve-all":
	default:
		usage()
		return exitStartup
	}

	cfg := config.LoadConfig()

	log := logger.Init(logger.Options{
		Level:   cfg.LogLevel,
		Service: "villagecal-" + mode,
	})
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Shared infrastructure ---

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "villagecal-" + mode,
		Endpoint:    cfg.OTLPEndpoint,
		Enabled:     cfg.OTLPEndpoint != "",
	})
	if err != nil {
		log.Error("tracing init failed", zap.Error(err))
		return exitStartup
	}
	defer tp.Shutdown(context.Background())

	store, err := pgstore.NewStore(cfg.DBURL, cfg.WorkerPoolSize)
	if err != nil {
		log.Error("storage init failed", zap.Error(err))
		return exitStartup
	}
	defer store.Close()
	log.Info("postgres connected, schema migrated")

	var notifier queue.Notifier = queue.NopNotifier{}
	if cfg.RedisAddr != "" {
		rn, err := queue.NewRedisNotifier(cfg.RedisAddr, log)
		if err != nil {
			log.Error("redis notifier init failed", zap.Error(err))
			return exitStartup
		}
		defer rn.Close()
		notifier = rn
		log.Info("redis enqueue notifier connected")
	}

	objects, err := objectstore.NewS3Client(ctx, objectstore.Config{
		Endpoint:  cfg.ObjectStoreEndpoint,
		Bucket:    cfg.ObjectStoreBucket,
		Region:    cfg.ObjectStoreRegion,
		AccessKey: cfg.ObjectStoreAccessKey,
		SecretKey: cfg.ObjectStoreSecretKey,
	}, log)
	if err != nil {
		log.Error("object store init failed", zap.Error(err))
		return exitStartup
	}

	progress := queue.NewProgressMap(4096, 30*time.Minute)

	tier := jobs.FreeTierResolver{}
	counter := &jobs.DBPDFJobCounter{DB: store.DB()}

	facade := &status.Facade{
		Store:       store,
		DB:          store.DB(),
		Objects:     objects,
		Progress:    progress,
		Notifier:    notifier,
		Counter:     counter,
		Tier:        tier,
		FreeTierCap: cfg.PDFFreeTierDailyCap,
		Log:         log,
	}

	// --- Components per mode ---

	runtimeErr := make(chan error, 2)

	var server *api.Server
	if mode == "serve-api" || mode == "serve-all" {
		var jwtService *auth.JWTService
		if cfg.JWTSecret != "" {
			jwtService, err = auth.NewJWTService(auth.JWTConfig{
				SecretKey:   cfg.JWTSecret,
				Issuer:      cfg.JWTIssuer,
				TokenExpiry: 24 * time.Hour,
			})
			if err != nil {
				log.Error("jwt init failed", zap.Error(err))
				return exitStartup
			}
		} else if cfg.AuthEnabled {
			log.Error("AUTH_ENABLED requires JWT_SECRET")
			return exitStartup
		}

		server = api.NewServer(api.Config{
			Port:        cfg.APIPort,
			Facade:      facade,
			DB:          store.DB(),
			JWT:         jwtService,
			AuthEnabled: cfg.AuthEnabled,
			Log:         log,
		})
		go func() {
			if err := server.Start(); err != nil {
				runtimeErr <- err
			}
		}()
	}

	if mode == "serve-worker" || mode == "serve-all" {
		registry := queue.NewRegistry()
		registry.Register(&jobs.PDFHandler{
			DB:          store.DB(),
			Store:       objects,
			Almanac:     render.BuiltinAlmanac{},
			Counter:     counter,
			Tier:        tier,
			FreeTierCap: cfg.PDFFreeTierDailyCap,
		})
		registry.Register(&jobs.ThumbnailHandler{DB: store.DB(), Store: objects})
		registry.Register(&jobs.OrderConfirmationHandler{DB: store.DB(), Mailer: &jobs.LogMailer{Log: log}})
		registry.Register(&jobs.ShippingNoticeHandler{DB: store.DB(), Mailer: &jobs.LogMailer{Log: log}})
		registry.Register(&jobs.RollupHandler{DB: store.DB()})
		registry.Register(&jobs.CleanupHandler{DB: store.DB()})

		dispatcher := queue.NewDispatcher(store, registry, notifier, progress, queue.Options{
			PollInterval:    cfg.WorkerPollInterval,
			LockTTL:         cfg.WorkerLockTTL,
			PoolSize:        cfg.WorkerPoolSize,
			BatchSize:       cfg.WorkerBatchSize,
			ReclaimInterval: cfg.WorkerReclaimInterval,
		}, log)

		sched, err := scheduler.NewCore(store, notifier, cfg.WorkerReclaimInterval, cfg.WorkerLockTTL, log)
		if err != nil {
			log.Error("scheduler init failed", zap.Error(err))
			return exitStartup
		}

		go dispatcher.Run(ctx)
		go sched.Run(ctx)
		log.Info("worker pool and scheduler started",
			zap.Int("pool_size", cfg.WorkerPoolSize),
			zap.String("worker_id", dispatcher.WorkerID))
	}

	// --- Wait for shutdown or fatal error ---

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-runtimeErr:
		log.Error("fatal runtime error", zap.Error(err))
		cancel()
		return exitRuntime
	}

	cancel()

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("api shutdown error", zap.Error(err))
		}
	}

	// The dispatcher drains in-flight handlers on ctx cancellation up
	// to its own grace deadline; give it a moment before exiting.
	if mode != "serve-api" {
		time.Sleep(time.Second)
	}

	log.Info("shutdown complete")
	return exitOK
}
