package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zenGate-Global/palmyra-agency/domains/tenants/be/provisioning"
	tenantsrepo "github.com/zenGate-Global/palmyra-agency/domains/tenants/be/repo"
	tenantsservice "github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	platformlogging "github.com/zenGate-Global/palmyra-agency/platform/go/logging"
	"github.com/zenGate-Global/palmyra-agency/platform/go/persistence"
	"github.com/zenGate-Global/palmyra-agency/platform/go/setups"
)

type config struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL string `env:"DATABASE_URL,required"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	BaseDomain  string `env:"BASE_DOMAIN"`

	Pool     setups.Pool  `envPrefix:"POOL_"`
	Redis    setups.Redis `envPrefix:"REDIS_"`
	Worker   workerEnv    `envPrefix:"WORKER_"`
	Watchdog watchdogEnv  `envPrefix:"WATCHDOG_"`
}

type workerEnv struct {
	ID          string        `env:"ID"`
	Concurrency int           `env:"CONCURRENCY" envDefault:"2"`
	PollTimeout time.Duration `env:"POLL_TIMEOUT" envDefault:"5s"`
	RetryDelay  time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
}

type watchdogEnv struct {
	Enabled      bool          `env:"ENABLED" envDefault:"true"`
	Interval     time.Duration `env:"INTERVAL" envDefault:"30s"`
	TimeoutAfter time.Duration `env:"TIMEOUT_AFTER" envDefault:"30m"`
	RequeueAfter time.Duration `env:"REQUEUE_AFTER" envDefault:"2m"`
	Batch        int           `env:"BATCH" envDefault:"100"`
}

// poolEvictor releases the worker's pool for a tenant once its provisioning finished.
type poolEvictor struct {
	registry *persistence.Registry
}

func (p poolEvictor) Invalidate(database string) { p.registry.Evict(database) }

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "provisioning-worker",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := setups.OpenExecutor(ctx, cfg.DatabaseURL, cfg.Pool, logger)
	if err != nil {
		logger.Fatal("init pool registry", zap.Error(err))
	}
	registry := exec.Registry()
	defer registry.CloseAll()

	jobs, redisClient, err := setups.OpenQueue(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Fatal("init provisioning queue", zap.Error(err))
	}
	defer func() {
		_ = redisClient.Close()
	}()

	workerID := cfg.Worker.ID
	if workerID == "" {
		workerID = provisioning.DefaultWorkerID()
	}

	orchestrator := provisioning.NewOrchestrator(provisioning.OrchestratorConfig{
		Directory:   provisioning.NewControlPlaneDirectory(exec),
		Databases:   provisioning.NewDBProvisioner(exec, logger.Named("databases")),
		Migrator:    provisioning.NewSchemaMigrator(registry.ConnConfig, logger.Named("migrate")),
		Identity:    provisioning.NewTenantIdentitySeeder(exec),
		Invalidator: poolEvictor{registry: registry},
		WorkerID:    workerID,
		Logger:      logger.Named("orchestrator"),
	})

	worker := provisioning.NewWorker(provisioning.WorkerConfig{
		Queue:       jobs,
		Runner:      orchestrator,
		Concurrency: cfg.Worker.Concurrency,
		ID:          workerID,
		PollTimeout: cfg.Worker.PollTimeout,
		RetryDelay:  cfg.Worker.RetryDelay,
		Logger:      logger.Named("worker"),
	})

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting provisioning worker",
			zap.String("worker_id", workerID), zap.Int("concurrency", cfg.Worker.Concurrency))
		return worker.Start(gctx)
	})

	if cfg.Watchdog.Enabled {
		tenantService := tenantsservice.New(tenantsservice.Config{
			Repo:       tenantsrepo.NewPostgresRepository(exec),
			Publisher:  jobs,
			BaseDomain: cfg.BaseDomain,
			Logger:     logger.Named("tenants"),
		})
		watchdog := provisioning.NewWatchdog(provisioning.WatchdogConfig{
			Jobs:         provisioning.NewControlPlaneDirectory(exec),
			Requeuer:     tenantService,
			TimeoutAfter: cfg.Watchdog.TimeoutAfter,
			RequeueAfter: cfg.Watchdog.RequeueAfter,
			Interval:     cfg.Watchdog.Interval,
			Batch:        cfg.Watchdog.Batch,
			Logger:       logger.Named("watchdog"),
		})
		g.Go(func() error {
			watchdog.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", zap.Error(err))
	}
	logger.Info("provisioning worker stopped")
}
