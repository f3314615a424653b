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
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zenGate-Global/palmyra-agency/contracts"
	authhandler "github.com/zenGate-Global/palmyra-agency/domains/auth/be/handler"
	authrepo "github.com/zenGate-Global/palmyra-agency/domains/auth/be/repo"
	authservice "github.com/zenGate-Global/palmyra-agency/domains/auth/be/service"
	tenantshandler "github.com/zenGate-Global/palmyra-agency/domains/tenants/be/handler"
	tenantsrepo "github.com/zenGate-Global/palmyra-agency/domains/tenants/be/repo"
	tenantsservice "github.com/zenGate-Global/palmyra-agency/domains/tenants/be/service"
	platformauth "github.com/zenGate-Global/palmyra-agency/platform/go/auth"
	platformlogging "github.com/zenGate-Global/palmyra-agency/platform/go/logging"
	platformmiddleware "github.com/zenGate-Global/palmyra-agency/platform/go/middleware"
	"github.com/zenGate-Global/palmyra-agency/platform/go/setups"
	tenantmiddleware "github.com/zenGate-Global/palmyra-agency/platform/go/tenant/middleware"
)

type config struct {
	Port            string        `env:"PORT" envDefault:"3000"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	DatabaseURL     string        `env:"DATABASE_URL,required"`
	BaseDomain      string        `env:"BASE_DOMAIN"`
	TenantCacheTTL  time.Duration `env:"TENANT_CACHE_TTL" envDefault:"1m"`

	Pool    setups.Pool               `envPrefix:"POOL_"`
	Redis   setups.Redis              `envPrefix:"REDIS_"`
	JWT     setups.JWT                `envPrefix:"JWT_"`
	Lockout authservice.LockoutPolicy `envPrefix:"LOCKOUT_"`
}

func main() {
	ctx := context.Background()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := platformlogging.NewLogger(platformlogging.Config{
		Component: "api-server",
		Level:     cfg.LogLevel,
	})
	if err != nil {
		log.Fatalf("init zap logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

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

	issuer, err := cfg.JWT.NewIssuer()
	if err != nil {
		logger.Fatal("init token issuer", zap.Error(err))
	}

	spec, err := platformmiddleware.LoadSpec(ctx, contracts.APISpec)
	if err != nil {
		logger.Fatal("load openapi spec", zap.Error(err))
	}

	tenantService := tenantsservice.New(tenantsservice.Config{
		Repo:       tenantsrepo.NewPostgresRepository(exec),
		Publisher:  jobs,
		BaseDomain: cfg.BaseDomain,
		Logger:     logger.Named("tenants"),
	})
	tenantHTTPHandler := tenantshandler.New(tenantService, logger)

	authRepo := authrepo.NewPostgresRepository(exec)
	resolver := authservice.NewResolver(authservice.ResolverConfig{
		Repo:         authRepo,
		Capabilities: authservice.NewCapabilityCache(authRepo.ProbeSchemaVersion, logger.Named("capabilities")),
		Lockout:      cfg.Lockout,
		Logger:       logger.Named("auth"),
	})
	authHTTPHandler := authhandler.New(resolver, issuer, logger)

	rootRouter := chi.NewRouter()

	rootRouter.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		chimw.Timeout(cfg.RequestTimeout),
		platformmiddleware.DefaultCORS(),
	)

	rootRouter.Use(platformlogging.RequestLogger(logger))

	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	rootRouter.Get("/readyz", readinessHandler(logger, registry, jobs))
	rootRouter.Handle("/metrics", promhttp.Handler())

	// ---- Swagger UI + OpenAPI JSON (public) ----
	registerDocsRoutes(rootRouter, spec, logger)

	rootRouter.Group(func(r chi.Router) {
		r.Use(platformauth.JWT(issuer.VerifyFunc(), platformauth.DefaultCredentialExtractor))
		r.Use(platformmiddleware.RequestTrace)
		r.Use(platformmiddleware.OpenAPIValidator(spec))

		r.Post("/api/v1/signup", tenantHTTPHandler.Signup)
		r.Get("/api/v1/provisioning-jobs/{jobId}", tenantHTTPHandler.GetJob)
		r.Post("/api/v1/auth/login", authHTTPHandler.Login)

		r.With(authhandler.RequireSession(tenantService, tenantmiddleware.Config{CacheTTL: cfg.TenantCacheTTL})).
			Get("/api/v1/me", authHTTPHandler.Me)

		r.Group(func(r chi.Router) {
			r.Use(platformauth.RequirePlatform())
			r.Post("/api/v1/admin/provisioning-jobs/{jobId}/cancel", tenantHTTPHandler.CancelJob)
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      rootRouter,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		logger.Info("starting api server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server listen failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

// pinger is satisfied by the pool registry and the queue.
type pinger interface {
	Ping(ctx context.Context) error
}

func readinessHandler(logger *zap.Logger, deps ...pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		for _, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				platformlogging.FromRequest(r, logger).Warn("readiness check failed", zap.Error(err))
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}
