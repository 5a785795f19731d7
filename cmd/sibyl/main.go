package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	sbhttp "github.com/sibyl-dev/sibyl/internal/adapter/http"
	sbnats "github.com/sibyl-dev/sibyl/internal/adapter/nats"
	"github.com/sibyl-dev/sibyl/internal/adapter/natskv"
	"github.com/sibyl-dev/sibyl/internal/adapter/otel"
	"github.com/sibyl-dev/sibyl/internal/adapter/postgres"
	"github.com/sibyl-dev/sibyl/internal/adapter/ristretto"
	"github.com/sibyl-dev/sibyl/internal/adapter/tiered"
	"github.com/sibyl-dev/sibyl/internal/adapter/ws"
	"github.com/sibyl-dev/sibyl/internal/config"
	"github.com/sibyl-dev/sibyl/internal/logger"
	"github.com/sibyl-dev/sibyl/internal/middleware"
	"github.com/sibyl-dev/sibyl/internal/secrets"
	"github.com/sibyl-dev/sibyl/internal/service"
)

// stateBucket holds the cross-instance mirror of runner, agent, and
// orchestrator records.
const stateBucket = "sibyl-state"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx := context.Background()

	// --- Observability ---
	shutdownOtel, err := otel.Init(ctx, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(shutdownCtx)
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	queue, err := sbnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	stateKV, err := queue.KeyValue(ctx, stateBucket, 0)
	if err != nil {
		return fmt.Errorf("state bucket: %w", err)
	}
	cacheKV, err := queue.KeyValue(ctx, cfg.Cache.L2Bucket, cfg.Cache.L2TTL)
	if err != nil {
		return fmt.Errorf("cache bucket: %w", err)
	}

	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("l1 cache: %w", err)
	}
	cache := tiered.New(l1, natskv.New(cacheKV), cfg.Cache.L2TTL)

	vault, err := secrets.NewVault(secrets.EnvLoader(secrets.KeyRunnerTokenSecret))
	if err != nil {
		return fmt.Errorf("vault: %w", err)
	}

	// --- Services ---
	store := postgres.NewStore(pool)
	hub := ws.NewHub()
	gateway := ws.NewGateway(cfg.Gateway, store, vault, log)

	events := service.NewEvents(queue, hub, log)
	sync := service.NewSynchronizer(natskv.NewStateStore(stateKV), log)
	registry := service.NewRegistryService(store, cache, vault, events, sync, log)
	router := service.NewRouterService(registry, events, metrics, log)
	agents := service.NewAgentService(store, gateway, events, sync, metrics, cfg.Orchestrator, log)
	checkpoints := service.NewCheckpointService(store, gateway, events, metrics, cfg.Checkpoint, log)
	approvals := service.NewApprovalService(store, agents, checkpoints, events, metrics, log)
	gatewaySvc := service.NewGatewayService(registry, agents, checkpoints, approvals, events, log)
	gateway.SetHandler(gatewaySvc)

	dispatcher := service.NewDispatcher(router, gatewaySvc, registry, gateway, cfg.Gateway, cfg.Orchestrator, log)
	agents.Bind(dispatcher)

	orchestrators := service.NewOrchestratorService(store, dispatcher, gatewaySvc, gateway, events, sync, metrics, cfg.Orchestrator, cfg.Gates, log)
	defer orchestrators.Shutdown()
	meta := service.NewMetaService(store, orchestrators, events, cfg.Orchestrator, log)
	tasks := service.NewTaskService(store, cfg.Rollout, log)
	messages := service.NewMessageService(store, log)

	// Fail agents orphaned by a previous crash before accepting work.
	if err := service.ReapStaleAgents(ctx, store, cfg.Sweep.StaleAfter, log); err != nil {
		log.Error("startup reap", "error", err)
	}

	sweepCtx, stopSweeps := context.WithCancel(ctx)
	defer stopSweeps()
	go service.NewSweeper(store, approvals, cfg.Sweep, log).Run(sweepCtx)

	// --- HTTP ---
	handlers := &sbhttp.Handlers{
		Registry:      registry,
		Router:        router,
		Tasks:         tasks,
		Agents:        agents,
		Orchestrators: orchestrators,
		Meta:          meta,
		Checkpoints:   checkpoints,
		Messages:      messages,
		Approvals:     approvals,
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(sbhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(sbhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))

	// Health endpoint with service status
	r.Get("/health", healthHandler(pool, queue, gateway))

	// Runner gateway (authenticated by runner token, not identity headers)
	r.Get("/api/v1/gateway", gateway.HandleWS)

	// Dashboard event stream
	r.With(middleware.Identity).Get("/ws", hub.HandleWS)

	// API routes
	sbhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	// No read/write timeouts: gateway and dashboard connections are
	// long-lived WebSockets.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
