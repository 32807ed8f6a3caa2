package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"boardroom-orchestrator/internal/api"
	"boardroom-orchestrator/internal/app"
	"boardroom-orchestrator/internal/config"
	"boardroom-orchestrator/internal/conversation"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/orchestrator"
	"boardroom-orchestrator/internal/service"
	appTemporal "boardroom-orchestrator/internal/temporal"
	"boardroom-orchestrator/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Shutdown(tracing.Noop)
	if cfg.TracingEnabled {
		if shutdownTracing, err = tracing.Init("boardroom-api", "dev", nil); err != nil {
			log.Fatalf("init tracing: %v", err)
		}
	}
	defer shutdownTracing(context.Background())

	store, err := app.OpenDecisionStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open decision store: %v", err)
	}
	defer store.Close()

	runs, closeRuns, err := app.OpenRunStore(cfg, logger)
	if err != nil {
		log.Fatalf("open run store: %v", err)
	}
	defer closeRuns()

	rdb := app.NewRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}

	events := notify.NewManager(app.NotifyConfig(cfg), logger)
	defer events.Close()
	go events.Run(ctx)

	var sessionStore conversation.Store
	if rdb != nil {
		sessionStore = conversation.NewRedisStore(rdb, "", cfg.SessionTTL)
	}
	sessions := conversation.NewManager(sessionStore, logger)
	go sweepSessions(ctx, sessions, cfg.SessionMaxAge)

	var (
		scheduler orchestrator.Scheduler
		runner    *orchestrator.Runner
	)
	switch cfg.Scheduler {
	case config.SchedulerTemporal:
		temporalClient, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		})
		if err != nil {
			log.Fatalf("connect temporal: %v", err)
		}
		defer temporalClient.Close()
		scheduler = appTemporal.NewScheduler(temporalClient, cfg.TemporalTaskQueue, cfg.WorkflowIDPrefix, cfg.WorkflowLinger)

		// Runs execute in the worker process; their notifications arrive over Redis.
		bridge := notify.NewRedisBridge(rdb, cfg.NotifyChannelNS, events, logger)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				logger.Error("Notification bridge stopped", "error", err)
			}
		}()
	default:
		engine, err := app.NewEngine(cfg, store, runs, app.WithRelay(cfg, events, logger), logger)
		if err != nil {
			log.Fatalf("build engine: %v", err)
		}
		runner = orchestrator.NewRunner(engine, app.RunnerConfig(cfg), logger)
		runner.Start()
		scheduler = runner
	}

	deps := api.Dependencies{
		Decisions:     service.New(store, scheduler, service.WithLogger(logger), service.WithDefaultMaxRounds(cfg.DefaultMaxRounds)),
		Runs:          runs,
		Events:        events,
		Sessions:      sessions,
		Ready:         store,
		Logger:        logger,
		SessionMaxAge: cfg.SessionMaxAge,
	}
	if runner != nil {
		deps.Stats = runner
	}
	handler := api.NewHandler(deps)

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv.RegisterOnShutdown(handler.CloseStreams)

	go func() {
		logger.Info("API listening", "port", cfg.HTTPPort, "scheduler", cfg.Scheduler, "run_store", cfg.RunStore)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Graceful shutdown failed", "error", err)
	}
	// Runs drained here still publish, so the manager closes last.
	if runner != nil {
		if err := runner.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Run scheduler did not drain", "error", err)
		}
	}
	events.Close()
}

func sweepSessions(ctx context.Context, sessions *conversation.Manager, maxAge time.Duration) {
	interval := maxAge / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.SweepExpired(ctx, maxAge)
		}
	}
}
