package main

import (
	"context"
	"log"
	"log/slog"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"boardroom-orchestrator/internal/app"
	"boardroom-orchestrator/internal/config"
	"boardroom-orchestrator/internal/notify"
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

	if cfg.Scheduler != config.SchedulerTemporal {
		log.Fatalf("worker requires SCHEDULER=temporal, got %q", cfg.Scheduler)
	}

	if cfg.TracingEnabled {
		shutdown, err := tracing.Init("boardroom-worker", "dev", nil)
		if err != nil {
			log.Fatalf("init tracing: %v", err)
		}
		defer shutdown(context.Background())
	}

	store, err := app.OpenDecisionStore(context.Background(), cfg)
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
	defer rdb.Close()
	publisher := app.WithRelay(cfg, notify.NewRedisPublisher(rdb, cfg.NotifyChannelNS), logger)

	engine, err := app.NewEngine(cfg, store, runs, publisher, logger)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
	})
	if err != nil {
		log.Fatalf("connect temporal: %v", err)
	}
	defer temporalClient.Close()

	activities := &appTemporal.Activities{Engine: engine}

	w := worker.New(temporalClient, cfg.TemporalTaskQueue, worker.Options{})
	w.RegisterWorkflowWithOptions(appTemporal.DecisionRunWorkflow, workflow.RegisterOptions{Name: appTemporal.DecisionRunWorkflowName})
	w.RegisterActivity(activities.SeedRunActivity)
	w.RegisterActivity(activities.AdvanceStepActivity)

	logger.Info("Worker running", "task_queue", cfg.TemporalTaskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("worker stopped with error: %v", err)
	}
}
