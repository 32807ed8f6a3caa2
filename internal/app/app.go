// Package app assembles the components shared by the API and worker binaries from config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tarantool/go-tarantool"

	"boardroom-orchestrator/internal/config"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/openai"
	"boardroom-orchestrator/internal/orchestrator"
	"boardroom-orchestrator/internal/relay"
	"boardroom-orchestrator/internal/runstore"
	"boardroom-orchestrator/internal/service"
	"boardroom-orchestrator/internal/storage"
)

// DecisionStore is the decision repository plus its lifecycle.
type DecisionStore interface {
	service.Store
	Ping(ctx context.Context) error
	Close() error
}

func NewLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

func OpenDecisionStore(ctx context.Context, cfg config.Config) (DecisionStore, error) {
	if cfg.DecisionStore == config.DecisionStoreMemory {
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return store, nil
}

// OpenRunStore returns the configured checkpoint store and its close function.
func OpenRunStore(cfg config.Config, logger *slog.Logger) (runstore.Store, func() error, error) {
	if cfg.RunStore == config.RunStoreMemory {
		return runstore.NewMemory(), func() error { return nil }, nil
	}
	t, err := runstore.NewTarantool(cfg.TarantoolAddr, tarantool.Opts{
		User:    cfg.TarantoolUser,
		Pass:    cfg.TarantoolPass,
		Timeout: 5 * time.Second,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect tarantool: %w", err)
	}
	return t, t.Close, nil
}

// NewRedis returns nil when no Redis address is configured.
func NewRedis(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
}

func NotifyConfig(cfg config.Config) notify.Config {
	nc := notify.DefaultConfig()
	if cfg.NotifyCapacity > 0 {
		nc.Capacity = cfg.NotifyCapacity
	}
	if cfg.NotifyIdle > 0 {
		nc.IdleTimeout = cfg.NotifyIdle
	}
	if cfg.NotifyEvict > 0 {
		nc.EvictAfter = cfg.NotifyEvict
	}
	nc.Overflow = notify.OverflowPolicy(cfg.NotifyOverflow)
	return nc
}

// WithRelay wraps publisher with the Mattermost outcome relay when it is configured.
func WithRelay(cfg config.Config, publisher notify.Publisher, logger *slog.Logger) notify.Publisher {
	if !cfg.RelayEnabled() {
		return publisher
	}
	client := relay.NewMattermostClient(cfg.MattermostURL, cfg.MattermostToken)
	logger.Info("Relaying decision outcomes to Mattermost", "url", cfg.MattermostURL, "channel_id", cfg.MattermostChannel)
	return relay.NewMattermost(publisher, client, cfg.MattermostChannel, logger)
}

// NewEngine builds the decision engine with the optional LLM deliberator and run archive.
func NewEngine(cfg config.Config, repo orchestrator.Repository, runs runstore.Store, publisher notify.Publisher, logger *slog.Logger) (*orchestrator.Engine, error) {
	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithDefaultMaxRounds(cfg.DefaultMaxRounds),
	}
	if cfg.OpenAIAPIKey != "" {
		llm := openai.NewHTTPClient(cfg.OpenAIAPIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
		timeout := time.Duration(cfg.OpenAITimeoutSec) * time.Second
		opts = append(opts, orchestrator.WithDeliberator(openai.NewDeliberator(llm, cfg.OpenAIModel, timeout, logger)))
		logger.Info("Using OpenAI deliberator", "model", cfg.OpenAIModel)
	}
	if cfg.ArchiveEnabled() {
		archive, err := storage.NewMinioArchive(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.MinioBucket)
		if err != nil {
			return nil, fmt.Errorf("connect minio: %w", err)
		}
		opts = append(opts, orchestrator.WithArchiver(archive))
	}
	return orchestrator.NewEngine(repo, runs, publisher, opts...), nil
}

func RunnerConfig(cfg config.Config) orchestrator.RunnerConfig {
	return orchestrator.RunnerConfig{
		Workers:      cfg.RunnerWorkers,
		QueueSize:    cfg.RunnerQueueSize,
		MaxAttempts:  cfg.RunnerMaxAttempts,
		RetryBackoff: cfg.RunnerRetryBackoff,
	}
}
