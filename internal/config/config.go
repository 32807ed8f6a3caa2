package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPPort         = "8080"
	defaultTemporalAddress  = "localhost:7233"
	defaultTemporalNS       = "default"
	defaultTaskQueue        = "decision-run-task-queue"
	defaultWorkflowIDPrefix = "decision-run"
	defaultOpenAIModel      = "gpt-4o-mini"
	defaultOpenAITimeout    = 30
	defaultMinioEndpoint    = "localhost:9000"
	defaultMinioBucket      = "decision-archive"
	defaultTarantoolAddr    = "localhost:3301"
	defaultMaxRounds        = 3
)

const (
	SchedulerLocal    = "local"
	SchedulerTemporal = "temporal"

	RunStoreMemory    = "memory"
	RunStoreTarantool = "tarantool"

	DecisionStorePostgres = "postgres"
	DecisionStoreMemory   = "memory"

	OverflowDropOldest = "drop_oldest"
	OverflowReject     = "reject"
)

type Config struct {
	HTTPPort string
	LogLevel slog.Level

	DecisionStore    string
	PostgresDSN      string
	DefaultMaxRounds int

	Scheduler         string
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
	WorkflowIDPrefix  string
	WorkflowLinger    time.Duration

	RunnerWorkers      int
	RunnerQueueSize    int
	RunnerMaxAttempts  int
	RunnerRetryBackoff time.Duration

	RunStore      string
	TarantoolAddr string
	TarantoolUser string
	TarantoolPass string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SessionTTL      time.Duration
	SessionMaxAge   time.Duration
	NotifyCapacity  int
	NotifyIdle      time.Duration
	NotifyOverflow  string
	NotifyEvict     time.Duration
	NotifyChannelNS string

	OpenAIAPIKey     string
	OpenAIModel      string
	OpenAIBaseURL    string
	OpenAITimeoutSec int

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	MattermostURL     string
	MattermostToken   string
	MattermostChannel string

	TracingEnabled bool
}

// ArchiveEnabled reports whether terminal runs are snapshotted to object storage.
func (c Config) ArchiveEnabled() bool {
	return c.MinioAccessKey != "" && c.MinioSecretKey != ""
}

func (c Config) RelayEnabled() bool {
	return c.MattermostToken != "" && c.MattermostChannel != ""
}

// Load reads the environment, after merging a .env file from the working directory when
// one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		HTTPPort: getenv("HTTP_PORT", defaultHTTPPort),
		LogLevel: parseLevel(getenv("LOG_LEVEL", "info")),

		DecisionStore:    strings.ToLower(getenv("DECISION_STORE", DecisionStorePostgres)),
		PostgresDSN:      os.Getenv("POSTGRES_DSN"),
		DefaultMaxRounds: getenvInt("DEFAULT_MAX_ROUNDS", defaultMaxRounds),

		Scheduler:         strings.ToLower(getenv("SCHEDULER", SchedulerLocal)),
		TemporalAddress:   getenv("TEMPORAL_ADDRESS", defaultTemporalAddress),
		TemporalNamespace: getenv("TEMPORAL_NAMESPACE", defaultTemporalNS),
		TemporalTaskQueue: getenv("TEMPORAL_TASK_QUEUE", defaultTaskQueue),
		WorkflowIDPrefix:  getenv("WORKFLOW_ID_PREFIX", defaultWorkflowIDPrefix),
		WorkflowLinger:    getenvDuration("WORKFLOW_LINGER", 10*time.Minute),

		RunnerWorkers:      getenvInt("RUNNER_WORKERS", 4),
		RunnerQueueSize:    getenvInt("RUNNER_QUEUE_SIZE", 256),
		RunnerMaxAttempts:  getenvInt("RUNNER_MAX_ATTEMPTS", 3),
		RunnerRetryBackoff: getenvDuration("RUNNER_RETRY_BACKOFF", 200*time.Millisecond),

		RunStore:      strings.ToLower(getenv("RUN_STORE", RunStoreMemory)),
		TarantoolAddr: getenv("TARANTOOL_ADDR", defaultTarantoolAddr),
		TarantoolUser: getenv("TARANTOOL_USER", "storage"),
		TarantoolPass: os.Getenv("TARANTOOL_PASS"),

		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         getenvInt("REDIS_DB", 0),
		SessionTTL:      getenvDuration("SESSION_TTL", 24*time.Hour),
		SessionMaxAge:   getenvDuration("SESSION_MAX_AGE", 2*time.Hour),
		NotifyCapacity:  getenvInt("NOTIFY_CAPACITY", 100),
		NotifyIdle:      getenvDuration("NOTIFY_IDLE_TIMEOUT", 30*time.Second),
		NotifyOverflow:  strings.ToLower(getenv("NOTIFY_OVERFLOW", OverflowDropOldest)),
		NotifyEvict:     getenvDuration("NOTIFY_EVICT_AFTER", 10*time.Minute),
		NotifyChannelNS: getenv("NOTIFY_CHANNEL_PREFIX", "boardroom:events:"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:      getenv("OPENAI_MODEL", defaultOpenAIModel),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		OpenAITimeoutSec: getenvInt("OPENAI_TIMEOUT_SEC", defaultOpenAITimeout),

		MinioEndpoint:  getenv("MINIO_ENDPOINT", defaultMinioEndpoint),
		MinioAccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey: os.Getenv("MINIO_SECRET_KEY"),
		MinioBucket:    getenv("MINIO_BUCKET", defaultMinioBucket),
		MinioUseSSL:    getenvBool("MINIO_USE_SSL", false),

		MattermostURL:     getenv("MATTERMOST_URL", "http://localhost:8065"),
		MattermostToken:   os.Getenv("MATTERMOST_TOKEN"),
		MattermostChannel: os.Getenv("MATTERMOST_CHANNEL_ID"),

		TracingEnabled: getenvBool("TRACING_ENABLED", false),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := oneOf("DECISION_STORE", c.DecisionStore, DecisionStorePostgres, DecisionStoreMemory); err != nil {
		return err
	}
	if err := oneOf("SCHEDULER", c.Scheduler, SchedulerLocal, SchedulerTemporal); err != nil {
		return err
	}
	if err := oneOf("RUN_STORE", c.RunStore, RunStoreMemory, RunStoreTarantool); err != nil {
		return err
	}
	if err := oneOf("NOTIFY_OVERFLOW", c.NotifyOverflow, OverflowDropOldest, OverflowReject); err != nil {
		return err
	}
	if c.DecisionStore == DecisionStorePostgres && c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.RunStore == RunStoreTarantool && c.TarantoolAddr == "" {
		return fmt.Errorf("TARANTOOL_ADDR is required when RUN_STORE=tarantool")
	}
	// Workflow workers live in another process; runs and events must be shared.
	if c.Scheduler == SchedulerTemporal {
		if c.DecisionStore == DecisionStoreMemory || c.RunStore == RunStoreMemory {
			return fmt.Errorf("SCHEDULER=temporal requires DECISION_STORE=postgres and RUN_STORE=tarantool")
		}
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SCHEDULER=temporal")
		}
	}
	if c.DefaultMaxRounds < 1 {
		return fmt.Errorf("DEFAULT_MAX_ROUNDS must be at least 1")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}

func parseLevel(v string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
