package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"boardroom-orchestrator/internal/domain"
)

var ErrRunnerClosed = errors.New("run scheduler closed")

// Scheduler accepts run triggers without waiting for the run.
type Scheduler interface {
	ScheduleRun(ctx context.Context, trigger domain.Trigger) error
}

// RunEngine executes one decision run to its halt.
type RunEngine interface {
	Run(ctx context.Context, decisionID string, triggers ...domain.Trigger) (domain.WorkflowState, error)
}

type RunnerConfig struct {
	Workers      int
	QueueSize    int
	MaxAttempts  int
	RetryBackoff time.Duration
}

func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:      4,
		QueueSize:    256,
		MaxAttempts:  3,
		RetryBackoff: 200 * time.Millisecond,
	}
}

type RunnerStats struct {
	Scheduled uint64 `json:"scheduled"`
	Coalesced uint64 `json:"coalesced"`
	Completed uint64 `json:"completed"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
	Queued    int    `json:"queued"`
	Active    int    `json:"active"`
}

// Runner is the in-process Scheduler: a bounded work queue drained by a fixed worker pool.
// A decision has at most one run in progress; triggers arriving meanwhile coalesce into a
// single follow-up run that starts when the current one completes.
type Runner struct {
	engine RunEngine
	cfg    RunnerConfig
	logger *slog.Logger

	jobs   chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	slots  map[string]*runSlot
	closed bool

	scheduled atomic.Uint64
	coalesced atomic.Uint64
	completed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
}

type runSlot struct {
	pending []domain.Trigger
	running bool
}

func NewRunner(engine RunEngine, cfg RunnerConfig, logger *slog.Logger) *Runner {
	def := DefaultRunnerConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		engine: engine,
		cfg:    cfg,
		logger: logger,
		jobs:   make(chan string, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		slots:  map[string]*runSlot{},
	}
}

// Start launches the workers.
func (r *Runner) Start() {
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.Info("Run scheduler started", "workers", r.cfg.Workers, "queue_size", r.cfg.QueueSize)
}

func (r *Runner) ScheduleRun(_ context.Context, trigger domain.Trigger) error {
	if trigger.DecisionID == "" {
		return domain.Validation("schedule run", "decision id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}

	if slot, ok := r.slots[trigger.DecisionID]; ok {
		slot.pending = append(slot.pending, trigger)
		r.scheduled.Add(1)
		r.coalesced.Add(1)
		return nil
	}

	select {
	case r.jobs <- trigger.DecisionID:
	default:
		r.logger.Warn("Run queue full, trigger rejected", "decision_id", trigger.DecisionID, "kind", trigger.Kind)
		return domain.QueueFull("schedule run", trigger.DecisionID)
	}
	r.slots[trigger.DecisionID] = &runSlot{pending: []domain.Trigger{trigger}}
	r.scheduled.Add(1)
	return nil
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for decisionID := range r.jobs {
		r.process(decisionID)
	}
}

func (r *Runner) process(decisionID string) {
	for {
		r.mu.Lock()
		slot := r.slots[decisionID]
		triggers := slot.pending
		slot.pending = nil
		slot.running = true
		r.mu.Unlock()

		r.runWithRetry(decisionID, triggers)

		r.mu.Lock()
		slot.running = false
		if len(slot.pending) == 0 {
			delete(r.slots, decisionID)
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
	}
}

func (r *Runner) runWithRetry(decisionID string, triggers []domain.Trigger) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		state, err := r.engine.Run(r.ctx, decisionID, triggers...)
		if err == nil {
			r.completed.Add(1)
			r.logger.Debug("Decision run completed", "decision_id", decisionID, "status", state.Status, "triggers", len(triggers))
			return
		}
		lastErr = err
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.retried.Add(1)
		backoff := r.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
		r.logger.Warn("Decision run failed, retrying", "decision_id", decisionID, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-time.After(backoff):
		case <-r.ctx.Done():
			r.failed.Add(1)
			return
		}
	}
	r.failed.Add(1)
	r.logger.Error("Decision run failed", "decision_id", decisionID, "attempts", r.cfg.MaxAttempts, "error", lastErr)
}

func (r *Runner) Stats() RunnerStats {
	r.mu.Lock()
	active := 0
	for _, slot := range r.slots {
		if slot.running {
			active++
		}
	}
	queued := len(r.jobs)
	r.mu.Unlock()

	return RunnerStats{
		Scheduled: r.scheduled.Load(),
		Coalesced: r.coalesced.Load(),
		Completed: r.completed.Load(),
		Retried:   r.retried.Load(),
		Failed:    r.failed.Load(),
		Queued:    queued,
		Active:    active,
	}
}

// Idle reports whether no run is queued or in progress.
func (r *Runner) Idle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots) == 0
}

// Shutdown stops accepting triggers and waits for queued runs to finish. If ctx expires
// first, in-flight runs are cancelled.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.jobs)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
