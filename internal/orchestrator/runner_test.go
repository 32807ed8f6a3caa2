package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardroom-orchestrator/internal/domain"
)

type fakeRunEngine struct {
	mu       sync.Mutex
	calls    [][]domain.Trigger
	failures int
	block    chan struct{}
	started  chan struct{}
}

func (f *fakeRunEngine) Run(ctx context.Context, decisionID string, triggers ...domain.Trigger) (domain.WorkflowState, error) {
	f.mu.Lock()
	f.calls = append(f.calls, triggers)
	first := len(f.calls) == 1
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if first && f.block != nil {
		close(f.started)
		select {
		case <-f.block:
		case <-ctx.Done():
			return domain.WorkflowState{}, ctx.Err()
		}
	}
	if fail {
		return domain.WorkflowState{}, errors.New("run store unavailable")
	}
	return domain.WorkflowState{DecisionID: decisionID, Step: domain.StepDone}, nil
}

func (f *fakeRunEngine) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func voteTrigger(decisionID, voteID string) domain.Trigger {
	return domain.Trigger{Kind: domain.TriggerVoteCast, DecisionID: decisionID, VoteID: voteID}
}

func TestRunnerCoalescesTriggersDuringRun(t *testing.T) {
	engine := &fakeRunEngine{block: make(chan struct{}), started: make(chan struct{})}
	r := NewRunner(engine, RunnerConfig{Workers: 2}, nil)
	r.Start()
	ctx := context.Background()

	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v1")))
	<-engine.started

	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v2")))
	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v3")))
	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v4")))
	close(engine.block)

	require.Eventually(t, r.Idle, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(ctx))

	engine.mu.Lock()
	defer engine.mu.Unlock()
	require.Len(t, engine.calls, 2)
	assert.Len(t, engine.calls[0], 1)
	assert.Len(t, engine.calls[1], 3)
	assert.Equal(t, "v4", engine.calls[1][2].VoteID)

	stats := r.Stats()
	assert.Equal(t, uint64(4), stats.Scheduled)
	assert.Equal(t, uint64(3), stats.Coalesced)
	assert.Equal(t, uint64(2), stats.Completed)
}

func TestRunnerRejectsWhenQueueFull(t *testing.T) {
	r := NewRunner(&fakeRunEngine{}, RunnerConfig{Workers: 1, QueueSize: 1}, nil)
	ctx := context.Background()

	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v1")))
	err := r.ScheduleRun(ctx, voteTrigger("d2", "v1"))
	assert.ErrorIs(t, err, domain.ErrQueueFull)

	// Same decision joins the queued slot instead of taking queue capacity.
	assert.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v2")))
	assert.Equal(t, 1, r.Stats().Queued)

	err = r.ScheduleRun(ctx, domain.Trigger{Kind: domain.TriggerVoteCast})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRunnerRetriesFailedRuns(t *testing.T) {
	engine := &fakeRunEngine{failures: 2}
	r := NewRunner(engine, RunnerConfig{Workers: 1, MaxAttempts: 3, RetryBackoff: time.Millisecond}, nil)
	r.Start()

	require.NoError(t, r.ScheduleRun(context.Background(), voteTrigger("d1", "v1")))
	require.Eventually(t, r.Idle, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, 3, engine.callCount())
	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Retried)
	assert.Equal(t, uint64(1), stats.Completed)
	assert.Zero(t, stats.Failed)
}

func TestRunnerGivesUpAfterMaxAttempts(t *testing.T) {
	engine := &fakeRunEngine{failures: 5}
	r := NewRunner(engine, RunnerConfig{Workers: 1, MaxAttempts: 2, RetryBackoff: time.Millisecond}, nil)
	r.Start()

	require.NoError(t, r.ScheduleRun(context.Background(), voteTrigger("d1", "v1")))
	require.Eventually(t, r.Idle, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(context.Background()))

	assert.Equal(t, 2, engine.callCount())
	assert.Equal(t, uint64(1), r.Stats().Failed)
}

func TestRunnerShutdownDrainsQueueAndRejectsNewWork(t *testing.T) {
	engine := &fakeRunEngine{}
	r := NewRunner(engine, RunnerConfig{Workers: 1}, nil)
	ctx := context.Background()

	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d1", "v1")))
	require.NoError(t, r.ScheduleRun(ctx, voteTrigger("d2", "v1")))
	r.Start()
	require.NoError(t, r.Shutdown(ctx))

	assert.Equal(t, 2, engine.callCount())
	assert.ErrorIs(t, r.ScheduleRun(ctx, voteTrigger("d3", "v1")), ErrRunnerClosed)
}
