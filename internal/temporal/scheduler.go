package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/client"

	"boardroom-orchestrator/internal/domain"
)

// Scheduler starts or signals the decision's workflow for every trigger. Temporal keeps one
// workflow per decision id, which serializes its runs.
type Scheduler struct {
	client    client.Client
	taskQueue string
	prefix    string
	lingerFor time.Duration
}

func NewScheduler(c client.Client, taskQueue, workflowIDPrefix string, lingerFor time.Duration) *Scheduler {
	return &Scheduler{client: c, taskQueue: taskQueue, prefix: workflowIDPrefix, lingerFor: lingerFor}
}

func (s *Scheduler) WorkflowID(decisionID string) string {
	return fmt.Sprintf("%s-%s", s.prefix, decisionID)
}

func (s *Scheduler) ScheduleRun(ctx context.Context, trigger domain.Trigger) error {
	if trigger.DecisionID == "" {
		return domain.Validation("schedule run", "decision id is required")
	}
	workflowID := s.WorkflowID(trigger.DecisionID)
	_, err := s.client.SignalWithStartWorkflow(ctx, workflowID, TriggerSignalName, trigger, client.StartWorkflowOptions{
		ID:        workflowID,
		TaskQueue: s.taskQueue,
	}, DecisionRunWorkflowName, DecisionRunInput{
		DecisionID: trigger.DecisionID,
		LingerFor:  s.lingerFor,
	})
	if err != nil {
		return fmt.Errorf("signal workflow %s: %w", workflowID, err)
	}
	return nil
}
