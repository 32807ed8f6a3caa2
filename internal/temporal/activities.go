package temporal

import (
	"context"

	"go.temporal.io/sdk/activity"

	"boardroom-orchestrator/internal/domain"
)

// RunStepper is the step-wise surface of the decision engine that activities drive.
type RunStepper interface {
	Seed(ctx context.Context, decisionID string, triggers ...domain.Trigger) (domain.WorkflowState, error)
	Step(ctx context.Context, decisionID string) (domain.WorkflowState, error)
}

type Activities struct {
	Engine RunStepper
}

type SeedRunInput struct {
	DecisionID string
	Triggers   []domain.Trigger
}

type AdvanceStepInput struct {
	DecisionID string
}

type StepOutput struct {
	DecisionID string
	Step       domain.Step
	Status     domain.RunStatus
	FinalValue string
	Version    int64
	Halted     bool
}

func stepOutput(s domain.WorkflowState) StepOutput {
	return StepOutput{
		DecisionID: s.DecisionID,
		Step:       s.Step,
		Status:     s.Status,
		FinalValue: s.FinalValue,
		Version:    s.Version,
		Halted:     s.Halted(),
	}
}

func (a *Activities) SeedRunActivity(ctx context.Context, input SeedRunInput) (StepOutput, error) {
	state, err := a.Engine.Seed(ctx, input.DecisionID, input.Triggers...)
	if err != nil {
		return StepOutput{}, err
	}
	activity.GetLogger(ctx).Debug("Seeded decision run", "decision_id", input.DecisionID, "triggers", len(input.Triggers), "step", state.Step)
	return stepOutput(state), nil
}

// AdvanceStepActivity executes the step under the persisted cursor. A retried attempt
// reloads the cursor, so a step whose save succeeded is never executed twice.
func (a *Activities) AdvanceStepActivity(ctx context.Context, input AdvanceStepInput) (StepOutput, error) {
	state, err := a.Engine.Step(ctx, input.DecisionID)
	if err != nil {
		return StepOutput{}, err
	}
	return stepOutput(state), nil
}
