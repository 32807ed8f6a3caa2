package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/workflow"

	"boardroom-orchestrator/internal/domain"
)

const (
	DecisionRunWorkflowName = "DecisionRunWorkflow"

	maxStepsPerRun = 64
)

type DecisionRunInput struct {
	DecisionID string
	Triggers   []domain.Trigger
	// LingerFor keeps the workflow open for further trigger signals after a run halts.
	LingerFor time.Duration
}

type DecisionRunResult struct {
	DecisionID string
	Status     domain.RunStatus
	FinalValue string
	Runs       int
}

// DecisionRunWorkflow executes decision runs one at a time. Triggers signalled while a run is
// in progress are merged into a single follow-up run.
func DecisionRunWorkflow(ctx workflow.Context, input DecisionRunInput) (DecisionRunResult, error) {
	ctxSeed := mustActivityContext(ctx, ActivityPolicySeedRun)
	ctxStep := mustActivityContext(ctx, ActivityPolicyAdvanceStep)
	logger := workflow.GetLogger(ctx)

	signals := workflow.GetSignalChannel(ctx, TriggerSignalName)
	pending := append([]domain.Trigger(nil), input.Triggers...)
	result := DecisionRunResult{DecisionID: input.DecisionID}

	for {
		pending = drainTriggers(signals, pending)

		var out StepOutput
		if err := workflow.ExecuteActivity(ctxSeed, (*Activities).SeedRunActivity, SeedRunInput{
			DecisionID: input.DecisionID,
			Triggers:   pending,
		}).Get(ctx, &out); err != nil {
			return result, err
		}
		pending = nil

		for steps := 0; !out.Halted; steps++ {
			if steps >= maxStepsPerRun {
				return result, fmt.Errorf("decision %s: run exceeded %d steps", input.DecisionID, maxStepsPerRun)
			}
			if err := workflow.ExecuteActivity(ctxStep, (*Activities).AdvanceStepActivity, AdvanceStepInput{
				DecisionID: input.DecisionID,
			}).Get(ctx, &out); err != nil {
				return result, err
			}
		}

		result.Status = out.Status
		result.FinalValue = out.FinalValue
		result.Runs++
		logger.Info("Decision run halted", "decision_id", input.DecisionID, "status", out.Status, "runs", result.Runs)

		if out.Status.Terminal() {
			return result, nil
		}
		if signals.Len() > 0 {
			continue
		}
		if input.LingerFor <= 0 {
			return result, nil
		}
		received, err := workflow.AwaitWithTimeout(ctx, input.LingerFor, func() bool { return signals.Len() > 0 })
		if err != nil {
			return result, err
		}
		if !received {
			return result, nil
		}
	}
}
