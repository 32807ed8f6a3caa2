package temporal

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/testsuite"

	"boardroom-orchestrator/internal/domain"
)

type activityTrace struct {
	mu sync.Mutex

	startedOrder   []string
	completedOrder []string

	seedIn  *SeedRunInput
	outputs []StepOutput
}

func (t *activityTrace) recordStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedOrder = append(t.startedOrder, name)
}

func (t *activityTrace) recordCompleted(name string, out StepOutput) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedOrder = append(t.completedOrder, name)
	t.outputs = append(t.outputs, out)
}

var _ = Describe("DecisionRunWorkflow blackbox happy path", func() {
	It("seeds the run, advances one persisted step per activity, and finalizes the decision", func() {
		var suite testsuite.WorkflowTestSuite
		f := newWorkflowFixture(&suite)
		trace := &activityTrace{}

		round := f.createDecision("d-happy", "alice", "bob", "carol")
		f.vote(round.ID, "alice", "june")
		f.vote(round.ID, "bob", "july")
		f.vote(round.ID, "carol", "june")

		f.env.SetOnActivityStartedListener(func(info *activity.Info, _ context.Context, args converter.EncodedValues) {
			trace.recordStarted(info.ActivityType.Name)
			if info.ActivityType.Name == "SeedRunActivity" {
				var in SeedRunInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.seedIn = &in
				trace.mu.Unlock()
			}
		})
		f.env.SetOnActivityCompletedListener(func(info *activity.Info, result converter.EncodedValue, _ error) {
			var out StepOutput
			_ = result.Get(&out)
			trace.recordCompleted(info.ActivityType.Name, out)
		})

		By("triggering the workflow for a newly created decision")
		f.env.ExecuteWorkflow(DecisionRunWorkflow, DecisionRunInput{
			DecisionID: "d-happy",
			Triggers:   []domain.Trigger{{Kind: domain.TriggerDecisionCreated, DecisionID: "d-happy", RoundID: round.ID}},
		})

		By("validating workflow completes successfully")
		Expect(f.env.IsWorkflowCompleted()).To(BeTrue())
		Expect(f.env.GetWorkflowError()).ToNot(HaveOccurred())

		var result DecisionRunResult
		Expect(f.env.GetWorkflowResult(&result)).To(Succeed())
		Expect(result.Status).To(Equal(domain.RunFinalized))
		Expect(result.FinalValue).To(Equal("june"))

		By("validating the activity sequence mirrors the state machine")
		Expect(trace.startedOrder).To(Equal([]string{
			"SeedRunActivity",
			"AdvanceStepActivity",
			"AdvanceStepActivity",
			"AdvanceStepActivity",
			"AdvanceStepActivity",
			"AdvanceStepActivity",
			"AdvanceStepActivity",
		}))
		Expect(trace.completedOrder).To(Equal(trace.startedOrder))

		Expect(trace.seedIn).ToNot(BeNil())
		Expect(trace.seedIn.Triggers).To(HaveLen(1))

		steps := make([]domain.Step, 0, len(trace.outputs))
		for _, out := range trace.outputs {
			steps = append(steps, out.Step)
		}
		Expect(steps).To(Equal([]domain.Step{
			domain.StepInitialize,
			domain.StepDeliberate,
			domain.StepCollectVotes,
			domain.StepComputeResults,
			domain.StepFinalize,
			domain.StepNotify,
			domain.StepDone,
		}))
		for i := 1; i < len(trace.outputs); i++ {
			Expect(trace.outputs[i].Version).To(Equal(trace.outputs[i-1].Version + 1))
		}

		By("validating persisted side effects")
		decision, err := f.store.GetDecision(context.Background(), "d-happy")
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Status).To(Equal(domain.DecisionFinalized))
		Expect(decision.FinalValue).To(Equal("june"))

		state, err := f.runs.Load(context.Background(), "d-happy")
		Expect(err).ToNot(HaveOccurred())
		Expect(state.Results.Counts).To(Equal(map[string]int{"june": 2, "july": 1}))
	})
})
