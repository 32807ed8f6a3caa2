package temporal

import (
	"context"
	"time"

	"go.temporal.io/sdk/testsuite"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/orchestrator"
	"boardroom-orchestrator/internal/runstore"
	"boardroom-orchestrator/internal/storage"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, notify.Notification) error { return nil }

type workflowFixture struct {
	store *storage.MemoryStore
	runs  *runstore.Memory
	acts  *Activities
	env   *testsuite.TestWorkflowEnvironment
}

func newWorkflowFixture(suite *testsuite.WorkflowTestSuite) *workflowFixture {
	store := storage.NewMemoryStore()
	runs := runstore.NewMemory()
	engine := orchestrator.NewEngine(store, runs, nopPublisher{})
	acts := &Activities{Engine: engine}

	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(DecisionRunWorkflow)
	env.RegisterActivity(acts.SeedRunActivity)
	env.RegisterActivity(acts.AdvanceStepActivity)
	return &workflowFixture{store: store, runs: runs, acts: acts, env: env}
}

func (f *workflowFixture) createDecision(id string, participants ...string) domain.Round {
	_, round, err := f.store.CreateDecision(context.Background(), domain.Decision{
		ID:           id,
		Title:        "Choose a launch date",
		Status:       domain.DecisionDraft,
		Participants: participants,
		MaxRounds:    2,
	}, domain.Round{
		ID:      id + "-r1",
		Number:  1,
		Options: []string{"june", "july"},
		OpensAt: time.Now().Add(-time.Minute),
		Status:  domain.RoundOpen,
	})
	if err != nil {
		panic(err)
	}
	return round
}

func (f *workflowFixture) vote(roundID, voter, option string) {
	_, err := f.store.RecordVote(context.Background(), domain.Vote{
		ID:      roundID + "-" + voter,
		RoundID: roundID,
		VoterID: voter,
		Option:  option,
	})
	if err != nil {
		panic(err)
	}
}
