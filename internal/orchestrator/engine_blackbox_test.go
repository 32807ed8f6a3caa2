package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/orchestrator"
	"boardroom-orchestrator/internal/runstore"
	"boardroom-orchestrator/internal/storage"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n notify.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPublisher) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.sent))
	for _, n := range p.sent {
		status, _ := n.Payload["status"].(string)
		out = append(out, status)
	}
	return out
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []domain.WorkflowState
}

func (a *recordingArchiver) ArchiveRun(_ context.Context, s domain.WorkflowState) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, s)
	return storage.SnapshotKey(s.DecisionID, s.Version), nil
}

// flakyRepo fails ListVotesForRound while failVotes is set.
type flakyRepo struct {
	*storage.MemoryStore
	mu        sync.Mutex
	failVotes bool
}

func (r *flakyRepo) setFailVotes(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failVotes = v
}

func (r *flakyRepo) ListVotesForRound(ctx context.Context, roundID string) ([]domain.Vote, error) {
	r.mu.Lock()
	fail := r.failVotes
	r.mu.Unlock()
	if fail {
		return nil, errors.New("votes table unavailable")
	}
	return r.MemoryStore.ListVotesForRound(ctx, roundID)
}

func newDecision(store *storage.MemoryStore, id string, participants []string, maxRounds int, rule domain.ThresholdRule) domain.Round {
	_, round, err := store.CreateDecision(context.Background(), domain.Decision{
		ID:           id,
		Title:        "Ship the release",
		Status:       domain.DecisionDraft,
		Participants: participants,
		Personas:     []string{"cfo", "cto"},
		MaxRounds:    maxRounds,
		Rule:         rule,
	}, domain.Round{
		ID:      id + "-r1",
		Number:  1,
		Options: []string{"yes", "no"},
		OpensAt: time.Now().Add(-time.Minute),
		Status:  domain.RoundOpen,
	})
	Expect(err).NotTo(HaveOccurred())
	return round
}

func castVotes(store *storage.MemoryStore, roundID string, ballots ...[2]string) {
	base := time.Now()
	for i, b := range ballots {
		_, err := store.RecordVote(context.Background(), domain.Vote{
			ID:      roundID + "-" + b[0],
			RoundID: roundID,
			VoterID: b[0],
			Option:  b[1],
			CastAt:  base.Add(time.Duration(i) * time.Millisecond),
		})
		Expect(err).NotTo(HaveOccurred())
	}
}

func trigger(kind domain.TriggerKind, decisionID string) domain.Trigger {
	return domain.Trigger{Kind: kind, DecisionID: decisionID, At: time.Now()}
}

var _ = Describe("Engine decision runs", func() {
	var (
		ctx       context.Context
		store     *storage.MemoryStore
		runs      *runstore.Memory
		publisher *recordingPublisher
		archive   *recordingArchiver
		engine    *orchestrator.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = storage.NewMemoryStore()
		runs = runstore.NewMemory()
		publisher = &recordingPublisher{}
		archive = &recordingArchiver{}
		engine = orchestrator.NewEngine(store, runs, publisher, orchestrator.WithArchiver(archive))
	})

	It("finalizes a majority vote and publishes exactly one finalized snapshot", func() {
		round := newDecision(store, "d-major", []string{"alice", "bob", "carol"}, 3, domain.ThresholdRule{})

		state, err := engine.Run(ctx, "d-major", trigger(domain.TriggerDecisionCreated, "d-major"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunAwaitingVotes))
		Expect(state.Step).To(Equal(domain.StepDone))
		Expect(state.Transcript).To(HaveLen(2))

		decision, err := store.GetDecision(ctx, "d-major")
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Status).To(Equal(domain.DecisionActive))

		castVotes(store, round.ID, [2]string{"alice", "yes"}, [2]string{"bob", "yes"}, [2]string{"carol", "no"})

		state, err = engine.Run(ctx, "d-major", trigger(domain.TriggerVoteCast, "d-major"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunFinalized))
		Expect(state.FinalValue).To(Equal("yes"))
		Expect(state.Results).NotTo(BeNil())
		Expect(state.Results.Counts).To(Equal(map[string]int{"yes": 2, "no": 1}))

		decision, err = store.GetDecision(ctx, "d-major")
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Status).To(Equal(domain.DecisionFinalized))
		Expect(decision.FinalValue).To(Equal("yes"))

		Expect(publisher.statuses()).To(Equal([]string{"awaiting_votes", "finalized"}))
		Expect(archive.archived).To(HaveLen(1))

		history, err := runs.History(ctx, "d-major")
		Expect(err).NotTo(HaveOccurred())
		Expect(len(history)).To(BeNumerically(">=", 2))
		last := history[len(history)-1]
		beforeLast := history[len(history)-2]
		Expect(last.Step).To(Equal(domain.StepDone))
		Expect(beforeLast.Step).To(Equal(domain.StepNotify))
		Expect(beforeLast.Status).To(Equal(domain.RunFinalized))
	})

	It("applies a simple majority within a single round", func() {
		round := newDecision(store, "d-single", []string{"alice", "bob", "carol"}, 1, domain.ThresholdRule{RequireMajority: true})
		castVotes(store, round.ID, [2]string{"alice", "no"}, [2]string{"bob", "yes"}, [2]string{"carol", "no"})

		state, err := engine.Run(ctx, "d-single", trigger(domain.TriggerDecisionCreated, "d-single"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunFinalized))
		Expect(state.FinalValue).To(Equal("no"))
		Expect(state.RoundCount).To(Equal(1))
		Expect(state.Results.Counts).To(Equal(map[string]int{"no": 2, "yes": 1}))
		Expect(publisher.statuses()).To(Equal([]string{"finalized"}))

		tied := newDecision(store, "d-tied", []string{"alice", "bob"}, 1, domain.ThresholdRule{RequireMajority: true})
		castVotes(store, tied.ID, [2]string{"alice", "yes"}, [2]string{"bob", "no"})

		state, err = engine.Run(ctx, "d-tied", trigger(domain.TriggerDecisionCreated, "d-tied"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunEscalated))
		Expect(state.FinalValue).To(Equal(domain.EscalationValue))
	})

	It("keeps collecting votes when the deliberator fails", func() {
		calls := 0
		failing := orchestrator.DeliberatorFunc(func(context.Context, orchestrator.DeliberationInput) ([]domain.TranscriptEntry, error) {
			calls++
			return nil, errors.New("llm unavailable")
		})
		engine = orchestrator.NewEngine(store, runs, publisher, orchestrator.WithDeliberator(failing))
		round := newDecision(store, "d-nollm", []string{"alice"}, 1, domain.ThresholdRule{})
		castVotes(store, round.ID, [2]string{"alice", "yes"})

		state, err := engine.Run(ctx, "d-nollm", trigger(domain.TriggerDecisionCreated, "d-nollm"))
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(1))
		Expect(state.Status).To(Equal(domain.RunFinalized))
		Expect(state.Error).To(BeEmpty())
		Expect(state.Transcript).To(HaveLen(1))
		Expect(state.Transcript[0].Speaker).To(Equal("system"))
	})

	It("escalates to human review when max rounds pass without a verdict", func() {
		round := newDecision(store, "d-split", []string{"alice", "bob"}, 2, domain.ThresholdRule{MinMargin: 1})

		_, err := engine.Run(ctx, "d-split", trigger(domain.TriggerDecisionCreated, "d-split"))
		Expect(err).NotTo(HaveOccurred())

		castVotes(store, round.ID, [2]string{"alice", "yes"}, [2]string{"bob", "no"})
		state, err := engine.Run(ctx, "d-split", trigger(domain.TriggerVoteCast, "d-split"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunAwaitingVotes))
		Expect(state.RoundNumber).To(Equal(2))
		Expect(state.Votes).To(BeEmpty())

		first, err := store.GetRound(ctx, round.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Status).To(Equal(domain.RoundClosed))

		castVotes(store, state.RoundID, [2]string{"alice", "no"}, [2]string{"bob", "yes"})
		state, err = engine.Run(ctx, "d-split", trigger(domain.TriggerVoteCast, "d-split"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunEscalated))
		Expect(state.FinalValue).To(Equal(domain.EscalationValue))
		Expect(state.RoundCount).To(Equal(2))

		decision, err := store.GetDecision(ctx, "d-split")
		Expect(err).NotTo(HaveOccurred())
		Expect(decision.Status).To(Equal(domain.DecisionEscalated))
		Expect(publisher.statuses()).To(Equal([]string{"awaiting_votes", "awaiting_votes", "escalated"}))
	})

	It("records step failures and resumes the failed step on retry", func() {
		repo := &flakyRepo{MemoryStore: store}
		engine = orchestrator.NewEngine(repo, runs, publisher)
		round := newDecision(store, "d-flaky", nil, 3, domain.ThresholdRule{})
		castVotes(store, round.ID, [2]string{"alice", "yes"})

		repo.setFailVotes(true)
		state, err := engine.Run(ctx, "d-flaky", trigger(domain.TriggerDecisionCreated, "d-flaky"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunError))
		Expect(state.FailedStep).To(Equal(domain.StepCollectVotes))
		Expect(state.Error).To(ContainSubstring("votes table unavailable"))
		Expect(publisher.statuses()).To(Equal([]string{"error"}))

		repo.setFailVotes(false)
		state, err = engine.Run(ctx, "d-flaky", trigger(domain.TriggerRetry, "d-flaky"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunFinalized))
		Expect(state.Error).To(BeEmpty())
		Expect(state.FailedStep).To(BeEmpty())
		// Transcript was produced once, before the failure.
		Expect(state.Transcript).To(HaveLen(2))
	})

	It("ignores triggers once the decision is terminal", func() {
		round := newDecision(store, "d-done", []string{"alice"}, 1, domain.ThresholdRule{})
		castVotes(store, round.ID, [2]string{"alice", "no"})

		state, err := engine.Run(ctx, "d-done", trigger(domain.TriggerDecisionCreated, "d-done"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunFinalized))
		version := state.Version

		state, err = engine.Run(ctx, "d-done", trigger(domain.TriggerVoteCast, "d-done"), trigger(domain.TriggerRetry, "d-done"))
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunFinalized))
		Expect(state.Version).To(Equal(version))
		Expect(publisher.statuses()).To(Equal([]string{"finalized"}))
	})

	It("resumes an interrupted run from the persisted cursor", func() {
		newDecision(store, "d-crash", []string{"alice"}, 1, domain.ThresholdRule{})

		_, err := engine.Seed(ctx, "d-crash", trigger(domain.TriggerDecisionCreated, "d-crash"))
		Expect(err).NotTo(HaveOccurred())
		state, err := engine.Step(ctx, "d-crash")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Step).To(Equal(domain.StepDeliberate))

		restarted := orchestrator.NewEngine(store, runs, publisher)
		state, err = restarted.Run(ctx, "d-crash")
		Expect(err).NotTo(HaveOccurred())
		Expect(state.Status).To(Equal(domain.RunAwaitingVotes))
		Expect(publisher.statuses()).To(Equal([]string{"awaiting_votes"}))
	})

	It("delivers run snapshots to notification subscribers", func() {
		manager := notify.NewManager(notify.Config{IdleTimeout: time.Hour}, nil)
		defer manager.Close()
		engine = orchestrator.NewEngine(store, runs, manager)

		round := newDecision(store, "d-sub", []string{"alice"}, 1, domain.ThresholdRule{})
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		events, err := manager.Subscribe(subCtx, "d-sub")
		Expect(err).NotTo(HaveOccurred())

		_, err = engine.Run(ctx, "d-sub", trigger(domain.TriggerDecisionCreated, "d-sub"))
		Expect(err).NotTo(HaveOccurred())
		castVotes(store, round.ID, [2]string{"alice", "yes"})
		_, err = engine.Run(ctx, "d-sub", trigger(domain.TriggerVoteCast, "d-sub"))
		Expect(err).NotTo(HaveOccurred())

		var ev notify.Event
		Eventually(events, 2*time.Second).Should(Receive(&ev))
		Expect(ev.Payload["status"]).To(Equal("awaiting_votes"))
		Expect(ev.Payload["decision_id"]).To(Equal("d-sub"))
		Eventually(events, 2*time.Second).Should(Receive(&ev))
		Expect(ev.Payload["status"]).To(Equal("finalized"))
		Expect(ev.Payload["final_value"]).To(Equal("yes"))
	})
})

var _ = Describe("Runner", func() {
	It("runs scheduled triggers to completion through the engine", func() {
		store := storage.NewMemoryStore()
		runs := runstore.NewMemory()
		publisher := &recordingPublisher{}
		engine := orchestrator.NewEngine(store, runs, publisher)

		runner := orchestrator.NewRunner(engine, orchestrator.RunnerConfig{Workers: 2}, nil)
		runner.Start()
		defer func() {
			Expect(runner.Shutdown(context.Background())).To(Succeed())
		}()

		round := newDecision(store, "d-runner", []string{"alice", "bob"}, 2, domain.ThresholdRule{})
		Expect(runner.ScheduleRun(context.Background(), trigger(domain.TriggerDecisionCreated, "d-runner"))).To(Succeed())
		Eventually(runner.Idle, 2*time.Second).Should(BeTrue())

		castVotes(store, round.ID, [2]string{"alice", "yes"}, [2]string{"bob", "yes"})
		Expect(runner.ScheduleRun(context.Background(), trigger(domain.TriggerVoteCast, "d-runner"))).To(Succeed())
		Expect(runner.ScheduleRun(context.Background(), trigger(domain.TriggerVoteCast, "d-runner"))).To(Succeed())

		Eventually(func() domain.RunStatus {
			s, err := runs.Load(context.Background(), "d-runner")
			if err != nil {
				return ""
			}
			return s.Status
		}, 2*time.Second).Should(Equal(domain.RunFinalized))
		Eventually(runner.Idle, 2*time.Second).Should(BeTrue())

		Expect(publisher.statuses()).To(ContainElement("finalized"))
		Expect(runner.Stats().Failed).To(BeZero())
	})
})
