// Package orchestrator runs the decision workflow: a state machine of named steps over a
// checkpointed WorkflowState, advanced one persisted step at a time.
//
// Every step is saved to the run store before the next one starts, and only the notify step
// publishes anything, so a crash between steps resumes from the saved cursor without
// producing a notification for work that was never persisted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/runstore"
)

const (
	defaultMaxRounds             = 3
	defaultMaxDeliberationPasses = 2
	maxStepsPerRun               = 64
)

// Repository is the read/write contract the engine needs over decision storage.
type Repository interface {
	GetDecision(ctx context.Context, id string) (domain.Decision, error)
	UpdateDecisionStatus(ctx context.Context, id string, status domain.DecisionStatus, finalValue string) error
	GetRound(ctx context.Context, id string) (domain.Round, error)
	LatestRound(ctx context.Context, decisionID string) (domain.Round, error)
	CreateRound(ctx context.Context, round domain.Round) (domain.Round, error)
	CloseRound(ctx context.Context, roundID string) error
	ListVotesForRound(ctx context.Context, roundID string) ([]domain.Vote, error)
}

// Archiver stores the final snapshot of a decision run.
type Archiver interface {
	ArchiveRun(ctx context.Context, state domain.WorkflowState) (string, error)
}

type Engine struct {
	repo        Repository
	runs        runstore.Store
	publisher   notify.Publisher
	deliberator Deliberator
	archive     Archiver
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	maxRounds             int
	maxDeliberationPasses int
}

type Option func(*Engine)

func WithDeliberator(d Deliberator) Option {
	return func(e *Engine) { e.deliberator = d }
}

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archive = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDefaultMaxRounds sets the round limit for decisions that do not carry their own.
func WithDefaultMaxRounds(n int) Option {
	return func(e *Engine) { e.maxRounds = n }
}

// WithMaxDeliberationPasses bounds how often deliberate may loop without producing entries.
func WithMaxDeliberationPasses(n int) Option {
	return func(e *Engine) { e.maxDeliberationPasses = n }
}

func NewEngine(repo Repository, runs runstore.Store, publisher notify.Publisher, opts ...Option) *Engine {
	e := &Engine{
		repo:                  repo,
		runs:                  runs,
		publisher:             publisher,
		deliberator:           PersonaDeliberator{},
		logger:                slog.Default(),
		tracer:                otel.Tracer("boardroom-orchestrator/orchestrator"),
		now:                   time.Now,
		maxRounds:             defaultMaxRounds,
		maxDeliberationPasses: defaultMaxDeliberationPasses,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRounds < 1 {
		e.maxRounds = defaultMaxRounds
	}
	if e.maxDeliberationPasses < 1 {
		e.maxDeliberationPasses = 1
	}
	return e
}

// Run merges the triggers into the persisted state and executes steps until the invocation
// halts. Step failures are recorded in the state; the returned error only reports
// persistence problems, after which the run can be resumed by another trigger.
func (e *Engine) Run(ctx context.Context, decisionID string, triggers ...domain.Trigger) (domain.WorkflowState, error) {
	state, err := e.Seed(ctx, decisionID, triggers...)
	if err != nil {
		return state, err
	}
	for steps := 0; !state.Halted(); steps++ {
		if steps >= maxStepsPerRun {
			return state, fmt.Errorf("decision %s: run exceeded %d steps", decisionID, maxStepsPerRun)
		}
		state, err = e.Step(ctx, decisionID)
		if err != nil {
			return state, err
		}
	}
	return state, nil
}

// Seed loads the decision's run state, creating it on first use, and positions its cursor
// for the given triggers.
func (e *Engine) Seed(ctx context.Context, decisionID string, triggers ...domain.Trigger) (domain.WorkflowState, error) {
	state, err := e.runs.Load(ctx, decisionID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		state = domain.NewWorkflowState(decisionID)
	case err != nil:
		return state, domain.Persistence("seed run", err)
	}

	changed := state.Version == 0
	for _, t := range triggers {
		if applyTrigger(&state, t) {
			changed = true
		}
	}
	if !changed {
		return state, nil
	}
	if err := e.runs.Save(ctx, &state); err != nil {
		return state, domain.Persistence("seed run", err)
	}
	e.logger.Debug("Seeded decision run", "decision_id", decisionID, "step", state.Step, "version", state.Version)
	return state, nil
}

// applyTrigger moves the resume cursor for a trigger and reports whether the state changed.
func applyTrigger(s *domain.WorkflowState, t domain.Trigger) bool {
	if s.Status.Terminal() && s.Halted() {
		return false
	}
	if t.Kind == domain.TriggerRoundOpened && t.RoundID != "" && t.RoundID != s.RoundID {
		s.RoundID = t.RoundID
		s.Step = domain.StepInitialize
		return true
	}
	if !s.Halted() {
		return false
	}
	if s.Status == domain.RunError {
		s.Step = s.FailedStep
		if s.Step == "" {
			s.Step = domain.StepInitialize
		}
		s.Error = ""
		s.FailedStep = ""
		return true
	}
	s.Step = domain.StepCollectVotes
	return true
}

// Step executes the step under the persisted cursor and saves the result.
func (e *Engine) Step(ctx context.Context, decisionID string) (domain.WorkflowState, error) {
	state, err := e.runs.Load(ctx, decisionID)
	if err != nil {
		return state, domain.Persistence("load run", err)
	}
	if state.Halted() {
		return state, nil
	}

	state.Step = e.execute(ctx, &state)
	if err := e.runs.Save(ctx, &state); err != nil {
		return state, domain.Persistence("save run", err)
	}
	return state, nil
}

func (e *Engine) execute(ctx context.Context, s *domain.WorkflowState) domain.Step {
	step := s.Step
	ctx, span := e.tracer.Start(ctx, "decision."+string(step), trace.WithAttributes(
		attribute.String("decision.id", s.DecisionID),
		attribute.Int("decision.round", s.RoundNumber),
	))
	defer span.End()

	var (
		next domain.Step
		err  error
	)
	switch step {
	case domain.StepInitialize:
		next, err = e.initialize(ctx, s)
	case domain.StepDeliberate:
		next, err = e.deliberate(ctx, s)
	case domain.StepCollectVotes:
		next, err = e.collectVotes(ctx, s)
	case domain.StepComputeResults:
		next, err = e.computeResults(ctx, s)
	case domain.StepAdvanceRound:
		next, err = e.advanceRound(ctx, s)
	case domain.StepFinalize:
		next, err = e.finalize(ctx, s)
	case domain.StepEscalate:
		next, err = e.escalate(ctx, s)
	case domain.StepNotify:
		next = e.notifySubscribers(ctx, s)
	default:
		err = fmt.Errorf("unknown step %q", step)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Decision step failed", "decision_id", s.DecisionID, "step", step, "error", err)
		s.Status = domain.RunError
		s.Error = err.Error()
		s.FailedStep = step
		return domain.StepNotify
	}
	span.SetAttributes(attribute.String("decision.status", string(s.Status)))
	return next
}
