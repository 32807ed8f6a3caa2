// Package service holds the mutating decision operations. Each call validates its input,
// commits to the repository, then schedules a workflow run; the run itself happens
// asynchronously and reports through decision notifications.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/orchestrator"
)

// Store is the decision repository the service writes through.
type Store interface {
	orchestrator.Repository
	CreateDecision(ctx context.Context, d domain.Decision, first domain.Round) (domain.Decision, domain.Round, error)
	ListRounds(ctx context.Context, decisionID string) ([]domain.Round, error)
	UpdateRoundOptions(ctx context.Context, roundID string, options []string) (domain.Round, error)
	RecordVote(ctx context.Context, v domain.Vote) (domain.Vote, error)
}

type NewDecision struct {
	Title        string               `json:"title"`
	Description  string               `json:"description"`
	Participants []string             `json:"participants"`
	Personas     []string             `json:"personas"`
	MaxRounds    int                  `json:"max_rounds"`
	Rule         domain.ThresholdRule `json:"rule"`
	Options      []string             `json:"options"`
	ClosesAt     *time.Time           `json:"closes_at,omitempty"`
	CreatedBy    string               `json:"created_by"`
}

type NewRound struct {
	Options  []string   `json:"options"`
	OpensAt  *time.Time `json:"opens_at,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

type NewVote struct {
	RoundID   string `json:"round_id"`
	VoterID   string `json:"voter_id"`
	Option    string `json:"option"`
	Rationale string `json:"rationale"`
}

type DecisionView struct {
	domain.Decision
	Rounds []domain.Round `json:"rounds"`
}

type Service struct {
	store            Store
	scheduler        orchestrator.Scheduler
	logger           *slog.Logger
	now              func() time.Time
	defaultMaxRounds int
}

type Option func(*Service)

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithDefaultMaxRounds(n int) Option {
	return func(s *Service) { s.defaultMaxRounds = n }
}

func New(store Store, scheduler orchestrator.Scheduler, opts ...Option) *Service {
	s := &Service{
		store:            store,
		scheduler:        scheduler,
		logger:           slog.Default(),
		now:              time.Now,
		defaultMaxRounds: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) CreateDecision(ctx context.Context, in NewDecision) (DecisionView, error) {
	const op = "create decision"
	now := s.now().UTC()

	d := domain.Decision{
		ID:           uuid.NewString(),
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Status:       domain.DecisionDraft,
		Participants: trimAll(in.Participants),
		Personas:     trimAll(in.Personas),
		MaxRounds:    in.MaxRounds,
		Rule:         in.Rule,
		CreatedBy:    in.CreatedBy,
	}
	if d.MaxRounds == 0 {
		d.MaxRounds = s.defaultMaxRounds
	}
	first := domain.Round{
		ID:       uuid.NewString(),
		Number:   1,
		Options:  trimAll(in.Options),
		OpensAt:  now,
		ClosesAt: in.ClosesAt,
		Status:   domain.RoundOpen,
	}

	failed := append(domain.ValidateDecision(d).FailedRules, domain.ValidateRound(first).FailedRules...)
	if err := (domain.ValidationResult{FailedRules: failed}).Err(op); err != nil {
		return DecisionView{}, err
	}

	d, first, err := s.store.CreateDecision(ctx, d, first)
	if err != nil {
		return DecisionView{}, err
	}
	s.logger.Info("Decision created", "decision_id", d.ID, "round_id", first.ID, "options", len(first.Options))

	s.schedule(ctx, domain.Trigger{Kind: domain.TriggerDecisionCreated, DecisionID: d.ID, RoundID: first.ID, At: now})
	return DecisionView{Decision: d, Rounds: []domain.Round{first}}, nil
}

// OpenRound starts the next round of an open decision and closes the previous one.
func (s *Service) OpenRound(ctx context.Context, decisionID string, in NewRound) (domain.Round, error) {
	const op = "open round"
	decision, err := s.store.GetDecision(ctx, decisionID)
	if err != nil {
		return domain.Round{}, err
	}
	if decision.Status.Closed() {
		return domain.Round{}, domain.Conflict(op, "decision %s is %s", decisionID, decision.Status)
	}

	number := 1
	previous, err := s.store.LatestRound(ctx, decisionID)
	switch {
	case err == nil:
		number = previous.Number + 1
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Round{}, err
	}

	now := s.now().UTC()
	round := domain.Round{
		ID:         uuid.NewString(),
		DecisionID: decisionID,
		Number:     number,
		Options:    trimAll(in.Options),
		OpensAt:    now,
		ClosesAt:   in.ClosesAt,
		Status:     domain.RoundOpen,
	}
	if in.OpensAt != nil {
		round.OpensAt = in.OpensAt.UTC()
		if round.OpensAt.After(now) {
			round.Status = domain.RoundPending
		}
	}
	if err := domain.ValidateRound(round).Err(op); err != nil {
		return domain.Round{}, err
	}

	round, err = s.store.CreateRound(ctx, round)
	if err != nil {
		return domain.Round{}, err
	}
	if number > 1 {
		if err := s.store.CloseRound(ctx, previous.ID); err != nil {
			return domain.Round{}, err
		}
	}
	s.logger.Info("Round opened", "decision_id", decisionID, "round_id", round.ID, "round", round.Number)

	s.schedule(ctx, domain.Trigger{Kind: domain.TriggerRoundOpened, DecisionID: decisionID, RoundID: round.ID, At: now})
	return round, nil
}

func (s *Service) CastVote(ctx context.Context, in NewVote) (domain.Vote, error) {
	const op = "cast vote"
	round, err := s.store.GetRound(ctx, in.RoundID)
	if err != nil {
		return domain.Vote{}, err
	}

	now := s.now().UTC()
	if !round.OpenAt(now) {
		return domain.Vote{}, domain.Validation(op, "round %s is not open for voting", round.ID)
	}

	vote := domain.Vote{
		ID:        uuid.NewString(),
		RoundID:   round.ID,
		VoterID:   strings.TrimSpace(in.VoterID),
		Option:    strings.TrimSpace(in.Option),
		Rationale: in.Rationale,
		CastAt:    now,
	}
	if err := domain.ValidateVote(vote, round).Err(op); err != nil {
		return domain.Vote{}, err
	}

	vote, err = s.store.RecordVote(ctx, vote)
	if err != nil {
		return domain.Vote{}, err
	}
	s.logger.Info("Vote cast", "decision_id", round.DecisionID, "round_id", round.ID, "voter_id", vote.VoterID)

	s.schedule(ctx, domain.Trigger{
		Kind:       domain.TriggerVoteCast,
		DecisionID: round.DecisionID,
		RoundID:    round.ID,
		VoteID:     vote.ID,
		At:         now,
	})
	return vote, nil
}

func (s *Service) AmendRoundOptions(ctx context.Context, roundID string, options []string) (domain.Round, error) {
	const op = "amend round options"
	round, err := s.store.GetRound(ctx, roundID)
	if err != nil {
		return domain.Round{}, err
	}
	if round.Status == domain.RoundClosed {
		return domain.Round{}, domain.Conflict(op, "round %s is closed", roundID)
	}
	round.Options = trimAll(options)
	if err := domain.ValidateRound(round).Err(op); err != nil {
		return domain.Round{}, err
	}

	updated, err := s.store.UpdateRoundOptions(ctx, roundID, round.Options)
	if err != nil {
		return domain.Round{}, err
	}
	s.logger.Info("Round options amended", "round_id", roundID, "options", len(updated.Options))
	return updated, nil
}

func (s *Service) GetDecision(ctx context.Context, id string) (DecisionView, error) {
	d, err := s.store.GetDecision(ctx, id)
	if err != nil {
		return DecisionView{}, err
	}
	rounds, err := s.store.ListRounds(ctx, id)
	if err != nil {
		return DecisionView{}, err
	}
	return DecisionView{Decision: d, Rounds: rounds}, nil
}

// Retry re-runs a decision whose last run ended in error.
func (s *Service) Retry(ctx context.Context, decisionID string) error {
	if _, err := s.store.GetDecision(ctx, decisionID); err != nil {
		return err
	}
	return s.scheduler.ScheduleRun(ctx, domain.Trigger{Kind: domain.TriggerRetry, DecisionID: decisionID, At: s.now().UTC()})
}

// schedule hands the trigger to the scheduler. The mutation is already committed, so a
// scheduling failure is logged and the next trigger for the decision picks the change up.
func (s *Service) schedule(ctx context.Context, t domain.Trigger) {
	if err := s.scheduler.ScheduleRun(ctx, t); err != nil {
		s.logger.Error("Failed to schedule decision run", "decision_id", t.DecisionID, "kind", t.Kind, "error", err)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, strings.TrimSpace(v))
	}
	return out
}
