package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/tally"
)

func (e *Engine) initialize(ctx context.Context, s *domain.WorkflowState) (domain.Step, error) {
	decision, err := e.repo.GetDecision(ctx, s.DecisionID)
	if err != nil {
		return "", fmt.Errorf("load decision: %w", err)
	}

	var round domain.Round
	if s.RoundID != "" {
		round, err = e.repo.GetRound(ctx, s.RoundID)
	} else {
		round, err = e.repo.LatestRound(ctx, s.DecisionID)
	}
	if err != nil {
		return "", fmt.Errorf("load round: %w", err)
	}
	if round.DecisionID != decision.ID {
		return "", domain.Validation("load round", "round %s does not belong to decision %s", round.ID, decision.ID)
	}

	s.Title = decision.Title
	s.RoundID = round.ID
	s.RoundNumber = round.Number
	s.RoundCount = round.Number
	s.MaxRounds = decision.MaxRounds
	if s.MaxRounds < 1 {
		s.MaxRounds = e.maxRounds
	}
	s.Participants = append([]string(nil), decision.Participants...)
	s.Personas = append([]string(nil), decision.Personas...)
	s.Rule = decision.Rule
	s.Votes = nil
	s.Results = nil
	s.FinalValue = ""
	s.Error = ""
	s.FailedStep = ""
	s.DeliberationPasses = 0

	switch {
	case decision.Status == domain.DecisionDraft:
		if err := e.repo.UpdateDecisionStatus(ctx, decision.ID, domain.DecisionActive, ""); err != nil {
			return "", fmt.Errorf("activate decision: %w", err)
		}
	case decision.Status.Closed():
		// Closed outside this run: report the recorded outcome and stop.
		s.Status = domain.RunStatus(decision.Status)
		s.FinalValue = decision.FinalValue
		return domain.StepNotify, nil
	}

	s.Status = domain.RunDeliberating
	return domain.StepDeliberate, nil
}

func (e *Engine) deliberate(ctx context.Context, s *domain.WorkflowState) (domain.Step, error) {
	round, err := e.repo.GetRound(ctx, s.RoundID)
	if err != nil {
		return "", fmt.Errorf("load round: %w", err)
	}

	entries, err := e.deliberator.Deliberate(ctx, DeliberationInput{
		DecisionID: s.DecisionID,
		Title:      s.Title,
		Round:      s.RoundNumber,
		Options:    round.Options,
		Personas:   s.Personas,
		Transcript: s.Transcript,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("deliberate: %w", err)
		}
		// Discussion is advisory; votes keep flowing without it.
		e.logger.Warn("Deliberation failed, continuing without it", "decision_id", s.DecisionID, "round", s.RoundNumber, "error", err)
		entries = nil
		s.DeliberationPasses = e.maxDeliberationPasses
	} else {
		s.DeliberationPasses++
	}
	if len(entries) == 0 {
		if s.DeliberationPasses < e.maxDeliberationPasses {
			return domain.StepDeliberate, nil
		}
		entries = []domain.TranscriptEntry{{
			Speaker: "system",
			Content: "No deliberation was produced for this round.",
		}}
	}

	now := e.now().UTC()
	for i := range entries {
		entries[i].Round = s.RoundNumber
		if entries[i].At.IsZero() {
			entries[i].At = now
		}
	}
	s.Transcript = append(s.Transcript, entries...)
	s.DeliberationPasses = 0
	return domain.StepCollectVotes, nil
}

func (e *Engine) collectVotes(ctx context.Context, s *domain.WorkflowState) (domain.Step, error) {
	if s.RoundID == "" {
		return "", domain.Validation("collect votes", "no active round")
	}
	round, err := e.repo.GetRound(ctx, s.RoundID)
	if err != nil {
		return "", fmt.Errorf("load round: %w", err)
	}
	votes, err := e.repo.ListVotesForRound(ctx, s.RoundID)
	if err != nil {
		return "", fmt.Errorf("list votes: %w", err)
	}
	s.Votes = votes

	if !roundReady(round, votes, s.Participants, s.Rule, e.now()) {
		s.Status = domain.RunAwaitingVotes
		return domain.StepNotify, nil
	}
	s.Status = domain.RunVotesCollected
	return domain.StepComputeResults, nil
}

func (e *Engine) computeResults(_ context.Context, s *domain.WorkflowState) (domain.Step, error) {
	res := tally.Compute(s.Votes, s.Rule)
	s.Results = &res
	s.Status = domain.RunResultsComputed
	return shouldFinalize(*s), nil
}

// shouldFinalize picks the edge taken after results are computed.
func shouldFinalize(s domain.WorkflowState) domain.Step {
	switch {
	case s.Results != nil && s.Results.Passed:
		return domain.StepFinalize
	case s.RoundCount >= s.MaxRounds:
		return domain.StepEscalate
	default:
		return domain.StepAdvanceRound
	}
}

func (e *Engine) advanceRound(ctx context.Context, s *domain.WorkflowState) (domain.Step, error) {
	current, err := e.repo.GetRound(ctx, s.RoundID)
	if err != nil {
		return "", fmt.Errorf("load round: %w", err)
	}
	if err := e.repo.CloseRound(ctx, current.ID); err != nil {
		return "", fmt.Errorf("close round: %w", err)
	}

	next, err := e.repo.CreateRound(ctx, domain.Round{
		ID:         uuid.NewString(),
		DecisionID: s.DecisionID,
		Number:     current.Number + 1,
		Options:    append([]string(nil), current.Options...),
		OpensAt:    e.now().UTC(),
		Status:     domain.RoundOpen,
	})
	if errors.Is(err, domain.ErrConflict) {
		// Replayed step: the round was created before the previous attempt was saved.
		next, err = e.repo.LatestRound(ctx, s.DecisionID)
		if err == nil && next.Number != current.Number+1 {
			err = domain.Conflict("advance round", "latest round is %d, expected %d", next.Number, current.Number+1)
		}
	}
	if err != nil {
		return "", fmt.Errorf("open round %d: %w", current.Number+1, err)
	}

	e.logger.Info("Opened next round", "decision_id", s.DecisionID, "round", next.Number, "round_id", next.ID)
	s.RoundID = next.ID
	s.RoundNumber = next.Number
	s.RoundCount = next.Number
	s.Votes = nil
	s.Results = nil
	s.Status = domain.RunDeliberating
	return domain.StepDeliberate, nil
}

func (e *Engine) finalize(ctx context.Context, s *domain.WorkflowState) (domain.Step, error) {
	if s.Results == nil || !s.Results.Passed {
		return "", domain.Validation("finalize decision", "no passing tally")
	}
	if err := e.repo.UpdateDecisionStatus(ctx, s.DecisionID, domain.DecisionFinalized, s.Results.Leader); err != nil {
		return "", fmt.Errorf("finalize decision: %w", err)
	}
	if err := e.repo.CloseRound(ctx, s.RoundID); err != nil {
		return "", fmt.Errorf("close round: %w", err)
	}
	s.FinalValue = s.Results.Leader
	s.Status = domain.RunFinalized
	return domain.StepNotify, nil
}

func (e *Engine) escalate(ctx context.Context, s *domain.WorkflowState) (domain.Step, error) {
	if err := e.repo.UpdateDecisionStatus(ctx, s.DecisionID, domain.DecisionEscalated, domain.EscalationValue); err != nil {
		return "", fmt.Errorf("escalate decision: %w", err)
	}
	if err := e.repo.CloseRound(ctx, s.RoundID); err != nil {
		return "", fmt.Errorf("close round: %w", err)
	}
	s.FinalValue = domain.EscalationValue
	s.Status = domain.RunEscalated
	return domain.StepNotify, nil
}

// notifySubscribers is the only step with externally visible effects. Delivery problems are logged and
// never fail the run.
func (e *Engine) notifySubscribers(ctx context.Context, s *domain.WorkflowState) domain.Step {
	payload, err := s.Payload()
	if err != nil {
		e.logger.Error("Failed to encode notification", "decision_id", s.DecisionID, "error", err)
		return domain.StepDone
	}

	terminal := s.Status.Terminal()
	if err := e.publisher.Publish(ctx, notify.Notification{DecisionID: s.DecisionID, Payload: payload, Terminal: terminal}); err != nil {
		e.logger.Warn("Notification not delivered", "decision_id", s.DecisionID, "status", s.Status, "error", err)
	}

	if terminal && e.archive != nil {
		key, err := e.archive.ArchiveRun(ctx, *s)
		if err != nil {
			e.logger.Warn("Failed to archive decision run", "decision_id", s.DecisionID, "error", err)
		} else {
			e.logger.Info("Archived decision run", "decision_id", s.DecisionID, "object_key", key)
		}
	}

	e.logger.Info("Decision run notified", "decision_id", s.DecisionID, "status", s.Status, "round", s.RoundNumber)
	return domain.StepDone
}

// roundReady reports whether the collected votes settle the round: at least one vote, and
// either the window closed, the whole roster voted, or (without a roster) the minimum
// vote count was reached.
func roundReady(round domain.Round, votes []domain.Vote, roster []string, rule domain.ThresholdRule, now time.Time) bool {
	if len(votes) == 0 {
		return false
	}
	if round.ClosedAt(now) {
		return true
	}
	if len(roster) == 0 {
		return rule.MinVotes == 0 || len(votes) >= rule.MinVotes
	}
	voted := make(map[string]struct{}, len(votes))
	for _, v := range votes {
		voted[v.VoterID] = struct{}{}
	}
	for _, member := range roster {
		if _, ok := voted[member]; !ok {
			return false
		}
	}
	return true
}
