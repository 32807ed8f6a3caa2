package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"boardroom-orchestrator/internal/domain"
)

// MemoryStore is an in-process decision repository. Reads return copies, so callers never
// share slices with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	decisions map[string]domain.Decision
	rounds    map[string]domain.Round
	votes     map[string][]domain.Vote
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		decisions: map[string]domain.Decision{},
		rounds:    map[string]domain.Round{},
		votes:     map[string][]domain.Vote{},
		now:       time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateDecision(_ context.Context, d domain.Decision, first domain.Round) (domain.Decision, domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.decisions[d.ID]; ok {
		return domain.Decision{}, domain.Round{}, domain.Conflict("create decision", "decision %s already exists", d.ID)
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	s.decisions[d.ID] = copyDecision(d)

	first.DecisionID = d.ID
	first.CreatedAt = now
	s.rounds[first.ID] = copyRound(first)
	return d, first, nil
}

func (s *MemoryStore) GetDecision(_ context.Context, id string) (domain.Decision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decisions[id]
	if !ok {
		return domain.Decision{}, domain.NotFound("get decision", "decision", id)
	}
	return copyDecision(d), nil
}

func (s *MemoryStore) UpdateDecisionStatus(_ context.Context, id string, status domain.DecisionStatus, finalValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[id]
	if !ok {
		return domain.NotFound("update decision", "decision", id)
	}
	d.Status = status
	d.FinalValue = finalValue
	d.UpdatedAt = s.now().UTC()
	s.decisions[id] = d
	return nil
}

func (s *MemoryStore) GetRound(_ context.Context, id string) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rounds[id]
	if !ok {
		return domain.Round{}, domain.NotFound("get round", "round", id)
	}
	return copyRound(r), nil
}

func (s *MemoryStore) LatestRound(_ context.Context, decisionID string) (domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		latest domain.Round
		found  bool
	)
	for _, r := range s.rounds {
		if r.DecisionID == decisionID && (!found || r.Number > latest.Number) {
			latest, found = r, true
		}
	}
	if !found {
		return domain.Round{}, domain.NotFound("latest round", "round for decision", decisionID)
	}
	return copyRound(latest), nil
}

func (s *MemoryStore) ListRounds(_ context.Context, decisionID string) ([]domain.Round, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rounds := make([]domain.Round, 0)
	for _, r := range s.rounds {
		if r.DecisionID == decisionID {
			rounds = append(rounds, copyRound(r))
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i].Number < rounds[j].Number })
	return rounds, nil
}

func (s *MemoryStore) CreateRound(_ context.Context, r domain.Round) (domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.decisions[r.DecisionID]; !ok {
		return domain.Round{}, domain.NotFound("create round", "decision", r.DecisionID)
	}
	for _, existing := range s.rounds {
		if existing.ID == r.ID || (existing.DecisionID == r.DecisionID && existing.Number == r.Number) {
			return domain.Round{}, domain.Conflict("create round", "round %d already exists for decision %s", r.Number, r.DecisionID)
		}
	}
	r.CreatedAt = s.now().UTC()
	s.rounds[r.ID] = copyRound(r)
	return r, nil
}

func (s *MemoryStore) CloseRound(_ context.Context, roundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return domain.NotFound("close round", "round", roundID)
	}
	r.Status = domain.RoundClosed
	s.rounds[roundID] = r
	return nil
}

func (s *MemoryStore) UpdateRoundOptions(_ context.Context, roundID string, options []string) (domain.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[roundID]
	if !ok {
		return domain.Round{}, domain.NotFound("update round options", "round", roundID)
	}
	if len(s.votes[roundID]) > 0 {
		return domain.Round{}, domain.Conflict("update round options", "round %s already has votes", roundID)
	}
	r.Options = append([]string(nil), options...)
	s.rounds[roundID] = r
	return copyRound(r), nil
}

func (s *MemoryStore) RecordVote(_ context.Context, v domain.Vote) (domain.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rounds[v.RoundID]; !ok {
		return domain.Vote{}, domain.NotFound("record vote", "round", v.RoundID)
	}
	for _, existing := range s.votes[v.RoundID] {
		if existing.VoterID == v.VoterID {
			return domain.Vote{}, domain.Conflict("record vote", "voter %s already voted in round %s", v.VoterID, v.RoundID)
		}
	}
	if v.CastAt.IsZero() {
		v.CastAt = s.now().UTC()
	}
	s.votes[v.RoundID] = append(s.votes[v.RoundID], v)
	return v, nil
}

func (s *MemoryStore) ListVotesForRound(_ context.Context, roundID string) ([]domain.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.rounds[roundID]; !ok {
		return nil, domain.NotFound("list votes", "round", roundID)
	}
	votes := append([]domain.Vote(nil), s.votes[roundID]...)
	sort.SliceStable(votes, func(i, j int) bool { return votes[i].CastAt.Before(votes[j].CastAt) })
	return votes, nil
}

func copyDecision(d domain.Decision) domain.Decision {
	d.Participants = append([]string(nil), d.Participants...)
	d.Personas = append([]string(nil), d.Personas...)
	return d
}

func copyRound(r domain.Round) domain.Round {
	r.Options = append([]string(nil), r.Options...)
	if r.ClosesAt != nil {
		closes := *r.ClosesAt
		r.ClosesAt = &closes
	}
	return r
}
