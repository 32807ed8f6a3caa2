package domain

import "time"

type DecisionStatus string

const (
	DecisionDraft     DecisionStatus = "draft"
	DecisionActive    DecisionStatus = "active"
	DecisionFinalized DecisionStatus = "finalized"
	DecisionEscalated DecisionStatus = "escalated"
)

// Closed reports whether the decision has reached an outcome and accepts no further rounds.
func (s DecisionStatus) Closed() bool {
	return s == DecisionFinalized || s == DecisionEscalated
}

type RoundStatus string

const (
	RoundPending RoundStatus = "pending"
	RoundOpen    RoundStatus = "open"
	RoundClosed  RoundStatus = "closed"
)

// ThresholdRule is the verdict rule applied to a round's tally. Zero values disable a
// constraint; every enabled constraint must hold for the tally to pass.
type ThresholdRule struct {
	MinVotes        int  `json:"min_votes,omitempty"`
	MinMargin       int  `json:"min_margin,omitempty"`
	RequireMajority bool `json:"require_majority,omitempty"`
}

func (r ThresholdRule) Configured() bool {
	return r.MinVotes > 0 || r.MinMargin > 0 || r.RequireMajority
}

type Decision struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Status       DecisionStatus `json:"status"`
	Participants []string       `json:"participants"`
	Personas     []string       `json:"personas"`
	MaxRounds    int            `json:"max_rounds"`
	Rule         ThresholdRule  `json:"rule"`
	FinalValue   string         `json:"final_value,omitempty"`
	CreatedBy    string         `json:"created_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type Round struct {
	ID         string      `json:"id"`
	DecisionID string      `json:"decision_id"`
	Number     int         `json:"round_number"`
	Options    []string    `json:"options"`
	OpensAt    time.Time   `json:"opens_at"`
	ClosesAt   *time.Time  `json:"closes_at,omitempty"`
	Status     RoundStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// HasOption reports whether key is one of the round's options.
func (r Round) HasOption(key string) bool {
	for _, o := range r.Options {
		if o == key {
			return true
		}
	}
	return false
}

// OpenAt reports whether the round accepts votes at t.
func (r Round) OpenAt(t time.Time) bool {
	if r.Status == RoundClosed {
		return false
	}
	if t.Before(r.OpensAt) {
		return false
	}
	return r.ClosesAt == nil || t.Before(*r.ClosesAt)
}

// ClosedAt reports whether the voting window has ended at t.
func (r Round) ClosedAt(t time.Time) bool {
	if r.Status == RoundClosed {
		return true
	}
	return r.ClosesAt != nil && !t.Before(*r.ClosesAt)
}

type Vote struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"round_id"`
	VoterID   string    `json:"voter_id"`
	Option    string    `json:"option"`
	Rationale string    `json:"rationale,omitempty"`
	CastAt    time.Time `json:"cast_at"`
}

type TranscriptEntry struct {
	Round   int       `json:"round"`
	Speaker string    `json:"speaker"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

type TallyResult struct {
	Counts        map[string]int `json:"counts"`
	Order         []string       `json:"order"`
	Leader        string         `json:"leader,omitempty"`
	LeaderVotes   int            `json:"leader_votes"`
	RunnerUpVotes int            `json:"runner_up_votes"`
	Margin        int            `json:"margin"`
	TotalVotes    int            `json:"total_votes"`
	Decidable     bool           `json:"decidable"`
	Passed        bool           `json:"passed"`
}
