package domain

import (
	"encoding/json"
	"time"
)

// Step is the resume cursor of a decision run: the next step the engine will execute.
type Step string

const (
	StepInitialize     Step = "initialize"
	StepDeliberate     Step = "deliberate"
	StepCollectVotes   Step = "collect_votes"
	StepComputeResults Step = "compute_results"
	StepAdvanceRound   Step = "advance_round"
	StepFinalize       Step = "finalize_decision"
	StepEscalate       Step = "escalate_decision"
	StepNotify         Step = "notify"
	StepDone           Step = "done"
)

// RunStatus is the user-facing lifecycle status of a decision run.
type RunStatus string

const (
	RunDeliberating    RunStatus = "deliberating"
	RunVotesCollected  RunStatus = "votes_collected"
	RunAwaitingVotes   RunStatus = "awaiting_votes"
	RunResultsComputed RunStatus = "results_computed"
	RunFinalized       RunStatus = "finalized"
	RunEscalated       RunStatus = "escalated"
	RunError           RunStatus = "error"
)

// Terminal reports whether no further trigger may advance the run.
func (s RunStatus) Terminal() bool {
	return s == RunFinalized || s == RunEscalated
}

// EscalationValue is the final value recorded when a decision is handed to human review.
const EscalationValue = "human_review"

type TriggerKind string

const (
	TriggerDecisionCreated TriggerKind = "decision_created"
	TriggerRoundOpened     TriggerKind = "round_opened"
	TriggerVoteCast        TriggerKind = "vote_cast"
	TriggerRetry           TriggerKind = "retry"
)

// Trigger is the event that schedules a decision run.
type Trigger struct {
	Kind       TriggerKind `json:"kind"`
	DecisionID string      `json:"decision_id"`
	RoundID    string      `json:"round_id,omitempty"`
	VoteID     string      `json:"vote_id,omitempty"`
	At         time.Time   `json:"at"`
}

type WorkflowState struct {
	DecisionID         string            `json:"decision_id"`
	Title              string            `json:"title,omitempty"`
	RoundID            string            `json:"round_id,omitempty"`
	RoundNumber        int               `json:"round_number"`
	Step               Step              `json:"step"`
	Status             RunStatus         `json:"status,omitempty"`
	Votes              []Vote            `json:"votes"`
	Results            *TallyResult      `json:"results,omitempty"`
	FinalValue         string            `json:"final_value,omitempty"`
	Error              string            `json:"error,omitempty"`
	FailedStep         Step              `json:"failed_step,omitempty"`
	RoundCount         int               `json:"round_count"`
	MaxRounds          int               `json:"max_rounds"`
	Participants       []string          `json:"participants"`
	Personas           []string          `json:"personas"`
	Rule               ThresholdRule     `json:"rule"`
	Transcript         []TranscriptEntry `json:"transcript"`
	DeliberationPasses int               `json:"deliberation_passes"`
	Version            int64             `json:"version"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// NewWorkflowState returns the initial state of a decision that has never run.
func NewWorkflowState(decisionID string) WorkflowState {
	return WorkflowState{DecisionID: decisionID, Step: StepInitialize}
}

// Halted reports whether the current invocation has nothing left to execute.
func (s WorkflowState) Halted() bool {
	return s.Step == StepDone
}

// Payload renders the state as a plain string-keyed map suitable for queues and transports.
func (s WorkflowState) Payload() (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
