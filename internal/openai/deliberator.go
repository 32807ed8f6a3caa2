package openai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/orchestrator"
)

// Deliberator asks a chat model for the opening statements of a round. A reply that fails
// parsing gets one repair attempt; a reply that still fails yields no entries, which makes
// the engine retry the deliberate step.
type Deliberator struct {
	client      Client
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
	logger      *slog.Logger
}

var _ orchestrator.Deliberator = (*Deliberator)(nil)

func NewDeliberator(client Client, model string, timeout time.Duration, logger *slog.Logger) *Deliberator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deliberator{client: client, model: model, temperature: 0.4, maxTokens: 1200, timeout: timeout, logger: logger}
}

func (d *Deliberator) Deliberate(ctx context.Context, in orchestrator.DeliberationInput) ([]domain.TranscriptEntry, error) {
	speakers := in.Personas
	if len(speakers) == 0 {
		speakers = []string{"moderator"}
	}

	first, err := d.client.Complete(ctx, CompletionRequest{
		Model:        d.model,
		SystemPrompt: DELIBERATE_SYSTEM,
		UserPrompt:   BuildDeliberateUserPrompt(in.Title, in.Round, in.Options, speakers, in.Transcript),
		Temperature:  d.temperature,
		MaxTokens:    d.maxTokens,
		Timeout:      d.timeout,
	})
	entries, problem := d.transcript(first, err, speakers)
	if problem == nil {
		return d.stamp(in, first, entries), nil
	}
	if !repairable(problem) {
		return nil, problem
	}

	d.logger.Warn("Deliberation output invalid, repairing", "decision_id", in.DecisionID, "round", in.Round, "error", problem)
	second, err := d.client.Complete(ctx, CompletionRequest{
		Model:        d.model,
		SystemPrompt: REPAIR_SYSTEM,
		UserPrompt:   BuildRepairUserPrompt(problem.Error(), speakers, first.Content),
		MaxTokens:    d.maxTokens,
		Timeout:      d.timeout,
	})
	entries, problem = d.transcript(second, err, speakers)
	if problem != nil {
		if !repairable(problem) {
			return nil, problem
		}
		d.logger.Warn("Deliberation repair failed", "decision_id", in.DecisionID, "round", in.Round, "error", problem)
		return nil, nil
	}
	return d.stamp(in, second, entries), nil
}

func (d *Deliberator) transcript(c Completion, err error, speakers []string) ([]domain.TranscriptEntry, error) {
	if err != nil {
		return nil, err
	}
	return ParseTranscript(c.Content, speakers)
}

func (d *Deliberator) stamp(in orchestrator.DeliberationInput, c Completion, entries []domain.TranscriptEntry) []domain.TranscriptEntry {
	for i := range entries {
		entries[i].Round = in.Round
	}
	d.logger.Debug("Deliberation completed", "decision_id", in.DecisionID, "round", in.Round,
		"entries", len(entries), "model", c.Model, "total_tokens", c.Usage.TotalTokens)
	return entries
}

// repairable reports whether err concerns the shape of the model's answer rather than the
// request itself.
func repairable(err error) bool {
	var parseErr *TranscriptError
	return errors.As(err, &parseErr) || errors.Is(err, ErrTruncated) || errors.Is(err, ErrEmptyCompletion)
}
