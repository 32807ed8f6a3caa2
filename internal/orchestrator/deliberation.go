package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"boardroom-orchestrator/internal/domain"
)

type DeliberationInput struct {
	DecisionID string
	Title      string
	Round      int
	Options    []string
	Personas   []string
	Transcript []domain.TranscriptEntry
}

// Deliberator produces discussion entries for a round before votes are collected.
// Returning no entries makes the engine retry the step.
type Deliberator interface {
	Deliberate(ctx context.Context, in DeliberationInput) ([]domain.TranscriptEntry, error)
}

// PersonaDeliberator opens each round with one templated statement per persona, or a
// moderator statement when the decision has no personas.
type PersonaDeliberator struct{}

func (PersonaDeliberator) Deliberate(_ context.Context, in DeliberationInput) ([]domain.TranscriptEntry, error) {
	options := strings.Join(in.Options, ", ")
	if len(in.Personas) == 0 {
		return []domain.TranscriptEntry{{
			Speaker: "moderator",
			Content: fmt.Sprintf("Round %d of %q is open. Options: %s.", in.Round, in.Title, options),
		}}, nil
	}

	entries := make([]domain.TranscriptEntry, 0, len(in.Personas))
	for _, persona := range in.Personas {
		entries = append(entries, domain.TranscriptEntry{
			Speaker: persona,
			Content: fmt.Sprintf("As %s, I weigh %s for round %d of %q.", persona, options, in.Round, in.Title),
		})
	}
	return entries, nil
}

// DeliberatorFunc adapts a function to the Deliberator interface.
type DeliberatorFunc func(ctx context.Context, in DeliberationInput) ([]domain.TranscriptEntry, error)

func (f DeliberatorFunc) Deliberate(ctx context.Context, in DeliberationInput) ([]domain.TranscriptEntry, error) {
	return f(ctx, in)
}
