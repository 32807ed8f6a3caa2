// Package runstore persists one checkpointed WorkflowState per decision so a run can resume
// after a crash or be re-entered by a later trigger.
package runstore

import (
	"context"
	"errors"

	"boardroom-orchestrator/internal/domain"
)

// ErrVersionConflict is returned by Save when the stored version moved since the state was loaded.
var ErrVersionConflict = errors.New("run state version conflict")

// Store is the checkpoint contract used by the orchestrator.
type Store interface {
	// Load returns the latest saved state, or an error wrapping domain.ErrNotFound.
	Load(ctx context.Context, decisionID string) (domain.WorkflowState, error)
	// Save persists state if the stored version equals state.Version, then bumps
	// state.Version to the newly stored version.
	Save(ctx context.Context, state *domain.WorkflowState) error
	// History returns every saved version of the decision's state, oldest first.
	History(ctx context.Context, decisionID string) ([]domain.WorkflowState, error)
}
