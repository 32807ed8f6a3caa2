package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"boardroom-orchestrator/internal/domain"
)

// Memory keeps run states as JSON documents in process memory.
type Memory struct {
	mu      sync.RWMutex
	current map[string][]byte
	history map[string][][]byte
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		current: map[string][]byte{},
		history: map[string][][]byte{},
		now:     time.Now,
	}
}

func (m *Memory) Load(_ context.Context, decisionID string) (domain.WorkflowState, error) {
	m.mu.RLock()
	raw, ok := m.current[decisionID]
	m.mu.RUnlock()
	if !ok {
		return domain.WorkflowState{}, domain.NotFound("load run", "run", decisionID)
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(raw, &state); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("decode run %s: %w", decisionID, err)
	}
	return state, nil
}

func (m *Memory) Save(_ context.Context, state *domain.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := int64(0)
	if raw, ok := m.current[state.DecisionID]; ok {
		var prev struct {
			Version int64 `json:"version"`
		}
		if err := json.Unmarshal(raw, &prev); err != nil {
			return fmt.Errorf("decode run %s: %w", state.DecisionID, err)
		}
		stored = prev.Version
	}
	if stored != state.Version {
		return fmt.Errorf("%w: decision %s stored=%d loaded=%d", ErrVersionConflict, state.DecisionID, stored, state.Version)
	}

	next := *state
	next.Version = stored + 1
	next.UpdatedAt = m.now().UTC()
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", state.DecisionID, err)
	}
	m.current[state.DecisionID] = raw
	m.history[state.DecisionID] = append(m.history[state.DecisionID], raw)

	state.Version = next.Version
	state.UpdatedAt = next.UpdatedAt
	return nil
}

func (m *Memory) History(_ context.Context, decisionID string) ([]domain.WorkflowState, error) {
	m.mu.RLock()
	raws := append([][]byte(nil), m.history[decisionID]...)
	m.mu.RUnlock()

	out := make([]domain.WorkflowState, 0, len(raws))
	for _, raw := range raws {
		var state domain.WorkflowState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", decisionID, err)
		}
		out = append(out, state)
	}
	return out, nil
}
