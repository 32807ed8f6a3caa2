// Package conversation keeps per-session conversation state with single-slot checkpoints.
//
// Updates to one session are serialized by a per-session semaphore; different sessions never
// contend. A durable Store, when configured, is written with optimistic version checks and
// is consulted when a session is not in the in-memory index.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"boardroom-orchestrator/internal/domain"
)

type Checkpoint struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"created_at"`
}

type State struct {
	SessionID  string         `json:"session_id"`
	UserID     string         `json:"user_id"`
	Data       map[string]any `json:"data"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Checkpoint *Checkpoint    `json:"checkpoint,omitempty"`
}

// Store persists session states. Save succeeds only when the stored version equals
// expectedVersion; expectedVersion 0 means the session must not exist yet.
type Store interface {
	Save(ctx context.Context, state State, expectedVersion int64) error
	Load(ctx context.Context, sessionID string) (State, error)
	Delete(ctx context.Context, sessionID string) error
}

type session struct {
	sem   chan struct{}
	mu    sync.RWMutex
	state State
}

func newSession(st State) *session {
	return &session{sem: make(chan struct{}, 1), state: st}
}

func (s *session) snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state)
}

func (s *session) set(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager builds a manager over store. A nil store keeps sessions in memory only.
func NewManager(store Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   logger,
		now:      time.Now,
		sessions: map[string]*session{},
	}
}

// Create returns the existing state for sessionID, or stores a new one at version 1.
func (m *Manager) Create(ctx context.Context, sessionID, userID string, initial map[string]any) (State, error) {
	const op = "create session"
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return State{}, domain.Validation(op, "session id is required")
	}

	if s, ok := m.lookup(sessionID); ok {
		return s.snapshot(), nil
	}
	if m.store != nil {
		st, err := m.store.Load(ctx, sessionID)
		switch {
		case err == nil:
			return m.index(st).snapshot(), nil
		case !errors.Is(err, domain.ErrNotFound):
			return State{}, domain.Persistence(op, err)
		}
	}

	now := m.now().UTC()
	st := State{
		SessionID: sessionID,
		UserID:    userID,
		Data:      cloneMap(initial),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if st.Data == nil {
		st.Data = map[string]any{}
	}
	if m.store != nil {
		if err := m.store.Save(ctx, st, 0); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				// Created concurrently elsewhere; adopt the stored state.
				return m.Get(ctx, sessionID)
			}
			return State{}, domain.Persistence(op, err)
		}
	}

	s := m.index(st)
	m.logger.Info("Session created", "session_id", sessionID, "user_id", userID)
	return s.snapshot(), nil
}

func (m *Manager) Get(ctx context.Context, sessionID string) (State, error) {
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	return s.snapshot(), nil
}

// Update merges partial into the session data and bumps the version. Without force it fails
// with a locked error when another update holds the session; with force it waits.
func (m *Manager) Update(ctx context.Context, sessionID string, partial map[string]any, force bool) (State, error) {
	const op = "update session"
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	release, err := acquire(ctx, s, force, op, sessionID)
	if err != nil {
		return State{}, err
	}
	defer release()

	next := s.snapshot()
	prev := next.Version
	if next.Data == nil {
		next.Data = map[string]any{}
	}
	for k, v := range partial {
		next.Data[k] = cloneValue(v)
	}
	next.Version++
	next.UpdatedAt = m.now().UTC()

	if err := m.persist(ctx, op, next, prev); err != nil {
		return State{}, err
	}
	s.set(next)
	m.logger.Debug("Session updated", "session_id", sessionID, "version", next.Version, "keys", len(partial))
	return cloneState(next), nil
}

// Checkpoint snapshots the session data and version, replacing any earlier checkpoint.
func (m *Manager) Checkpoint(ctx context.Context, sessionID string) (string, error) {
	const op = "checkpoint session"
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return "", err
	}
	release, err := acquire(ctx, s, true, op, sessionID)
	if err != nil {
		return "", err
	}
	defer release()

	next := s.snapshot()
	cp := &Checkpoint{
		ID:        uuid.NewString(),
		Version:   next.Version,
		Data:      cloneMap(next.Data),
		CreatedAt: m.now().UTC(),
	}
	next.Checkpoint = cp

	if err := m.persist(ctx, op, next, next.Version); err != nil {
		return "", err
	}
	s.set(next)
	m.logger.Info("Session checkpointed", "session_id", sessionID, "checkpoint_id", cp.ID, "version", cp.Version)
	return cp.ID, nil
}

// Restore resets data and version to the checkpoint with the given id.
func (m *Manager) Restore(ctx context.Context, sessionID, checkpointID string) (State, error) {
	const op = "restore session"
	s, err := m.session(ctx, sessionID)
	if err != nil {
		return State{}, err
	}
	release, err := acquire(ctx, s, true, op, sessionID)
	if err != nil {
		return State{}, err
	}
	defer release()

	next := s.snapshot()
	if next.Checkpoint == nil || next.Checkpoint.ID != checkpointID {
		return State{}, domain.NotFound(op, "checkpoint", checkpointID)
	}
	prev := next.Version
	next.Data = cloneMap(next.Checkpoint.Data)
	next.Version = next.Checkpoint.Version
	next.UpdatedAt = m.now().UTC()

	if err := m.persist(ctx, op, next, prev); err != nil {
		return State{}, err
	}
	s.set(next)
	m.logger.Info("Session restored", "session_id", sessionID, "checkpoint_id", checkpointID, "version", next.Version)
	return cloneState(next), nil
}

// Clear removes the session and reports whether it existed.
func (m *Manager) Clear(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	_, existed := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.store != nil {
		if !existed {
			if _, err := m.store.Load(ctx, sessionID); err == nil {
				existed = true
			}
		}
		if err := m.store.Delete(ctx, sessionID); err != nil {
			m.logger.Warn("Failed to delete stored session", "session_id", sessionID, "error", err)
		}
	}
	if existed {
		m.logger.Info("Session cleared", "session_id", sessionID)
	}
	return existed
}

// ListActive returns the ids of sessions in the in-memory index, sorted.
func (m *Manager) ListActive() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// SweepExpired clears sessions not updated within maxAge. Sessions with an update in
// progress are skipped.
func (m *Manager) SweepExpired(ctx context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge)

	m.mu.Lock()
	candidates := make(map[string]*session)
	for id, s := range m.sessions {
		if s.snapshot().UpdatedAt.Before(cutoff) {
			candidates[id] = s
		}
	}
	m.mu.Unlock()

	removed := 0
	for id, s := range candidates {
		select {
		case s.sem <- struct{}{}:
		default:
			continue
		}
		m.mu.Lock()
		if m.sessions[id] == s {
			delete(m.sessions, id)
			removed++
		}
		m.mu.Unlock()
		<-s.sem

		if m.store != nil {
			if err := m.store.Delete(ctx, id); err != nil {
				m.logger.Warn("Failed to delete expired session", "session_id", id, "error", err)
			}
		}
	}
	if removed > 0 {
		m.logger.Info("Expired sessions swept", "removed", removed, "max_age", maxAge)
	}
	return removed
}

func (m *Manager) lookup(sessionID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// index inserts st unless the session is already indexed, and returns the indexed entry.
func (m *Manager) index(st State) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[st.SessionID]; ok {
		return s
	}
	s := newSession(st)
	m.sessions[st.SessionID] = s
	return s
}

// session finds the indexed entry, restoring it from the store when needed.
func (m *Manager) session(ctx context.Context, sessionID string) (*session, error) {
	if s, ok := m.lookup(sessionID); ok {
		return s, nil
	}
	if m.store == nil {
		return nil, domain.NotFound("load session", "session", sessionID)
	}
	st, err := m.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return nil, domain.Persistence("load session", err)
	}
	m.logger.Debug("Session restored from store", "session_id", sessionID, "version", st.Version)
	return m.index(st), nil
}

func (m *Manager) persist(ctx context.Context, op string, st State, expected int64) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.Save(ctx, st, expected); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return err
		}
		return domain.Persistence(op, err)
	}
	return nil
}

func acquire(ctx context.Context, s *session, wait bool, op, sessionID string) (func(), error) {
	release := func() { <-s.sem }
	if !wait {
		select {
		case s.sem <- struct{}{}:
			return release, nil
		default:
			return nil, domain.Locked(op, sessionID)
		}
	}
	select {
	case s.sem <- struct{}{}:
		return release, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cloneState(st State) State {
	st.Data = cloneMap(st.Data)
	if st.Checkpoint != nil {
		cp := *st.Checkpoint
		cp.Data = cloneMap(cp.Data)
		st.Checkpoint = &cp
	}
	return st
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}
