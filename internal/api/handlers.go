package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"boardroom-orchestrator/internal/conversation"
	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
	"boardroom-orchestrator/internal/orchestrator"
	"boardroom-orchestrator/internal/runstore"
	"boardroom-orchestrator/internal/service"
)

const defaultSweepAge = 2 * time.Hour

// DecisionService is the mutating surface behind the decision endpoints.
type DecisionService interface {
	CreateDecision(ctx context.Context, in service.NewDecision) (service.DecisionView, error)
	GetDecision(ctx context.Context, id string) (service.DecisionView, error)
	OpenRound(ctx context.Context, decisionID string, in service.NewRound) (domain.Round, error)
	CastVote(ctx context.Context, in service.NewVote) (domain.Vote, error)
	AmendRoundOptions(ctx context.Context, roundID string, options []string) (domain.Round, error)
	Retry(ctx context.Context, decisionID string) error
}

type EventSource interface {
	Subscribe(ctx context.Context, decisionID string, opts ...notify.SubscribeOption) (<-chan notify.Event, error)
	Pending(decisionID string, afterSeq uint64) int
}

type SessionStore interface {
	Create(ctx context.Context, sessionID, userID string, initial map[string]any) (conversation.State, error)
	Get(ctx context.Context, sessionID string) (conversation.State, error)
	Update(ctx context.Context, sessionID string, partial map[string]any, force bool) (conversation.State, error)
	Checkpoint(ctx context.Context, sessionID string) (string, error)
	Restore(ctx context.Context, sessionID, checkpointID string) (conversation.State, error)
	Clear(ctx context.Context, sessionID string) bool
	ListActive() []string
	SweepExpired(ctx context.Context, maxAge time.Duration) int
}

// StatsSource reports the in-process run scheduler's counters.
type StatsSource interface {
	Stats() orchestrator.RunnerStats
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handler. Stats may be nil when runs are scheduled out of process.
type Dependencies struct {
	Decisions DecisionService
	Runs      runstore.Store
	Events    EventSource
	Sessions  SessionStore
	Stats     StatsSource
	Ready     Pinger
	Logger    *slog.Logger

	SessionMaxAge time.Duration
}

type Handler struct {
	decisions DecisionService
	runs      runstore.Store
	events    EventSource
	sessions  SessionStore
	stats     StatsSource
	ready     Pinger
	logger    *slog.Logger

	sessionMaxAge time.Duration

	streamsOnce sync.Once
	streamsDone chan struct{}
}

func NewHandler(d Dependencies) *Handler {
	h := &Handler{
		decisions:     d.Decisions,
		runs:          d.Runs,
		events:        d.Events,
		sessions:      d.Sessions,
		stats:         d.Stats,
		ready:         d.Ready,
		logger:        d.Logger,
		sessionMaxAge: d.SessionMaxAge,
		streamsDone:   make(chan struct{}),
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.sessionMaxAge <= 0 {
		h.sessionMaxAge = defaultSweepAge
	}
	return h
}

// CloseStreams ends every open event stream. It is meant for http.Server.RegisterOnShutdown,
// so streams stop while notifications keep flowing to the manager.
func (h *Handler) CloseStreams() {
	h.streamsOnce.Do(func() { close(h.streamsDone) })
}

type createRoundRequest struct {
	Options  []string   `json:"options"`
	OpensAt  *time.Time `json:"opens_at,omitempty"`
	ClosesAt *time.Time `json:"closes_at,omitempty"`
}

type amendOptionsRequest struct {
	Options []string `json:"options"`
}

type castVoteRequest struct {
	VoterID   string `json:"voter_id"`
	Option    string `json:"option"`
	Rationale string `json:"rationale"`
}

type stateResponse struct {
	DecisionID string               `json:"decision_id"`
	State      domain.WorkflowState `json:"state"`
}

func (h *Handler) CreateDecision(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req service.NewDecision
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = clientAddr(r)
	}

	view, err := h.decisions.CreateDecision(ctx, req)
	if err != nil {
		h.writeError(w, err, "failed to create decision")
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (h *Handler) GetDecision(w http.ResponseWriter, r *http.Request, decisionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	view, err := h.decisions.GetDecision(ctx, decisionID)
	if err != nil {
		h.writeError(w, err, "failed to fetch decision")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) OpenRound(w http.ResponseWriter, r *http.Request, decisionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req createRoundRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	round, err := h.decisions.OpenRound(ctx, decisionID, service.NewRound{
		Options:  req.Options,
		OpensAt:  req.OpensAt,
		ClosesAt: req.ClosesAt,
	})
	if err != nil {
		h.writeError(w, err, "failed to open round")
		return
	}
	writeJSON(w, http.StatusCreated, round)
}

func (h *Handler) RetryRun(w http.ResponseWriter, r *http.Request, decisionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := h.decisions.GetDecision(ctx, decisionID); err != nil {
		h.writeError(w, err, "failed to fetch decision")
		return
	}
	if err := h.decisions.Retry(ctx, decisionID); err != nil {
		h.writeError(w, err, "failed to schedule retry")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"decision_id": decisionID, "status": "retry_scheduled"})
}

func (h *Handler) GetState(w http.ResponseWriter, r *http.Request, decisionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	state, err := h.runs.Load(ctx, decisionID)
	if err != nil {
		h.writeError(w, err, "failed to fetch run state")
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{DecisionID: decisionID, State: state})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request, decisionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	items, err := h.runs.History(ctx, decisionID)
	if err != nil {
		h.writeError(w, err, "failed to fetch run history")
		return
	}
	if len(items) == 0 {
		h.writeError(w, domain.NotFound("run history", "decision run", decisionID), "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decision_id": decisionID, "items": items})
}

func (h *Handler) AmendRoundOptions(w http.ResponseWriter, r *http.Request, roundID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req amendOptionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	round, err := h.decisions.AmendRoundOptions(ctx, roundID, req.Options)
	if err != nil {
		h.writeError(w, err, "failed to amend round options")
		return
	}
	writeJSON(w, http.StatusOK, round)
}

func (h *Handler) CastVote(w http.ResponseWriter, r *http.Request, roundID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req castVoteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	voter := req.VoterID
	if voter == "" {
		voter = clientAddr(r)
	}

	vote, err := h.decisions.CastVote(ctx, service.NewVote{
		RoundID:   roundID,
		VoterID:   voter,
		Option:    req.Option,
		Rationale: req.Rationale,
	})
	if err != nil {
		h.writeError(w, err, "failed to cast vote")
		return
	}
	writeJSON(w, http.StatusCreated, vote)
}

func (h *Handler) RunStats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]any{"error": "run stats are not available for this scheduler"})
		return
	}
	writeJSON(w, http.StatusOK, h.stats.Stats())
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if h.ready != nil {
		if err := h.ready.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeError maps domain error kinds to status codes. Unclassified errors are logged and
// answered with fallback so storage details do not leak to clients.
func (h *Handler) writeError(w http.ResponseWriter, err error, fallback string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrLocked):
		status = http.StatusLocked
	case errors.Is(err, domain.ErrQueueFull):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
		writeJSON(w, status, map[string]any{"error": fallback})
		return
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return false
	}
	return true
}

// clientAddr is the caller's address as rewritten by middleware.RealIP, without the port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
