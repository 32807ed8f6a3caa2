package api

import (
	"context"
	"net/http"
	"time"
)

type createSessionRequest struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data"`
}

type updateSessionRequest struct {
	Data  map[string]any `json:"data"`
	Force bool           `json:"force"`
}

type restoreSessionRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type sweepSessionsRequest struct {
	MaxAge string `json:"max_age"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		req.UserID = clientAddr(r)
	}
	st, err := h.sessions.Create(ctx, req.SessionID, req.UserID, req.Data)
	if err != nil {
		h.writeError(w, err, "failed to create session")
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": h.sessions.ListActive()})
}

func (h *Handler) SweepSessions(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	maxAge := h.sessionMaxAge
	if r.ContentLength != 0 {
		var req sweepSessionsRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.MaxAge != "" {
			d, err := time.ParseDuration(req.MaxAge)
			if err != nil || d <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]any{"error": "max_age must be a positive duration"})
				return
			}
			maxAge = d
		}
	}
	removed := h.sessions.SweepExpired(ctx, maxAge)
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "max_age": maxAge.String()})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	st, err := h.sessions.Get(ctx, sessionID)
	if err != nil {
		h.writeError(w, err, "failed to fetch session")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) UpdateSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req updateSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := h.sessions.Update(ctx, sessionID, req.Data, req.Force)
	if err != nil {
		h.writeError(w, err, "failed to update session")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if !h.sessions.Clear(ctx, sessionID) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "session not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CheckpointSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	id, err := h.sessions.Checkpoint(ctx, sessionID)
	if err != nil {
		h.writeError(w, err, "failed to checkpoint session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session_id": sessionID, "checkpoint_id": id})
}

func (h *Handler) RestoreSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var req restoreSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	st, err := h.sessions.Restore(ctx, sessionID, req.CheckpointID)
	if err != nil {
		h.writeError(w, err, "failed to restore session")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
