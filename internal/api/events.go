package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"boardroom-orchestrator/internal/domain"
	"boardroom-orchestrator/internal/notify"
)

// StreamEvents serves a decision's run snapshots as server-sent events. Each frame carries
// the notification sequence as its id, so a reconnecting client resumes with Last-Event-ID.
// The stream ends after a terminal snapshot. A finished run with nothing left to replay gets
// its final snapshot as a single frame.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request, decisionID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	lookupCtx, cancelLookup := context.WithTimeout(r.Context(), 5*time.Second)
	_, err := h.decisions.GetDecision(lookupCtx, decisionID)
	cancelLookup()
	if err != nil {
		h.writeError(w, err, "failed to fetch decision")
		return
	}

	var opts []notify.SubscribeOption
	var afterSeq uint64
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		seq, err := strconv.ParseUint(last, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid Last-Event-ID"})
			return
		}
		afterSeq = seq
		opts = append(opts, notify.AfterSeq(seq))
	}

	if final, ok := h.finishedRun(r.Context(), decisionID, afterSeq); ok {
		writeEventHeaders(w)
		flusher.Flush()
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", final.name, final.data); err == nil {
			flusher.Flush()
		}
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-h.streamsDone:
			cancel()
		case <-ctx.Done():
		}
	}()
	events, err := h.events.Subscribe(ctx, decisionID, opts...)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "event stream unavailable"})
		return
	}

	writeEventHeaders(w)
	flusher.Flush()

	for ev := range events {
		if ev.KeepAlive {
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		}

		data, err := json.Marshal(ev.Payload)
		if err != nil {
			h.logger.Error("Failed to encode event", "decision_id", decisionID, "seq", ev.Seq, "error", err)
			continue
		}
		status, _ := ev.Payload["status"].(string)
		name := status
		if name == "" {
			name = "state"
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, name, data); err != nil {
			return
		}
		flusher.Flush()

		if domain.RunStatus(status).Terminal() {
			return
		}
	}
}

type finalFrame struct {
	name string
	data []byte
}

// finishedRun returns the final snapshot of a terminal run when the notification log holds
// nothing more for this client, e.g. after eviction or once the terminal frame was delivered.
func (h *Handler) finishedRun(ctx context.Context, decisionID string, afterSeq uint64) (finalFrame, bool) {
	if h.events.Pending(decisionID, afterSeq) > 0 {
		return finalFrame{}, false
	}
	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	state, err := h.runs.Load(loadCtx, decisionID)
	if err != nil || state.Step != domain.StepDone || !state.Status.Terminal() {
		return finalFrame{}, false
	}
	payload, err := state.Payload()
	if err != nil {
		h.logger.Error("Failed to encode final state", "decision_id", decisionID, "error", err)
		return finalFrame{}, false
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return finalFrame{}, false
	}
	return finalFrame{name: string(state.Status), data: data}, true
}

func writeEventHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}
