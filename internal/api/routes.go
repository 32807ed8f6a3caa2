package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/decisions", h.CreateDecision)
		r.Route("/decisions/{decisionId}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.GetDecision(w, r, chi.URLParam(r, "decisionId"))
			})
			r.Post("/rounds", func(w http.ResponseWriter, r *http.Request) {
				h.OpenRound(w, r, chi.URLParam(r, "decisionId"))
			})
			r.Post("/retry", func(w http.ResponseWriter, r *http.Request) {
				h.RetryRun(w, r, chi.URLParam(r, "decisionId"))
			})
			r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
				h.GetState(w, r, chi.URLParam(r, "decisionId"))
			})
			r.Get("/history", func(w http.ResponseWriter, r *http.Request) {
				h.GetHistory(w, r, chi.URLParam(r, "decisionId"))
			})
			r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
				h.StreamEvents(w, r, chi.URLParam(r, "decisionId"))
			})
		})

		r.Route("/rounds/{roundId}", func(r chi.Router) {
			r.Put("/options", func(w http.ResponseWriter, r *http.Request) {
				h.AmendRoundOptions(w, r, chi.URLParam(r, "roundId"))
			})
			r.Post("/votes", func(w http.ResponseWriter, r *http.Request) {
				h.CastVote(w, r, chi.URLParam(r, "roundId"))
			})
		})

		r.Get("/runs/stats", h.RunStats)

		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Post("/sessions/sweep", h.SweepSessions)
		r.Route("/sessions/{sessionId}", func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				h.GetSession(w, r, chi.URLParam(r, "sessionId"))
			})
			r.Patch("/", func(w http.ResponseWriter, r *http.Request) {
				h.UpdateSession(w, r, chi.URLParam(r, "sessionId"))
			})
			r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
				h.DeleteSession(w, r, chi.URLParam(r, "sessionId"))
			})
			r.Post("/checkpoints", func(w http.ResponseWriter, r *http.Request) {
				h.CheckpointSession(w, r, chi.URLParam(r, "sessionId"))
			})
			r.Post("/restore", func(w http.ResponseWriter, r *http.Request) {
				h.RestoreSession(w, r, chi.URLParam(r, "sessionId"))
			})
		})
	})

	return r
}
