package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/clinic-ops/sentinel/internal/tracker"
)

// TrackHandler exposes the session lifecycle to tracked pages.
type TrackHandler struct {
	tracker *tracker.Manager
	logger  *slog.Logger
}

func NewTrackHandler(m *tracker.Manager, logger *slog.Logger) *TrackHandler {
	return &TrackHandler{tracker: m, logger: logger}
}

// StartSession handles POST /v1/track/sessions
func (th *TrackHandler) StartSession(w http.ResponseWriter, r *http.Request) {
	var p tracker.StartPayload
	if err := decodeBody(w, r, &p); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	s, err := th.tracker.Start(r.Context(), p.Request(remoteIP(r), r.UserAgent()))
	if err != nil {
		th.trackError(w, err)
		return
	}
	res, err := s.Result()
	if err != nil {
		th.trackError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// RecordEvents handles POST /v1/track/sessions/{id}/events
func (th *TrackHandler) RecordEvents(w http.ResponseWriter, r *http.Request) {
	s, err := th.tracker.Get(chi.URLParam(r, "id"))
	if err != nil {
		th.trackError(w, err)
		return
	}

	var body struct {
		Events []tracker.InputEvent `json:"events"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n, err := s.ObserveAll(body.Events)
	if err != nil {
		th.trackError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": n})
}

// Heartbeat handles POST /v1/track/sessions/{id}/heartbeat. It keeps a quiet
// session alive without counting as input.
func (th *TrackHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	s, err := th.tracker.Get(chi.URLParam(r, "id"))
	if err != nil {
		th.trackError(w, err)
		return
	}
	if err := s.Heartbeat(); err != nil {
		th.trackError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EndSession handles DELETE /v1/track/sessions/{id} and its POST /end alias.
func (th *TrackHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	if err := th.tracker.End(chi.URLParam(r, "id")); err != nil {
		th.trackError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (th *TrackHandler) trackError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracker.ErrSessionNotFound), errors.Is(err, tracker.ErrSessionClosed):
		jsonError(w, "session not found", http.StatusNotFound)
	case errors.Is(err, tracker.ErrSessionExists):
		jsonError(w, "session already exists", http.StatusConflict)
	case errors.Is(err, tracker.ErrBlacklisted):
		jsonError(w, "access denied", http.StatusForbidden)
	case errors.Is(err, tracker.ErrUnknownEvent):
		jsonError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, tracker.ErrShuttingDown):
		jsonError(w, "service shutting down", http.StatusServiceUnavailable)
	default:
		th.logger.Error("tracking request failed", "err", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}
