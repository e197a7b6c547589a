package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"

	"github.com/clinic-ops/sentinel/internal/auth"
	"github.com/clinic-ops/sentinel/internal/enforce"
	"github.com/clinic-ops/sentinel/internal/visitor"
)

// Summarizer writes a narrative for one security event.
type Summarizer interface {
	Summarize(ctx context.Context, ev visitor.SecurityEvent) (string, error)
}

// LiveCounter reports the number of live tracking sessions.
type LiveCounter interface {
	Len() int
}

// AdminHandler serves the administrator dashboard API.
type AdminHandler struct {
	query      enforce.Querier
	blacklist  *enforce.Blacklist
	live       LiveCounter
	summarizer Summarizer
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewAdminHandler creates an AdminHandler. summarizer may be nil, in which
// case event summaries answer 503.
func NewAdminHandler(query enforce.Querier, blacklist *enforce.Blacklist, live LiveCounter, summarizer Summarizer, clock clockwork.Clock, logger *slog.Logger) *AdminHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &AdminHandler{
		query:      query,
		blacklist:  blacklist,
		live:       live,
		summarizer: summarizer,
		clock:      clock,
		logger:     logger,
	}
}

// ListVisitors handles GET /api/visitors
func (ah *AdminHandler) ListVisitors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f visitor.VisitorFilter

	if lvl := q.Get("risk_level"); lvl != "" {
		parsed, ok := visitor.ParseRiskLevel(lvl)
		if !ok {
			jsonError(w, "invalid risk_level (low, medium, high, critical)", http.StatusBadRequest)
			return
		}
		f.RiskLevel = parsed
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		jsonError(w, "invalid since", http.StatusBadRequest)
		return
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		jsonError(w, "invalid until", http.StatusBadRequest)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		jsonError(w, "invalid limit", http.StatusBadRequest)
		return
	}

	visitors, err := ah.query.ListVisitors(r.Context(), f)
	if err != nil {
		ah.logger.Error("list visitors failed", "err", err)
		jsonError(w, "failed to fetch visitors", http.StatusInternalServerError)
		return
	}
	if visitors == nil {
		visitors = []visitor.Snapshot{}
	}
	writeJSON(w, http.StatusOK, visitors)
}

// ListSecurityEvents handles GET /api/security-events
func (ah *AdminHandler) ListSecurityEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f visitor.EventFilter

	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		jsonError(w, "invalid since", http.StatusBadRequest)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		jsonError(w, "invalid limit", http.StatusBadRequest)
		return
	}
	if sev := q.Get("severity"); sev != "" {
		f.Severity = visitor.Severity(sev)
	}

	events, err := ah.query.ListSecurityEvents(r.Context(), f)
	if err != nil {
		ah.logger.Error("list security events failed", "err", err)
		jsonError(w, "failed to fetch security events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []visitor.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// SummarizeEvent handles GET /api/security-events/{id}/summary
func (ah *AdminHandler) SummarizeEvent(w http.ResponseWriter, r *http.Request) {
	if ah.summarizer == nil {
		jsonError(w, "summaries not configured", http.StatusServiceUnavailable)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid event ID", http.StatusBadRequest)
		return
	}
	ev, err := ah.query.GetSecurityEvent(r.Context(), id)
	if errors.Is(err, visitor.ErrNotFound) {
		jsonError(w, "event not found", http.StatusNotFound)
		return
	}
	if err != nil {
		ah.logger.Error("get security event failed", "id", id, "err", err)
		jsonError(w, "failed to fetch event", http.StatusInternalServerError)
		return
	}

	summary, err := ah.summarizer.Summarize(r.Context(), *ev)
	if err != nil {
		ah.logger.Warn("event summary failed", "id", id, "err", err)
		jsonError(w, "summary unavailable", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event_id": id, "summary": summary})
}

// ListBlacklist handles GET /api/blacklist
func (ah *AdminHandler) ListBlacklist(w http.ResponseWriter, r *http.Request) {
	entries, err := ah.blacklist.ActiveEntries(r.Context())
	if err != nil {
		ah.logger.Error("list blacklist failed", "err", err)
		jsonError(w, "failed to fetch blacklist", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []visitor.BlacklistEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// blockRequest is the body of POST /api/blacklist. Duration is a Go duration
// string ("24h"); duration_hours is accepted for dashboard forms.
type blockRequest struct {
	IPAddress     string  `json:"ip_address"`
	Reason        string  `json:"reason"`
	BlockType     string  `json:"block_type"`
	Duration      string  `json:"duration"`
	DurationHours float64 `json:"duration_hours"`
}

// BlockIP handles POST /api/blacklist
func (ah *AdminHandler) BlockIP(w http.ResponseWriter, r *http.Request) {
	var body blockRequest
	if err := decodeBody(w, r, &body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var d time.Duration
	switch {
	case body.Duration != "":
		parsed, err := time.ParseDuration(body.Duration)
		if err != nil {
			jsonError(w, "duration: invalid duration", http.StatusBadRequest)
			return
		}
		d = parsed
	case body.DurationHours > 0:
		d = time.Duration(body.DurationHours * float64(time.Hour))
	}

	entry, err := ah.blacklist.BlockIP(r.Context(), enforce.BlockRequest{
		IP:        body.IPAddress,
		Reason:    body.Reason,
		BlockType: visitor.BlockType(body.BlockType),
		Duration:  d,
		CreatedBy: auth.OperatorFromCtx(r.Context()),
	})
	var verr *enforce.ValidationError
	if errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Error(),
			"field": verr.Field,
		})
		return
	}
	if err != nil {
		ah.logger.Error("block ip failed", "ip", body.IPAddress, "err", err)
		jsonError(w, "failed to block ip", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// UnblockIP handles DELETE /api/blacklist/{id}?confirm=true
func (ah *AdminHandler) UnblockIP(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonError(w, "invalid blacklist ID", http.StatusBadRequest)
		return
	}
	confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))

	err = ah.blacklist.UnblockIP(r.Context(), id, confirmed)
	switch {
	case errors.Is(err, enforce.ErrConfirmationRequired):
		jsonError(w, "confirm=true is required to unblock", http.StatusPreconditionRequired)
	case errors.Is(err, enforce.ErrNotFound):
		jsonError(w, "blacklist entry not found", http.StatusNotFound)
	case err != nil:
		ah.logger.Error("unblock ip failed", "id", id, "err", err)
		jsonError(w, "failed to unblock ip", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetStats handles GET /api/stats
func (ah *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := ah.query.Stats(r.Context(), ah.clock.Now().UTC())
	if err != nil {
		ah.logger.Error("stats failed", "err", err)
		jsonError(w, "failed to fetch stats", http.StatusInternalServerError)
		return
	}
	if ah.live != nil {
		stats.LiveSessions = ah.live.Len()
	}
	writeJSON(w, http.StatusOK, stats)
}
