package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bootfleet/gateway/internal/platform/database"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler serves audit query endpoints.
type Handler struct {
	db    database.Querier
	store *Store
}

// NewHandler creates an audit query handler. db may be nil when no database
// is configured, in which case the list is always empty.
func NewHandler(db database.Querier, store *Store) *Handler {
	return &Handler{db: db, store: store}
}

// HandleListEvents returns recent audit events.
// GET /api/v1/audit/events?limit=50&action=access.denied&actor_id=...&after=<RFC3339>
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := ListEventsParams{Limit: defaultListLimit}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		params.Limit = min(n, maxListLimit)
	}

	for key, dst := range map[string]**string{
		"action":   &params.Action,
		"actor_id": &params.ActorID,
		"source":   &params.Source,
	} {
		if raw := q.Get(key); raw != "" {
			*dst = &raw
		}
	}

	for key, dst := range map[string]**time.Time{
		"after":  &params.After,
		"before": &params.Before,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": key + " must be an RFC3339 timestamp"})
			return
		}
		*dst = &ts
	}

	if h.db == nil {
		writeAuditJSON(w, http.StatusOK, map[string]any{"events": []Record{}, "count": 0})
		return
	}

	events, err := h.store.List(r.Context(), h.db, params)
	if err != nil {
		slog.Error("listing audit events", "error", err)
		writeAuditJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}

	writeAuditJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func writeAuditJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
