package admin

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/txn2/mcp-consent-proxy/pkg/audit"
)

const defaultAuditLimit = 50

// auditEventsResponse wraps the queried audit events.
type auditEventsResponse struct {
	Data  []audit.Event `json:"data"`
	Count int           `json:"count"`
}

// getAuditEvents handles GET /audit: recent authorization decisions,
// newest first, filterable by session, tool, outcome, and time window.
func (h *Handler) getAuditEvents(w http.ResponseWriter, r *http.Request) {
	if h.auditor == nil {
		writeError(w, http.StatusNotFound, "audit logging is not enabled")
		return
	}

	q := r.URL.Query()
	filter := audit.QueryFilter{
		SessionID: q.Get("sessionId"),
		ToolName:  q.Get("tool"),
		StartTime: parseTimeParam(q, "startTime"),
		EndTime:   parseTimeParam(q, "endTime"),
	}
	if v := q.Get("allowed"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			filter.Allowed = &b
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultAuditLimit
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	events, err := h.auditor.Query(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}

	writeJSON(w, http.StatusOK, auditEventsResponse{
		Data:  events,
		Count: len(events),
	})
}

// parseTimeParam parses an RFC 3339 query parameter, nil when absent or
// malformed.
func parseTimeParam(q url.Values, key string) *time.Time {
	v := q.Get(key)
	if v == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &ts
}
