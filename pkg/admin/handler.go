// Package admin provides the proxy's administrative REST endpoints:
// service health with session statistics, session inspection with the
// live authorized-tool list, grant revocation, and the decision audit
// query surface.
package admin

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/txn2/mcp-consent-proxy/pkg/audit"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

// ToolLister reports the tools a session's grant currently permits.
type ToolLister interface {
	AuthorizedTools(ctx context.Context, sess *session.Session) []string
}

// ConfigEcho is the non-secret configuration reflected by GET /health.
type ConfigEcho struct {
	DownstreamURL string `json:"downstream_url"`
	AuthServerURL string `json:"auth_server_url"`
	GrantAPIURL   string `json:"grant_api_url"`
}

// Handler provides the admin REST API.
type Handler struct {
	mux        *http.ServeMux
	sessions   session.Store
	tools      ToolLister
	auditor    audit.Logger
	config     ConfigEcho
	version    string
	authMiddle func(http.Handler) http.Handler
}

// NewHandler creates an admin API handler. authMiddle may be nil to
// disable authentication (local development); auditor may be nil when
// audit logging is disabled, in which case GET /audit reports 404.
func NewHandler(sessions session.Store, tools ToolLister, auditor audit.Logger, config ConfigEcho, version string, authMiddle func(http.Handler) http.Handler) *Handler {
	h := &Handler{
		mux:        http.NewServeMux(),
		sessions:   sessions,
		tools:      tools,
		auditor:    auditor,
		config:     config,
		version:    version,
		authMiddle: authMiddle,
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.authMiddle != nil {
		h.authMiddle(h.mux).ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.getHealth)
	h.mux.HandleFunc("GET /session", h.getSession)
	h.mux.HandleFunc("GET /audit", h.getAuditEvents)
	h.mux.HandleFunc("POST /revoke", h.revoke)
	h.mux.HandleFunc("DELETE /revoke", h.revoke)
}

func (h *Handler) getHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := h.sessions.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "mcp-consent-proxy",
		"version":   h.version,
		"config":    h.config,
		"sessions":  stats,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId query parameter required")
		return
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var authorizedTools []string
	if h.tools != nil {
		authorizedTools = h.tools.AuthorizedTools(r.Context(), sess)
	}
	if authorizedTools == nil {
		authorizedTools = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":       sess.ID,
		"createdAt":       sess.CreatedAt.UTC().Format(time.RFC3339),
		"lastUsedAt":      sess.LastUsedAt.UTC().Format(time.RFC3339),
		"agentId":         sess.AgentID,
		"userId":          sess.UserID,
		"grantId":         sess.GrantID,
		"hasGrant":        sess.HasGrant(),
		"authorizedTools": authorizedTools,
	})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("sessionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "sessionId query parameter required")
		return
	}

	existed, err := h.sessions.Revoke(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to revoke session grant")
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	slog.Info("admin: grant revoked", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked":   true,
		"sessionId": id,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
