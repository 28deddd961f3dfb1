package proxy

import "net/http"

// Canonical identification headers. Each identity also accepts fallback
// header names for clients that predate the mcp-prefixed forms.
const (
	SessionHeader = "Mcp-Session-Id"
	AgentHeader   = "Mcp-Agent-Id"
	UserHeader    = "Mcp-User-Id"
)

var (
	sessionHeaders = []string{SessionHeader, "X-Session-Id", "Session-Id"}
	agentHeaders   = []string{AgentHeader, "X-Agent-Id", "Agent-Id"}
	userHeaders    = []string{UserHeader, "X-User-Id", "User-Id"}
)

// identity is the caller identification extracted from request headers.
type identity struct {
	SessionID string
	AgentID   string
	UserID    string
}

// extractIdentity reads the session, agent, and user headers in fallback
// order. All fields may be empty.
func extractIdentity(r *http.Request) identity {
	return identity{
		SessionID: firstHeader(r, sessionHeaders),
		AgentID:   firstHeader(r, agentHeaders),
		UserID:    firstHeader(r, userHeaders),
	}
}

func firstHeader(r *http.Request, names []string) string {
	for _, name := range names {
		if v := r.Header.Get(name); v != "" {
			return v
		}
	}
	return ""
}
