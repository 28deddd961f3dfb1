package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/golang-jwt/jwt/v5"

	"github.com/txn2/mcp-consent-proxy/pkg/grants"
)

// handleCallback completes the consent flow: the Authorization Server
// redirects the user here with an authorization code after consent, the
// code is exchanged for a token carrying the grant identifier, and the
// grant is attached to the originating session.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := query.Get("session_id")
	if sessionID == "" {
		sessionID = query.Get("state")
	}

	if errCode := query.Get("error"); errCode != "" {
		slog.Warn("callback: authorization failed",
			"session_id", sessionID,
			"error", errCode,
			"description", query.Get("error_description"))
		renderCallbackPage(w, http.StatusBadRequest, "Authorization Failed",
			fmt.Sprintf("The authorization server reported: %s", errCode))
		return
	}

	code := query.Get("code")
	if code == "" {
		renderCallbackPage(w, http.StatusBadRequest, "Authorization Failed",
			"Missing authorization code.")
		return
	}

	token, err := s.authClient.ExchangeToken(r.Context(), code, s.cfg.AuthServer.RedirectURI)
	if err != nil {
		slog.Error("callback: token exchange failed", "session_id", sessionID, "error", err)
		renderCallbackPage(w, http.StatusBadGateway, "Authorization Failed",
			"Could not complete the token exchange. Please retry the tool call.")
		return
	}
	if token.Error != "" {
		slog.Error("callback: token response carried an error",
			"session_id", sessionID, "error", token.Error, "description", token.ErrorDescription)
		renderCallbackPage(w, http.StatusBadGateway, "Authorization Failed",
			fmt.Sprintf("Token exchange failed: %s", token.Error))
		return
	}

	grantID := token.GrantID
	if grantID == "" {
		grantID = s.grantIDFromToken(token.AccessToken)
	}
	if grantID == "" {
		slog.Warn("callback: no grant identifier available, skipping attach", "session_id", sessionID)
		renderCallbackPage(w, http.StatusOK, "Authorization Incomplete",
			"Consent was recorded but no grant identifier was returned. Please retry the tool call.")
		return
	}

	var details []grants.AuthorizationDetail
	if token.AuthorizationDetails != "" {
		if err := json.Unmarshal([]byte(token.AuthorizationDetails), &details); err != nil {
			slog.Warn("callback: could not decode authorization details", "error", err)
		}
	}

	if sessionID == "" {
		slog.Warn("callback: no session identifier in redirect", "grant_id", grantID)
		renderCallbackPage(w, http.StatusOK, "Authorization Complete",
			"Consent was granted but no session could be identified. Please retry the tool call.")
		return
	}

	if err := s.store.AttachGrant(r.Context(), sessionID, grantID, details); err != nil {
		slog.Error("callback: failed to attach grant",
			"session_id", sessionID, "grant_id", grantID, "error", err)
		renderCallbackPage(w, http.StatusInternalServerError, "Authorization Failed",
			"Consent was granted but could not be recorded. Please retry the tool call.")
		return
	}

	slog.Info("callback: grant attached", "session_id", sessionID, "grant_id", grantID)
	renderCallbackPage(w, http.StatusOK, "Authorization Complete",
		"You may close this window and retry the tool call.")
}

// grantIDFromToken recovers the grant identifier from the access token's
// claims. Claims are only trusted when a signing key is configured;
// without one the token is ignored.
func (s *Server) grantIDFromToken(accessToken string) string {
	if accessToken == "" {
		return ""
	}
	if s.cfg.AuthServer.SigningKey == "" {
		slog.Warn("callback: no signing key configured, not trusting token claims")
		return ""
	}

	token, err := jwt.Parse(accessToken, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.AuthServer.SigningKey), nil
	})
	if err != nil || !token.Valid {
		slog.Warn("callback: access token verification failed", "error", err)
		return ""
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	grantID, _ := claims["grant_id"].(string)
	return grantID
}

func renderCallbackPage(w http.ResponseWriter, status int, title, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
</body>
</html>
`, title, title, message)
}
