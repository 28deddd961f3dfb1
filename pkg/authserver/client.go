// Package authserver provides the stateless HTTP client for the OAuth
// Authorization Server's PAR, token-exchange, and authorize-URL
// operations. The server itself is an external collaborator; this package
// only encapsulates its wire protocol.
package authserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 10 * time.Second

// Sentinel errors for the two fallible operations. Callers match with
// errors.Is to distinguish "cannot initiate consent" from exchange
// failures.
var (
	ErrPARFailed           = errors.New("pushed authorization request failed")
	ErrTokenExchangeFailed = errors.New("token exchange failed")
)

// PARRequest is the consent request descriptor pushed to the
// Authorization Server. It is constructed fresh per consent trigger and
// never persisted.
type PARRequest struct {
	ResponseType          string `json:"response_type"`
	ClientID              string `json:"client_id"`
	RedirectURI           string `json:"redirect_uri"`
	GrantManagementAction string `json:"grant_management_action"`
	GrantID               string `json:"grant_id,omitempty"`
	AuthorizationDetails  string `json:"authorization_details"`
	RequestedActor        string `json:"requested_actor"`
	Subject               string `json:"subject"`
	Scope                 string `json:"scope"`
	SubjectTokenType      string `json:"subject_token_type"`
}

// PARResponse is the Authorization Server's answer to a successful PAR.
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// TokenResponse is the result of an authorization-code exchange. The
// grant identifier and serialized authorization details ride alongside
// the standard token fields.
type TokenResponse struct {
	AccessToken          string `json:"access_token"`
	TokenType            string `json:"token_type"`
	ExpiresIn            int    `json:"expires_in"`
	GrantID              string `json:"grant_id"`
	AuthorizationDetails string `json:"authorization_details"`
	Error                string `json:"error"`
	ErrorDescription     string `json:"error_description"`
}

// ClientConfig configures the Authorization Server client.
type ClientConfig struct {
	// BaseURL is the Authorization Server root, e.g.
	// "http://localhost:4004/authorization".
	BaseURL string

	// ClientID is this proxy's OAuth client identifier.
	ClientID string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// Client wraps the Authorization Server's HTTP surface. It is stateless
// and safe for concurrent use.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// NewClient creates an Authorization Server client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:  cfg.BaseURL,
		clientID: cfg.ClientID,
		http:     httpClient,
	}
}

// CreatePAR pushes the consent request descriptor to the PAR endpoint.
// A non-2xx status yields an ErrPARFailed-wrapped error; the caller must
// treat that as "cannot initiate consent" and must not fabricate a URL.
func (c *Client) CreatePAR(ctx context.Context, req PARRequest) (*PARResponse, error) {
	slog.Info("authserver: creating PAR",
		"client_id", req.ClientID,
		"grant_management_action", req.GrantManagementAction,
		"grant_id", req.GrantID)

	var parResp PARResponse
	if err := c.postJSON(ctx, "/par", req, &parResp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPARFailed, err)
	}

	slog.Info("authserver: PAR succeeded",
		"request_uri", parResp.RequestURI,
		"expires_in", parResp.ExpiresIn)
	return &parResp, nil
}

// ExchangeToken completes an authorization-code exchange.
func (c *Client) ExchangeToken(ctx context.Context, code, redirectURI string) (*TokenResponse, error) {
	slog.Info("authserver: exchanging authorization code")

	body := map[string]string{
		"grant_type":   "authorization_code",
		"client_id":    c.clientID,
		"code":         code,
		"redirect_uri": redirectURI,
	}

	var tokenResp TokenResponse
	if err := c.postJSON(ctx, "/token", body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchangeFailed, err)
	}

	slog.Info("authserver: token exchange succeeded",
		"grant_id", tokenResp.GrantID,
		"has_access_token", tokenResp.AccessToken != "")
	return &tokenResp, nil
}

// AuthorizationURL builds the user-facing authorize URL for a request_uri,
// embedding the session identifier as a correlation parameter. Pure and
// deterministic; performs no I/O.
func (c *Client) AuthorizationURL(requestURI, sessionID string) string {
	params := url.Values{
		"client_id":   {c.clientID},
		"request_uri": {requestURI},
		"session_id":  {sessionID},
	}
	return c.baseURL + "/authorize?" + params.Encode()
}

// postJSON posts a JSON body and decodes a JSON response, converting
// non-2xx statuses into errors carrying a body excerpt.
func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, string(excerpt))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}
