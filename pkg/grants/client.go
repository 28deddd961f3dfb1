package grants

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// defaultTimeout bounds the grant fetch so a hung Grant Management API
// cannot hang tool-call handling indefinitely.
const defaultTimeout = 10 * time.Second

// ClientConfig configures the Grant Management API client.
type ClientConfig struct {
	// BaseURL is the Grant Management API root, e.g.
	// "http://localhost:4004/grants".
	BaseURL string

	// HTTPClient overrides the default client (10s timeout).
	HTTPClient *http.Client
}

// Client queries grants and their authorization details over HTTP.
// It is stateless and safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a Grant Management API client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
	}
}

// GetGrant fetches a grant by ID with authorization details expanded.
// Returns nil, nil when the grant does not exist. Transport failures and
// unexpected statuses are returned as errors; callers must fail closed.
func (c *Client) GetGrant(ctx context.Context, grantID string) (*Grant, error) {
	reqURL := fmt.Sprintf("%s/Grants/%s?%s", c.baseURL, url.PathEscape(grantID),
		url.Values{"$expand": {"authorization_details"}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building grant request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching grant %s: %w", grantID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("grants: grant not found", "grant_id", grantID)
		return nil, nil //nolint:nilnil // absence is represented, not raised
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetching grant %s: unexpected status %d: %s",
			grantID, resp.StatusCode, string(body))
	}

	var grant Grant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decoding grant %s: %w", grantID, err)
	}

	slog.Debug("grants: grant fetched",
		"grant_id", grant.ID,
		"status", grant.Status,
		"detail_count", len(grant.AuthorizationDetails))
	return &grant, nil
}

// ListGrants fetches all grants matching the given filters, with
// authorization details expanded.
func (c *Client) ListGrants(ctx context.Context, filters url.Values) ([]Grant, error) {
	params := url.Values{"$expand": {"authorization_details"}}
	for k, vs := range filters {
		for _, v := range vs {
			params.Add(k, v)
		}
	}

	reqURL := fmt.Sprintf("%s/Grants?%s", c.baseURL, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building grant list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("listing grants: unexpected status %d: %s",
			resp.StatusCode, string(body))
	}

	// OData-style envelope: {"value": [...]}.
	var envelope struct {
		Value []Grant `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("decoding grant list: %w", err)
	}
	return envelope.Value, nil
}
