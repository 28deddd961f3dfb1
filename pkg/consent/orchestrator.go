// Package consent turns an authorization denial into an actionable
// authorization URL, synchronously, within the same request/response
// cycle that produced the denial. It never mutates session state: the
// grant only attaches later, through the OAuth callback, once the user
// completes the redirect.
package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/txn2/mcp-consent-proxy/pkg/authserver"
	"github.com/txn2/mcp-consent-proxy/pkg/policy"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

// Grant-management actions carried in the PAR descriptor.
const (
	ActionCreate = "create"
	ActionMerge  = "merge"
)

const (
	defaultScope            = "mcp:tools"
	defaultSubject          = "anonymous"
	defaultSubjectTokenType = "urn:ietf:params:oauth:token-type:id_token"
)

// AuthorizationClient is the slice of the Authorization Server client the
// orchestrator needs.
type AuthorizationClient interface {
	CreatePAR(ctx context.Context, req authserver.PARRequest) (*authserver.PARResponse, error)
	AuthorizationURL(requestURI, sessionID string) string
}

// Outcome is the result of a consent trigger. The zero value is the
// "denied without URL" variant: callers must check HasURL before using
// the link, so a PAR failure can never surface as a dangling empty URL.
type Outcome struct {
	url          string
	instructions string
}

// NewOutcome builds an Outcome carrying an authorization URL.
func NewOutcome(url, instructions string) Outcome {
	return Outcome{url: url, instructions: instructions}
}

// HasURL reports whether an authorization URL is available.
func (o Outcome) HasURL() bool { return o.url != "" }

// URL returns the authorization URL. Empty when HasURL is false.
func (o Outcome) URL() string { return o.url }

// Instructions returns the human-readable follow-up text accompanying
// the URL.
func (o Outcome) Instructions() string { return o.instructions }

// Config configures the orchestrator.
type Config struct {
	// ClientID is the proxy's OAuth client identifier.
	ClientID string

	// RedirectURI is where the Authorization Server sends the user back
	// after consent, e.g. "http://localhost:8080/callback".
	RedirectURI string

	// DownstreamURL identifies the tool server the authorization detail
	// is scoped to.
	DownstreamURL string

	// Transport is the downstream transport advertised in the detail.
	// Defaults to "sse".
	Transport string
}

// Orchestrator drives the PAR flow for denied tool calls.
type Orchestrator struct {
	cfg    Config
	auth   AuthorizationClient
	lookup *policy.Lookup
}

// NewOrchestrator creates a consent-flow orchestrator. The policy lookup
// decides which sibling tools join the consent request.
func NewOrchestrator(cfg Config, auth AuthorizationClient, lookup *policy.Lookup) *Orchestrator {
	return &Orchestrator{cfg: cfg, auth: auth, lookup: lookup}
}

// Trigger builds and pushes a consent request for the denied tool and
// returns the outcome. A PAR failure is recoverable: the zero Outcome is
// returned and the caller surfaces the denial without a link.
func (o *Orchestrator) Trigger(ctx context.Context, sess *session.Session, toolName string) Outcome {
	relatedTools := o.lookup.RelatedTools(toolName)
	slog.Info("consent: triggering flow",
		"session_id", sess.ID,
		"tool", toolName,
		"related_tools", relatedTools)

	detail := o.lookup.BuildAuthorizationDetail(relatedTools, o.cfg.DownstreamURL, o.cfg.Transport)
	detailsJSON, err := json.Marshal([]policy.AuthorizationDetail{detail})
	if err != nil {
		slog.Error("consent: failed to encode authorization details", "error", err)
		return Outcome{}
	}

	parReq := authserver.PARRequest{
		ResponseType:          "code",
		ClientID:              o.cfg.ClientID,
		RedirectURI:           o.cfg.RedirectURI,
		GrantManagementAction: ActionCreate,
		AuthorizationDetails:  string(detailsJSON),
		RequestedActor:        requestedActor(sess),
		Subject:               subject(sess),
		Scope:                 defaultScope,
		SubjectTokenType:      defaultSubjectTokenType,
	}
	if sess.HasGrant() {
		// Step-up authorization: extend the existing grant.
		parReq.GrantManagementAction = ActionMerge
		parReq.GrantID = sess.GrantID
	}

	parResp, err := o.auth.CreatePAR(ctx, parReq)
	if err != nil {
		slog.Error("consent: PAR failed", "session_id", sess.ID, "tool", toolName, "error", err)
		return Outcome{}
	}
	if parResp.RequestURI == "" {
		slog.Error("consent: PAR response missing request_uri", "session_id", sess.ID)
		return Outcome{}
	}

	return Outcome{
		url: o.auth.AuthorizationURL(parResp.RequestURI, sess.ID),
		instructions: fmt.Sprintf(
			"Please visit the authorization URL to grant consent for tool '%s'.", toolName),
	}
}

// requestedActor identifies the acting agent, falling back to a
// session-keyed URN when no agent identifier is known.
func requestedActor(sess *session.Session) string {
	if sess.AgentID != "" {
		return sess.AgentID
	}
	return "urn:mcp:agent:" + sess.ID
}

// subject identifies the end user, "anonymous" when unknown.
func subject(sess *session.Session) string {
	if sess.UserID != "" {
		return sess.UserID
	}
	return defaultSubject
}
