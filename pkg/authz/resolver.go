// Package authz decides whether a tool call is permitted for a session.
// The Grant Management API is the authority on revocation and expiry, so
// the resolver fetches fresh grant state on every check and never trusts
// a locally cached permission set beyond a single call. All fetch
// failures fail closed.
package authz

import (
	"context"
	"log/slog"

	"github.com/txn2/mcp-consent-proxy/pkg/grants"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

// Reason enumerates the structured denial reasons.
type Reason string

// Denial reasons. An allowed decision carries an empty reason.
const (
	ReasonNoGrant         Reason = "no_grant"
	ReasonGrantNotFound   Reason = "grant_not_found"
	ReasonGrantInactive   Reason = "grant_inactive"
	ReasonToolNotGranted  Reason = "tool_not_granted"
	ReasonToolsNotGranted Reason = "tools_not_granted"
	ReasonValidationError Reason = "validation_error"
)

// Decision is the transient result of an authorization check.
type Decision struct {
	Allowed      bool
	Reason       Reason
	GrantID      string
	MissingTools []string
}

// GrantFetcher is the resolver's only external dependency.
type GrantFetcher interface {
	GetGrant(ctx context.Context, grantID string) (*grants.Grant, error)
}

// Resolver evaluates tool access against session-bound grants.
type Resolver struct {
	fetcher GrantFetcher
}

// NewResolver creates a Resolver backed by the given grant fetcher.
func NewResolver(fetcher GrantFetcher) *Resolver {
	return &Resolver{fetcher: fetcher}
}

// CheckTool decides whether the named tool is permitted for the session
// right now.
func (r *Resolver) CheckTool(ctx context.Context, sess *session.Session, toolName string) Decision {
	if !sess.HasGrant() {
		return Decision{Reason: ReasonNoGrant, MissingTools: []string{toolName}}
	}

	grant, err := r.fetcher.GetGrant(ctx, sess.GrantID)
	if err != nil {
		slog.Error("authz: grant fetch failed, failing closed",
			"session_id", sess.ID, "grant_id", sess.GrantID, "error", err)
		return Decision{Reason: ReasonValidationError, MissingTools: []string{toolName}}
	}
	if grant == nil {
		return Decision{Reason: ReasonGrantNotFound, MissingTools: []string{toolName}}
	}
	if !grant.Active() {
		slog.Warn("authz: grant is not active",
			"session_id", sess.ID, "grant_id", grant.ID, "status", grant.Status)
		return Decision{Reason: ReasonGrantInactive, MissingTools: []string{toolName}}
	}

	if grant.Permits(toolName) {
		slog.Debug("authz: tool authorized", "session_id", sess.ID, "tool", toolName)
		return Decision{Allowed: true, GrantID: sess.GrantID}
	}

	slog.Debug("authz: tool not granted", "session_id", sess.ID, "tool", toolName)
	return Decision{
		Reason:       ReasonToolNotGranted,
		GrantID:      sess.GrantID,
		MissingTools: []string{toolName},
	}
}

// CheckTools evaluates a list of tool names with a single grant fetch,
// returning the missing subset. Used when one protocol method implies
// several required tools.
func (r *Resolver) CheckTools(ctx context.Context, sess *session.Session, toolNames []string) Decision {
	if !sess.HasGrant() {
		return Decision{Reason: ReasonNoGrant, MissingTools: toolNames}
	}

	grant, err := r.fetcher.GetGrant(ctx, sess.GrantID)
	if err != nil {
		slog.Error("authz: grant fetch failed, failing closed",
			"session_id", sess.ID, "grant_id", sess.GrantID, "error", err)
		return Decision{Reason: ReasonValidationError, MissingTools: toolNames}
	}
	if grant == nil {
		return Decision{Reason: ReasonGrantNotFound, MissingTools: toolNames}
	}
	if !grant.Active() {
		return Decision{Reason: ReasonGrantInactive, MissingTools: toolNames}
	}

	var missing []string
	for _, name := range toolNames {
		if !grant.Permits(name) {
			missing = append(missing, name)
		}
	}

	if len(missing) == 0 {
		return Decision{Allowed: true, GrantID: sess.GrantID}
	}
	return Decision{
		Reason:       ReasonToolsNotGranted,
		GrantID:      sess.GrantID,
		MissingTools: missing,
	}
}

// AuthorizedTools returns the deduplicated set of tool names the
// session's active grant currently permits. Returns an empty list when
// there is no grant, the grant is inactive, or the fetch fails; this
// powers tools/list filtering.
func (r *Resolver) AuthorizedTools(ctx context.Context, sess *session.Session) []string {
	if !sess.HasGrant() {
		return nil
	}

	grant, err := r.fetcher.GetGrant(ctx, sess.GrantID)
	if err != nil {
		slog.Error("authz: grant fetch failed for tool listing",
			"session_id", sess.ID, "grant_id", sess.GrantID, "error", err)
		return nil
	}
	if !grant.Active() {
		return nil
	}
	return grant.PermittedTools()
}
