// Package session provides the proxy's session table: the binding between
// a client's ongoing interaction and, optionally, an OAuth grant. It
// defines the Store interface and the Session type; persistence of the
// grant itself is the Grant Management API's concern, not this package's.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/mcp-consent-proxy/pkg/grants"
)

// Default lifecycle parameters. Sessions older than MaxAge are evicted by
// the periodic sweep.
const (
	DefaultMaxAge        = 24 * time.Hour
	DefaultSweepInterval = 15 * time.Minute
)

// Session represents one client's ongoing interaction with the proxy.
type Session struct {
	// ID is the opaque session identifier, caller-supplied or generated.
	ID string

	// CreatedAt is when the session was first seen.
	CreatedAt time.Time

	// LastUsedAt is the most recent touch. Monotonically non-decreasing.
	LastUsedAt time.Time

	// AgentID identifies the requesting agent, if known.
	AgentID string

	// UserID identifies the end user, if known.
	UserID string

	// GrantID is the bound grant identifier, empty until consent
	// completes.
	GrantID string

	// AuthorizationDetails is a cached snapshot of the grant's details
	// at attach time. The Grant Management API remains the authority;
	// decision logic never trusts this beyond observability.
	AuthorizationDetails []grants.AuthorizationDetail
}

// HasGrant reports whether a grant is bound to the session.
func (s *Session) HasGrant() bool {
	return s != nil && s.GrantID != ""
}

// snapshot returns a detached copy. Stores hand out snapshots so callers
// can read session fields without holding the store lock.
func (s *Session) snapshot() *Session {
	c := *s
	if s.AuthorizationDetails != nil {
		c.AuthorizationDetails = make([]grants.AuthorizationDetail, len(s.AuthorizationDetails))
		copy(c.AuthorizationDetails, s.AuthorizationDetails)
	}
	return &c
}

// Stats is an observability snapshot of the store.
type Stats struct {
	Total        int `json:"total"`
	WithGrant    int `json:"with_grant"`
	WithoutGrant int `json:"without_grant"`
}

// Store is the session table. Implementations must treat absence as a
// represented state, not an error: lookups return nil for unknown
// sessions and mutations on unknown sessions are non-fatal.
//
// Lookups return detached snapshots: mutating a returned Session does
// not affect the store, and store mutations after the lookup (a grant
// attaching through the OAuth callback, say) are not reflected in it.
type Store interface {
	// GetOrCreate returns the existing session or creates one with both
	// timestamps set to now. Creation is idempotent per identifier.
	GetOrCreate(ctx context.Context, id, agentID, userID string) (*Session, error)

	// Get retrieves a session by ID, touching LastUsedAt on hit.
	// Returns nil, nil when the session is unknown.
	Get(ctx context.Context, id string) (*Session, error)

	// AttachGrant binds a grant to the session and refreshes LastUsedAt.
	// Attaching to an unknown session logs a warning and succeeds: the
	// originating HTTP call may race session creation.
	AttachGrant(ctx context.Context, id, grantID string, details []grants.AuthorizationDetail) error

	// Revoke clears the grant binding, keeping the session. Reports
	// whether the session existed.
	Revoke(ctx context.Context, id string) (bool, error)

	// Delete removes the session entirely.
	Delete(ctx context.Context, id string) (bool, error)

	// SweepExpired removes sessions older than the store's max age and
	// returns the eviction count.
	SweepExpired(ctx context.Context) (int, error)

	// Stats returns a snapshot without side effects.
	Stats(ctx context.Context) (Stats, error)

	// Close stops background routines and releases resources.
	Close() error
}

// NewID generates a fresh opaque session identifier.
func NewID() string {
	return "sess-" + uuid.NewString()
}
