// Package audit records authorization decisions and consent triggers.
// Events answer "which session asked for which tool, and what did the
// proxy decide" after the fact.
package audit

import (
	"context"
	"time"
)

// Logger defines the interface for decision audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents one authorization decision.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Method       string    `json:"method"`
	ToolName     string    `json:"tool_name,omitempty"`
	Allowed      bool      `json:"allowed"`
	Reason       string    `json:"reason,omitempty"`
	GrantID      string    `json:"grant_id,omitempty"`
	ConsentURL   bool      `json:"consent_url"`
	MissingTools []string  `json:"missing_tools,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	SessionID string
	ToolName  string
	Allowed   *bool
	Limit     int
	Offset    int
}
