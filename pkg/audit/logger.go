package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SlogLogger emits audit events to structured logs. It keeps a bounded
// in-memory ring so the admin API can answer recent-decision queries
// without a database.
type SlogLogger struct {
	mu     sync.RWMutex
	events []Event
	max    int
}

const defaultMaxEvents = 1000

// NewSlogLogger creates a log-backed audit logger retaining up to max
// recent events in memory. Zero or negative max uses the default.
func NewSlogLogger(max int) *SlogLogger {
	if max <= 0 {
		max = defaultMaxEvents
	}
	return &SlogLogger{max: max}
}

// Log records the event to slog and the in-memory ring.
func (l *SlogLogger) Log(_ context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	slog.Info("audit: decision",
		"event_id", event.ID,
		"session_id", event.SessionID,
		"method", event.Method,
		"tool", event.ToolName,
		"allowed", event.Allowed,
		"reason", event.Reason,
		"grant_id", event.GrantID,
		"consent_url", event.ConsentURL)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	return nil
}

// Query returns retained events matching the filter, newest first.
func (l *SlogLogger) Query(_ context.Context, filter QueryFilter) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]Event, 0, len(l.events))
	for i := len(l.events) - 1; i >= 0; i-- {
		if matches(l.events[i], filter) {
			matched = append(matched, l.events[i])
		}
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []Event{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// Close is a no-op.
func (l *SlogLogger) Close() error { return nil }

func matches(event Event, filter QueryFilter) bool {
	if filter.SessionID != "" && event.SessionID != filter.SessionID {
		return false
	}
	if filter.ToolName != "" && event.ToolName != filter.ToolName {
		return false
	}
	if filter.Allowed != nil && event.Allowed != *filter.Allowed {
		return false
	}
	if filter.StartTime != nil && event.Timestamp.Before(*filter.StartTime) {
		return false
	}
	if filter.EndTime != nil && event.Timestamp.After(*filter.EndTime) {
		return false
	}
	return true
}

// Verify interface compliance.
var _ Logger = (*SlogLogger)(nil)
