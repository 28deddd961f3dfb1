package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/mcp-consent-proxy/pkg/grants"
)

// MemoryStore implements Store using an in-memory map with age-based
// eviction. It is the default backend and is safe for concurrent use:
// lookups return detached snapshots, so a handler reading its session
// never races a concurrent grant attach on the live record.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxAge   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryStore creates an in-memory session store. A zero maxAge falls
// back to DefaultMaxAge.
func NewMemoryStore(maxAge time.Duration) *MemoryStore {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		maxAge:   maxAge,
	}
}

// GetOrCreate returns the existing session or creates one. Never fails.
func (s *MemoryStore) GetOrCreate(_ context.Context, id, agentID, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		sess.LastUsedAt = time.Now()
		return sess.snapshot(), nil
	}

	now := time.Now()
	sess := &Session{
		ID:         id,
		CreatedAt:  now,
		LastUsedAt: now,
		AgentID:    agentID,
		UserID:     userID,
	}
	s.sessions[id] = sess
	slog.Debug("session: created", "session_id", id, "agent_id", agentID, "user_id", userID)
	return sess.snapshot(), nil
}

// Get retrieves a session by ID, touching LastUsedAt on hit.
func (s *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	sess.LastUsedAt = time.Now()
	return sess.snapshot(), nil
}

// AttachGrant binds a grant to the session. Unknown sessions warn and
// succeed because the originating HTTP call may race session creation.
func (s *MemoryStore) AttachGrant(_ context.Context, id, grantID string, details []grants.AuthorizationDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		slog.Warn("session: attach grant to unknown session", "session_id", id, "grant_id", grantID)
		return nil
	}

	sess.GrantID = grantID
	sess.AuthorizationDetails = details
	sess.LastUsedAt = time.Now()
	slog.Info("session: grant attached", "session_id", id, "grant_id", grantID)
	return nil
}

// Revoke clears the grant binding, keeping the session.
func (s *MemoryStore) Revoke(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, nil
	}
	sess.GrantID = ""
	sess.AuthorizationDetails = nil
	return true, nil
}

// Delete removes the session entirely.
func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return false, nil
	}
	delete(s.sessions, id)
	return true, nil
}

// SweepExpired removes sessions older than the store's max age.
func (s *MemoryStore) SweepExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, sess := range s.sessions {
		if now.Sub(sess.CreatedAt) > s.maxAge {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("session: swept expired sessions", "count", evicted)
	}
	return evicted, nil
}

// Stats returns a snapshot without side effects.
func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Total: len(s.sessions)}
	for _, sess := range s.sessions {
		if sess.GrantID != "" {
			stats.WithGrant++
		} else {
			stats.WithoutGrant++
		}
	}
	return stats, nil
}

// StartSweep starts a background goroutine that periodically evicts
// expired sessions. The goroutine is stopped when Close is called.
func (s *MemoryStore) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.SweepExpired(ctx)
			}
		}
	}()
}

// Close stops the sweep goroutine and waits for it to exit. It is safe to
// call Close even if StartSweep was never called.
func (s *MemoryStore) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
