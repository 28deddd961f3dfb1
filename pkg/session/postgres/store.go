// Package postgres provides durable PostgreSQL storage for proxy
// sessions, selected by configuration when sessions must survive
// restarts.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/mcp-consent-proxy/pkg/grants"
	"github.com/txn2/mcp-consent-proxy/pkg/session"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// sessionColumns lists columns returned by session SELECT queries.
var sessionColumns = []string{
	"id", "created_at", "last_used_at", "agent_id", "user_id",
	"grant_id", "authorization_details",
}

// Store implements session.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	maxAge time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a PostgreSQL session store. A zero maxAge falls back to
// session.DefaultMaxAge.
func New(db *sql.DB, maxAge time.Duration) *Store {
	if maxAge <= 0 {
		maxAge = session.DefaultMaxAge
	}
	return &Store{db: db, maxAge: maxAge}
}

// GetOrCreate returns the existing session or creates one. The upsert
// keeps creation idempotent under concurrent first requests.
func (s *Store) GetOrCreate(ctx context.Context, id, agentID, userID string) (*session.Session, error) {
	now := time.Now().UTC()
	query := `
		INSERT INTO sessions (id, created_at, last_used_at, agent_id, user_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET last_used_at = EXCLUDED.last_used_at
		RETURNING id, created_at, last_used_at, agent_id, user_id, grant_id, authorization_details
	`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id, now, now, agentID, userID))
	if err != nil {
		return nil, fmt.Errorf("upserting session: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by ID, touching last_used_at on hit.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query := `
		UPDATE sessions SET last_used_at = $1
		WHERE id = $2
		RETURNING id, created_at, last_used_at, agent_id, user_id, grant_id, authorization_details
	`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, time.Now().UTC(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return sess, nil
}

// AttachGrant binds a grant to the session. Unknown sessions warn and
// succeed because the originating HTTP call may race session creation.
func (s *Store) AttachGrant(ctx context.Context, id, grantID string, details []grants.AuthorizationDetail) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("encoding authorization details: %w", err)
		}
	}

	qb := psq.Update("sessions").
		Set("grant_id", grantID).
		Set("authorization_details", detailsJSON).
		Set("last_used_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})

	query, args, err := qb.ToSql()
	if err != nil {
		return fmt.Errorf("building attach query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("attaching grant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		slog.Warn("session: attach grant to unknown session", "session_id", id, "grant_id", grantID)
	} else {
		slog.Info("session: grant attached", "session_id", id, "grant_id", grantID)
	}
	return nil
}

// Revoke clears the grant binding, keeping the session.
func (s *Store) Revoke(ctx context.Context, id string) (bool, error) {
	qb := psq.Update("sessions").
		Set("grant_id", "").
		Set("authorization_details", nil).
		Where(sq.Eq{"id": id})

	query, args, err := qb.ToSql()
	if err != nil {
		return false, fmt.Errorf("building revoke query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("revoking session grant: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Delete removes the session entirely.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("deleting session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SweepExpired removes sessions older than the store's max age.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("session: swept expired sessions", "count", n)
	}
	return int(n), nil
}

// Stats returns a snapshot without side effects.
func (s *Store) Stats(ctx context.Context) (session.Stats, error) {
	query := `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE grant_id <> '')
		FROM sessions
	`

	var stats session.Stats
	if err := s.db.QueryRowContext(ctx, query).Scan(&stats.Total, &stats.WithGrant); err != nil {
		return session.Stats{}, fmt.Errorf("counting sessions: %w", err)
	}
	stats.WithoutGrant = stats.Total - stats.WithGrant
	return stats, nil
}

// StartSweep starts a background goroutine that periodically evicts
// expired sessions. The goroutine is stopped when Close is called.
func (s *Store) StartSweep(interval time.Duration) {
	if interval <= 0 {
		interval = session.DefaultSweepInterval
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
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*session.Session, error) {
	var sess session.Session
	var detailsJSON []byte

	err := row.Scan(
		&sess.ID,
		&sess.CreatedAt,
		&sess.LastUsedAt,
		&sess.AgentID,
		&sess.UserID,
		&sess.GrantID,
		&detailsJSON,
	)
	if err != nil {
		return nil, err
	}

	if len(detailsJSON) > 0 {
		_ = json.Unmarshal(detailsJSON, &sess.AuthorizationDetails)
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
