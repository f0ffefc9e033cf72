// Package postgres implements lilac.Store using PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	lilac "github.com/lilac-dev/lilac"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements lilac.Store backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ lilac.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: lilac.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates the transcript table and its indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transcripts (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			request_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_request ON transcripts(request_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}

	s.logger.Info("postgres: init completed", "duration", time.Since(start))
	return nil
}

// AppendTranscript upserts one transcript entry keyed by id.
func (s *Store) AppendTranscript(ctx context.Context, e lilac.TranscriptEntry) error {
	start := time.Now()
	s.logger.Debug("postgres: append transcript", "id", e.ID, "session_id", e.SessionID, "role", e.Role)

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transcripts (id, session_id, request_id, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			request_id = EXCLUDED.request_id,
			role = EXCLUDED.role,
			content = EXCLUDED.content,
			created_at = EXCLUDED.created_at`,
		e.ID, e.SessionID, e.RequestID, e.Role, e.Content, e.CreatedAt,
	)
	if err != nil {
		s.logger.Error("postgres: append transcript failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append transcript: %w", err)
	}
	s.logger.Debug("postgres: append transcript ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

// RecentTranscript returns the most recent entries for a session, ordered
// chronologically (oldest first).
func (s *Store) RecentTranscript(ctx context.Context, sessionID string, limit int) ([]lilac.TranscriptEntry, error) {
	start := time.Now()
	s.logger.Debug("postgres: recent transcript", "session_id", sessionID, "limit", limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, request_id, role, content, created_at
		 FROM transcripts
		 WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		sessionID, limit,
	)
	if err != nil {
		s.logger.Error("postgres: recent transcript failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("recent transcript: %w", err)
	}
	defer rows.Close()

	var entries []lilac.TranscriptEntry
	for rows.Next() {
		var e lilac.TranscriptEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.RequestID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transcript: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transcript: %w", err)
	}

	// Reverse to chronological order (oldest first).
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	s.logger.Debug("postgres: recent transcript ok", "session_id", sessionID, "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error {
	return nil
}
