// Package sqlite implements lilac.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	lilac "github.com/lilac-dev/lilac"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a SQLite Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and row counts.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements lilac.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ lilac.Store = (*Store)(nil)

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: lilac.NopLogger()}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the transcript table and its indexes. Safe to call multiple
// times.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")

	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS transcripts (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		request_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_transcripts_session ON transcripts(session_id, created_at)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_transcripts_request ON transcripts(request_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// AppendTranscript inserts or replaces one transcript entry.
func (s *Store) AppendTranscript(ctx context.Context, e lilac.TranscriptEntry) error {
	start := time.Now()
	s.logger.Debug("sqlite: append transcript", "id", e.ID, "session_id", e.SessionID, "role", e.Role)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO transcripts (id, session_id, request_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.RequestID, e.Role, e.Content, e.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: append transcript failed", "id", e.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("append transcript: %w", err)
	}
	s.logger.Debug("sqlite: append transcript ok", "id", e.ID, "duration", time.Since(start))
	return nil
}

// RecentTranscript returns the most recent entries for a session, ordered
// chronologically (oldest first).
func (s *Store) RecentTranscript(ctx context.Context, sessionID string, limit int) ([]lilac.TranscriptEntry, error) {
	start := time.Now()
	s.logger.Debug("sqlite: recent transcript", "session_id", sessionID, "limit", limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, request_id, role, content, created_at
		 FROM transcripts
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		s.logger.Error("sqlite: recent transcript failed", "session_id", sessionID, "error", err, "duration", time.Since(start))
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

	s.logger.Debug("sqlite: recent transcript ok", "session_id", sessionID, "count", len(entries), "duration", time.Since(start))
	return entries, nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}
