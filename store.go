package lilac

import "context"

// TranscriptEntry is one persisted line of a session transcript: a user
// request message or an assistant response, keyed by session and request.
type TranscriptEntry struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"created_at"` // unix millis
}

// Store persists session transcripts. Implementations: store/sqlite (local),
// store/postgres (shared). The bus is the source of truth for in-flight
// requests; the store is the durable record that survives retention trims.
type Store interface {
	Init(ctx context.Context) error
	AppendTranscript(ctx context.Context, e TranscriptEntry) error
	// RecentTranscript returns up to limit entries for the session, oldest first.
	RecentTranscript(ctx context.Context, sessionID string, limit int) ([]TranscriptEntry, error)
	Close() error
}
