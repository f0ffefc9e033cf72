package lilac

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns current time as Unix milliseconds. Envelope timestamps,
// cache expirations, and token expirations all use this resolution.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
