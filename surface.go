package lilac

import "context"

// SessionRef addresses a conversation thread on a surface.
type SessionRef struct {
	// Client is the surface tag ("github", "discord", ...).
	Client string
	// ID is the surface-local session id (for GitHub: "<owner>/<repo>#<n>").
	ID string
}

// MsgRef addresses a single message within a session.
type MsgRef struct {
	Session SessionRef
	ID      string
}

// SurfaceMessage is a message read back from a surface.
type SurfaceMessage struct {
	Ref       MsgRef
	Author    string
	Text      string
	ReplyTo   string
	CreatedAt int64 // unix millis
}

// Capabilities reports which optional operations a surface supports.
// Callers must check before invoking the corresponding operation.
type Capabilities struct {
	Reactions bool
	Edit      bool
	Delete    bool
}

// StartOutputOptions configures StartOutput.
type StartOutputOptions struct {
	// ReplyTo threads the output under an existing message where supported.
	ReplyTo string
}

// SendOptions configures SendMsg.
type SendOptions struct {
	ReplyTo string
}

// ListOptions pages ListMsg.
type ListOptions struct {
	Limit  int
	Before string
	After  string
}

// OutputStream accepts typed output fragments for one request and finalizes
// atomically, or partially on error. Implementations decide how fragments map
// to surface primitives (message edits, replies, file uploads).
type OutputStream interface {
	// Write delivers one fragment. Delta fragments may be buffered and
	// flushed on the surface's own cadence.
	Write(ctx context.Context, frag OutputFragment) error
	// Finalize flushes buffered output and marks the stream complete.
	// No Write may follow.
	Finalize(ctx context.Context) error
	// Abort flushes what was delivered so far and appends a failure note.
	Abort(ctx context.Context, reason string) error
}

// Surface abstracts a chat or source-control platform adapter. All operations
// are idempotent under retry where the underlying API is; non-idempotent ones
// (SendMsg) must be guarded by the caller.
type Surface interface {
	// StartOutput opens an output stream for agent output into a session.
	StartOutput(ctx context.Context, session SessionRef, opts StartOutputOptions) (OutputStream, error)

	SendMsg(ctx context.Context, session SessionRef, content string, opts SendOptions) (MsgRef, error)
	// ReadMsg returns nil (no error) when the message does not exist.
	ReadMsg(ctx context.Context, ref MsgRef) (*SurfaceMessage, error)
	ListMsg(ctx context.Context, session SessionRef, opts ListOptions) ([]SurfaceMessage, error)
	EditMsg(ctx context.Context, ref MsgRef, content string) error
	DeleteMsg(ctx context.Context, ref MsgRef) error

	AddReaction(ctx context.Context, ref MsgRef, name string) error
	RemoveReaction(ctx context.Context, ref MsgRef, name string) error
	ListReactions(ctx context.Context, ref MsgRef) ([]string, error)

	Capabilities() Capabilities

	// Subscribe registers a handler for inbound platform events and returns a
	// stop function. Webhook-driven surfaces return a no-op stop: their inbound
	// path is the ingress, not a client subscription.
	Subscribe(handler func(SurfaceMessage)) (stop func(), err error)
}
