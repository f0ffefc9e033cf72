package lilac

import "encoding/json"

// --- Chat protocol types ---

// ChatMessage is a single message in a request conversation. Batches of
// ChatMessages travel on the command topic and accumulate per request in the
// request cache.
type ChatMessage struct {
	Role     string          `json:"role"` // "system", "user", "assistant", "tool"
	Content  string          `json:"content"`
	Name     string          `json:"name,omitempty"`     // author attribution (surface login)
	Metadata json.RawMessage `json:"metadata,omitempty"` // surface-specific extras
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

// --- Agent output fragments ---

// FragmentType identifies the kind of output fragment on a per-request
// output stream.
type FragmentType string

const (
	// FragmentDelta carries an incremental text chunk.
	FragmentDelta FragmentType = "delta"
	// FragmentTool carries tool-call progress (name + status).
	FragmentTool FragmentType = "tool"
	// FragmentBinary carries an attachment (file, image).
	FragmentBinary FragmentType = "binary"
	// FragmentFinal carries the final consolidated text. Terminal.
	FragmentFinal FragmentType = "final"
)

// OutputFragment is a typed piece of agent output. Workers publish fragments
// on out.req.<requestId>; the relay forwards them to an OutputStream.
type OutputFragment struct {
	Type FragmentType `json:"type"`
	// Text carries the delta (delta), the final text (final), or the tool
	// status line (tool).
	Text string `json:"text,omitempty"`
	// Name is the tool name (tool) or attachment filename (binary).
	Name string `json:"name,omitempty"`
	// MimeType and Data are set for binary fragments only.
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// --- Lifecycle states ---

// RequestState is the lifecycle state of a request, published on evt.request.
type RequestState string

const (
	StateQueued    RequestState = "queued"
	StateStreaming RequestState = "streaming"
	StateResolved  RequestState = "resolved"
	StateFailed    RequestState = "failed"
	StateCancelled RequestState = "cancelled"
)

// IsTerminal reports whether the state is final.
func (s RequestState) IsTerminal() bool {
	return s == StateResolved || s == StateFailed || s == StateCancelled
}
