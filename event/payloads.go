package event

import (
	"encoding/json"

	lilac "github.com/lilac-dev/lilac"
)

// Queue selects which logical queue a request.message rides: prompts start
// or steer work, interrupts preempt it. Both travel on cmd.request; workers
// branch on the field.
type Queue string

const (
	QueuePrompt    Queue = "prompt"
	QueueInterrupt Queue = "interrupt"
)

// RawControl carries control flags on interrupt-queue messages.
type RawControl struct {
	// Cancel requests cancellation of the request's in-flight run.
	Cancel bool `json:"cancel,omitempty"`
	// RequiresActive makes the cancel a no-op when no run is active,
	// instead of queueing the cancellation.
	RequiresActive bool `json:"requires_active,omitempty"`
}

// RequestMessageData is the payload of request.message.
type RequestMessageData struct {
	Queue    Queue               `json:"queue"`
	Messages []lilac.ChatMessage `json:"messages"`
	Raw      *RawControl         `json:"raw,omitempty"`
}

// RequestLifecycleData is the payload of request.lifecycle.
type RequestLifecycleData struct {
	State lilac.RequestState `json:"state"`
	// Reason is set on failed and cancelled transitions.
	Reason string `json:"reason,omitempty"`
}

// WorkflowDispatchData is the payload of workflow.dispatch.
type WorkflowDispatchData struct {
	WorkflowID string          `json:"workflow_id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
}

// WorkflowLifecycleData is the payload of workflow.lifecycle.
type WorkflowLifecycleData struct {
	WorkflowID string `json:"workflow_id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
}

// AgentCommandData is the payload of agent.command.
type AgentCommandData struct {
	Command string          `json:"command"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// AdapterMessageData is the payload of adapter.message: an inbound surface
// event normalized by a platform adapter.
type AdapterMessageData struct {
	// SourceID is the surface-local message id; it is the default
	// correlation key for adapter events.
	SourceID  string `json:"source_id"`
	SessionID string `json:"session_id"`
	Author    string `json:"author"`
	Text      string `json:"text"`
}

// OutputData is the payload of the output.* family: one agent output
// fragment.
type OutputData struct {
	Fragment lilac.OutputFragment `json:"fragment"`
}
