// Package event is the typed envelope layer over the raw bus: a closed event
// type registry that derives topic and correlation key per type, and
// publish/subscribe variants that deliver decoded payloads.
package event

import "strings"

// Type identifies an event kind. The set is closed: every type maps to
// exactly one topic (static, or derived from the request_id header for
// output-stream types).
type Type string

const (
	// TypeRequestMessage carries a batch of request messages on cmd.request.
	// The prompt queue starts or steers a request; the interrupt queue
	// cancels in-flight work.
	TypeRequestMessage Type = "request.message"
	// TypeRequestLifecycle announces request state transitions on evt.request.
	TypeRequestLifecycle Type = "request.lifecycle"
	// TypeWorkflowDispatch schedules a workflow run on cmd.workflow.
	TypeWorkflowDispatch Type = "workflow.dispatch"
	// TypeWorkflowLifecycle announces workflow state on evt.workflow.
	TypeWorkflowLifecycle Type = "workflow.lifecycle"
	// TypeAgentCommand carries direct agent control on cmd.agent.
	TypeAgentCommand Type = "agent.command"
	// TypeAdapterMessage carries inbound surface events on evt.adapter.
	TypeAdapterMessage Type = "adapter.message"
	// TypeOutputDelta, TypeOutputTool, and TypeOutputFinal stream agent
	// output on the per-request topic out.req.<requestId>.
	TypeOutputDelta Type = "output.delta"
	TypeOutputTool  Type = "output.tool"
	TypeOutputFinal Type = "output.final"
)

// Topic names. The full set is closed except for the parametric per-request
// output family.
const (
	TopicRequest        = "cmd.request"
	TopicWorkflow       = "cmd.workflow"
	TopicAgent          = "cmd.agent"
	TopicAdapter        = "evt.adapter"
	TopicRequestEvents  = "evt.request"
	TopicWorkflowEvents = "evt.workflow"

	outputTopicPrefix = "out.req."
)

// Envelope header names. request_id is required for request, workflow, agent,
// and output events; session_id is expected for request events;
// request_client tags the originating surface.
const (
	HeaderRequestID     = "request_id"
	HeaderSessionID     = "session_id"
	HeaderRequestClient = "request_client"
)

// OutputTopic returns the per-request output stream topic.
func OutputTopic(requestID string) string {
	return outputTopicPrefix + requestID
}

// IsOutputTopic reports whether topic belongs to the out.req.* family.
func IsOutputTopic(topic string) bool {
	return strings.HasPrefix(topic, outputTopicPrefix)
}

// registration is one row of the compile-time event registry.
type registration struct {
	// topic is empty for output-stream types: their topic derives from the
	// request_id header at publish time.
	topic string
	// key derives the default correlation key from headers and decoded data.
	key func(headers map[string]string, data any) string
	// newData allocates the payload shape for decoding.
	newData func() any
}

func keyFromRequestID(headers map[string]string, _ any) string {
	return headers[HeaderRequestID]
}

// registry is the closed Type → {topic, key, shape} map. Adding an event
// type means adding a row here and a payload shape in payloads.go.
var registry = map[Type]registration{
	TypeRequestMessage: {
		topic:   TopicRequest,
		key:     keyFromRequestID,
		newData: func() any { return new(RequestMessageData) },
	},
	TypeRequestLifecycle: {
		topic:   TopicRequestEvents,
		key:     keyFromRequestID,
		newData: func() any { return new(RequestLifecycleData) },
	},
	TypeWorkflowDispatch: {
		topic: TopicWorkflow,
		key: func(_ map[string]string, data any) string {
			if d, ok := data.(*WorkflowDispatchData); ok {
				return d.WorkflowID
			}
			return ""
		},
		newData: func() any { return new(WorkflowDispatchData) },
	},
	TypeWorkflowLifecycle: {
		topic: TopicWorkflowEvents,
		key: func(_ map[string]string, data any) string {
			if d, ok := data.(*WorkflowLifecycleData); ok {
				return d.WorkflowID
			}
			return ""
		},
		newData: func() any { return new(WorkflowLifecycleData) },
	},
	TypeAgentCommand: {
		topic:   TopicAgent,
		key:     keyFromRequestID,
		newData: func() any { return new(AgentCommandData) },
	},
	TypeAdapterMessage: {
		topic: TopicAdapter,
		key: func(_ map[string]string, data any) string {
			if d, ok := data.(*AdapterMessageData); ok {
				return d.SourceID
			}
			return ""
		},
		newData: func() any { return new(AdapterMessageData) },
	},
	TypeOutputDelta: {
		key:     keyFromRequestID,
		newData: func() any { return new(OutputData) },
	},
	TypeOutputTool: {
		key:     keyFromRequestID,
		newData: func() any { return new(OutputData) },
	},
	TypeOutputFinal: {
		key:     keyFromRequestID,
		newData: func() any { return new(OutputData) },
	},
}

// topicTypes returns the event types valid on a topic.
func topicTypes(topic string) []Type {
	if IsOutputTopic(topic) {
		return []Type{TypeOutputDelta, TypeOutputTool, TypeOutputFinal}
	}
	var out []Type
	for typ, reg := range registry {
		if reg.topic == topic {
			out = append(out, typ)
		}
	}
	return out
}
