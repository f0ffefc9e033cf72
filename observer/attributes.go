package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for pipeline spans and metrics.
var (
	AttrTopic     = attribute.Key("bus.topic")
	AttrEventType = attribute.Key("bus.event_type")

	AttrWebhookEvent = attribute.Key("webhook.event")

	AttrRequestID = attribute.Key("request.id")
	AttrSessionID = attribute.Key("session.id")

	AttrAgentName   = attribute.Key("agent.name")
	AttrAgentStatus = attribute.Key("agent.status")
)
