package event

import (
	"context"
	"fmt"
	"log/slog"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
)

// Msg is a typed delivery: the raw envelope context plus the decoded payload.
// Data holds a pointer to the payload shape registered for EventType
// (*RequestMessageData, *OutputData, ...); handlers type-switch on it or
// branch on EventType.
type Msg struct {
	*bus.Delivery
	EventType Type
	Data      any
}

// Handler processes one typed delivery. Durable-mode handlers must Commit.
type Handler func(ctx context.Context, m *Msg) error

// SubscribeOptions configures typed subscriptions. Topic is required for
// output-stream types (their topic is request-scoped) and otherwise ignored
// by SubscribeType.
type SubscribeOptions struct {
	Mode           bus.Mode
	Offset         bus.Offset
	SubscriptionID string
	Consumer       string
	// Topic overrides topic derivation. Required when subscribing to an
	// output-stream type.
	Topic string
}

func (o SubscribeOptions) raw() bus.SubscribeOptions {
	return bus.SubscribeOptions{
		Mode:           o.Mode,
		Offset:         o.Offset,
		SubscriptionID: o.SubscriptionID,
		Consumer:       o.Consumer,
	}
}

// PublishOptions collects per-publish overrides. The exported shape lets
// tests of publisher consumers apply options to inspect them.
type PublishOptions struct {
	Headers   map[string]string
	Topic     string
	Key       string
	Retention int64
}

// PublishOption configures a single Publish call.
type PublishOption func(*PublishOptions)

// WithHeaders sets the envelope headers. Output-stream types require
// HeaderRequestID to be present.
func WithHeaders(h map[string]string) PublishOption {
	return func(o *PublishOptions) { o.Headers = h }
}

// WithTopic overrides the registry-derived topic.
func WithTopic(topic string) PublishOption {
	return func(o *PublishOptions) { o.Topic = topic }
}

// WithKey overrides the registry-derived correlation key.
func WithKey(key string) PublishOption {
	return func(o *PublishOptions) { o.Key = key }
}

// WithRetention sets the approximate per-topic retention hint, in entries.
func WithRetention(n int64) PublishOption {
	return func(o *PublishOptions) { o.Retention = n }
}

// Option configures a Bus.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger sets the structured logger for decode and dispatch anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Bus wraps the raw transport with the event registry.
type Bus struct {
	raw    *bus.Bus
	logger *slog.Logger
}

// New creates a typed Bus over the raw transport.
func New(raw *bus.Bus, opts ...Option) *Bus {
	cfg := config{logger: lilac.NopLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Bus{raw: raw, logger: cfg.logger}
}

// Raw exposes the underlying transport for callers that need cursor-level
// access.
func (b *Bus) Raw() *bus.Bus { return b.raw }

// Publish encodes data and appends it to the type's topic. The topic defaults
// from the registry; output-stream types derive it from the request_id header
// and fail with a configuration error when the header is missing — that is a
// programmer error on the publisher, not a runtime condition.
func (b *Bus) Publish(ctx context.Context, typ Type, data any, opts ...PublishOption) (bus.PublishResult, error) {
	reg, ok := registry[typ]
	if !ok {
		return bus.PublishResult{}, &lilac.ErrConfig{Component: "event", Message: fmt.Sprintf("unknown event type %q", typ)}
	}
	var o PublishOptions
	for _, opt := range opts {
		opt(&o)
	}

	topic := o.Topic
	if topic == "" {
		topic = reg.topic
	}
	if topic == "" {
		rid := o.Headers[HeaderRequestID]
		if rid == "" {
			return bus.PublishResult{}, &lilac.ErrConfig{
				Component: "event",
				Message:   fmt.Sprintf("publish %s: output-stream events require the %s header", typ, HeaderRequestID),
			}
		}
		topic = OutputTopic(rid)
	}

	key := o.Key
	if key == "" && reg.key != nil {
		key = reg.key(o.Headers, data)
	}

	var busOpts []bus.PublishOption
	if o.Retention > 0 {
		busOpts = append(busOpts, bus.WithMaxLenApprox(o.Retention))
	}
	return b.raw.Publish(ctx, topic, bus.Message{
		Type:    string(typ),
		Key:     key,
		Headers: o.Headers,
		Data:    data,
	}, busOpts...)
}

// SubscribeTopic delivers every registered event type valid on topic as a
// discriminated union: m.Data is the decoded payload for m.EventType.
// Envelopes with an unregistered type are logged, committed, and skipped.
func (b *Bus) SubscribeTopic(topic string, opts SubscribeOptions, handler Handler) (*bus.Subscription, error) {
	valid := make(map[Type]registration)
	for _, typ := range topicTypes(topic) {
		valid[typ] = registry[typ]
	}
	if len(valid) == 0 {
		return nil, &lilac.ErrConfig{Component: "event", Message: fmt.Sprintf("no event types registered on topic %q", topic)}
	}

	return b.raw.Subscribe(topic, opts.raw(), func(ctx context.Context, d *bus.Delivery) error {
		typ := Type(d.Type)
		reg, ok := valid[typ]
		if !ok {
			b.logger.Warn("unregistered event type on topic, skipping", "topic", topic, "type", d.Type, "id", d.ID)
			return d.Commit(ctx)
		}
		data := reg.newData()
		if err := d.DataInto(data); err != nil {
			// Decode anomalies never drop the message: deliver with nil Data
			// and let the handler decide.
			b.logger.Warn("event payload decode failed", "topic", topic, "type", d.Type, "id", d.ID, "error", err)
			data = nil
		}
		return handler(ctx, &Msg{Delivery: d, EventType: typ, Data: data})
	})
}

// SubscribeType delivers only the requested type; other types on the same
// topic are committed and silently dropped. Output-stream types require
// opts.Topic since their topic is request-scoped.
func (b *Bus) SubscribeType(typ Type, opts SubscribeOptions, handler Handler) (*bus.Subscription, error) {
	reg, ok := registry[typ]
	if !ok {
		return nil, &lilac.ErrConfig{Component: "event", Message: fmt.Sprintf("unknown event type %q", typ)}
	}
	topic := opts.Topic
	if topic == "" {
		topic = reg.topic
	}
	if topic == "" {
		return nil, &lilac.ErrConfig{
			Component: "event",
			Message:   fmt.Sprintf("subscribe %s: output-stream events require an explicit topic", typ),
		}
	}

	return b.SubscribeTopic(topic, opts, func(ctx context.Context, m *Msg) error {
		if m.EventType != typ {
			return m.Commit(ctx)
		}
		return handler(ctx, m)
	})
}

// FetchTopic is a typed one-shot read over the raw Fetch.
func (b *Bus) FetchTopic(ctx context.Context, topic string, opts bus.FetchOptions) ([]*Msg, string, error) {
	res, err := b.raw.Fetch(ctx, topic, opts)
	if err != nil {
		return nil, "", err
	}
	msgs := make([]*Msg, 0, len(res.Messages))
	for i := range res.Messages {
		env := res.Messages[i]
		typ := Type(env.Type)
		reg, ok := registry[typ]
		if !ok {
			b.logger.Warn("unregistered event type in fetch", "topic", topic, "type", env.Type, "id", env.ID)
			continue
		}
		data := reg.newData()
		if err := env.DataInto(data); err != nil {
			b.logger.Warn("event payload decode failed", "topic", topic, "type", env.Type, "id", env.ID, "error", err)
			data = nil
		}
		msgs = append(msgs, &Msg{Delivery: bus.NewDelivery(env, nil), EventType: typ, Data: data})
	}
	return msgs, res.Next, nil
}
