// Package bus is the durable transport layer: an append-only, replayable log
// abstraction over Redis Streams with publish, one-shot fetch, and three
// subscription modes (tail, work, fanout), plus the connection pool that
// serves blocking reads.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is the persisted record: routing metadata plus the codec-encoded
// payload. ID is the stream entry id — unique within a topic and strictly
// ordered by append time.
type Envelope struct {
	Topic   string
	ID      string
	Type    string
	At      time.Time
	Key     string
	Headers map[string]string
	// Data holds the codec bytes; nil when the entry carried no payload.
	Data []byte
}

// Header returns the named header or "".
func (e *Envelope) Header(name string) string {
	return e.Headers[name]
}

// DataValue decodes the payload into codec value form (nil, bool, string,
// int64, float64, []byte, time.Time, []any, map[string]any).
func (e *Envelope) DataValue() (any, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	return DecodeValue(e.Data)
}

// DataInto unmarshals the payload into a typed shape. The typed decoder's
// role is validation: callers must check Type before trusting the result.
func (e *Envelope) DataInto(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("bus: envelope %s has no data", e.ID)
	}
	return json.Unmarshal(e.Data, v)
}

// Message is the publish-side shape.
type Message struct {
	Type    string
	Key     string
	Headers map[string]string
	// Data is any codec-supported value, including typed structs (reduced
	// through encoding/json) and json.RawMessage (embedded verbatim).
	Data any
}

// PublishResult reports the assigned entry id. Cursor equals ID and is a
// valid resume point for Fetch and tail subscriptions.
type PublishResult struct {
	ID     string
	Cursor string
}

// Offset selects where a fetch or subscription starts.
type Offset struct {
	kind   offsetKind
	cursor string
}

type offsetKind int

const (
	offsetBegin offsetKind = iota
	offsetNow
	offsetCursor
)

// OffsetBegin starts at the oldest retained entry.
func OffsetBegin() Offset { return Offset{kind: offsetBegin} }

// OffsetNow starts at the present: only entries appended afterwards.
func OffsetNow() Offset { return Offset{kind: offsetNow} }

// OffsetCursor resumes immediately after the entry the cursor names.
func OffsetCursor(cursor string) Offset { return Offset{kind: offsetCursor, cursor: cursor} }

// publishOptions collects per-publish knobs.
type publishOptions struct {
	maxLenApprox int64
}

// PublishOption configures a single Publish call.
type PublishOption func(*publishOptions)

// WithMaxLenApprox trims the topic to approximately n entries on write.
// Retention is per-topic and approximate (Redis MAXLEN ~).
func WithMaxLenApprox(n int64) PublishOption {
	return func(o *publishOptions) { o.maxLenApprox = n }
}

type busConfig struct {
	prefix     string
	block      time.Duration
	batch      int64
	logger     *slog.Logger
	onPublish  func(topic string)
	onDelivery func(topic string)
	onAck      func(topic string)
}

// Option configures a Bus.
type Option func(*busConfig)

// WithPrefix sets the on-the-wire topic key prefix. Default "lilac"; the
// wire key is "<prefix>:<topic>".
func WithPrefix(prefix string) Option {
	return func(c *busConfig) { c.prefix = prefix }
}

// WithBlock sets the blocking read window for subscriptions. Default 1s,
// capped at 30s.
func WithBlock(d time.Duration) Option {
	return func(c *busConfig) { c.block = d }
}

// WithLogger sets the structured logger for decode anomalies and
// subscription lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(c *busConfig) { c.logger = l }
}

// WithPublishHook registers fn to run after each successful publish.
// Observability wiring; fn must not block.
func WithPublishHook(fn func(topic string)) Option {
	return func(c *busConfig) { c.onPublish = fn }
}

// WithDeliveryHook registers fn to run for each envelope handed to a
// subscription handler.
func WithDeliveryHook(fn func(topic string)) Option {
	return func(c *busConfig) { c.onDelivery = fn }
}

// WithAckHook registers fn to run after each successful group ack.
func WithAckHook(fn func(topic string)) Option {
	return func(c *busConfig) { c.onAck = fn }
}

const maxBlock = 30 * time.Second

// Bus is the raw Streams transport. Publish, Fetch, and acks ride the shared
// client; each subscription leases a dedicated connection from the pool for
// its blocking reads.
type Bus struct {
	client     *redis.Client
	pool       *Pool
	prefix     string
	block      time.Duration
	batch      int64
	logger     *slog.Logger
	onPublish  func(topic string)
	onDelivery func(topic string)
	onAck      func(topic string)
}

// New creates a Bus over client, leasing read connections from pool.
func New(client *redis.Client, pool *Pool, opts ...Option) *Bus {
	cfg := busConfig{
		prefix: "lilac",
		block:  time.Second,
		batch:  32,
		logger: slog.New(discardLogHandler{}),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.block <= 0 {
		cfg.block = time.Second
	}
	if cfg.block > maxBlock {
		cfg.block = maxBlock
	}
	return &Bus{
		client:     client,
		pool:       pool,
		prefix:     cfg.prefix,
		block:      cfg.block,
		batch:      cfg.batch,
		logger:     cfg.logger,
		onPublish:  cfg.onPublish,
		onDelivery: cfg.onDelivery,
		onAck:      cfg.onAck,
	}
}

// stream maps a logical topic to its wire key.
func (b *Bus) stream(topic string) string {
	return b.prefix + ":" + topic
}

// Publish appends an entry to topic. One network round-trip per call; no
// batching.
func (b *Bus) Publish(ctx context.Context, topic string, msg Message, opts ...PublishOption) (PublishResult, error) {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	values := map[string]any{
		"type": msg.Type,
		"ts":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	if msg.Key != "" {
		values["key"] = msg.Key
	}
	if len(msg.Headers) > 0 {
		hdr, err := EncodeValue(msg.Headers)
		if err != nil {
			return PublishResult{}, fmt.Errorf("bus: publish %s: encode headers: %w", topic, err)
		}
		values["headers"] = string(hdr)
	}
	if msg.Data != nil {
		data, err := EncodeValue(msg.Data)
		if err != nil {
			return PublishResult{}, fmt.Errorf("bus: publish %s: encode data: %w", topic, err)
		}
		values["data"] = string(data)
	}

	args := &redis.XAddArgs{
		Stream: b.stream(topic),
		Values: values,
	}
	if o.maxLenApprox > 0 {
		args.MaxLen = o.maxLenApprox
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return PublishResult{}, fmt.Errorf("bus: publish %s: %w", topic, err)
	}
	if b.onPublish != nil {
		b.onPublish(topic)
	}
	return PublishResult{ID: id, Cursor: id}, nil
}

// FetchOptions configures a one-shot read.
type FetchOptions struct {
	Offset Offset
	// Limit caps the number of returned entries. Default 100.
	Limit int64
}

// FetchResult holds the fetched window. Next is the cursor of the last
// returned entry, or "" when the window was empty.
type FetchResult struct {
	Messages []Envelope
	Next     string
}

// Fetch reads one window from topic with no ack semantics.
func (b *Bus) Fetch(ctx context.Context, topic string, opts FetchOptions) (FetchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	stream := b.stream(topic)

	var start string
	switch opts.Offset.kind {
	case offsetBegin:
		start = "-"
	case offsetCursor:
		// Exclusive range start: resume after the cursor entry.
		start = "(" + opts.Offset.cursor
	case offsetNow:
		// Nothing new can exist yet within a one-shot read. Return the
		// stream's last generated id so the caller can resume from now.
		info, err := b.client.XInfoStream(ctx, stream).Result()
		if err != nil {
			if err == redis.Nil || isNoSuchStream(err) {
				return FetchResult{}, nil
			}
			return FetchResult{}, fmt.Errorf("bus: fetch %s: %w", topic, err)
		}
		return FetchResult{Next: info.LastGeneratedID}, nil
	}

	entries, err := b.client.XRangeN(ctx, stream, start, "+", limit).Result()
	if err != nil {
		return FetchResult{}, fmt.Errorf("bus: fetch %s: %w", topic, err)
	}
	res := FetchResult{Messages: make([]Envelope, 0, len(entries))}
	for _, entry := range entries {
		res.Messages = append(res.Messages, b.decodeEntry(topic, entry))
		res.Next = entry.ID
	}
	return res, nil
}

// decodeEntry tolerates missing or malformed fields: each anomaly logs a
// warning and the envelope is delivered with best-effort defaults. Handlers
// must validate Type before trusting Data.
func (b *Bus) decodeEntry(topic string, entry redis.XMessage) Envelope {
	env := Envelope{Topic: topic, ID: entry.ID, At: time.Now()}

	if v, ok := entry.Values["type"].(string); ok {
		env.Type = v
	} else {
		b.logger.Warn("envelope missing type", "topic", topic, "id", entry.ID)
	}
	if v, ok := entry.Values["ts"].(string); ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			b.logger.Warn("envelope has malformed ts", "topic", topic, "id", entry.ID, "ts", v)
		} else {
			env.At = time.UnixMilli(ms).UTC()
		}
	} else {
		b.logger.Warn("envelope missing ts", "topic", topic, "id", entry.ID)
	}
	if v, ok := entry.Values["key"].(string); ok {
		env.Key = v
	}
	if v, ok := entry.Values["headers"].(string); ok {
		hdr, err := decodeHeaders([]byte(v))
		if err != nil {
			b.logger.Warn("envelope has malformed headers", "topic", topic, "id", entry.ID, "error", err)
		} else {
			env.Headers = hdr
		}
	}
	if v, ok := entry.Values["data"].(string); ok {
		env.Data = []byte(v)
	}
	return env
}

// isNoSuchStream matches loosely: the exact wording of the reply has shifted
// across Redis versions, like the BUSYGROUP prefix check in subscribe.go.
func isNoSuchStream(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}
