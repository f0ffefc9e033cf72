// Package requestcache keeps a fast process-local view of recent per-request
// message batches by consuming the request command topic. It is a cache, not
// a source of truth: entries expire, are capped, and are rebuilt from the bus
// after a restart.
package requestcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
)

const (
	defaultTTL           = 30 * time.Minute
	defaultMaxEntries    = 256
	defaultMaxPerRequest = 512
)

type entry struct {
	messages  []lilac.ChatMessage
	updatedAt time.Time
}

type config struct {
	ttl           time.Duration
	maxEntries    int
	maxPerRequest int
	logger        *slog.Logger
	now           func() time.Time
	onEvict       func()
}

// Option configures a Cache.
type Option func(*config)

// WithTTL sets how long an entry stays visible after its last write.
func WithTTL(ttl time.Duration) Option {
	return func(c *config) { c.ttl = ttl }
}

// WithMaxEntries caps the number of live requests; the stalest entry is
// evicted when exceeded.
func WithMaxEntries(n int) Option {
	return func(c *config) { c.maxEntries = n }
}

// WithMaxMessagesPerRequest caps a single request's accumulated history;
// excess is truncated from the head.
func WithMaxMessagesPerRequest(n int) Option {
	return func(c *config) { c.maxPerRequest = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithEvictionHook registers fn to run once per evicted entry, whether it
// expired or fell to the global cap. Observability wiring; fn must not block.
func WithEvictionHook(fn func()) Option {
	return func(c *config) { c.onEvict = fn }
}

// Cache is single-writer (the subscription handler) with concurrent readers
// through Get.
type Cache struct {
	cfg     config
	mu      sync.Mutex
	entries map[string]*entry
	sub     *bus.Subscription
}

// New subscribes in fanout mode to the request command topic at offset now
// and starts populating the cache. subscriptionID names this copy of the
// fanout; each process should use a distinct id.
func New(eb *event.Bus, subscriptionID string, opts ...Option) (*Cache, error) {
	cfg := config{
		ttl:           defaultTTL,
		maxEntries:    defaultMaxEntries,
		maxPerRequest: defaultMaxPerRequest,
		logger:        lilac.NopLogger(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxEntries <= 0 || cfg.maxPerRequest <= 0 {
		return nil, &lilac.ErrConfig{Component: "requestcache", Message: "entry caps must be positive"}
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
	sub, err := eb.SubscribeType(event.TypeRequestMessage, event.SubscribeOptions{
		Mode:           bus.ModeFanout,
		Offset:         bus.OffsetNow(),
		SubscriptionID: subscriptionID,
	}, c.handle)
	if err != nil {
		return nil, fmt.Errorf("requestcache: subscribe: %w", err)
	}
	c.sub = sub
	return c, nil
}

// handle appends one delivered batch. A missing request_id header is a
// publisher bug; the handler refuses to ack so the defect surfaces in the
// pending list instead of vanishing.
func (c *Cache) handle(ctx context.Context, m *event.Msg) error {
	rid := m.Header(event.HeaderRequestID)
	if rid == "" {
		c.cfg.logger.Error("request message without request_id header", "id", m.ID)
		return fmt.Errorf("requestcache: envelope %s missing %s header", m.ID, event.HeaderRequestID)
	}
	data, ok := m.Data.(*event.RequestMessageData)
	if !ok {
		// Undecodable payloads are acked: holding them pending cannot fix them.
		c.cfg.logger.Warn("request message with undecodable payload, skipping", "id", m.ID, "request_id", rid)
		return m.Commit(ctx)
	}

	c.append(rid, data.Messages)
	return m.Commit(ctx)
}

func (c *Cache) append(rid string, msgs []lilac.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.now()
	e := c.entries[rid]
	if e == nil || c.expired(e, now) {
		e = &entry{}
		c.entries[rid] = e
	}
	e.messages = append(e.messages, msgs...)
	if n := len(e.messages); n > c.cfg.maxPerRequest {
		// Keep the tail of the window: recent context beats stale context.
		e.messages = append(e.messages[:0:0], e.messages[n-c.cfg.maxPerRequest:]...)
	}
	e.updatedAt = now

	c.pruneLocked(now)
}

// pruneLocked drops expired entries and enforces the global cap by evicting
// the entry with the smallest updatedAt.
func (c *Cache) pruneLocked(now time.Time) {
	for rid, e := range c.entries {
		if c.expired(e, now) {
			delete(c.entries, rid)
			c.evictedLocked()
		}
	}
	for len(c.entries) > c.cfg.maxEntries {
		var oldestID string
		var oldest time.Time
		for rid, e := range c.entries {
			if oldestID == "" || e.updatedAt.Before(oldest) {
				oldestID, oldest = rid, e.updatedAt
			}
		}
		delete(c.entries, oldestID)
		c.evictedLocked()
	}
}

func (c *Cache) expired(e *entry, now time.Time) bool {
	return !now.Before(e.updatedAt.Add(c.cfg.ttl))
}

func (c *Cache) evictedLocked() {
	if c.cfg.onEvict != nil {
		c.cfg.onEvict()
	}
}

// Get returns the current ordered message sequence for a request, or false
// if the entry is missing or expired. Expired entries are evicted on the
// spot.
func (c *Cache) Get(requestID string) ([]lilac.ChatMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entries[requestID]
	if e == nil {
		return nil, false
	}
	if c.expired(e, c.cfg.now()) {
		delete(c.entries, requestID)
		c.evictedLocked()
		return nil, false
	}
	out := make([]lilac.ChatMessage, len(e.messages))
	copy(out, e.messages)
	return out, true
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop tears down the subscription and clears local state.
func (c *Cache) Stop() {
	if c.sub != nil {
		c.sub.Stop()
	}
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}
