package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Mode selects the subscription semantics.
type Mode int

const (
	// ModeTail is non-durable: start at the offset, deliver every new entry,
	// no acks.
	ModeTail Mode = iota
	// ModeWork is a durable consumer group with competing consumers: each
	// entry goes to exactly one consumer in the group. Handlers must Commit.
	ModeWork
	// ModeFanout is durable with a complete copy per subscription id: each
	// distinct SubscriptionID is its own consumer group.
	ModeFanout
)

// SubscribeOptions configures Subscribe.
type SubscribeOptions struct {
	Mode Mode
	// Offset is the start position. For durable modes it applies only when
	// the consumer group is first created.
	Offset Offset
	// SubscriptionID names the consumer group. Required for ModeWork and
	// ModeFanout.
	SubscriptionID string
	// Consumer names this member within the group. Defaults to a fresh UUID.
	Consumer string
	// Block overrides the bus blocking read window for this subscription.
	Block time.Duration
}

// Handler processes one delivered envelope. Returning an error (or not
// calling Commit in a durable mode) leaves the entry pending for redelivery.
type Handler func(ctx context.Context, d *Delivery) error

// Delivery is one handed-off envelope plus its ack context.
type Delivery struct {
	Envelope
	commit func(ctx context.Context) error
}

// Commit acks the entry in durable modes; in tail mode it is a no-op.
// A failed ack is returned to the caller and the entry remains pending.
func (d *Delivery) Commit(ctx context.Context) error {
	if d.commit == nil {
		return nil
	}
	return d.commit(ctx)
}

// Cursor returns a resume token positioned at this entry, reusable with
// Fetch or a tail subscription.
func (d *Delivery) Cursor() string { return d.ID }

// NewDelivery builds a Delivery around env with an explicit commit hook.
// Transports construct these in their read loops; test fakes use it to drive
// handlers directly.
func NewDelivery(env Envelope, commit func(ctx context.Context) error) *Delivery {
	return &Delivery{Envelope: env, commit: commit}
}

// forceCloseAfter is how long Stop waits for the read loop to notice
// cancellation before force-closing the leased connection to unblock it.
const forceCloseAfter = 250 * time.Millisecond

// Subscription is a running subscribe loop.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	lease  *Lease
	block  time.Duration
}

// Stop aborts the read loop promptly. If the loop is parked in a blocking
// read, the dedicated connection is force-closed to wake it and released as
// unhealthy. Stop blocks until the loop has exited. Safe to call twice.
func (s *Subscription) Stop() {
	s.cancel()
	if s.block > forceCloseAfter {
		select {
		case <-s.done:
			return
		case <-time.After(forceCloseAfter):
			if !s.lease.Shared {
				s.lease.Conn.Close()
			}
		}
	}
	<-s.done
}

// Done is closed when the subscribe loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Subscribe starts a subscription on topic and returns once the consumer
// group (durable modes) exists. The handler runs on the subscription's own
// goroutine; a handler error leaves the entry unacked and the loop continues.
func (b *Bus) Subscribe(topic string, opts SubscribeOptions, handler Handler) (*Subscription, error) {
	durable := opts.Mode == ModeWork || opts.Mode == ModeFanout
	if durable && opts.SubscriptionID == "" {
		return nil, fmt.Errorf("bus: subscribe %s: SubscriptionID required for durable modes", topic)
	}

	stream := b.stream(topic)
	block := opts.Block
	if block <= 0 {
		block = b.block
	}
	if block > maxBlock {
		block = maxBlock
	}

	if durable {
		// Create the group before returning, idempotently. The offset applies
		// only on first creation.
		start := groupStart(opts.Offset)
		err := b.client.XGroupCreateMkStream(context.Background(), stream, opts.SubscriptionID, start).Err()
		if err != nil && !isBusyGroup(err) {
			return nil, fmt.Errorf("bus: subscribe %s: create group %s: %w", topic, opts.SubscriptionID, err)
		}
	}

	lease, err := b.pool.Acquire(context.Background())
	if err != nil {
		return nil, fmt.Errorf("bus: subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		cancel: cancel,
		done:   make(chan struct{}),
		lease:  lease,
		block:  block,
	}

	consumer := opts.Consumer
	if consumer == "" {
		consumer = uuid.NewString()
	}

	go func() {
		defer close(sub.done)
		var unhealthy bool
		defer func() { lease.Release(unhealthy) }()
		if durable {
			unhealthy = b.groupLoop(ctx, topic, stream, opts.SubscriptionID, consumer, block, lease, handler)
		} else {
			unhealthy = b.tailLoop(ctx, topic, stream, opts.Offset, block, lease, handler)
		}
	}()

	return sub, nil
}

// tailLoop reads new entries after the offset with no acks. Returns whether
// the lease should be released unhealthy.
func (b *Bus) tailLoop(ctx context.Context, topic, stream string, offset Offset, block time.Duration, lease *Lease, handler Handler) bool {
	lastID := tailStart(offset)
	for {
		if ctx.Err() != nil {
			return false
		}
		res, err := lease.Conn.XRead(ctx, &redis.XReadArgs{
			Streams: []string{stream, lastID},
			Count:   b.batch,
			Block:   block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				// Stopped; the connection may have been force-closed mid-read.
				return true
			}
			b.logger.Error("tail subscription read failed", "topic", topic, "error", err)
			return true
		}
		for _, str := range res {
			for _, entry := range str.Messages {
				env := b.decodeEntry(topic, entry)
				d := NewDelivery(env, nil)
				if b.onDelivery != nil {
					b.onDelivery(topic)
				}
				if err := handler(ctx, d); err != nil {
					b.logger.Warn("tail handler error", "topic", topic, "id", entry.ID, "error", err)
				}
				lastID = entry.ID
			}
		}
	}
}

// groupLoop reads via the consumer group and acks through Commit. Handler
// errors leave the entry pending; the loop continues. Non-transient read
// failures stop the subscription with an unhealthy release.
func (b *Bus) groupLoop(ctx context.Context, topic, stream, group, consumer string, block time.Duration, lease *Lease, handler Handler) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		res, err := lease.Conn.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    b.batch,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return true
			}
			b.logger.Error("group subscription read failed", "topic", topic, "group", group, "error", err)
			return true
		}
		for _, str := range res {
			for _, entry := range str.Messages {
				env := b.decodeEntry(topic, entry)
				id := entry.ID
				d := NewDelivery(env, func(ctx context.Context) error {
					// The handler runs on the loop goroutine, so the leased
					// connection is free between reads.
					if err := lease.Conn.XAck(ctx, stream, group, id).Err(); err != nil {
						b.logger.Error("ack failed", "topic", topic, "group", group, "id", id, "error", err)
						return fmt.Errorf("bus: ack %s: %w", id, err)
					}
					if b.onAck != nil {
						b.onAck(topic)
					}
					return nil
				})
				if b.onDelivery != nil {
					b.onDelivery(topic)
				}
				if err := handler(ctx, d); err != nil {
					// Not acked: stays pending for group recovery.
					b.logger.Warn("handler error, message remains pending",
						"topic", topic, "group", group, "id", id, "error", err)
				}
			}
		}
	}
}

func tailStart(offset Offset) string {
	switch offset.kind {
	case offsetNow:
		return "$"
	case offsetCursor:
		return offset.cursor
	default:
		return "0-0"
	}
}

func groupStart(offset Offset) string {
	switch offset.kind {
	case offsetNow:
		return "$"
	case offsetCursor:
		return offset.cursor
	default:
		return "0"
	}
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
