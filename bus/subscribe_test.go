package bus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T, conn *fakeConn) *Bus {
	t.Helper()
	pool := NewPool(nil,
		WithPoolDial(func() StreamConn { return conn }),
		WithPoolShared(&fakeConn{}),
		WithPoolBounds(1, 4),
	)
	return New(nil, pool, WithBlock(10*time.Millisecond))
}

func entry(id, typ string, values map[string]any) redis.XMessage {
	v := map[string]any{
		"type": typ,
		"ts":   strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
	for k, val := range values {
		v[k] = val
	}
	return redis.XMessage{ID: id, Values: v}
}

func TestSubscribe_TailDeliversInOrder(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)
	stream := b.stream("evt.adapter")
	conn.queue(stream, entry("1-0", "adapter.message", nil), entry("2-0", "adapter.message", nil))
	conn.queue(stream, entry("3-0", "adapter.message", nil))

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	sub, err := b.Subscribe("evt.adapter", SubscribeOptions{Mode: ModeTail, Offset: OffsetBegin()}, func(ctx context.Context, d *Delivery) error {
		mu.Lock()
		got = append(got, d.ID)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
	sub.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"1-0", "2-0", "3-0"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSubscribe_TailCommitIsNoop(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)
	conn.queue(b.stream("evt.adapter"), entry("1-0", "adapter.message", nil))

	done := make(chan struct{})
	sub, err := b.Subscribe("evt.adapter", SubscribeOptions{Mode: ModeTail}, func(ctx context.Context, d *Delivery) error {
		if err := d.Commit(ctx); err != nil {
			t.Errorf("tail commit = %v, want nil", err)
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-done
	sub.Stop()

	if n := len(conn.acked); n != 0 {
		t.Errorf("tail mode acked %d entries, want 0", n)
	}
}

func TestSubscribe_HandlerErrorContinuesLoop(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)
	stream := b.stream("evt.adapter")
	conn.queue(stream, entry("1-0", "x", nil))
	conn.queue(stream, entry("2-0", "x", nil))

	done := make(chan struct{})
	var calls int
	sub, err := b.Subscribe("evt.adapter", SubscribeOptions{Mode: ModeTail}, func(ctx context.Context, d *Delivery) error {
		calls++
		if calls == 1 {
			return errors.New("boom")
		}
		close(done)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not continue after handler error")
	}
	sub.Stop()
}

func TestSubscribe_StopReleasesPromptly(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)

	sub, err := b.Subscribe("evt.adapter", SubscribeOptions{Mode: ModeTail}, func(ctx context.Context, d *Delivery) error {
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	sub.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("stop took %v, want prompt", elapsed)
	}
	select {
	case <-sub.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

func TestSubscribe_RequiresSubscriptionIDForDurable(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)
	if _, err := b.Subscribe("cmd.request", SubscribeOptions{Mode: ModeWork}, nil); err == nil {
		t.Error("expected error for missing SubscriptionID")
	}
	if _, err := b.Subscribe("cmd.request", SubscribeOptions{Mode: ModeFanout}, nil); err == nil {
		t.Error("expected error for missing SubscriptionID")
	}
}

func TestGroupLoop_CommitAcks(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)
	stream := b.stream("cmd.request")
	conn.queue(stream, entry("5-0", "request.message", nil))

	lease, err := b.pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	committed := make(chan struct{})
	go func() {
		b.groupLoop(ctx, "cmd.request", stream, "workers", "c1", 10*time.Millisecond, lease, func(ctx context.Context, d *Delivery) error {
			if err := d.Commit(ctx); err != nil {
				t.Errorf("commit: %v", err)
			}
			close(committed)
			return nil
		})
	}()

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.acked) != 1 || conn.acked[0] != "5-0" {
		t.Errorf("acked = %v, want [5-0]", conn.acked)
	}
}

func TestGroupLoop_NoCommitNoAck(t *testing.T) {
	conn := &fakeConn{}
	b := newTestBus(t, conn)
	stream := b.stream("cmd.request")
	conn.queue(stream, entry("7-0", "request.message", nil))

	lease, err := b.pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan struct{})
	go func() {
		b.groupLoop(ctx, "cmd.request", stream, "workers", "c1", 10*time.Millisecond, lease, func(ctx context.Context, d *Delivery) error {
			close(handled)
			return errors.New("processing failed")
		})
	}()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.acked) != 0 {
		t.Errorf("acked = %v, want none (entry must stay pending)", conn.acked)
	}
}

func TestGroupLoop_DeliveryAndAckHooks(t *testing.T) {
	conn := &fakeConn{}
	pool := NewPool(nil,
		WithPoolDial(func() StreamConn { return conn }),
		WithPoolShared(&fakeConn{}),
		WithPoolBounds(1, 4),
	)
	var mu sync.Mutex
	var deliveries, acks []string
	b := New(nil, pool, WithBlock(10*time.Millisecond),
		WithDeliveryHook(func(topic string) {
			mu.Lock()
			deliveries = append(deliveries, topic)
			mu.Unlock()
		}),
		WithAckHook(func(topic string) {
			mu.Lock()
			acks = append(acks, topic)
			mu.Unlock()
		}),
	)
	stream := b.stream("cmd.request")
	conn.queue(stream, entry("5-0", "request.message", nil))

	lease, err := b.pool.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())

	committed := make(chan struct{})
	go func() {
		b.groupLoop(ctx, "cmd.request", stream, "workers", "c1", 10*time.Millisecond, lease, func(ctx context.Context, d *Delivery) error {
			if err := d.Commit(ctx); err != nil {
				t.Errorf("commit: %v", err)
			}
			close(committed)
			return nil
		})
	}()

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(deliveries) != 1 || deliveries[0] != "cmd.request" {
		t.Errorf("delivery hook calls = %v, want [cmd.request]", deliveries)
	}
	if len(acks) != 1 || acks[0] != "cmd.request" {
		t.Errorf("ack hook calls = %v, want [cmd.request]", acks)
	}
}

func TestIsNoSuchStream(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("ERR no such key"), true},
		{errors.New("NOGROUP No such key 'lilac:cmd.request' or consumer group"), false},
		{errors.New("ERR The XINFO STREAM target no such key exists"), true},
		{errors.New("ERR unknown command"), false},
	}
	for _, c := range cases {
		if got := isNoSuchStream(c.err); got != c.want {
			t.Errorf("isNoSuchStream(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestDecodeEntry_ToleratesAnomalies(t *testing.T) {
	b := newTestBus(t, &fakeConn{})

	// Missing everything: defaults, never dropped.
	env := b.decodeEntry("t", redis.XMessage{ID: "1-0", Values: map[string]any{}})
	if env.Type != "" {
		t.Errorf("type = %q, want empty", env.Type)
	}
	if env.At.IsZero() {
		t.Error("ts default should be now, not zero")
	}
	if env.Data != nil {
		t.Error("data should be nil")
	}

	// Malformed ts and headers: warn and keep going.
	env = b.decodeEntry("t", redis.XMessage{ID: "2-0", Values: map[string]any{
		"type":    "x",
		"ts":      "not-a-number",
		"headers": "{broken",
		"key":     "k1",
	}})
	if env.Type != "x" || env.Key != "k1" {
		t.Errorf("fields lost: %+v", env)
	}
	if env.Headers != nil {
		t.Error("malformed headers should decode to nil")
	}
}

func TestFetchOffsets(t *testing.T) {
	if got := tailStart(OffsetBegin()); got != "0-0" {
		t.Errorf("tail begin = %s", got)
	}
	if got := tailStart(OffsetNow()); got != "$" {
		t.Errorf("tail now = %s", got)
	}
	if got := tailStart(OffsetCursor("3-1")); got != "3-1" {
		t.Errorf("tail cursor = %s", got)
	}
	if got := groupStart(OffsetBegin()); got != "0" {
		t.Errorf("group begin = %s", got)
	}
}
