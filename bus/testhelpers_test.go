package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// fakeConn satisfies StreamConn. Reads are scripted: each XRead/XReadGroup
// call pops the next queued result; an empty queue returns redis.Nil (the
// blocked-read-timed-out signal). Close marks the conn closed and makes
// subsequent reads fail like a torn connection.
type fakeConn struct {
	mu     sync.Mutex
	reads  []readResult
	closed atomic.Bool

	xreadCalls      atomic.Int64
	xreadGroupCalls atomic.Int64
	acked           []string
}

type readResult struct {
	streams []redis.XStream
	err     error
}

func (f *fakeConn) queue(stream string, msgs ...redis.XMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, readResult{streams: []redis.XStream{{Stream: stream, Messages: msgs}}})
}

func (f *fakeConn) next(ctx context.Context) ([]redis.XStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.closed.Load() {
		return nil, errConnClosed
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return nil, redis.Nil
	}
	r := f.reads[0]
	f.reads = f.reads[1:]
	return r.streams, r.err
}

func (f *fakeConn) XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd {
	f.xreadCalls.Add(1)
	val, err := f.next(ctx)
	return redis.NewXStreamSliceCmdResult(val, err)
}

func (f *fakeConn) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.xreadGroupCalls.Add(1)
	val, err := f.next(ctx)
	return redis.NewXStreamSliceCmdResult(val, err)
}

func (f *fakeConn) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	f.acked = append(f.acked, ids...)
	f.mu.Unlock()
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

var errConnClosed = redis.ErrClosed
