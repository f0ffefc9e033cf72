package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("bus: pool closed")

// StreamConn is the command subset a leased connection serves. Both dedicated
// connections (*redis.Conn) and the shared client (*redis.Client) satisfy it;
// the pool only ever calls Close on dedicated connections.
type StreamConn interface {
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	Close() error
}

// DialFunc produces a fresh dedicated connection. The default wraps
// client.Conn(); tests inject fakes.
type DialFunc func() StreamConn

// PoolStats is an observational snapshot of pool state.
type PoolStats struct {
	Max       int
	Created   int
	Available int
	InUse     int
}

// Lease is one checked-out connection. Only the leaseholder may issue
// commands on Conn. A shared lease (Shared == true) wraps the pool's shared
// client: it may be used concurrently by others, Release is a no-op, and the
// holder must not close it.
type Lease struct {
	Conn   StreamConn
	Shared bool

	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Release returns the connection to the pool. Pass unhealthy when the
// connection may be poisoned (force-closed mid-read, protocol error): the
// pool closes it instead of reusing it. Double release is a no-op.
func (l *Lease) Release(unhealthy bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()
	if l.Shared {
		return
	}
	l.pool.release(l.Conn, unhealthy)
}

type poolConfig struct {
	dial     DialFunc
	shared   StreamConn
	min      int
	hardCap  int
	grow     int
	shrink   int
	divisor  int
	cooldown time.Duration
	warm     int
	logger   *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

// WithPoolBounds sets the autoscale floor and hard cap. The pool starts with
// max = min and grows toward cap under exhaustion. min must be ≥ 1.
func WithPoolBounds(min, cap int) PoolOption {
	return func(c *poolConfig) { c.min, c.hardCap = min, cap }
}

// WithPoolScaleFactors sets the grow multiplier, shrink divisor applied to
// max, and the inUse ≤ max/divisor threshold that permits shrinking.
// Defaults: grow 2, shrink 2, divisor 4.
func WithPoolScaleFactors(grow, shrink, divisor int) PoolOption {
	return func(c *poolConfig) { c.grow, c.shrink, c.divisor = grow, shrink, divisor }
}

// WithPoolCooldown sets the minimum time after a grow before any shrink.
// Default 30s. Zero disables the cooldown.
func WithPoolCooldown(d time.Duration) PoolOption {
	return func(c *poolConfig) { c.cooldown = d }
}

// WithPoolWarm pre-creates n idle connections at construction, best-effort.
func WithPoolWarm(n int) PoolOption {
	return func(c *poolConfig) { c.warm = n }
}

// WithPoolLogger sets the structured logger for exhaustion warnings.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = l }
}

// WithPoolDial overrides connection creation. Intended for tests and
// alternative transports; when set, client may be nil if WithPoolShared is
// also set.
func WithPoolDial(dial DialFunc) PoolOption {
	return func(c *poolConfig) { c.dial = dial }
}

// WithPoolShared overrides the shared fallback connection.
func WithPoolShared(conn StreamConn) PoolOption {
	return func(c *poolConfig) { c.shared = conn }
}

// warnInterval rate-limits exhaustion warnings.
const warnInterval = 30 * time.Second

// Pool hands out dedicated connections for blocking stream reads. It reuses
// idle connections first, creates up to max, autoscales max between the floor
// and hard cap, and degrades to the shared connection when the hard cap is
// reached.
type Pool struct {
	mu      sync.Mutex
	dial    DialFunc
	shared  StreamConn
	idle    []StreamConn
	created int
	inUse   int
	max     int

	min      int
	hardCap  int
	grow     int
	shrink   int
	divisor  int
	cooldown time.Duration
	lastGrow time.Time

	closed bool

	warnAt     time.Time
	suppressed int
	logger     *slog.Logger
}

// NewPool creates a pool over client. Dedicated connections are duplicated
// from the client via Conn(); the client itself is the shared fallback.
// Connection setup performs no I/O, so warm-up never blocks construction.
func NewPool(client *redis.Client, opts ...PoolOption) *Pool {
	cfg := poolConfig{
		min:      4,
		hardCap:  64,
		grow:     2,
		shrink:   2,
		divisor:  4,
		cooldown: 30 * time.Second,
		logger:   slog.New(discardLogHandler{}),
	}
	if client != nil {
		cfg.dial = func() StreamConn { return client.Conn() }
		cfg.shared = client
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.min < 1 {
		cfg.min = 1
	}
	if cfg.hardCap < cfg.min {
		cfg.hardCap = cfg.min
	}

	p := &Pool{
		dial:     cfg.dial,
		shared:   cfg.shared,
		max:      cfg.min,
		min:      cfg.min,
		hardCap:  cfg.hardCap,
		grow:     cfg.grow,
		shrink:   cfg.shrink,
		divisor:  cfg.divisor,
		cooldown: cfg.cooldown,
		logger:   cfg.logger,
	}
	for i := 0; i < cfg.warm && i < p.max; i++ {
		p.idle = append(p.idle, p.dial())
		p.created++
	}
	return p
}

// Acquire checks out a connection. Selection is deterministic: idle first,
// then create up to max (growing max under exhaustion), then degrade to the
// shared connection.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.inUse++
		p.mu.Unlock()
		return &Lease{Conn: conn, pool: p}, nil
	}

	if p.created >= p.max && p.max < p.hardCap {
		p.max *= p.grow
		if p.max > p.hardCap {
			p.max = p.hardCap
		}
		p.lastGrow = time.Now()
	}

	if p.created < p.max {
		conn := p.dial()
		p.created++
		p.inUse++
		p.mu.Unlock()
		return &Lease{Conn: conn, pool: p}, nil
	}

	// At the hard cap: degrade to the shared connection.
	p.warnExhausted()
	p.mu.Unlock()
	return &Lease{Conn: p.shared, Shared: true, pool: p}, nil
}

// warnExhausted logs at most once per warnInterval, carrying the count of
// warnings suppressed since the last emit. Caller holds p.mu.
func (p *Pool) warnExhausted() {
	now := time.Now()
	if now.Sub(p.warnAt) < warnInterval {
		p.suppressed++
		return
	}
	p.logger.Warn("connection pool exhausted, using shared connection",
		"max", p.max, "in_use", p.inUse, "suppressed", p.suppressed)
	p.warnAt = now
	p.suppressed = 0
}

func (p *Pool) release(conn StreamConn, unhealthy bool) {
	var trim []StreamConn
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.inUse--
	if unhealthy {
		p.created--
		trim = append(trim, conn)
	} else {
		p.idle = append(p.idle, conn)
	}

	// Shrink when load has dropped and the cooldown since the last grow has
	// elapsed. Idle connections beyond the new max are trimmed.
	if p.max > p.min && p.inUse <= p.max/p.divisor && time.Since(p.lastGrow) >= p.cooldown {
		p.max /= p.shrink
		if p.max < p.min {
			p.max = p.min
		}
		for p.created > p.max && len(p.idle) > 0 {
			n := len(p.idle)
			trim = append(trim, p.idle[n-1])
			p.idle = p.idle[:n-1]
			p.created--
		}
	}
	p.mu.Unlock()
	for _, c := range trim {
		c.Close()
	}
}

// Stats returns a snapshot of pool occupancy. Purely observational.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Max: p.max, Created: p.created, Available: len(p.idle), InUse: p.inUse}
}

// Close closes all idle connections and fails subsequent Acquires. In-flight
// leases close on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.created -= len(idle)
	p.mu.Unlock()

	var err error
	for _, c := range idle {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

type discardLogHandler struct{}

func (discardLogHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardLogHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardLogHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardLogHandler) WithGroup(string) slog.Handler           { return d }
