// Package worker is the consuming side of the request pipeline: a work-group
// subscription on the request command topic that runs the configured agent
// per request, streams output fragments to the per-request topic, and
// announces lifecycle transitions.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
)

const (
	// defaultWallClock is the hard ceiling on a single agent run.
	defaultWallClock = time.Hour

	// defaultRetention is the per-request output stream retention hint.
	defaultRetention = 4096

	defaultGroup = "workers"
)

// errInterrupted is the cancel cause for interrupt-queue preemption.
var errInterrupted = errors.New("interrupted")

// EventBus is the slice of the typed bus the worker needs.
type EventBus interface {
	Publish(ctx context.Context, typ event.Type, data any, opts ...event.PublishOption) (bus.PublishResult, error)
	SubscribeType(typ event.Type, opts event.SubscribeOptions, handler event.Handler) (*bus.Subscription, error)
}

var _ EventBus = (*event.Bus)(nil)

// CacheLookup resolves the accumulated message history for a request. The
// requestcache provides it; the inbound batch is the fallback.
type CacheLookup func(requestID string) ([]lilac.ChatMessage, bool)

// Option configures a Worker.
type Option func(*Worker)

// WithCache installs the request message cache lookup.
func WithCache(lookup CacheLookup) Option {
	return func(w *Worker) { w.cache = lookup }
}

// WithStore installs the transcript store. Persistence is best-effort: a
// store failure is logged, never fatal to the run.
func WithStore(store lilac.Store) Option {
	return func(w *Worker) { w.store = store }
}

// WithWallClock sets the hard per-run wall clock.
func WithWallClock(d time.Duration) Option {
	return func(w *Worker) { w.wallClock = d }
}

// WithRetention sets the output stream retention hint, in entries.
func WithRetention(n int64) Option {
	return func(w *Worker) { w.retention = n }
}

// WithGroup sets the work-group subscription id.
func WithGroup(group string) Option {
	return func(w *Worker) { w.group = group }
}

// WithConsumer sets the consumer id within the group.
func WithConsumer(consumer string) Option {
	return func(w *Worker) { w.consumer = consumer }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// Worker runs one agent per delivered prompt. At most one run is active per
// request id; interrupts cancel the active run for their request id.
type Worker struct {
	events EventBus
	agent  lilac.Agent

	cache     CacheLookup
	store     lilac.Store
	wallClock time.Duration
	retention int64
	group     string
	consumer  string
	logger    *slog.Logger

	mu            sync.Mutex
	active        map[string]context.CancelCauseFunc
	pendingCancel map[string]bool

	wg  sync.WaitGroup
	sub *bus.Subscription
}

// New creates a Worker over the typed bus and an agent.
func New(events EventBus, agent lilac.Agent, opts ...Option) *Worker {
	w := &Worker{
		events:        events,
		agent:         agent,
		wallClock:     defaultWallClock,
		retention:     defaultRetention,
		group:         defaultGroup,
		consumer:      lilac.NewID(),
		logger:        lilac.NopLogger(),
		active:        make(map[string]context.CancelCauseFunc),
		pendingCancel: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start joins the work group and begins consuming.
func (w *Worker) Start() error {
	sub, err := w.events.SubscribeType(event.TypeRequestMessage, event.SubscribeOptions{
		Mode:           bus.ModeWork,
		Offset:         bus.OffsetNow(),
		SubscriptionID: w.group,
		Consumer:       w.consumer,
	}, w.handle)
	if err != nil {
		return fmt.Errorf("worker: subscribe: %w", err)
	}
	w.sub = sub
	w.logger.Info("worker started", "agent", w.agent.Name(), "group", w.group, "consumer", w.consumer)
	return nil
}

// Stop leaves the group, cancels active runs, and waits for them to settle.
func (w *Worker) Stop() {
	if w.sub != nil {
		w.sub.Stop()
	}
	w.mu.Lock()
	for _, cancel := range w.active {
		cancel(errInterrupted)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// handle routes one request.message. A missing request_id header is refused
// so the defect surfaces in the pending list.
func (w *Worker) handle(ctx context.Context, m *event.Msg) error {
	rid := m.Header(event.HeaderRequestID)
	if rid == "" {
		w.logger.Error("request message without request_id header", "id", m.ID)
		return fmt.Errorf("worker: envelope %s missing %s header", m.ID, event.HeaderRequestID)
	}
	data, ok := m.Data.(*event.RequestMessageData)
	if !ok {
		w.logger.Warn("request message with undecodable payload, skipping", "id", m.ID, "request_id", rid)
		return m.Commit(ctx)
	}

	if data.Queue == event.QueueInterrupt {
		w.interrupt(rid, data)
		return m.Commit(ctx)
	}
	w.prompt(rid, m.Headers, data)
	return m.Commit(ctx)
}

// interrupt cancels the active run for the request id. Without an active run,
// requiresActive makes it a no-op; otherwise the cancel is remembered and
// applied to the next prompt for the same id.
func (w *Worker) interrupt(rid string, data *event.RequestMessageData) {
	if data.Raw == nil || !data.Raw.Cancel {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if cancel, ok := w.active[rid]; ok {
		w.logger.Info("interrupting active run", "request_id", rid)
		cancel(errInterrupted)
		return
	}
	if data.Raw.RequiresActive {
		w.logger.Debug("interrupt dropped, no active run", "request_id", rid)
		return
	}
	w.pendingCancel[rid] = true
}

// prompt spawns a run unless one is already active for the request id (a
// follow-up batch steers the active run through the cache) or a cancel is
// pending.
func (w *Worker) prompt(rid string, headers map[string]string, data *event.RequestMessageData) {
	w.mu.Lock()
	if w.pendingCancel[rid] {
		delete(w.pendingCancel, rid)
		w.mu.Unlock()
		w.publishLifecycle(rid, headers, lilac.StateCancelled, "cancelled before start")
		return
	}
	if _, running := w.active[rid]; running {
		w.mu.Unlock()
		w.logger.Debug("run already active, batch joins via cache", "request_id", rid)
		return
	}
	runCtx, cancel := context.WithCancelCause(context.Background())
	w.active[rid] = cancel
	w.mu.Unlock()

	w.publishLifecycle(rid, headers, lilac.StateQueued, "")

	w.wg.Add(1)
	go w.run(runCtx, cancel, rid, headers, data.Messages)
}

// run executes the agent for one request and settles its lifecycle.
func (w *Worker) run(runCtx context.Context, cancel context.CancelCauseFunc, rid string, headers map[string]string, batch []lilac.ChatMessage) {
	defer w.wg.Done()
	defer func() {
		cancel(nil)
		w.mu.Lock()
		delete(w.active, rid)
		w.mu.Unlock()
	}()

	runCtx, cancelTimeout := context.WithTimeoutCause(runCtx, w.wallClock, fmt.Errorf("wall clock %s exceeded", w.wallClock))
	defer cancelTimeout()

	sessionID := headers[event.HeaderSessionID]
	messages := batch
	if w.cache != nil {
		if cached, ok := w.cache(rid); ok {
			messages = cached
		}
	}
	task := lilac.AgentTask{RequestID: rid, SessionID: sessionID, Messages: messages}

	w.publishLifecycle(rid, headers, lilac.StateStreaming, "")
	w.persistMessages(sessionID, rid, messages)

	ch := make(chan lilac.OutputFragment, 16)
	done := make(chan struct{})
	var result lilac.AgentResult
	var runErr error
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("worker: agent panic: %v", r)
				// A panicking agent usually left ch open, but a buggy one may
				// have closed it before panicking; either way the drain loop
				// below must end.
				closeIfOpen(ch)
			}
		}()
		result, runErr = w.agent.ExecuteStream(runCtx, task, ch)
	}()

	sawFinal := false
	for frag := range ch {
		if frag.Type == lilac.FragmentFinal {
			sawFinal = true
		}
		w.publishFragment(rid, headers, frag)
	}
	<-done

	switch {
	case runErr != nil && context.Cause(runCtx) != nil:
		w.publishLifecycle(rid, headers, lilac.StateCancelled, context.Cause(runCtx).Error())
		w.logger.Info("run cancelled", "request_id", rid, "cause", context.Cause(runCtx))
	case runErr != nil:
		w.publishLifecycle(rid, headers, lilac.StateFailed, runErr.Error())
		w.logger.Error("run failed", "request_id", rid, "error", runErr)
	default:
		if !sawFinal {
			w.publishFragment(rid, headers, lilac.OutputFragment{Type: lilac.FragmentFinal, Text: result.Output})
		}
		w.persistTranscript(lilac.TranscriptEntry{
			ID:        lilac.NewID(),
			SessionID: sessionID,
			RequestID: rid,
			Role:      "assistant",
			Content:   result.Output,
			CreatedAt: lilac.NowMillis(),
		})
		w.publishLifecycle(rid, headers, lilac.StateResolved, "")
		w.logger.Info("run resolved", "request_id", rid, "agent", w.agent.Name())
	}
}

// closeIfOpen closes ch, tolerating an agent that already closed it.
func closeIfOpen(ch chan lilac.OutputFragment) {
	defer func() { _ = recover() }()
	close(ch)
}

func (w *Worker) publishFragment(rid string, headers map[string]string, frag lilac.OutputFragment) {
	var typ event.Type
	switch frag.Type {
	case lilac.FragmentFinal:
		typ = event.TypeOutputFinal
	case lilac.FragmentTool:
		typ = event.TypeOutputTool
	default:
		typ = event.TypeOutputDelta
	}
	_, err := w.events.Publish(context.Background(), typ, &event.OutputData{Fragment: frag},
		event.WithHeaders(headers),
		event.WithRetention(w.retention),
	)
	if err != nil {
		w.logger.Error("output publish failed", "request_id", rid, "type", typ, "error", err)
	}
}

func (w *Worker) publishLifecycle(rid string, headers map[string]string, state lilac.RequestState, reason string) {
	_, err := w.events.Publish(context.Background(), event.TypeRequestLifecycle,
		&event.RequestLifecycleData{State: state, Reason: reason},
		event.WithHeaders(headers),
	)
	if err != nil {
		w.logger.Error("lifecycle publish failed", "request_id", rid, "state", state, "error", err)
	}
}

func (w *Worker) persistMessages(sessionID, rid string, messages []lilac.ChatMessage) {
	if w.store == nil {
		return
	}
	for _, msg := range messages {
		w.persistTranscript(lilac.TranscriptEntry{
			ID:        lilac.NewID(),
			SessionID: sessionID,
			RequestID: rid,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: lilac.NowMillis(),
		})
	}
}

func (w *Worker) persistTranscript(e lilac.TranscriptEntry) {
	if w.store == nil {
		return
	}
	if err := w.store.AppendTranscript(context.Background(), e); err != nil {
		w.logger.Warn("transcript append failed", "session_id", e.SessionID, "request_id", e.RequestID, "error", err)
	}
}
