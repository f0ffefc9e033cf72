// Package relay moves agent output from per-request bus streams to the
// originating surface. It is the consuming half of the surface glue: the
// ingress mints requests, workers stream fragments, relay delivers them.
package relay

import (
	"context"
	"fmt"
	"log/slog"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
)

// LatestFunc reports the most recent request id minted for a session. The
// ingress's preemption state machine provides it; output of any other request
// in the session is stale and must not reach the surface.
type LatestFunc func(sessionID string) (string, bool)

// Option configures a Relay.
type Option func(*Relay)

// WithLatest installs the stale-output filter.
func WithLatest(latest LatestFunc) Option {
	return func(r *Relay) { r.latest = latest }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// Relay streams one request's output topic into a surface output stream.
type Relay struct {
	events  *event.Bus
	surface lilac.Surface
	latest  LatestFunc
	logger  *slog.Logger
}

// New creates a Relay over the typed bus and a surface adapter.
func New(events *event.Bus, surface lilac.Surface, opts ...Option) *Relay {
	r := &Relay{
		events:  events,
		surface: surface,
		logger:  lilac.NopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stream tails out.req.<requestID> from the beginning and writes each
// fragment to the surface until the final fragment arrives, the request is
// preempted, or ctx is cancelled. Preempted streams are aborted on the
// surface with a note.
func (r *Relay) Stream(ctx context.Context, requestID, sessionID string, session lilac.SessionRef, opts lilac.StartOutputOptions) error {
	out, err := r.surface.StartOutput(ctx, session, opts)
	if err != nil {
		return fmt.Errorf("relay: start output: %w", err)
	}

	type outcome struct {
		final     bool
		preempted bool
		err       error
	}
	done := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	sub, err := r.events.SubscribeTopic(event.OutputTopic(requestID), event.SubscribeOptions{
		Mode:   bus.ModeTail,
		Offset: bus.OffsetBegin(),
	}, func(ctx context.Context, m *event.Msg) error {
		if r.stale(requestID, sessionID) {
			settle(outcome{preempted: true})
			return nil
		}
		data, ok := m.Data.(*event.OutputData)
		if !ok {
			r.logger.Warn("undecodable output fragment", "request_id", requestID, "id", m.ID)
			return nil
		}
		if err := out.Write(ctx, data.Fragment); err != nil {
			settle(outcome{err: fmt.Errorf("relay: write fragment: %w", err)})
			return nil
		}
		if m.EventType == event.TypeOutputFinal {
			settle(outcome{final: true})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	defer sub.Stop()

	select {
	case o := <-done:
		switch {
		case o.err != nil:
			_ = out.Abort(ctx, "output delivery failed")
			return o.err
		case o.preempted:
			r.logger.Info("stale output stream aborted", "request_id", requestID, "session_id", sessionID)
			return out.Abort(ctx, "superseded by a newer request")
		default:
			return out.Finalize(ctx)
		}
	case <-ctx.Done():
		_ = out.Abort(context.WithoutCancel(ctx), "relay shut down")
		return ctx.Err()
	}
}

// stale reports whether requestID is no longer the session's latest request.
func (r *Relay) stale(requestID, sessionID string) bool {
	if r.latest == nil {
		return false
	}
	latest, ok := r.latest(sessionID)
	return ok && latest != requestID
}
