package app

import (
	"context"
	"sync"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
)

// startDispatcher tails the request command topic and opens one relay stream
// per request: the first prompt for a request id spawns the stream, later
// prompts join it. Interrupt-queue traffic never opens a stream.
func (a *App) startDispatcher(ctx context.Context) (func(), error) {
	var (
		mu     sync.Mutex
		active = make(map[string]struct{})
		wg     sync.WaitGroup
	)

	sub, err := a.events.SubscribeType(event.TypeRequestMessage, event.SubscribeOptions{
		Mode:           bus.ModeFanout,
		Offset:         bus.OffsetNow(),
		SubscriptionID: "dispatch-" + lilac.NewID(),
	}, func(hctx context.Context, m *event.Msg) error {
		defer m.Commit(hctx)

		data, ok := m.Data.(*event.RequestMessageData)
		if !ok || data.Queue != event.QueuePrompt {
			return nil
		}
		rid := m.Header(event.HeaderRequestID)
		sessionID := m.Header(event.HeaderSessionID)
		if rid == "" || sessionID == "" {
			a.logger.Warn("prompt without correlation headers", "id", m.ID)
			return nil
		}

		mu.Lock()
		if _, ok := active[rid]; ok {
			mu.Unlock()
			return nil
		}
		active[rid] = struct{}{}
		mu.Unlock()

		session := lilac.SessionRef{
			Client: m.Header(event.HeaderRequestClient),
			ID:     sessionID,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(active, rid)
				mu.Unlock()
			}()
			if err := a.relay.Stream(ctx, rid, sessionID, session, lilac.StartOutputOptions{}); err != nil && ctx.Err() == nil {
				a.logger.Error("output relay failed", "request_id", rid, "error", err)
			}
		}()
		return nil
	})
	if err != nil {
		return nil, err
	}

	return func() {
		sub.Stop()
		wg.Wait()
	}, nil
}
