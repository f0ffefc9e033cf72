package main

import (
	"context"
	"fmt"
	"strings"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/internal/config"
)

// newAgent resolves the configured agent. The real agent runtime plugs in
// here; "loopback" ships built in for smoke-testing a deployment end to end.
func newAgent(cfg *config.Config, store lilac.Store) lilac.Agent {
	switch cfg.Worker.Agent {
	case "", "loopback":
		return &loopbackAgent{store: store}
	default:
		// Unknown names fall back to loopback so a misconfigured deployment
		// still answers, visibly wrong rather than silently dead.
		return &loopbackAgent{store: store}
	}
}

// loopbackAgent echoes the request back with a transcript summary. It
// exercises the full pipeline (cache, streaming, persistence, relay) with no
// external model dependency.
type loopbackAgent struct {
	store lilac.Store
}

var _ lilac.Agent = (*loopbackAgent)(nil)

func (a *loopbackAgent) Name() string { return "loopback" }

func (a *loopbackAgent) Execute(ctx context.Context, task lilac.AgentTask) (lilac.AgentResult, error) {
	return lilac.AgentResult{Output: a.render(ctx, task)}, ctx.Err()
}

func (a *loopbackAgent) ExecuteStream(ctx context.Context, task lilac.AgentTask, ch chan<- lilac.OutputFragment) (lilac.AgentResult, error) {
	defer close(ch)
	out := a.render(ctx, task)
	select {
	case ch <- lilac.OutputFragment{Type: lilac.FragmentDelta, Text: out}:
	case <-ctx.Done():
		return lilac.AgentResult{}, ctx.Err()
	}
	return lilac.AgentResult{Output: out}, nil
}

func (a *loopbackAgent) render(ctx context.Context, task lilac.AgentTask) string {
	var b strings.Builder
	fmt.Fprintf(&b, "loopback: %d message(s) for request %s\n", len(task.Messages), task.RequestID)
	for _, m := range task.Messages {
		line := m.Content
		if len(line) > 200 {
			line = line[:200] + "…"
		}
		fmt.Fprintf(&b, "- [%s] %s\n", m.Role, line)
	}
	if a.store != nil {
		if prior, err := a.store.RecentTranscript(ctx, task.SessionID, 5); err == nil && len(prior) > 0 {
			fmt.Fprintf(&b, "\n%d prior transcript entries in this session.\n", len(prior))
		}
	}
	return b.String()
}
