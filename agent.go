package lilac

import (
	"context"
	"log/slog"
)

// AgentTask is the input to a single agent run: the accumulated request
// messages plus correlation ids for transcripts and output routing.
type AgentTask struct {
	RequestID string
	SessionID string
	Messages  []ChatMessage
}

// AgentResult is the outcome of a completed agent run.
type AgentResult struct {
	Output string
}

// Agent is the unit of computation a worker runs for each request. The
// agent/LLM runtime behind it (providers, tools, transcript replay) is an
// external collaborator; the platform only depends on this contract.
//
// ExecuteStream emits fragments on ch as they are produced and must close ch
// before returning. A cancelled ctx aborts the run; the worker reports the
// request as cancelled rather than failed when ctx.Err() is non-nil.
type Agent interface {
	Name() string
	Execute(ctx context.Context, task AgentTask) (AgentResult, error)
	ExecuteStream(ctx context.Context, task AgentTask, ch chan<- OutputFragment) (AgentResult, error)
}

// nopLogger discards all output. Used when WithLogger-style options are not set.
var nopLogger = slog.New(discardHandler{})

// NopLogger returns a logger that discards everything. Components take it as
// their default so callers opt in to logging explicitly.
func NopLogger() *slog.Logger { return nopLogger }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
