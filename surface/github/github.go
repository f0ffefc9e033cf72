// Package github adapts GitHub issue and pull-request comment threads to the
// Surface contract. A session is one "<owner>/<repo>#<number>" thread; agent
// output lands as a single comment that the output stream creates on the
// first fragment and edits as the run progresses.
package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/webhook"
)

// defaultEditInterval spaces out comment edits while a run streams. GitHub
// rate-limits content mutations aggressively; one edit per interval keeps a
// long run well inside the budget.
const defaultEditInterval = 2 * time.Second

// Option configures a Surface.
type Option func(*Surface)

// WithEditInterval sets the minimum delay between streaming comment edits.
func WithEditInterval(d time.Duration) Option {
	return func(s *Surface) { s.editInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) { s.logger = l }
}

// Surface implements lilac.Surface on the GitHub issues API.
type Surface struct {
	gh           *webhook.Client
	editInterval time.Duration
	logger       *slog.Logger
}

var _ lilac.Surface = (*Surface)(nil)

// New creates a Surface over an authenticated GitHub client.
func New(gh *webhook.Client, opts ...Option) *Surface {
	s := &Surface{
		gh:           gh,
		editInterval: defaultEditInterval,
		logger:       lilac.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartOutput opens a comment-backed output stream in the session thread.
func (s *Surface) StartOutput(ctx context.Context, session lilac.SessionRef, opts lilac.StartOutputOptions) (lilac.OutputStream, error) {
	sess, err := lilac.ParseSessionID(session.ID)
	if err != nil {
		return nil, fmt.Errorf("github: start output: %w", err)
	}
	return &commentStream{surface: s, session: sess}, nil
}

// SendMsg posts a new comment in the session thread.
func (s *Surface) SendMsg(ctx context.Context, session lilac.SessionRef, content string, opts lilac.SendOptions) (lilac.MsgRef, error) {
	sess, err := lilac.ParseSessionID(session.ID)
	if err != nil {
		return lilac.MsgRef{}, fmt.Errorf("github: send: %w", err)
	}
	comment, err := s.gh.CreateComment(ctx, sess.Owner, sess.Repo, sess.Number, content)
	if err != nil {
		return lilac.MsgRef{}, err
	}
	return lilac.MsgRef{Session: session, ID: strconv.FormatInt(comment.ID, 10)}, nil
}

// ReadMsg returns the comment, or nil when GitHub reports 404.
func (s *Surface) ReadMsg(ctx context.Context, ref lilac.MsgRef) (*lilac.SurfaceMessage, error) {
	sess, commentID, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	comment, err := s.gh.GetComment(ctx, sess.Owner, sess.Repo, commentID)
	if err != nil {
		var httpErr *lilac.ErrHTTP
		if errors.As(err, &httpErr) && httpErr.Status == 404 {
			return nil, nil
		}
		return nil, err
	}
	msg := toSurfaceMessage(ref.Session, *comment)
	return &msg, nil
}

// ListMsg returns comments in thread order, capped by opts.Limit.
func (s *Surface) ListMsg(ctx context.Context, session lilac.SessionRef, opts lilac.ListOptions) ([]lilac.SurfaceMessage, error) {
	sess, err := lilac.ParseSessionID(session.ID)
	if err != nil {
		return nil, fmt.Errorf("github: list: %w", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 30
	}
	comments, err := s.gh.ListIssueComments(ctx, sess.Owner, sess.Repo, sess.Number, limit)
	if err != nil {
		return nil, err
	}
	msgs := make([]lilac.SurfaceMessage, 0, len(comments))
	for _, c := range comments {
		msgs = append(msgs, toSurfaceMessage(session, c))
	}
	return msgs, nil
}

// EditMsg replaces a comment body.
func (s *Surface) EditMsg(ctx context.Context, ref lilac.MsgRef, content string) error {
	sess, commentID, err := splitRef(ref)
	if err != nil {
		return err
	}
	_, err = s.gh.UpdateComment(ctx, sess.Owner, sess.Repo, commentID, content)
	return err
}

// DeleteMsg removes a comment.
func (s *Surface) DeleteMsg(ctx context.Context, ref lilac.MsgRef) error {
	sess, commentID, err := splitRef(ref)
	if err != nil {
		return err
	}
	return s.gh.DeleteComment(ctx, sess.Owner, sess.Repo, commentID)
}

// AddReaction places a reaction on a comment.
func (s *Surface) AddReaction(ctx context.Context, ref lilac.MsgRef, name string) error {
	sess, commentID, err := splitRef(ref)
	if err != nil {
		return err
	}
	_, err = s.gh.ReactToComment(ctx, sess.Owner, sess.Repo, commentID, name)
	return err
}

// RemoveReaction removes the first matching reaction from a comment.
func (s *Surface) RemoveReaction(ctx context.Context, ref lilac.MsgRef, name string) error {
	sess, commentID, err := splitRef(ref)
	if err != nil {
		return err
	}
	reactions, err := s.gh.ListCommentReactions(ctx, sess.Owner, sess.Repo, commentID)
	if err != nil {
		return err
	}
	for _, r := range reactions {
		if r.Content == name {
			return s.gh.DeleteCommentReaction(ctx, sess.Owner, sess.Repo, commentID, r.ID)
		}
	}
	return nil
}

// ListReactions returns the reaction names on a comment.
func (s *Surface) ListReactions(ctx context.Context, ref lilac.MsgRef) ([]string, error) {
	sess, commentID, err := splitRef(ref)
	if err != nil {
		return nil, err
	}
	reactions, err := s.gh.ListCommentReactions(ctx, sess.Owner, sess.Repo, commentID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(reactions))
	for _, r := range reactions {
		names = append(names, r.Content)
	}
	return names, nil
}

func (s *Surface) Capabilities() lilac.Capabilities {
	return lilac.Capabilities{Reactions: true, Edit: true, Delete: true}
}

// Subscribe is a no-op stop: inbound GitHub events arrive through the webhook
// ingress, not a client subscription.
func (s *Surface) Subscribe(handler func(lilac.SurfaceMessage)) (func(), error) {
	return func() {}, nil
}

func splitRef(ref lilac.MsgRef) (lilac.Session, int64, error) {
	sess, err := lilac.ParseSessionID(ref.Session.ID)
	if err != nil {
		return lilac.Session{}, 0, fmt.Errorf("github: message ref: %w", err)
	}
	commentID, err := strconv.ParseInt(ref.ID, 10, 64)
	if err != nil {
		return lilac.Session{}, 0, fmt.Errorf("github: message ref %q: %w", ref.ID, err)
	}
	return sess, commentID, nil
}

func toSurfaceMessage(session lilac.SessionRef, c webhook.Comment) lilac.SurfaceMessage {
	return lilac.SurfaceMessage{
		Ref:       lilac.MsgRef{Session: session, ID: strconv.FormatInt(c.ID, 10)},
		Author:    c.User.Login,
		Text:      c.Body,
		CreatedAt: c.CreatedAt.UnixMilli(),
	}
}

// commentStream accumulates fragments into one comment. The comment is
// created on the first flush and edited afterwards, at most once per
// editInterval while streaming; Finalize and Abort always flush.
type commentStream struct {
	surface *Surface
	session lilac.Session

	mu        sync.Mutex
	buf       strings.Builder
	commentID int64
	lastEdit  time.Time
	closed    bool
}

var _ lilac.OutputStream = (*commentStream)(nil)

func (cs *commentStream) Write(ctx context.Context, frag lilac.OutputFragment) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return fmt.Errorf("github: write on closed output stream")
	}

	switch frag.Type {
	case lilac.FragmentFinal:
		// The final fragment carries the consolidated text; it replaces the
		// accumulated deltas rather than appending to them.
		cs.buf.Reset()
		cs.buf.WriteString(frag.Text)
		return nil // Finalize flushes
	case lilac.FragmentTool:
		fmt.Fprintf(&cs.buf, "\n\n> `%s` %s\n\n", frag.Name, frag.Text)
	case lilac.FragmentBinary:
		fmt.Fprintf(&cs.buf, "\n\n> attachment %s (%s) omitted\n\n", frag.Name, frag.MimeType)
	default:
		cs.buf.WriteString(frag.Text)
	}

	if time.Since(cs.lastEdit) < cs.surface.editInterval {
		return nil
	}
	return cs.flushLocked(ctx, cs.buf.String())
}

func (cs *commentStream) Finalize(ctx context.Context) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil
	}
	cs.closed = true
	return cs.flushLocked(ctx, cs.buf.String())
}

func (cs *commentStream) Abort(ctx context.Context, reason string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return nil
	}
	cs.closed = true

	body := cs.buf.String()
	if body != "" {
		body += "\n\n"
	}
	body += "> " + reason
	return cs.flushLocked(ctx, body)
}

func (cs *commentStream) flushLocked(ctx context.Context, body string) error {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	defer func() { cs.lastEdit = time.Now() }()

	if cs.commentID == 0 {
		comment, err := cs.surface.gh.CreateComment(ctx, cs.session.Owner, cs.session.Repo, cs.session.Number, body)
		if err != nil {
			return fmt.Errorf("github: create output comment: %w", err)
		}
		cs.commentID = comment.ID
		return nil
	}
	if _, err := cs.surface.gh.UpdateComment(ctx, cs.session.Owner, cs.session.Repo, cs.commentID, body); err != nil {
		return fmt.Errorf("github: edit output comment: %w", err)
	}
	return nil
}
