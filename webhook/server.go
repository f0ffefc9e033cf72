// Package webhook terminates the GitHub webhook intake and converts
// deliveries into bus publishes: signature verification, delivery dedup,
// trigger detection, prompt shaping, and the review preemption state machine.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lilac "github.com/lilac-dev/lilac"
	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
)

const (
	// Headers of interest on each delivery.
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"

	// ackReaction is the best-effort acknowledgment marker.
	ackReaction = "eyes"

	// maxBodyBytes bounds webhook payloads.
	maxBodyBytes = 10 << 20

	defaultAddr    = ":8787"
	defaultPath    = "/webhook"
	defaultTrigger = "/lilac"

	// defaultStaleAfter is the preemption window: pushes later than this
	// after the review started do not trigger a rerun.
	defaultStaleAfter = 30 * time.Minute

	reviewMode = "review"
)

// EventPublisher is the slice of the typed bus the ingress needs.
type EventPublisher interface {
	Publish(ctx context.Context, typ event.Type, data any, opts ...event.PublishOption) (bus.PublishResult, error)
}

var _ EventPublisher = (*event.Bus)(nil)

// prMeta is the pull-request slice of a request's metadata.
type prMeta struct {
	Number  int
	HeadSHA string
	Mode    string
}

// requestMeta records what a request was minted for.
type requestMeta struct {
	trigger   string
	sessionID string
	createdAt time.Time
	pr        *prMeta
}

// ackRecord points at the acknowledgment marker placed for a request.
type ackRecord struct {
	target     string // "comment" or "issue"
	reactionID int64
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address (default :8787).
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithPath sets the endpoint path (default /webhook).
func WithPath(path string) Option {
	return func(s *Server) { s.path = path }
}

// WithTrigger sets the command prefix that addresses the bot.
func WithTrigger(trigger string) Option {
	return func(s *Server) { s.trigger = trigger }
}

// WithBotLogins sets direct user logins recognized as bot mentions.
func WithBotLogins(logins ...string) Option {
	return func(s *Server) { s.userLogins = logins }
}

// WithAppSlug sets the App slug; the derived "<slug>[bot]" login joins the
// mention set.
func WithAppSlug(slug string) Option {
	return func(s *Server) { s.appSlug = slug }
}

// WithStaleAfter sets the preemption staleness window.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Server) { s.staleAfter = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithDeliveryHook registers fn to run once per accepted delivery, with the
// GitHub event name. Observability wiring; fn must not block.
func WithDeliveryHook(fn func(ghEvent string)) Option {
	return func(s *Server) { s.onDelivery = fn }
}

// WithDedupHook registers fn to run whenever a replayed delivery id is
// swallowed by the dedup window.
func WithDedupHook(fn func()) Option {
	return func(s *Server) { s.onDedup = fn }
}

// Server is the webhook ingress. Its three request mappings are updated only
// from the handler of a given delivery; reads go through locked accessors.
type Server struct {
	events EventPublisher
	gh     *Client
	secret []byte

	addr       string
	path       string
	trigger    string
	userLogins []string
	appSlug    string
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time

	mentions   []string
	dedup      *deduper
	onDelivery func(ghEvent string)
	onDedup    func()

	mu              sync.Mutex
	latestBySession map[string]string
	requestMeta     map[string]*requestMeta
	ackByRequest    map[string]ackRecord

	httpServer *http.Server
}

// NewServer creates the ingress. secret is the shared webhook secret; an
// empty secret is a configuration error, not a way to disable verification.
func NewServer(events EventPublisher, gh *Client, secret []byte, opts ...Option) (*Server, error) {
	if len(secret) == 0 {
		return nil, &lilac.ErrConfig{Component: "webhook", Message: "webhook secret is required"}
	}
	s := &Server{
		events:          events,
		gh:              gh,
		secret:          secret,
		addr:            defaultAddr,
		path:            defaultPath,
		trigger:         defaultTrigger,
		staleAfter:      defaultStaleAfter,
		logger:          lilac.NopLogger(),
		now:             time.Now,
		dedup:           newDeduper(dedupTTL),
		latestBySession: make(map[string]string),
		requestMeta:     make(map[string]*requestMeta),
		ackByRequest:    make(map[string]ackRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mentions = mentionSet(s.userLogins, s.appSlug)
	return s, nil
}

// mentionSet builds the bot mention logins: configured user logins plus the
// derived App bot login, de-duplicated preserving insertion order. Empty is
// permitted and disables mention triggering.
func mentionSet(userLogins []string, appSlug string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(login string) {
		if login == "" || seen[login] {
			return
		}
		seen[login] = true
		out = append(out, login)
	}
	for _, l := range userLogins {
		add(l)
	}
	if appSlug != "" {
		add(appSlug + "[bot]")
	}
	return out
}

// Latest returns the most recent request id minted for a session. Relay code
// uses it to drop output of preempted requests.
func (s *Server) Latest(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rid, ok := s.latestBySession[sessionID]
	return rid, ok
}

// Handler returns the HTTP handler rooted at the configured path.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, s)
	return mux
}

// ListenAndServe runs the ingress until Shutdown.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	s.logger.Info("webhook ingress listening", "addr", s.addr, "path", s.path)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// payload is the union of the webhook event shapes the ingress dispatches on.
type payload struct {
	Action     string   `json:"action"`
	Issue      *Issue   `json:"issue"`
	Comment    *Comment `json:"comment"`
	Repository struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
		Owner    User   `json:"owner"`
	} `json:"repository"`
	PullRequest       *Pull `json:"pull_request"`
	RequestedReviewer *User `json:"requested_reviewer"`
	RequestedTeam     *struct {
		Slug string `json:"slug"`
	} `json:"requested_team"`
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"ok": false, "error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "unreadable body"})
		return
	}

	if !verifySignature(s.secret, body, r.Header.Get(headerSignature)) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"ok": false, "error": "signature mismatch"})
		return
	}

	deliveryID := r.Header.Get(headerDelivery)
	if deliveryID != "" && s.dedup.Seen(deliveryID) {
		if s.onDedup != nil {
			s.onDedup()
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deduped": true})
		return
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"ok": false, "error": "invalid JSON body"})
		return
	}

	eventName := r.Header.Get(headerEvent)
	ctx := r.Context()
	switch {
	case eventName == "issue_comment" && p.Action == "created":
		err = s.handleIssueComment(ctx, &p)
	case eventName == "pull_request" && p.Action == "review_requested":
		err = s.handleReviewRequested(ctx, &p)
	case eventName == "pull_request" && p.Action == "synchronize":
		err = s.handleSynchronize(ctx, &p)
	default:
		// Everything else is acknowledged and dropped.
	}
	if err != nil {
		// The delivery id stays in the dedup window: GitHub's retry of a
		// transient bug should not double-publish.
		s.logger.Error("webhook handler failed", "event", eventName, "action", p.Action, "delivery", deliveryID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "internal error"})
		return
	}
	if s.onDelivery != nil {
		s.onDelivery(eventName)
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// verifySignature checks the sha256=<hex> header against an HMAC-SHA256 of
// the raw body. The comparison is constant time over equal-length decoded
// sequences.
func verifySignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got, err := hex.DecodeString(header[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	want := mac.Sum(nil)
	if len(got) != len(want) {
		return false
	}
	return hmac.Equal(got, want)
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) repoOwner(p *payload) (owner, repo string) {
	if o, r, ok := strings.Cut(p.Repository.FullName, "/"); ok {
		return o, r
	}
	return p.Repository.Owner.Login, p.Repository.Name
}

func (s *Server) isBotLogin(login string) bool {
	for _, l := range s.mentions {
		if l == login {
			return true
		}
	}
	return false
}

func (s *Server) requestHeaders(requestID, sessionID string) map[string]string {
	return map[string]string{
		event.HeaderRequestID:     requestID,
		event.HeaderSessionID:     sessionID,
		event.HeaderRequestClient: lilac.ClientGitHub,
	}
}

// handleIssueComment triggers on comments that address the bot, shapes a
// prompt from the thread, and publishes it on the prompt queue.
func (s *Server) handleIssueComment(ctx context.Context, p *payload) error {
	if p.Comment == nil || p.Issue == nil {
		return fmt.Errorf("webhook: issue_comment payload missing comment or issue")
	}
	// The bot's own comments never re-trigger it.
	if s.isBotLogin(p.Comment.User.Login) {
		return nil
	}
	if !hasTrigger(p.Comment.Body, s.trigger, s.mentions) {
		return nil
	}

	owner, repo := s.repoOwner(p)
	sess := lilac.Session{Owner: owner, Repo: repo, Number: p.Issue.Number}
	sessionID := sess.ID()
	requestID := lilac.CommentRequestID(sessionID, p.Comment.ID)

	if reactionID, err := s.gh.ReactToComment(ctx, owner, repo, p.Comment.ID, ackReaction); err != nil {
		s.logger.Warn("acknowledgment marker failed", "request_id", requestID, "error", err)
	} else {
		s.mu.Lock()
		s.ackByRequest[requestID] = ackRecord{target: "comment", reactionID: reactionID}
		s.mu.Unlock()
	}

	issue, err := s.gh.GetIssue(ctx, owner, repo, p.Issue.Number)
	if err != nil {
		return fmt.Errorf("webhook: fetch issue: %w", err)
	}
	comments, err := s.gh.ListIssueComments(ctx, owner, repo, p.Issue.Number, maxThreadComments)
	if err != nil {
		return fmt.Errorf("webhook: list comments: %w", err)
	}

	prompt := buildCommentPrompt(commentPromptInput{
		ThreadURL:   issue.HTMLURL,
		TriggerURL:  p.Comment.HTMLURL,
		Title:       issue.Title,
		Description: issue.Body,
		Author:      p.Comment.User.Login,
		Command:     commandText(p.Comment.Body, s.trigger, s.mentions),
		Comments:    comments,
	})

	s.mu.Lock()
	s.requestMeta[requestID] = &requestMeta{trigger: "comment", sessionID: sessionID, createdAt: s.now()}
	s.mu.Unlock()

	_, err = s.events.Publish(ctx, event.TypeRequestMessage, &event.RequestMessageData{
		Queue:    event.QueuePrompt,
		Messages: []lilac.ChatMessage{lilac.UserMessage(prompt)},
	}, event.WithHeaders(s.requestHeaders(requestID, sessionID)))
	if err != nil {
		return fmt.Errorf("webhook: publish prompt: %w", err)
	}
	s.logger.Info("comment trigger published", "request_id", requestID, "session_id", sessionID)
	return nil
}

// handleReviewRequested starts a review when the bot is the requested
// reviewer and records it as the session's latest request.
func (s *Server) handleReviewRequested(ctx context.Context, p *payload) error {
	if p.PullRequest == nil {
		return fmt.Errorf("webhook: review_requested payload missing pull_request")
	}
	// Team review requests carry no login; only direct requests for a bot
	// login count.
	if p.RequestedTeam != nil || p.RequestedReviewer == nil || !s.isBotLogin(p.RequestedReviewer.Login) {
		return nil
	}

	owner, repo := s.repoOwner(p)
	prNumber := p.PullRequest.Number
	headSHA := p.PullRequest.Head.SHA
	sess := lilac.Session{Owner: owner, Repo: repo, Number: prNumber}
	sessionID := sess.ID()
	requestID := lilac.ReviewRequestID(sessionID, prNumber, headSHA)

	if reactionID, err := s.gh.ReactToIssue(ctx, owner, repo, prNumber, ackReaction); err != nil {
		s.logger.Warn("acknowledgment marker failed", "request_id", requestID, "error", err)
	} else {
		s.mu.Lock()
		s.ackByRequest[requestID] = ackRecord{target: "issue", reactionID: reactionID}
		s.mu.Unlock()
	}

	pull, err := s.gh.GetPull(ctx, owner, repo, prNumber)
	if err != nil {
		return fmt.Errorf("webhook: fetch pull request: %w", err)
	}

	prompt := buildReviewPrompt(reviewPromptInput{
		PRURL:       pull.HTMLURL,
		Title:       pull.Title,
		Description: pull.Body,
		PRNumber:    prNumber,
		HeadSHA:     headSHA,
	})

	s.mu.Lock()
	s.latestBySession[sessionID] = requestID
	s.requestMeta[requestID] = &requestMeta{
		trigger:   reviewMode,
		sessionID: sessionID,
		createdAt: s.now(),
		pr:        &prMeta{Number: prNumber, HeadSHA: headSHA, Mode: reviewMode},
	}
	s.mu.Unlock()

	_, err = s.events.Publish(ctx, event.TypeRequestMessage, &event.RequestMessageData{
		Queue:    event.QueuePrompt,
		Messages: []lilac.ChatMessage{lilac.UserMessage(prompt)},
	}, event.WithHeaders(s.requestHeaders(requestID, sessionID)))
	if err != nil {
		return fmt.Errorf("webhook: publish review prompt: %w", err)
	}
	s.logger.Info("review request published", "request_id", requestID, "session_id", sessionID, "head", lilac.ShortSHA(headSHA))
	return nil
}

// handleSynchronize preempts an in-flight review when the PR head moves:
// interrupt the old request, then start a fresh one against the new head.
func (s *Server) handleSynchronize(ctx context.Context, p *payload) error {
	if p.PullRequest == nil {
		return fmt.Errorf("webhook: synchronize payload missing pull_request")
	}
	owner, repo := s.repoOwner(p)
	prNumber := p.PullRequest.Number
	newHead := p.PullRequest.Head.SHA
	sess := lilac.Session{Owner: owner, Repo: repo, Number: prNumber}
	sessionID := sess.ID()

	s.mu.Lock()
	oldID, ok := s.latestBySession[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	meta := s.requestMeta[oldID]
	if meta == nil || meta.pr == nil || meta.pr.Mode != reviewMode {
		s.mu.Unlock()
		return nil
	}
	if s.now().Sub(meta.createdAt) > s.staleAfter {
		// Too old: a push half an hour after the review started is a new
		// conversation, not a preemption.
		s.mu.Unlock()
		return nil
	}
	if meta.pr.HeadSHA == newHead {
		s.mu.Unlock()
		return nil
	}

	newID := lilac.ReviewRequestID(sessionID, meta.pr.Number, newHead)
	if ack, exists := s.ackByRequest[oldID]; exists {
		s.ackByRequest[newID] = ack
		delete(s.ackByRequest, oldID)
	}
	// The latest pointer moves before the interrupt goes out so relay code
	// can already filter the old request's output.
	s.latestBySession[sessionID] = newID
	s.mu.Unlock()

	_, err := s.events.Publish(ctx, event.TypeRequestMessage, &event.RequestMessageData{
		Queue: event.QueueInterrupt,
		Raw:   &event.RawControl{Cancel: true, RequiresActive: true},
		Messages: []lilac.ChatMessage{
			lilac.UserMessage("Stop the current review: the pull request head has moved."),
		},
	}, event.WithHeaders(s.requestHeaders(oldID, sessionID)))
	if err != nil {
		return fmt.Errorf("webhook: publish interrupt: %w", err)
	}

	pull, err := s.gh.GetPull(ctx, owner, repo, prNumber)
	if err != nil {
		return fmt.Errorf("webhook: fetch pull request: %w", err)
	}
	prompt := buildReviewPrompt(reviewPromptInput{
		PRURL:       pull.HTMLURL,
		Title:       pull.Title,
		Description: pull.Body,
		PRNumber:    prNumber,
		HeadSHA:     newHead,
	})

	s.mu.Lock()
	s.requestMeta[newID] = &requestMeta{
		trigger:   reviewMode,
		sessionID: sessionID,
		createdAt: s.now(),
		pr:        &prMeta{Number: prNumber, HeadSHA: newHead, Mode: reviewMode},
	}
	s.mu.Unlock()

	_, err = s.events.Publish(ctx, event.TypeRequestMessage, &event.RequestMessageData{
		Queue:    event.QueuePrompt,
		Messages: []lilac.ChatMessage{lilac.UserMessage(prompt)},
	}, event.WithHeaders(s.requestHeaders(newID, sessionID)))
	if err != nil {
		return fmt.Errorf("webhook: publish fresh review prompt: %w", err)
	}
	s.logger.Info("review preempted",
		"session_id", sessionID, "old_request_id", oldID, "new_request_id", newID, "head", lilac.ShortSHA(newHead))
	return nil
}
