package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/lilac-dev/lilac/bus"
	"github.com/lilac-dev/lilac/event"
)

var testSecret = []byte("swordfish")

// pubCall is one captured publish with its options applied.
type pubCall struct {
	Type event.Type
	Data *event.RequestMessageData
	Opts event.PublishOptions
}

// fakePublisher captures publishes; onPublish, when set, observes each call
// before it is recorded.
type fakePublisher struct {
	mu        sync.Mutex
	calls     []pubCall
	err       error
	onPublish func(pubCall)
}

func (f *fakePublisher) Publish(ctx context.Context, typ event.Type, data any, opts ...event.PublishOption) (bus.PublishResult, error) {
	var o event.PublishOptions
	for _, opt := range opts {
		opt(&o)
	}
	call := pubCall{Type: typ, Opts: o}
	if d, ok := data.(*event.RequestMessageData); ok {
		call.Data = d
	}
	if f.onPublish != nil {
		f.onPublish(call)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return bus.PublishResult{}, f.err
	}
	f.calls = append(f.calls, call)
	return bus.PublishResult{ID: fmt.Sprintf("%d-0", len(f.calls))}, nil
}

func (f *fakePublisher) publishes() []pubCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pubCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// fakeGitHub fakes the REST surface the ingress calls.
type fakeGitHub struct {
	headSHA       string
	mu            sync.Mutex
	reactions     []string // paths of reaction posts, in order
	failReactions bool
}

func (g *fakeGitHub) server() *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/app/issues/42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"title":"Crash on startup","body":"It **crashes**.","html_url":"https://github.com/acme/app/issues/42","user":{"login":"alice"}}`)
	})
	mux.HandleFunc("GET /repos/acme/app/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":99,"body":"me too","html_url":"","user":{"login":"bob"}},{"id":98,"body":"any logs?","html_url":"","user":{"login":"carol"}}]`)
	})
	mux.HandleFunc("GET /repos/acme/app/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		head := g.headSHA
		g.mu.Unlock()
		fmt.Fprintf(w, `{"number":7,"title":"Add retries","body":"Retries with backoff.","html_url":"https://github.com/acme/app/pull/7","head":{"sha":%q}}`, head)
	})
	mux.HandleFunc("POST /repos/acme/app/issues/comments/100/reactions", func(w http.ResponseWriter, r *http.Request) {
		g.react(w, r.URL.Path, 555)
	})
	mux.HandleFunc("POST /repos/acme/app/issues/7/reactions", func(w http.ResponseWriter, r *http.Request) {
		g.react(w, r.URL.Path, 777)
	})
	return httptest.NewServer(mux)
}

func (g *fakeGitHub) react(w http.ResponseWriter, path string, id int64) {
	g.mu.Lock()
	fail := g.failReactions
	if !fail {
		g.reactions = append(g.reactions, path)
	}
	g.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"message":"no"}`)
		return
	}
	w.WriteHeader(http.StatusCreated)
	fmt.Fprintf(w, `{"id":%d}`, id)
}

func (g *fakeGitHub) setHead(sha string) {
	g.mu.Lock()
	g.headSHA = sha
	g.mu.Unlock()
}

func newTestServer(t *testing.T, pub *fakePublisher, gh *fakeGitHub, opts ...Option) *Server {
	t.Helper()
	srv := gh.server()
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL, func(ctx context.Context) (string, error) { return "test-token", nil }, nil)
	base := []Option{WithAppSlug("lilac"), WithBotLogins("lilac-bot")}
	s, err := NewServer(pub, client, testSecret, append(base, opts...)...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func sign(body []byte) string {
	mac := hmac.New(sha256.New, testSecret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// deliver posts a signed webhook delivery and returns the recorded response.
func deliver(t *testing.T, s *Server, eventName, deliveryID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(headerEvent, eventName)
	req.Header.Set(headerDelivery, deliveryID)
	req.Header.Set(headerSignature, sign(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

const commentBody = `{
  "action": "created",
  "issue": {"number": 42, "title": "Crash on startup", "html_url": "https://github.com/acme/app/issues/42"},
  "comment": {"id": 100, "body": "/lilac explain", "html_url": "https://github.com/acme/app/issues/42#issuecomment-100", "user": {"login": "alice"}},
  "repository": {"full_name": "acme/app", "name": "app", "owner": {"login": "acme"}}
}`

func reviewRequestedBody(head string) []byte {
	return []byte(fmt.Sprintf(`{
  "action": "review_requested",
  "pull_request": {"number": 7, "title": "Add retries", "body": "Retries with backoff.", "html_url": "https://github.com/acme/app/pull/7", "head": {"sha": %q}},
  "requested_reviewer": {"login": "lilac[bot]"},
  "repository": {"full_name": "acme/app", "name": "app", "owner": {"login": "acme"}}
}`, head))
}

func synchronizeBody(head string) []byte {
	return []byte(fmt.Sprintf(`{
  "action": "synchronize",
  "pull_request": {"number": 7, "title": "Add retries", "body": "Retries with backoff.", "html_url": "https://github.com/acme/app/pull/7", "head": {"sha": %q}},
  "repository": {"full_name": "acme/app", "name": "app", "owner": {"login": "acme"}}
}`, head))
}
