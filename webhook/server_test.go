package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lilac-dev/lilac/event"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("response body %q: %v", w.Body.String(), err)
	}
	return body
}

func TestCommentTriggerPublishesPrompt(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})

	w := deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeResponse(t, w); body["ok"] != true {
		t.Errorf("body = %v", body)
	}

	calls := pub.publishes()
	if len(calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.Type != event.TypeRequestMessage {
		t.Errorf("type = %s", call.Type)
	}
	wantHeaders := map[string]string{
		event.HeaderRequestID:     "github:acme/app#42:100",
		event.HeaderSessionID:     "acme/app#42",
		event.HeaderRequestClient: "github",
	}
	for k, v := range wantHeaders {
		if call.Opts.Headers[k] != v {
			t.Errorf("header %s = %q, want %q", k, call.Opts.Headers[k], v)
		}
	}
	if call.Data.Queue != event.QueuePrompt {
		t.Errorf("queue = %s", call.Data.Queue)
	}
	if len(call.Data.Messages) != 1 || call.Data.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v", call.Data.Messages)
	}
	text := call.Data.Messages[0].Content
	if !strings.Contains(text, "GitHub thread:") {
		t.Errorf("prompt missing thread link:\n%s", text)
	}
	if !strings.Contains(text, "explain") {
		t.Errorf("prompt missing command text:\n%s", text)
	}
	if !strings.Contains(text, "any logs?") {
		t.Errorf("prompt missing recent comments:\n%s", text)
	}
}

func TestDuplicateDeliverySkipsPublish(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})

	first := deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	if first.Code != http.StatusOK {
		t.Fatalf("first status = %d", first.Code)
	}
	second := deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d", second.Code)
	}
	if body := decodeResponse(t, second); body["deduped"] != true {
		t.Errorf("second body = %v, want deduped marker", body)
	}
	if got := len(pub.publishes()); got != 1 {
		t.Errorf("publishes = %d, want 1", got)
	}
}

func TestDeliveryAndDedupHooks(t *testing.T) {
	pub := &fakePublisher{}
	var delivered []string
	dedups := 0
	s := newTestServer(t, pub, &fakeGitHub{},
		WithDeliveryHook(func(ghEvent string) { delivered = append(delivered, ghEvent) }),
		WithDedupHook(func() { dedups++ }),
	)

	deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	deliver(t, s, "push", "d2", []byte(`{"action":"created"}`))

	// Two accepted deliveries (the ignored push still counts as accepted),
	// one dedup hit for the replayed id.
	want := []string{"issue_comment", "push"}
	if len(delivered) != len(want) {
		t.Fatalf("delivery hook calls = %v, want %v", delivered, want)
	}
	for i := range want {
		if delivered[i] != want[i] {
			t.Errorf("delivery hook call %d = %q, want %q", i, delivered[i], want[i])
		}
	}
	if dedups != 1 {
		t.Errorf("dedup hook calls = %d, want 1", dedups)
	}
}

func TestSignatureMismatchRejected(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})

	body := []byte(commentBody)
	cases := []struct {
		name string
		sig  string
	}{
		{"missing", ""},
		{"wrong scheme", "sha1=deadbeef"},
		{"not hex", "sha256=zzzz"},
		{"wrong mac", "sha256=" + strings.Repeat("ab", 32)},
		{"truncated", sign(body)[:20]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
			req.Header.Set(headerEvent, "issue_comment")
			req.Header.Set(headerDelivery, "d-"+tc.name)
			req.Header.Set(headerSignature, tc.sig)
			w := httptest.NewRecorder()
			s.ServeHTTP(w, req)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
	if got := len(pub.publishes()); got != 0 {
		t.Errorf("publishes = %d, want 0", got)
	}
}

func TestMalformedBodyRejected(t *testing.T) {
	s := newTestServer(t, &fakePublisher{}, &fakeGitHub{})
	w := deliver(t, s, "issue_comment", "d1", []byte("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestUnhandledEventIgnored(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})
	w := deliver(t, s, "push", "d1", []byte(`{"action":"created"}`))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := len(pub.publishes()); got != 0 {
		t.Errorf("publishes = %d, want 0", got)
	}
}

func TestNonTriggerCommentIgnored(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})
	body := strings.Replace(commentBody, "/lilac explain", "looks good to me", 1)
	w := deliver(t, s, "issue_comment", "d1", []byte(body))
	if w.Code != http.StatusOK {
		t.Errorf("status = %d", w.Code)
	}
	if got := len(pub.publishes()); got != 0 {
		t.Errorf("publishes = %d, want 0", got)
	}
}

func TestBotAuthoredCommentIgnored(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})
	body := strings.Replace(commentBody, `"login": "alice"`, `"login": "lilac[bot]"`, 1)
	deliver(t, s, "issue_comment", "d1", []byte(body))
	if got := len(pub.publishes()); got != 0 {
		t.Errorf("publishes = %d, want 0 for self-authored comment", got)
	}
}

func TestMentionTrigger(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestServer(t, pub, &fakeGitHub{})
	body := strings.Replace(commentBody, "/lilac explain", "@lilac-bot what changed here?", 1)
	w := deliver(t, s, "issue_comment", "d1", []byte(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	calls := pub.publishes()
	if len(calls) != 1 {
		t.Fatalf("publishes = %d, want 1", len(calls))
	}
	if text := calls[0].Data.Messages[0].Content; !strings.Contains(text, "what changed here?") {
		t.Errorf("prompt missing stripped command:\n%s", text)
	}
}

func TestHandlerErrorStaysDeduped(t *testing.T) {
	pub := &fakePublisher{err: errors.New("bus down")}
	s := newTestServer(t, pub, &fakeGitHub{})

	first := deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	if first.Code != http.StatusInternalServerError {
		t.Fatalf("first status = %d, want 500", first.Code)
	}
	if body := decodeResponse(t, first); body["error"] != "internal error" {
		t.Errorf("error message not redacted: %v", body)
	}

	// The failed delivery keeps its dedup record: a retry does not re-run the
	// handler.
	second := deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	if second.Code != http.StatusOK {
		t.Errorf("retry status = %d, want 200", second.Code)
	}
	if body := decodeResponse(t, second); body["deduped"] != true {
		t.Errorf("retry body = %v, want deduped", body)
	}
}

func TestAckMarkerFailureIsNotFatal(t *testing.T) {
	pub := &fakePublisher{}
	gh := &fakeGitHub{failReactions: true}
	s := newTestServer(t, pub, gh)

	w := deliver(t, s, "issue_comment", "d1", []byte(commentBody))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite reaction failure", w.Code)
	}
	if got := len(pub.publishes()); got != 1 {
		t.Errorf("publishes = %d, want 1", got)
	}
	s.mu.Lock()
	_, hasAck := s.ackByRequest["github:acme/app#42:100"]
	s.mu.Unlock()
	if hasAck {
		t.Error("failed marker was recorded")
	}
}

func TestVerifySignatureConstantTimeShape(t *testing.T) {
	body := []byte("payload")
	if !verifySignature(testSecret, body, sign(body)) {
		t.Fatal("valid signature rejected")
	}
	// Equal-length but wrong MAC must fail through the constant-time path.
	bad := "sha256=" + strings.Repeat("00", 32)
	if verifySignature(testSecret, body, bad) {
		t.Fatal("wrong MAC accepted")
	}
}

func TestNewServerRequiresSecret(t *testing.T) {
	_, err := NewServer(&fakePublisher{}, nil, nil)
	if err == nil {
		t.Fatal("expected configuration error for empty secret")
	}
}
