package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	lilac "github.com/lilac-dev/lilac"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "test.db"))
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInitIdempotent(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "init.db"))
	defer s.Close()
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	if err := s.Init(ctx); err != nil {
		t.Fatalf("second Init: %v", err)
	}
}

func TestAppendAndRecent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []lilac.TranscriptEntry{
		{ID: lilac.NewID(), SessionID: "acme/app#42", RequestID: "r1", Role: "user", Content: "explain this", CreatedAt: 1000},
		{ID: lilac.NewID(), SessionID: "acme/app#42", RequestID: "r1", Role: "assistant", Content: "sure", CreatedAt: 1001},
		{ID: lilac.NewID(), SessionID: "acme/app#42", RequestID: "r2", Role: "user", Content: "and this", CreatedAt: 1002},
	}
	for _, e := range entries {
		if err := s.AppendTranscript(ctx, e); err != nil {
			t.Fatalf("AppendTranscript: %v", err)
		}
	}

	got, err := s.RecentTranscript(ctx, "acme/app#42", 10)
	if err != nil {
		t.Fatalf("RecentTranscript: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	if got[0].Content != "explain this" || got[2].Content != "and this" {
		t.Error("entries not in chronological order")
	}

	// Limit keeps the most recent entries.
	got2, err := s.RecentTranscript(ctx, "acme/app#42", 2)
	if err != nil {
		t.Fatalf("RecentTranscript limit: %v", err)
	}
	if len(got2) != 2 || got2[0].Content != "sure" {
		t.Errorf("limit 2: got %v", got2)
	}
}

func TestRecentUnknownSession(t *testing.T) {
	s := testStore(t)
	got, err := s.RecentTranscript(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("RecentTranscript: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("entries = %d, want 0", len(got))
	}
}

func TestAppendReplacesByID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := lilac.TranscriptEntry{ID: "fixed", SessionID: "sess", RequestID: "r1", Role: "user", Content: "v1", CreatedAt: 1000}
	if err := s.AppendTranscript(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.Content = "v2"
	if err := s.AppendTranscript(ctx, e); err != nil {
		t.Fatal(err)
	}

	got, err := s.RecentTranscript(ctx, "sess", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Content != "v2" {
		t.Errorf("got %v, want single v2 entry", got)
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		sess := "acme/app#1"
		if i%2 == 1 {
			sess = "acme/app#2"
		}
		e := lilac.TranscriptEntry{
			ID: lilac.NewID(), SessionID: sess, RequestID: "r", Role: "user",
			Content: fmt.Sprintf("m%d", i), CreatedAt: int64(1000 + i),
		}
		if err := s.AppendTranscript(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.RecentTranscript(ctx, "acme/app#2", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	for _, e := range got {
		if e.SessionID != "acme/app#2" {
			t.Errorf("leaked entry from %s", e.SessionID)
		}
	}
}
