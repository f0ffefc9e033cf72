package webhook

import (
	"strings"
	"testing"
)

func TestHasTrigger(t *testing.T) {
	mentions := []string{"lilac-bot", "lilac[bot]"}
	cases := []struct {
		body string
		want bool
	}{
		{"/lilac explain", true},
		{"/lilac", true},
		{"/lilac\nwith a newline", true},
		{"/lilacs are flowers", false},
		{"@lilac-bot please look", true},
		{"hey @lilac[bot] ping", true},
		{"mail me at user@lilac-bottle.example", false},
		{"nothing to see", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := hasTrigger(tc.body, "/lilac", mentions); got != tc.want {
			t.Errorf("hasTrigger(%q) = %v, want %v", tc.body, got, tc.want)
		}
	}
}

func TestHasTriggerEmptyMentionSet(t *testing.T) {
	if hasTrigger("@lilac-bot hi", "/lilac", nil) {
		t.Error("mention triggered with empty mention set")
	}
	if !hasTrigger("/lilac hi", "/lilac", nil) {
		t.Error("trigger word ignored with empty mention set")
	}
}

func TestHasTriggerNormalizesUnicode(t *testing.T) {
	// Decomposed "é" (e + combining acute) must match the composed login.
	decomposed := "@caf\u0065\u0301-bot hello"
	if !hasTrigger(decomposed, "/lilac", []string{"caf\u00e9-bot"}) {
		t.Error("decomposed mention did not match composed login")
	}
}

func TestCommandText(t *testing.T) {
	mentions := []string{"lilac-bot"}
	cases := []struct {
		body string
		want string
	}{
		{"/lilac explain this", "explain this"},
		{"/lilac", "/lilac"}, // empty extraction falls back to the body
		{"@lilac-bot what changed?", "what changed?"},
		{"@lilac-bot", "@lilac-bot"},
		{"plain text", "plain text"},
	}
	for _, tc := range cases {
		if got := commandText(tc.body, "/lilac", mentions); got != tc.want {
			t.Errorf("commandText(%q) = %q, want %q", tc.body, got, tc.want)
		}
	}
}

func TestMentionSet(t *testing.T) {
	got := mentionSet([]string{"alice", "bob", "alice", ""}, "lilac")
	want := []string{"alice", "bob", "lilac[bot]"}
	if len(got) != len(want) {
		t.Fatalf("mentionSet = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("mentionSet[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if set := mentionSet(nil, ""); len(set) != 0 {
		t.Errorf("empty inputs produced %v", set)
	}
}

func TestTruncateExcerpt(t *testing.T) {
	short := "short"
	if got := truncateExcerpt(short); got != short {
		t.Errorf("short excerpt modified: %q", got)
	}
	long := strings.Repeat("x", maxExcerptLen+50)
	got := truncateExcerpt(long)
	if len([]rune(got)) != maxExcerptLen+3 {
		t.Errorf("truncated length = %d", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "...") {
		t.Errorf("truncated excerpt missing ellipsis: %q", got[len(got)-10:])
	}
}

func TestBuildCommentPromptTailsComments(t *testing.T) {
	comments := make([]Comment, maxThreadComments+5)
	for i := range comments {
		comments[i] = Comment{Body: "c" + string(rune('0'+i%10)), User: User{Login: "u"}}
	}
	prompt := buildCommentPrompt(commentPromptInput{
		ThreadURL: "https://github.com/acme/app/issues/1",
		Title:     "t",
		Author:    "alice",
		Command:   "do it",
		Comments:  comments,
	})
	if got := strings.Count(prompt, "- u: "); got != maxThreadComments {
		t.Errorf("prompt carries %d comments, want %d", got, maxThreadComments)
	}
}

func TestBuildReviewPromptIncludesRecheck(t *testing.T) {
	prompt := buildReviewPrompt(reviewPromptInput{
		PRURL:    "https://github.com/acme/app/pull/7",
		Title:    "Add retries",
		PRNumber: 7,
		HeadSHA:  "abc123def",
	})
	for _, want := range []string{"GitHub thread:", "abc123def", "#7", "do not submit"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("review prompt missing %q:\n%s", want, prompt)
		}
	}
}
