package webhook

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const (
	// maxExcerptLen caps each quoted comment or description inside a prompt.
	maxExcerptLen = 600
	// maxThreadComments caps how much thread history a prompt carries.
	maxThreadComments = 30
)

// normalizeText NFC-normalizes untrusted surface text and unifies line
// endings. Composed and decomposed forms of the same mention must compare
// equal.
func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return norm.NFC.String(s)
}

// hasTrigger reports whether a comment body addresses the bot: it begins with
// the trigger word (standalone or followed by whitespace) or mentions any of
// the bot logins.
func hasTrigger(body, trigger string, mentions []string) bool {
	body = normalizeText(body)
	if trigger != "" && strings.HasPrefix(body, trigger) {
		rest := body[len(trigger):]
		if rest == "" || rest[0] == ' ' || rest[0] == '\n' || rest[0] == '\t' {
			return true
		}
	}
	for _, login := range mentions {
		if containsMention(body, login) {
			return true
		}
	}
	return false
}

// containsMention finds "@login" not immediately preceded or followed by a
// word character, so "@bot" does not match inside "user@bottle.example".
func containsMention(body, login string) bool {
	needle := "@" + login
	for i := 0; ; {
		j := strings.Index(body[i:], needle)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(needle)
		beforeOK := start == 0 || !isWordByte(body[start-1])
		afterOK := end == len(body) || !isWordByte(body[end])
		if beforeOK && afterOK {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b == '-' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// commandText extracts the instruction from a triggering comment: strip the
// trigger prefix if present, otherwise strip bot mentions. The original body
// is the fallback when extraction leaves nothing.
func commandText(body, trigger string, mentions []string) string {
	body = normalizeText(body)
	if trigger != "" && strings.HasPrefix(body, trigger) {
		if out := strings.TrimSpace(body[len(trigger):]); out != "" {
			return out
		}
		return strings.TrimSpace(body)
	}
	out := body
	for _, login := range mentions {
		out = strings.ReplaceAll(out, "@"+login, "")
	}
	if out = strings.TrimSpace(out); out != "" {
		return out
	}
	return strings.TrimSpace(body)
}

// truncateExcerpt caps s at maxExcerptLen runes.
func truncateExcerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= maxExcerptLen {
		return s
	}
	return string(runes[:maxExcerptLen]) + "..."
}

type commentPromptInput struct {
	ThreadURL   string
	TriggerURL  string
	Title       string
	Description string
	Author      string
	Command     string
	Comments    []Comment
}

// buildCommentPrompt shapes the user message for an issue-comment trigger:
// thread context first, then the instruction, then recent history.
func buildCommentPrompt(in commentPromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GitHub thread: %s\n", in.ThreadURL)
	if in.TriggerURL != "" {
		fmt.Fprintf(&b, "Trigger: %s\n", in.TriggerURL)
	}
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	if desc := strings.TrimSpace(in.Description); desc != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", truncateExcerpt(FlattenMarkdown(normalizeText(desc))))
	}
	fmt.Fprintf(&b, "\n%s asks:\n%s\n", in.Author, in.Command)

	comments := in.Comments
	if len(comments) > maxThreadComments {
		comments = comments[len(comments)-maxThreadComments:]
	}
	if len(comments) > 0 {
		b.WriteString("\nRecent comments:\n")
		for _, c := range comments {
			text := truncateExcerpt(FlattenMarkdown(normalizeText(c.Body)))
			fmt.Fprintf(&b, "- %s: %s\n", c.User.Login, text)
		}
	}
	return b.String()
}

type reviewPromptInput struct {
	PRURL       string
	Title       string
	Description string
	PRNumber    int
	HeadSHA     string
}

// buildReviewPrompt shapes the user message for a review request. The head
// SHA is embedded and the reviewer is told to re-check it: a push during the
// review makes the findings stale.
func buildReviewPrompt(in reviewPromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "GitHub thread: %s\n", in.PRURL)
	fmt.Fprintf(&b, "Title: %s\n", in.Title)
	fmt.Fprintf(&b, "Review requested on pull request #%d at head commit %s.\n", in.PRNumber, in.HeadSHA)
	if desc := strings.TrimSpace(in.Description); desc != "" {
		fmt.Fprintf(&b, "\nDescription:\n%s\n", truncateExcerpt(FlattenMarkdown(normalizeText(desc))))
	}
	fmt.Fprintf(&b, "\nReview the changes of pull request #%d.\n", in.PRNumber)
	fmt.Fprintf(&b, "Before submitting the review, verify that the head commit is still %s. ", in.HeadSHA)
	b.WriteString("If it has changed, do not submit: decline and request a restart against the new head.\n")
	return b.String()
}
