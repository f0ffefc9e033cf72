package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	lilac "github.com/lilac-dev/lilac"
)

// TokenSource supplies an installation token for outbound API calls. The
// githubauth minter satisfies it via a small closure.
type TokenSource func(ctx context.Context) (string, error)

// Client is a minimal GitHub REST client covering what the ingress and the
// comment surface need: issue/PR reads, comment CRUD, and reaction markers.
type Client struct {
	apiBase    string
	token      TokenSource
	httpClient *http.Client
}

// NewClient creates a Client against apiBase (e.g. https://api.github.com).
func NewClient(apiBase string, token TokenSource, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// User is an account reference as it appears across payloads.
type User struct {
	Login string `json:"login"`
}

// Issue is the issue/PR-as-issue shape returned by the issues API.
type Issue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	User        User      `json:"user"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
}

// Comment is one issue comment.
type Comment struct {
	ID        int64     `json:"id"`
	Body      string    `json:"body"`
	HTMLURL   string    `json:"html_url"`
	User      User      `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

// Pull is the pull-request shape.
type Pull struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		SHA string `json:"sha"`
	} `json:"head"`
}

// Reaction is one reaction marker on a comment or issue.
type Reaction struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	User    User   `json:"user"`
}

func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", owner, repo, number)
	if err := c.call(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) GetPull(ctx context.Context, owner, repo string, number int) (*Pull, error) {
	var pull Pull
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	if err := c.call(ctx, http.MethodGet, path, nil, &pull); err != nil {
		return nil, err
	}
	return &pull, nil
}

// ListIssueComments returns up to limit of the most recent comments.
func (c *Client) ListIssueComments(ctx context.Context, owner, repo string, number, limit int) ([]Comment, error) {
	var comments []Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?%s", owner, repo, number,
		url.Values{"per_page": {fmt.Sprint(limit)}, "sort": {"created"}, "direction": {"desc"}}.Encode())
	if err := c.call(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	// The API returns newest-first under direction=desc; callers want thread
	// order.
	for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
		comments[i], comments[j] = comments[j], comments[i]
	}
	return comments, nil
}

// GetComment returns a single issue comment by id.
func (c *Client) GetComment(ctx context.Context, owner, repo string, commentID int64) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	if err := c.call(ctx, http.MethodGet, path, nil, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// CreateComment posts a new comment on an issue or pull request.
func (c *Client) CreateComment(ctx context.Context, owner, repo string, number int, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, number)
	if err := c.call(ctx, http.MethodPost, path, map[string]any{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// UpdateComment replaces the body of an existing comment.
func (c *Client) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (*Comment, error) {
	var comment Comment
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	if err := c.call(ctx, http.MethodPatch, path, map[string]any{"body": body}, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

// DeleteComment removes a comment.
func (c *Client) DeleteComment(ctx context.Context, owner, repo string, commentID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

// ReactToComment places a reaction marker on an issue comment.
func (c *Client) ReactToComment(ctx context.Context, owner, repo string, commentID int64, content string) (int64, error) {
	var reaction Reaction
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	if err := c.call(ctx, http.MethodPost, path, map[string]any{"content": content}, &reaction); err != nil {
		return 0, err
	}
	return reaction.ID, nil
}

// ReactToIssue places a reaction marker on the issue/PR body.
func (c *Client) ReactToIssue(ctx context.Context, owner, repo string, number int, content string) (int64, error) {
	var reaction Reaction
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/reactions", owner, repo, number)
	if err := c.call(ctx, http.MethodPost, path, map[string]any{"content": content}, &reaction); err != nil {
		return 0, err
	}
	return reaction.ID, nil
}

// ListCommentReactions returns the reactions on an issue comment.
func (c *Client) ListCommentReactions(ctx context.Context, owner, repo string, commentID int64) ([]Reaction, error) {
	var reactions []Reaction
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions", owner, repo, commentID)
	if err := c.call(ctx, http.MethodGet, path, nil, &reactions); err != nil {
		return nil, err
	}
	return reactions, nil
}

// DeleteCommentReaction removes a reaction from an issue comment.
func (c *Client) DeleteCommentReaction(ctx context.Context, owner, repo string, commentID, reactionID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d/reactions/%d", owner, repo, commentID, reactionID)
	return c.call(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, result any) error {
	var body io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("github: marshal request: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, body)
	if err != nil {
		return fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("github: token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("github: HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("github: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &lilac.ErrHTTP{Status: resp.StatusCode, Body: string(respBody)}
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("github: decode response: %w", err)
		}
	}
	return nil
}
