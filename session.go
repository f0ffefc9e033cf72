package lilac

import (
	"fmt"
	"strconv"
	"strings"
)

// ClientGitHub tags requests that originate from the GitHub webhook ingress.
// Carried in the request_client envelope header.
const ClientGitHub = "github"

// Session identifies a single conversation thread on a surface.
// For GitHub the canonical form is "<owner>/<repo>#<number>".
type Session struct {
	Owner  string
	Repo   string
	Number int
}

// ID returns the canonical session id string.
func (s Session) ID() string {
	return fmt.Sprintf("%s/%s#%d", s.Owner, s.Repo, s.Number)
}

// RepoFullName returns "<owner>/<repo>".
func (s Session) RepoFullName() string {
	return s.Owner + "/" + s.Repo
}

// ParseSessionID parses "<owner>/<repo>#<number>". It accepts exactly this
// shape with a positive integer number; anything else is an error.
func ParseSessionID(id string) (Session, error) {
	repoPart, numPart, ok := strings.Cut(id, "#")
	if !ok {
		return Session{}, fmt.Errorf("session id %q: missing '#'", id)
	}
	owner, repo, ok := strings.Cut(repoPart, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Session{}, fmt.Errorf("session id %q: repo must be owner/name", id)
	}
	n, err := strconv.Atoi(numPart)
	if err != nil || n <= 0 {
		return Session{}, fmt.Errorf("session id %q: thread number must be a positive integer", id)
	}
	return Session{Owner: owner, Repo: repo, Number: n}, nil
}

// CommentRequestID builds the request id for a comment-triggered request:
// "github:<owner/repo>#<n>:<commentId>".
func CommentRequestID(sessionID string, commentID int64) string {
	return fmt.Sprintf("%s:%s:%d", ClientGitHub, sessionID, commentID)
}

// ReviewRequestID builds the request id for a review-requested trigger:
// "github:<owner/repo>#<n>:<prNumber>:<headSha[0..8]>". The SHA prefix keys
// the request to a specific head so a push mints a distinct id.
func ReviewRequestID(sessionID string, prNumber int, headSHA string) string {
	return fmt.Sprintf("%s:%s:%d:%s", ClientGitHub, sessionID, prNumber, ShortSHA(headSHA))
}

// ShortSHA returns the 8-character prefix of a commit SHA, or the SHA itself
// if shorter.
func ShortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
