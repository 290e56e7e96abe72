// Package tracker is the boundary to the issue tracker. Two clients share
// one interface: the gh CLI (the default) and the GitHub REST API.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
)

// BotMarker prefixes every comment adw posts. Comments carrying it are
// never treated as human requests.
const BotMarker = "[ADW-AGENTS]"

// MaxCommentSize leaves headroom under GitHub's 65536 character limit.
const MaxCommentSize = 65000

var (
	// ErrNotInstalled is returned when the gh binary cannot be found.
	ErrNotInstalled = errors.New("gh CLI not installed (macOS: brew install gh, Linux: https://github.com/cli/cli#installation)")
	// ErrNotAuthenticated is returned when gh has no usable credentials.
	ErrNotAuthenticated = errors.New("gh CLI not authenticated (run: gh auth login, or set GITHUB_PAT)")
)

// Author is the login of a user
type Author struct {
	Login string `json:"login"`
}

// Label is an issue label
type Label struct {
	Name string `json:"name"`
}

// Comment is one issue comment
type Comment struct {
	ID        string    `json:"id"`
	Author    Author    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Issue is the subset of an issue adw reads
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Author    Author    `json:"author"`
	Labels    []Label   `json:"labels"`
	Comments  []Comment `json:"comments"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Tracker reads issues and posts comments.
type Tracker interface {
	FetchIssue(ctx context.Context, number int) (*Issue, error)
	ListOpenIssues(ctx context.Context) ([]Issue, error)
	Comment(ctx context.Context, number int, body string) error
	CheckAuth(ctx context.Context) error
}

// IsBot reports whether body was posted by adw.
func IsBot(body string) bool {
	return strings.Contains(body, BotMarker)
}

// HumanComments returns the comments not posted by adw, oldest first.
func (i *Issue) HumanComments() []Comment {
	var out []Comment
	for _, c := range i.Comments {
		if !IsBot(c.Body) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	return out
}

// LatestHumanComment returns the most recent comment not posted by adw.
func (i *Issue) LatestHumanComment() (Comment, bool) {
	human := i.HumanComments()
	if len(human) == 0 {
		return Comment{}, false
	}
	return human[len(human)-1], true
}

// FormatMessage builds the comment body for a message from agent in run.
func FormatMessage(runID, agent, msg string) string {
	return fmt.Sprintf("%s %s_%s: %s", BotMarker, runID, agent, msg)
}

// withMarker makes sure body carries the bot marker.
func withMarker(body string) string {
	if strings.HasPrefix(body, BotMarker) {
		return body
	}
	return BotMarker + " " + body
}

func truncate(body string) string {
	if len(body) <= MaxCommentSize {
		return body
	}
	return body[:MaxCommentSize] + "\n\n---\n⚠️ *Content truncated due to comment size limit.*"
}

// RepoPath extracts owner/repo from an https or ssh GitHub URL.
func RepoPath(url string) (string, error) {
	p := strings.TrimSpace(url)
	p = strings.TrimSuffix(p, "/")
	p = strings.TrimSuffix(p, ".git")
	for _, prefix := range []string{"https://github.com/", "http://github.com/", "git@github.com:", "ssh://git@github.com/"} {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimPrefix(p, prefix)
			break
		}
	}
	parts := strings.Split(p, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("cannot extract owner/repo from %q", url)
	}
	return parts[0] + "/" + parts[1], nil
}

// Reporter posts progress for one run to its issue. Posting is best effort:
// failures are logged and the message is printed locally instead.
type Reporter struct {
	Tracker Tracker
	Issue   int
	RunID   string
	Out     io.Writer
}

// Say posts msg on behalf of agent.
func (r *Reporter) Say(ctx context.Context, agent, msg string) {
	body := FormatMessage(r.RunID, agent, msg)
	out := r.Out
	if out == nil {
		out = os.Stdout
	}
	if r.Tracker == nil || r.Issue <= 0 {
		fmt.Fprintln(out, body)
		return
	}
	if err := r.Tracker.Comment(ctx, r.Issue, body); err != nil {
		clog.FromContext(ctx).With("issue", r.Issue).Warnf("Failed to post comment, printing locally: %v", err)
		fmt.Fprintln(out, body)
	}
}

// New returns the client for kind: "gh" (default) or "api".
func New(ctx context.Context, kind, repo, token string) (Tracker, error) {
	switch kind {
	case "", "gh":
		return NewGHClient(repo, token), nil
	case "api":
		c, err := NewAPIClient(ctx, repo, token)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown tracker %q (want gh or api)", kind)
	}
}
