package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/retry"
)

const issueFields = "number,title,body,state,author,labels,comments,createdAt,updatedAt,url"

// GHClient drives the gh CLI. Every call is bounded by a timeout and
// wrapped in the retry policy.
type GHClient struct {
	repo    string
	binary  string
	token   string
	timeout time.Duration
	policy  retry.Policy
}

// NewGHClient creates a client for repo (owner/name). A non-empty token is
// exported to gh as GH_TOKEN.
func NewGHClient(repo, token string) *GHClient {
	return &GHClient{
		repo:    repo,
		binary:  "gh",
		token:   token,
		timeout: 30 * time.Second,
		policy:  retry.DefaultPolicy(),
	}
}

// SetBinary overrides the gh executable path
func (c *GHClient) SetBinary(path string) {
	c.binary = path
}

// SetTimeout sets the per-call timeout
func (c *GHClient) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// SetPolicy sets the retry policy
func (c *GHClient) SetPolicy(p retry.Policy) {
	c.policy = p
}

// Repo returns the owner/name this client targets
func (c *GHClient) Repo() string {
	return c.repo
}

// FetchIssue reads one issue with its comments
func (c *GHClient) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	out, err := retry.Do(ctx, c.policy, "fetch issue", func(ctx context.Context) ([]byte, error) {
		return c.run(ctx, "issue", "view", strconv.Itoa(number), "-R", c.repo, "--json", issueFields)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching issue #%d: %w", number, err)
	}

	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("parsing issue #%d: %w", number, err)
	}
	return &issue, nil
}

// ListOpenIssues reads every open issue with its comments
func (c *GHClient) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	out, err := retry.Do(ctx, c.policy, "list issues", func(ctx context.Context) ([]byte, error) {
		return c.run(ctx, "issue", "list", "-R", c.repo, "--state", "open",
			"--json", issueFields, "--limit", "1000")
	})
	if err != nil {
		return nil, fmt.Errorf("listing open issues: %w", err)
	}

	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("parsing issue list: %w", err)
	}
	return issues, nil
}

// Comment posts body to an issue, adding the bot marker when missing
func (c *GHClient) Comment(ctx context.Context, number int, body string) error {
	body = truncate(withMarker(body))
	_, err := retry.Do(ctx, c.policy, "post comment", func(ctx context.Context) ([]byte, error) {
		return c.run(ctx, "issue", "comment", strconv.Itoa(number), "-R", c.repo, "--body", body)
	})
	if err != nil {
		return fmt.Errorf("commenting on issue #%d: %w", number, err)
	}
	clog.FromContext(ctx).With("issue", number).Debugf("Posted comment")
	return nil
}

// CheckAuth verifies gh is installed and logged in
func (c *GHClient) CheckAuth(ctx context.Context) error {
	_, err := c.run(ctx, "auth", "status")
	if err == nil || errors.Is(err, ErrNotInstalled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
}

func (c *GHClient) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.WaitDelay = time.Second
	cmd.Env = os.Environ()
	if c.token != "" {
		cmd.Env = append(cmd.Env, "GH_TOKEN="+c.token)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), nil
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotInstalled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("gh %s: %w after %s", strings.Join(args[:2], " "), retry.ErrTimeout, c.timeout)
	}
	return nil, fmt.Errorf("gh %s: %w\n%s", strings.Join(args[:2], " "), err, bytes.TrimSpace(stderr.Bytes()))
}
