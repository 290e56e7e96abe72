package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cloud-shuttle/adw/internal/retry"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// APIClient talks to the GitHub REST API directly. It is used when the gh
// CLI is unavailable, for example inside containers.
type APIClient struct {
	owner  string
	repo   string
	client *github.Client
	policy retry.Policy
}

// NewAPIClient creates a client for repo (owner/name) authenticated with token
func NewAPIClient(ctx context.Context, repo, token string) (*APIClient, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return nil, fmt.Errorf("invalid repository %q, want owner/name", repo)
	}

	var hc *http.Client
	if token != "" {
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	}
	return &APIClient{
		owner:  owner,
		repo:   name,
		client: github.NewClient(hc),
		policy: retry.DefaultPolicy(),
	}, nil
}

// SetBaseURL points the client at another API endpoint (GitHub Enterprise, tests)
func (c *APIClient) SetBaseURL(raw string) error {
	if !strings.HasSuffix(raw, "/") {
		raw += "/"
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing base URL: %w", err)
	}
	c.client.BaseURL = u
	return nil
}

// SetPolicy sets the retry policy
func (c *APIClient) SetPolicy(p retry.Policy) {
	c.policy = p
}

// FetchIssue reads one issue with its comments
func (c *APIClient) FetchIssue(ctx context.Context, number int) (*Issue, error) {
	gi, err := retry.Do(ctx, c.policy, "fetch issue", func(ctx context.Context) (*github.Issue, error) {
		gi, _, err := c.client.Issues.Get(ctx, c.owner, c.repo, number)
		return gi, err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching issue #%d: %w", number, err)
	}

	issue := convertIssue(gi)
	if issue.Comments, err = c.comments(ctx, number); err != nil {
		return nil, err
	}
	return &issue, nil
}

// ListOpenIssues reads every open issue with its comments. Pull requests
// returned by the issues endpoint are dropped.
func (c *APIClient) ListOpenIssues(ctx context.Context) ([]Issue, error) {
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var issues []Issue
	for {
		page, err := retry.Do(ctx, c.policy, "list issues", func(ctx context.Context) (apiPage[*github.Issue], error) {
			items, resp, err := c.client.Issues.ListByRepo(ctx, c.owner, c.repo, opts)
			return newPage(items, resp), err
		})
		if err != nil {
			return nil, fmt.Errorf("listing open issues: %w", err)
		}
		for _, gi := range page.items {
			if gi.IsPullRequest() {
				continue
			}
			issue := convertIssue(gi)
			if gi.GetComments() > 0 {
				if issue.Comments, err = c.comments(ctx, issue.Number); err != nil {
					return nil, err
				}
			}
			issues = append(issues, issue)
		}
		if page.next == 0 {
			return issues, nil
		}
		opts.ListOptions.Page = page.next
	}
}

// Comment posts body to an issue, adding the bot marker when missing
func (c *APIClient) Comment(ctx context.Context, number int, body string) error {
	body = truncate(withMarker(body))
	_, err := retry.Do(ctx, c.policy, "post comment", func(ctx context.Context) (*github.IssueComment, error) {
		ic, _, err := c.client.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{
			Body: github.Ptr(body),
		})
		return ic, err
	})
	if err != nil {
		return fmt.Errorf("commenting on issue #%d: %w", number, err)
	}
	return nil
}

// CheckAuth verifies the token can read the repository
func (c *APIClient) CheckAuth(ctx context.Context) error {
	_, resp, err := c.client.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
		}
		return fmt.Errorf("checking access to %s/%s: %w", c.owner, c.repo, err)
	}
	return nil
}

func (c *APIClient) comments(ctx context.Context, number int) ([]Comment, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: 100}}

	var out []Comment
	for {
		page, err := retry.Do(ctx, c.policy, "list comments", func(ctx context.Context) (apiPage[*github.IssueComment], error) {
			items, resp, err := c.client.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
			return newPage(items, resp), err
		})
		if err != nil {
			return nil, fmt.Errorf("listing comments on #%d: %w", number, err)
		}
		for _, ic := range page.items {
			out = append(out, Comment{
				ID:        strconv.FormatInt(ic.GetID(), 10),
				Author:    Author{Login: ic.GetUser().GetLogin()},
				Body:      ic.GetBody(),
				CreatedAt: ic.GetCreatedAt().Time,
			})
		}
		if page.next == 0 {
			return out, nil
		}
		opts.ListOptions.Page = page.next
	}
}

type apiPage[T any] struct {
	items []T
	next  int
}

func newPage[T any](items []T, resp *github.Response) apiPage[T] {
	p := apiPage[T]{items: items}
	if resp != nil {
		p.next = resp.NextPage
	}
	return p
}

func convertIssue(gi *github.Issue) Issue {
	issue := Issue{
		Number:    gi.GetNumber(),
		Title:     gi.GetTitle(),
		Body:      gi.GetBody(),
		State:     strings.ToUpper(gi.GetState()),
		URL:       gi.GetHTMLURL(),
		Author:    Author{Login: gi.GetUser().GetLogin()},
		CreatedAt: gi.GetCreatedAt().Time,
		UpdatedAt: gi.GetUpdatedAt().Time,
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, Label{Name: l.GetName()})
	}
	return issue
}
