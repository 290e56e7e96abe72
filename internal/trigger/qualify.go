// Package trigger watches the issue tracker and the transcript folder and
// dispatches runs for whatever qualifies.
package trigger

import (
	"fmt"
	"strings"

	"github.com/cloud-shuttle/adw/internal/tracker"
)

// DefaultKeywords start a run when they appear in an issue body or comment
var DefaultKeywords = []string{"adw_run", "adw run"}

// Qualifier decides whether an item asks for a run
type Qualifier struct {
	keywords []string
}

// NewQualifier matches keywords case-insensitively. An empty list falls
// back to DefaultKeywords.
func NewQualifier(keywords []string) *Qualifier {
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}
	q := &Qualifier{}
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			q.keywords = append(q.keywords, k)
		}
	}
	return q
}

// Matches reports whether text contains a keyword. Text carrying the bot
// marker never matches, so our own comments cannot trigger runs.
func (q *Qualifier) Matches(text string) bool {
	if tracker.IsBot(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, k := range q.keywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Occurrence returns the fingerprint of the trigger on issue: "body" when the
// body asks for a run, otherwise "comment:<id>" of the latest human comment.
func (q *Qualifier) Occurrence(issue *tracker.Issue) (string, bool) {
	if q.Matches(issue.Body) {
		return "body", true
	}
	c, ok := issue.LatestHumanComment()
	if ok && q.Matches(c.Body) {
		return fmt.Sprintf("comment:%s", c.ID), true
	}
	return "", false
}
