package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/cloud-shuttle/adw/internal/state"
)

const issuesAgent = "issue_creator"

// ErrUnknownCommand is returned when the agent does not know a slash command
var ErrUnknownCommand = errors.New("slash command not found")

var issueRef = regexp.MustCompile(`#(\d+)`)

// ParseIssueNumbers returns the distinct #NNN references in output, in order
func ParseIssueNumbers(output string) []int {
	var out []int
	seen := make(map[int]bool)
	for _, m := range issueRef.FindAllStringSubmatch(output, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// PromptsToIssues files one tracker issue per prompt in the document.
func (e *Env) PromptsToIssues(ctx context.Context, promptsPath, runID string) (Result, error) {
	abs, err := filepath.Abs(promptsPath)
	if err != nil {
		return Result{}, fmt.Errorf("resolving %s: %w", promptsPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return Result{}, fmt.Errorf("prompts file not found: %w", err)
	}
	if e.Tracker == nil {
		return Result{}, fmt.Errorf("no issue tracker configured (set GITHUB_REPO_URL)")
	}
	if err := e.Tracker.CheckAuth(ctx); err != nil {
		return Result{}, fmt.Errorf("issue tracker: %w", err)
	}

	runID, err = e.Store.Ensure(ctx, runID, "")
	if err != nil {
		return Result{}, err
	}
	st, _, err := e.prepare(ctx, runID, "", "pipeline-prompts-to-issues-"+runID, "prompts_to_issues")
	if err != nil {
		return Result{}, err
	}

	promptsRel := relativeTo(st.WorktreePath, abs)
	if filepath.IsAbs(promptsRel) {
		promptsRel = filepath.Base(abs)
		if _, err := os.Stat(filepath.Join(st.WorktreePath, promptsRel)); err != nil {
			data, err := os.ReadFile(abs)
			if err != nil {
				return Result{}, fmt.Errorf("reading prompts: %w", err)
			}
			if err := writeArtifact(st.WorktreePath, promptsRel, data); err != nil {
				return Result{}, err
			}
		}
	}

	// The agent can exit 0 while telling us it has no such command
	output, err := e.run(ctx, st, issuesAgent, "/prompts_to_issues", filepath.Join(st.WorktreePath, promptsRel))
	if strings.Contains(strings.ToLower(output), "unknown skill") {
		return Result{}, fmt.Errorf("/prompts_to_issues: %w (create .claude/commands/prompts_to_issues.md)", ErrUnknownCommand)
	}
	if err != nil {
		e.reporter(st).Say(ctx, issuesAgent, "❌ Error executing /prompts_to_issues: "+err.Error())
		_ = st.Save(ctx, "prompts_to_issues")
		return Result{}, err
	}

	created := ParseIssueNumbers(output)
	summary := issuesSummary(st.RunID, filepath.Base(promptsRel), created, output)
	rel := fmt.Sprintf("ai_docs/issues/issues-%s.md", st.RunID)
	if err := writeArtifact(st.WorktreePath, rel, []byte(summary)); err != nil {
		return Result{}, err
	}

	st.Update(state.Partial{CreatedIssues: created, Artifacts: map[string]string{ArtifactIssues: rel}})
	if err := e.finish(ctx, st, "prompts_to_issues", fmt.Sprintf("adw: record %d issues created from %s", len(created), promptsRel)); err != nil {
		return Result{}, err
	}
	e.reporter(st).Say(ctx, issuesAgent, summary)

	if len(created) > 0 {
		refs := make([]string, len(created))
		for i, n := range created {
			refs[i] = "#" + strconv.Itoa(n)
		}
		fmt.Fprintf(e.out(), "Issues: %s\n", strings.Join(refs, ", "))
	}
	return Result{Label: LabelIssues, Artifact: rel, Items: created}, nil
}

func issuesSummary(runID, promptsName string, created []int, output string) string {
	var b strings.Builder
	b.WriteString("## Prompts to Issues Summary\n\n")
	fmt.Fprintf(&b, "**ADW ID:** %s\n", runID)
	fmt.Fprintf(&b, "**Prompts File:** %s\n", promptsName)
	fmt.Fprintf(&b, "**Issues Created:** %d\n\n", len(created))
	if len(created) > 0 {
		b.WriteString("**Created Issues:**\n")
		for _, n := range created {
			fmt.Fprintf(&b, "- #%d\n", n)
		}
		b.WriteString("\n")
	}
	if len(output) <= 2000 {
		fmt.Fprintf(&b, "### Agent Output\n```\n%s\n```\n", output)
	} else {
		fmt.Fprintf(&b, "### Agent Output (truncated)\n```\n%s...\n```\n", output[:2000])
	}
	return b.String()
}
