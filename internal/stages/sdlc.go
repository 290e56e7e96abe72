package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/state"
)

const (
	planAgent  = "sdlc_planner"
	buildAgent = "sdlc_implementor"
)

// issuePayload is the slice of the issue handed to the planner
type issuePayload struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Plan asks the planner for an implementation plan for a tracked issue.
// The agent writes the plan inside the worktree and answers with its path.
func (e *Env) Plan(ctx context.Context, issueNumber int, runID string) (Result, error) {
	if e.Tracker == nil {
		return Result{}, fmt.Errorf("no issue tracker configured (set GITHUB_REPO_URL)")
	}
	issue, err := e.Tracker.FetchIssue(ctx, issueNumber)
	if err != nil {
		return Result{}, fmt.Errorf("fetching issue #%d: %w", issueNumber, err)
	}

	num := strconv.Itoa(issueNumber)
	runID, err = e.Store.Ensure(ctx, runID, num)
	if err != nil {
		return Result{}, err
	}
	st, _, err := e.prepare(ctx, runID, num, fmt.Sprintf("feat-issue-%d-adw-%s", issueNumber, runID), "plan")
	if err != nil {
		return Result{}, err
	}
	st.Update(state.Partial{IssueNumber: num})
	rep := e.reporter(st)
	rep.Say(ctx, planAgent, "✅ Building implementation plan")

	payload, err := json.Marshal(issuePayload{Number: issue.Number, Title: issue.Title, Body: issue.Body})
	if err != nil {
		return Result{}, fmt.Errorf("encoding issue: %w", err)
	}
	output, err := e.run(ctx, st, planAgent, "/feature", num, st.RunID, string(payload))
	if err != nil {
		rep.Say(ctx, planAgent, "❌ Error building plan: "+err.Error())
		return Result{}, err
	}

	rel, err := reportedPath(st.WorktreePath, output)
	if err != nil {
		rep.Say(ctx, planAgent, "❌ "+err.Error())
		return Result{}, err
	}

	st.Update(state.Partial{PlanFile: rel, Artifacts: map[string]string{ArtifactPlan: rel}})
	if err := e.finish(ctx, st, "plan", fmt.Sprintf("%s: plan for issue #%d", planAgent, issueNumber)); err != nil {
		return Result{}, err
	}
	rep.Say(ctx, planAgent, "✅ Plan generated at "+rel)
	return Result{Label: LabelPlan, Artifact: rel}, nil
}

// Build implements a plan in the run's worktree and records a short build
// report next to it.
func (e *Env) Build(ctx context.Context, planPath, runID string) (Result, error) {
	if runID == "" {
		return Result{}, fmt.Errorf("build needs the run id of a planned run")
	}
	st, err := e.Store.Load(runID)
	if err != nil {
		return Result{}, err
	}
	st, _, err = e.prepare(ctx, runID, st.IssueNumber, st.BranchName, "build")
	if err != nil {
		return Result{}, err
	}
	log := clog.FromContext(ctx).With("run_id", runID)

	planRel := relativeTo(st.WorktreePath, planPath)
	if filepath.IsAbs(planRel) {
		return Result{}, fmt.Errorf("plan %s is outside the run worktree", planPath)
	}
	if _, err := os.Stat(filepath.Join(st.WorktreePath, filepath.FromSlash(planRel))); err != nil {
		return Result{}, fmt.Errorf("plan not found: %w", err)
	}

	rep := e.reporter(st)
	rep.Say(ctx, buildAgent, "✅ Implementing "+planRel)
	output, err := e.run(ctx, st, buildAgent, "/implement", planRel)
	if err != nil {
		rep.Say(ctx, buildAgent, "❌ Error implementing plan: "+err.Error())
		return Result{}, err
	}

	if _, err := e.Worktrees.Commit(ctx, st.WorktreePath, fmt.Sprintf("%s: implement %s", buildAgent, planRel)); err != nil {
		return Result{}, err
	}
	changed, err := e.Worktrees.ChangedFiles(ctx, st.WorktreePath, e.Worktrees.MainBranch())
	if err != nil {
		log.Warnf("Could not list changed files: %v", err)
	}

	rel := fmt.Sprintf("ai_docs/builds/build-%s.md", st.RunID)
	var b strings.Builder
	fmt.Fprintf(&b, "# Build %s\n\n**Plan:** %s\n\n", st.RunID, planRel)
	if len(changed) > 0 {
		b.WriteString("## Changed files\n\n")
		for _, f := range changed {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "## Agent summary\n\n%s\n", strings.TrimSpace(output))
	if err := writeArtifact(st.WorktreePath, rel, []byte(b.String())); err != nil {
		return Result{}, err
	}

	st.Update(state.Partial{Artifacts: map[string]string{ArtifactBuild: rel}})
	if err := e.finish(ctx, st, "build", fmt.Sprintf("%s: add build report", buildAgent)); err != nil {
		return Result{}, err
	}
	rep.Say(ctx, buildAgent, "✅ Build completed")
	return Result{Label: LabelBuild, Artifact: rel}, nil
}

// reportedPath takes the last non-empty line of an agent answer as a path
// and checks that it names a file in the worktree.
func reportedPath(worktree, output string) (string, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	candidate := strings.Trim(strings.TrimSpace(lines[len(lines)-1]), "`\"'")
	if candidate == "" {
		return "", fmt.Errorf("agent did not report a plan file")
	}
	rel := relativeTo(worktree, candidate)
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("reported plan %s is outside the worktree", candidate)
	}
	if _, err := os.Stat(filepath.Join(worktree, filepath.FromSlash(rel))); err != nil {
		return "", fmt.Errorf("reported plan %s does not exist", rel)
	}
	return rel, nil
}
