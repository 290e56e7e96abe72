// Package stages implements the individual pipeline stages. Each stage is
// run as its own process by the orchestrator and reports its artifact on
// stdout with a single "SUCCESS: <label> at <path>" line.
package stages

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/executor"
	"github.com/cloud-shuttle/adw/internal/git"
	"github.com/cloud-shuttle/adw/internal/ports"
	"github.com/cloud-shuttle/adw/internal/project"
	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/cloud-shuttle/adw/internal/tracker"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
)

// Labels printed in the success line of each stage
const (
	LabelPRD     = "PRD generated"
	LabelPrompts = "Prompts document generated"
	LabelIssues  = "Issues created"
	LabelPlan    = "Plan generated"
	LabelBuild   = "Build completed"
)

// Artifact keys recorded in the run state
const (
	ArtifactPRD     = "prd"
	ArtifactPrompts = "prompts"
	ArtifactIssues  = "issues"
	ArtifactPlan    = "plan"
	ArtifactBuild   = "build"
)

// Result is what a stage hands to the next one
type Result struct {
	Label string
	// Artifact is relative to the run's worktree
	Artifact string
	Items    []int
}

// PrintSuccess writes the stage contract line
func PrintSuccess(w io.Writer, r Result) {
	fmt.Fprintf(w, "SUCCESS: %s at %s\n", r.Label, r.Artifact)
}

// Env carries the collaborators every stage needs
type Env struct {
	Store     *state.Store
	Worktrees *git.WorktreeManager
	Ports     *ports.Allocator
	Agent     executor.Runner
	Project   *project.Config

	// Tracker may be nil; progress is then printed locally
	Tracker tracker.Tracker

	Out io.Writer
}

func (e *Env) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

func (e *Env) model(command string) string {
	if e.Project == nil {
		return ""
	}
	return e.Project.ModelFor(command)
}

func (e *Env) reporter(st *state.State) *tracker.Reporter {
	issue, _ := strconv.Atoi(st.IssueNumber)
	return &tracker.Reporter{Tracker: e.Tracker, Issue: issue, RunID: st.RunID, Out: e.out()}
}

// prepare loads (or initializes) the run and makes sure it has a usable
// worktree with allocated ports. created reports whether the worktree was
// made by this call.
func (e *Env) prepare(ctx context.Context, runID, issue, branch, stage string) (st *state.State, created bool, err error) {
	runID, err = e.Store.Ensure(ctx, runID, issue)
	if err != nil {
		return nil, false, fmt.Errorf("ensuring run state: %w", err)
	}
	st, err = e.Store.Load(runID)
	if err != nil {
		return nil, false, err
	}
	st.AppendHistory(stage)

	log := clog.FromContext(ctx).With("run_id", runID).With("stage", stage)

	ok, verr := e.Worktrees.Validate(ctx, runID, st.Record)
	if ok {
		log.Infof("Reusing worktree %s", st.WorktreePath)
		return st, false, nil
	}
	log.Debugf("Worktree not reusable: %v", verr)

	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanWorktreeCreate, e.Worktrees.Path(runID),
		telemetry.RunAttrs(runID, issue)...)
	defer span.End()

	pair, err := e.Ports.Allocate(ctx, runID)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryGit)
		return nil, false, fmt.Errorf("allocating ports: %w", err)
	}
	st.Update(state.Partial{ServerPort: pair.Server, ClientPort: pair.Client, BranchName: branch})
	if err := st.Save(ctx, stage); err != nil {
		return nil, false, err
	}

	path, err := e.Worktrees.Create(ctx, runID, branch)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryGit)
		return nil, false, err
	}
	if err := ports.WriteEnvironment(path, pair); err != nil {
		return nil, false, err
	}
	st.Update(state.Partial{WorktreePath: path})
	if err := st.Save(ctx, stage); err != nil {
		return nil, false, err
	}
	log.Infof("Created worktree %s (ports %s)", path, pair)
	return st, true, nil
}

// run executes one agent request inside the worktree and turns a failed
// execution into an error.
func (e *Env) run(ctx context.Context, st *state.State, agent, command string, args ...string) (string, error) {
	res := e.Agent.Execute(ctx, executor.Request{
		RunID:     st.RunID,
		AgentName: agent,
		Command:   command,
		Args:      args,
		Model:     e.model(command),
		Dir:       st.WorktreePath,
	})
	if !res.Success {
		err := res.Error
		if err == nil {
			err = errors.New("agent reported failure")
		}
		return res.Output, fmt.Errorf("running %s: %w", command, err)
	}
	return res.Output, nil
}

// finish commits whatever the stage produced and pushes the run branch.
// Push failures are logged: the commit is what later stages rely on.
func (e *Env) finish(ctx context.Context, st *state.State, stage, message string) error {
	if _, err := e.Worktrees.Commit(ctx, st.WorktreePath, message); err != nil {
		return err
	}
	if err := e.Worktrees.Push(ctx, st.WorktreePath, st.BranchName); err != nil {
		clog.FromContext(ctx).With("run_id", st.RunID).Warnf("Push failed: %v", err)
	}
	return st.Save(ctx, stage)
}

// relativeTo returns path relative to the worktree, leaving paths outside
// it absolute.
func relativeTo(worktree, path string) string {
	if !filepath.IsAbs(path) {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(worktree, path)
	if err != nil || !filepath.IsLocal(rel) {
		return path
	}
	return filepath.ToSlash(rel)
}

func writeArtifact(worktree, rel string, data []byte) error {
	path := filepath.Join(worktree, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
