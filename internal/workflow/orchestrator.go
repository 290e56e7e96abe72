// Package workflow chains stage processes into pipelines that share one run.
package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/git"
	"github.com/cloud-shuttle/adw/internal/stages"
	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ErrStageFailed is wrapped by every StageError
var ErrStageFailed = errors.New("pipeline stage failed")

// Merge status values reported in the summary
const (
	MergeMerged  = "MERGED"
	MergeSkipped = "SKIPPED"
)

// StageError describes why a stage broke the chain
type StageError struct {
	Index    int
	Stage    string
	ExitCode int
	Reason   string
	Stdout   string
	Stderr   string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %d (%s) failed: %s", e.Index, e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error {
	return ErrStageFailed
}

// RunRequest selects what a pipeline run works on
type RunRequest struct {
	// Input is handed to the first stage as {input}
	Input string
	RunID string
	// IssueNumber is recorded on a fresh run and exposed as {issue}
	IssueNumber string
	// Vars are extra argv placeholders, e.g. "example"
	Vars map[string]string
	// Skip holds the skip flags the caller set
	Skip map[string]bool
	// Restart runs every stage even when its artifact is already recorded
	Restart bool
}

// StageOutcome is one line of the run summary
type StageOutcome struct {
	Index    int
	Stage    string
	Label    string
	Artifact string
	Status   string // "done", "resumed", "skipped"

	CollectsItems bool
}

// Summary reports a finished (or failed) pipeline run
type Summary struct {
	RunID    string
	Pipeline string
	Input    string
	Stages   []StageOutcome
	Issues   []int
	Merge    string
	Worktree string
	Logs     string
	Duration time.Duration
}

// Orchestrator runs pipelines by spawning one child process per stage
type Orchestrator struct {
	store     *state.Store
	worktrees *git.WorktreeManager
	binary    string
	dir       string
	out       io.Writer
}

// NewOrchestrator creates an orchestrator that starts stages with binary
// (normally the running adw executable) in the project directory.
func NewOrchestrator(store *state.Store, worktrees *git.WorktreeManager, binary string) *Orchestrator {
	return &Orchestrator{
		store:     store,
		worktrees: worktrees,
		binary:    binary,
		dir:       worktrees.BaseDir(),
		out:       os.Stdout,
	}
}

// SetOutput redirects progress output
func (o *Orchestrator) SetOutput(w io.Writer) {
	o.out = w
}

// successPattern matches the stage contract line for label
func successPattern(label string) *regexp.Regexp {
	return regexp.MustCompile(`SUCCESS:\s*` + regexp.QuoteMeta(label) + `\s+at\s+(.+)`)
}

// ParseSuccess returns the artifact path a stage reported for label
func ParseSuccess(stdout, label string) (string, bool) {
	m := successPattern(label).FindStringSubmatch(stdout)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// Run executes p stage by stage. The first failing stage stops the run and
// its *StageError is returned together with the partial summary. A merge
// failure at the end is reported in the summary, not as an error.
func (o *Orchestrator) Run(ctx context.Context, p *Pipeline, req RunRequest) (*Summary, error) {
	start := time.Now()

	runID, err := o.store.Ensure(ctx, req.RunID, req.IssueNumber)
	if err != nil {
		return nil, fmt.Errorf("ensuring run state: %w", err)
	}
	st, err := o.store.Load(runID)
	if err != nil {
		return nil, err
	}
	st.AppendHistory("pipeline:" + p.Name)
	if err := st.Save(ctx, "pipeline"); err != nil {
		return nil, err
	}

	ctx, span := telemetry.StartPipelineSpan(ctx, p.Name, runID)
	defer span.End()
	log := clog.FromContext(ctx).With("run_id", runID).With("pipeline", p.Name)

	logDir := filepath.Join(o.store.RunDir(runID), "pipeline")
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("creating pipeline log directory: %w", err)
	}

	issue := req.IssueNumber
	if issue == "" {
		issue = st.IssueNumber
	}
	summary := &Summary{
		RunID:    runID,
		Pipeline: p.Name,
		Input:    req.Input,
		Worktree: o.worktrees.Path(runID),
		Logs:     logDir,
		Merge:    MergeSkipped,
	}

	fmt.Fprintf(o.out, "🚀 Running pipeline %s for run %s\n", p.Name, runID)

	input := req.Input
	for i, stage := range p.Stages {
		index := i + 1
		outcome := StageOutcome{Index: index, Stage: stage.Name, Label: stage.Label, CollectsItems: stage.CollectItems}

		if stage.SkipFlag != "" && req.Skip[stage.SkipFlag] {
			fmt.Fprintf(o.out, "⏭️  Stage %d (%s) skipped (--%s)\n", index, stage.Name, stage.SkipFlag)
			outcome.Status = "skipped"
			summary.Stages = append(summary.Stages, outcome)
			continue
		}

		if !req.Restart {
			if rel, ok := o.resumable(st.Record, stage); ok {
				fmt.Fprintf(o.out, "↩️  Stage %d (%s) already done: %s\n", index, stage.Name, rel)
				outcome.Artifact = rel
				outcome.Status = "resumed"
				summary.Stages = append(summary.Stages, outcome)
				if stage.CollectItems {
					summary.Issues = append([]int(nil), st.CreatedIssues...)
				}
				input = o.resolve(runID, rel)
				continue
			}
		}

		vars := map[string]string{"input": input, "run_id": runID, "issue": issue}
		for k, v := range req.Vars {
			vars[k] = v
		}

		fmt.Fprintf(o.out, "\n=== STAGE %d: %s ===\n", index, stage.Name)
		artifact, stdout, err := o.runStage(ctx, logDir, index, stage, vars)
		if err != nil {
			log.Errorf("Stage %s failed: %v", stage.Name, err)
			fmt.Fprintf(o.out, "❌ %v\n", err)
			// Stages save their own progress; reload so this save does not clobber it
			if cur, lerr := o.store.Load(runID); lerr == nil {
				st = cur
			}
			if err := st.Save(ctx, "pipeline"); err != nil {
				log.Warnf("Failed to save partial state: %v", err)
			}
			summary.Duration = time.Since(start)
			telemetry.RecordError(span, err, telemetry.ErrorCategoryStage)
			return summary, err
		}
		fmt.Fprintf(o.out, "  ✓ %s: %s\n", stage.Label, artifact)

		st, err = o.store.Load(runID)
		if err != nil {
			return summary, err
		}
		partial := state.Partial{Artifacts: map[string]string{stage.Artifact: artifact}}
		if stage.CollectItems {
			items := stages.ParseIssueNumbers(stdout)
			summary.Issues = items
			if items == nil {
				items = []int{}
			}
			partial.CreatedIssues = items
			fmt.Fprintf(o.out, "  ✓ Collected %d items\n", len(summary.Issues))
		}
		st.Update(partial)
		if err := st.Save(ctx, "pipeline"); err != nil {
			return summary, err
		}

		outcome.Artifact = artifact
		outcome.Status = "done"
		summary.Stages = append(summary.Stages, outcome)
		input = o.resolve(runID, artifact)
	}

	if p.Merge {
		summary.Merge = o.finalize(ctx, st)
	}
	summary.Duration = time.Since(start)
	return summary, nil
}

// resumable reports whether stage already produced an artifact that still
// exists in the run's worktree.
func (o *Orchestrator) resumable(rec state.Record, stage Stage) (string, bool) {
	rel, ok := rec.Artifact(stage.Artifact)
	if !ok || filepath.IsAbs(rel) {
		return "", false
	}
	if _, err := os.Stat(filepath.Join(o.worktrees.Path(rec.RunID), filepath.FromSlash(rel))); err != nil {
		return "", false
	}
	return rel, true
}

// resolve turns a reported artifact path into one the next stage can open
func (o *Orchestrator) resolve(runID, artifact string) string {
	if filepath.IsAbs(artifact) {
		return artifact
	}
	return filepath.Join(o.worktrees.Path(runID), filepath.FromSlash(artifact))
}

// runStage spawns one stage process, keeps its output in the pipeline log
// directory, and checks the stage contract.
func (o *Orchestrator) runStage(ctx context.Context, logDir string, index int, stage Stage, vars map[string]string) (string, string, error) {
	ctx, span := telemetry.StartStageSpan(ctx, stage.Name, index, telemetry.RunAttrs(vars["run_id"], vars["issue"])...)
	defer span.End()

	argv := stage.Expand(vars)
	clog.FromContext(ctx).Infof("Running: %s %s", o.binary, strings.Join(argv, " "))

	cmd := exec.CommandContext(ctx, o.binary, argv...)
	cmd.Dir = o.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()

	prefix := filepath.Join(logDir, fmt.Sprintf("stage%d", index))
	if err := os.WriteFile(prefix+"_stdout.log", stdout.Bytes(), 0644); err != nil {
		clog.FromContext(ctx).Warnf("Failed to write stage log: %v", err)
	}
	if err := os.WriteFile(prefix+"_stderr.log", stderr.Bytes(), 0644); err != nil {
		clog.FromContext(ctx).Warnf("Failed to write stage log: %v", err)
	}

	stageErr := &StageError{Index: index, Stage: stage.Name, Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		stageErr.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			stageErr.ExitCode = exitErr.ExitCode()
		}
		stageErr.Reason = fmt.Sprintf("exit code %d: %v (logs: %s_*.log)", stageErr.ExitCode, runErr, prefix)
		telemetry.EndWithError(span, stageErr, telemetry.ErrorCategoryStage)
		return "", "", stageErr
	}

	artifact, ok := ParseSuccess(stdout.String(), stage.Label)
	if !ok {
		stageErr.Reason = fmt.Sprintf("no %q line in output (logs: %s_stdout.log)", "SUCCESS: "+stage.Label+" at <path>", prefix)
		telemetry.EndWithError(span, stageErr, telemetry.ErrorCategoryStage)
		return "", "", stageErr
	}
	span.SetAttributes(attribute.String(telemetry.KeyArtifact, artifact))
	return artifact, stdout.String(), nil
}

// finalize merges the run branch into main. Failures are reported, not
// returned: the branch stays available for a manual merge.
func (o *Orchestrator) finalize(ctx context.Context, st *state.State) string {
	ctx, span := telemetry.StartWorktreeSpan(ctx, telemetry.SpanGitMerge, st.WorktreePath,
		attribute.String(telemetry.KeyBranch, st.BranchName))
	defer span.End()

	if st.BranchName == "" {
		return "FAILED (no branch recorded for run)"
	}
	fmt.Fprintf(o.out, "\n=== MERGE: %s → %s ===\n", st.BranchName, o.worktrees.MainBranch())
	if err := o.worktrees.MergeToMain(ctx, st.BranchName); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryGit)
		fmt.Fprintf(o.out, "  ✗ Merge failed: %v\n    Branch %s is still available for manual merge\n", err, st.BranchName)
		return fmt.Sprintf("FAILED (%v)", firstLine(err.Error()))
	}
	fmt.Fprintf(o.out, "  ✓ Merged %s\n", st.BranchName)
	return MergeMerged
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
