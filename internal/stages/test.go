package stages

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/cloud-shuttle/adw/internal/testloop"
)

// LabelTests is the success label of the test stage
const LabelTests = "Tests passed"

// ArtifactTestAudit is the run-state key of the test audit
const ArtifactTestAudit = "test_audit"

// ErrTestsFailed is returned when any executed test layer ended with failures
var ErrTestsFailed = errors.New("tests failed")

// Test runs the layered test loop in the run's worktree, creating a test
// branch worktree when the run has none. The audit is written to the run's
// agents directory whether or not the tests pass.
func (e *Env) Test(ctx context.Context, issue, runID string, opts testloop.Options) (Result, *testloop.Report, error) {
	runID, err := e.Store.Ensure(ctx, runID, issue)
	if err != nil {
		return Result{}, nil, fmt.Errorf("ensuring run state: %w", err)
	}
	cur, err := e.Store.Load(runID)
	if err != nil {
		return Result{}, nil, err
	}
	branch := cur.BranchName
	switch {
	case branch != "":
	case cur.IssueNumber != "":
		branch = fmt.Sprintf("test-issue-%s-adw-%s", cur.IssueNumber, runID)
	default:
		branch = "test-adw-" + runID
	}

	st, _, err := e.prepare(ctx, runID, issue, branch, "test")
	if err != nil {
		return Result{}, nil, err
	}
	rep := e.reporter(st)

	loop := &testloop.Loop{
		Agent:    e.Agent,
		Changes:  e.Worktrees,
		Project:  e.Project,
		Reporter: rep,
		Out:      e.out(),
	}
	report := loop.Run(ctx, testloop.Target{RunID: runID, Dir: st.WorktreePath, ServerPort: st.ServerPort}, opts)

	audit := filepath.Join(e.Store.RunDir(runID), "test_audit.md")
	if err := state.WriteFileAtomic(audit, []byte(report.Markdown())); err != nil {
		return Result{}, report, fmt.Errorf("writing test audit: %w", err)
	}
	rep.Say(ctx, "test_summary", report.Summary())

	st.Update(state.Partial{Artifacts: map[string]string{ArtifactTestAudit: audit}})
	if err := e.finish(ctx, st, "test", fmt.Sprintf("test_runner: test results for run %s", runID)); err != nil {
		return Result{}, report, err
	}

	if failures := report.Failures(); failures > 0 {
		rep.Say(ctx, "ops", fmt.Sprintf("❌ Test suite completed with %d failures", failures))
		return Result{}, report, fmt.Errorf("%w: %d failures (audit: %s)", ErrTestsFailed, failures, audit)
	}
	rep.Say(ctx, "ops", "✅ All tests passed successfully!")
	return Result{Label: LabelTests, Artifact: audit}, report, nil
}
