// Package workflow_test provides integration tests for the workflow package
package workflow_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/git"
	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/cloud-shuttle/adw/internal/workflow"
	"github.com/google/go-cmp/cmp"
)

// createMockStageScript writes a stand-in for the adw binary. Each stage
// writes its artifact inside trees/<run_id>, commits when the directory is a
// git worktree, and prints the success line. failStage exits 1 instead.
func createMockStageScript(t *testing.T, dir, failStage string) (string, string) {
	t.Helper()
	argsLog := filepath.Join(dir, "stage-args.log")
	script := fmt.Sprintf(`#!/bin/bash
echo "$@" >> %q
[ "$1" = "stage" ] && shift
STAGE="$1"; INPUT="$2"; RUN="$3"
WT="trees/$RUN"
if [ "$STAGE" = %q ]; then
	echo "working on $INPUT"
	echo "boom" >&2
	exit 1
fi
mkdir -p "$WT/ai_docs"
case "$STAGE" in
	transcript-to-prd)
		echo "# PRD" > "$WT/ai_docs/prd.md"
		OUT="SUCCESS: PRD generated at ai_docs/prd.md" ;;
	prd-to-prompts)
		echo "## Prompt 1" > "$WT/ai_docs/prompts.md"
		OUT="SUCCESS: Prompts document generated at ai_docs/prompts.md" ;;
	prompts-to-issues)
		echo "#12 #13" > "$WT/ai_docs/issues.md"
		echo "Created #12 Login form"
		echo "Issues: #12, #13"
		OUT="SUCCESS: Issues created at ai_docs/issues.md" ;;
esac
if [ -e "$WT/.git" ]; then
	git -C "$WT" add -A >/dev/null && git -C "$WT" commit -qm "$STAGE" >/dev/null
fi
echo "$OUT"
`, argsLog, failStage)

	path := filepath.Join(dir, "mock-adw.sh")
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to create mock stage script: %v", err)
	}
	return path, argsLog
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// requirementsPipeline returns the built-in requirements pipeline, without
// the final merge unless merge is set
func requirementsPipeline(t *testing.T, merge bool) *workflow.Pipeline {
	t.Helper()
	ps, err := workflow.LoadPipelines("")
	if err != nil {
		t.Fatalf("LoadPipelines() error = %v", err)
	}
	p, err := ps.Get("requirements")
	if err != nil {
		t.Fatal(err)
	}
	cp := *p
	cp.Merge = merge
	return &cp
}

func setupOrchestrator(t *testing.T, failStage string) (string, *state.Store, *workflow.Orchestrator, string) {
	t.Helper()
	dir := t.TempDir()
	bin, argsLog := createMockStageScript(t, dir, failStage)
	store := state.NewStore(filepath.Join(dir, "agents"))
	orch := workflow.NewOrchestrator(store, git.NewWorktreeManager(dir, filepath.Join(dir, "trees")), bin)
	orch.SetOutput(&bytes.Buffer{})
	return dir, store, orch, argsLog
}

func TestOrchestrator_FailFast(t *testing.T) {
	dir, store, orch, argsLog := setupOrchestrator(t, "prd-to-prompts")

	summary, err := orch.Run(context.Background(), requirementsPipeline(t, false), workflow.RunRequest{
		Input: filepath.Join(dir, "kickoff.md"),
		RunID: "fail0001",
	})
	if !errors.Is(err, workflow.ErrStageFailed) {
		t.Fatalf("Run() error = %v, want ErrStageFailed", err)
	}
	var stageErr *workflow.StageError
	if !errors.As(err, &stageErr) || stageErr.Index != 2 || stageErr.ExitCode != 1 {
		t.Fatalf("Run() error = %#v, want stage 2 with exit code 1", err)
	}

	// Stage 3 must never be started
	if lines := readLines(t, argsLog); len(lines) != 2 {
		t.Errorf("stage invocations = %q, want 2", lines)
	}
	if len(summary.Stages) != 1 {
		t.Errorf("summary stages = %+v", summary.Stages)
	}

	logDir := filepath.Join(store.RunDir("fail0001"), "pipeline")
	stderr, err := os.ReadFile(filepath.Join(logDir, "stage2_stderr.log"))
	if err != nil || !strings.Contains(string(stderr), "boom") {
		t.Errorf("stage2_stderr.log = %q, %v", stderr, err)
	}
	if _, err := os.Stat(filepath.Join(logDir, "stage1_stdout.log")); err != nil {
		t.Errorf("stage1_stdout.log missing: %v", err)
	}

	st, err := store.Load("fail0001")
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := st.Artifact("prd"); got != "ai_docs/prd.md" {
		t.Errorf("prd artifact = %q", got)
	}
}

func TestOrchestrator_FailureWarnsWhenStateUnsaved(t *testing.T) {
	dir := t.TempDir()
	// The failing stage replaces the run directory with a plain file, so
	// the record can no longer be written
	bin := filepath.Join(dir, "mock-adw.sh")
	script := "#!/bin/bash\n[ \"$1\" = \"stage\" ] && shift\nrm -rf \"agents/$3\"\ntouch \"agents/$3\"\nexit 1\n"
	if err := os.WriteFile(bin, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	store := state.NewStore(filepath.Join(dir, "agents"))
	orch := workflow.NewOrchestrator(store, git.NewWorktreeManager(dir, filepath.Join(dir, "trees")), bin)
	orch.SetOutput(&bytes.Buffer{})

	var logs bytes.Buffer
	ctx := clog.WithLogger(context.Background(), clog.New(slog.NewTextHandler(&logs, nil)))
	_, err := orch.Run(ctx, requirementsPipeline(t, false), workflow.RunRequest{
		Input: filepath.Join(dir, "kickoff.md"),
		RunID: "gone0001",
	})
	if !errors.Is(err, workflow.ErrStageFailed) {
		t.Fatalf("Run() error = %v, want ErrStageFailed", err)
	}
	if !strings.Contains(logs.String(), "Failed to save partial state") {
		t.Errorf("missing save warning in logs:\n%s", logs.String())
	}
}

func TestOrchestrator_PassesArtifactsForward(t *testing.T) {
	dir, _, orch, argsLog := setupOrchestrator(t, "")

	summary, err := orch.Run(context.Background(), requirementsPipeline(t, false), workflow.RunRequest{
		Input: filepath.Join(dir, "kickoff.md"),
		RunID: "pass0001",
		Vars:  map[string]string{"example": "docs/example.md"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	lines := readLines(t, argsLog)
	want := []string{
		"stage transcript-to-prd " + filepath.Join(dir, "kickoff.md") + " pass0001",
		"stage prd-to-prompts " + filepath.Join(dir, "trees", "pass0001", "ai_docs", "prd.md") + " pass0001 --example docs/example.md",
		"stage prompts-to-issues " + filepath.Join(dir, "trees", "pass0001", "ai_docs", "prompts.md") + " pass0001",
	}
	if diff := cmp.Diff(want, lines); diff != "" {
		t.Errorf("stage command lines mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{12, 13}, summary.Issues); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}
	if summary.Merge != workflow.MergeSkipped {
		t.Errorf("Merge = %q", summary.Merge)
	}
}

func TestOrchestrator_MissingSuccessLine(t *testing.T) {
	dir, _, orch, argsLog := setupOrchestrator(t, "")

	override := filepath.Join(dir, "pipelines.yaml")
	content := `
pipelines:
  mislabelled:
    stages:
      - name: transcript-to-prd
        label: Something else
        artifact: prd
        argv: [stage, transcript-to-prd, "{input}", "{run_id}"]
      - name: prd-to-prompts
        label: Prompts document generated
        artifact: prompts
        argv: [stage, prd-to-prompts, "{input}", "{run_id}"]
`
	if err := os.WriteFile(override, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	ps, err := workflow.LoadPipelines(override)
	if err != nil {
		t.Fatalf("LoadPipelines() error = %v", err)
	}
	p, err := ps.Get("mislabelled")
	if err != nil {
		t.Fatal(err)
	}

	_, err = orch.Run(context.Background(), p, workflow.RunRequest{Input: "kickoff.md", RunID: "miss0001"})
	var stageErr *workflow.StageError
	if !errors.As(err, &stageErr) || stageErr.Index != 1 {
		t.Fatalf("Run() error = %v, want stage 1 contract failure", err)
	}
	if !strings.Contains(stageErr.Stdout, "SUCCESS: PRD generated") {
		t.Errorf("raw stdout not kept: %q", stageErr.Stdout)
	}
	if lines := readLines(t, argsLog); len(lines) != 1 {
		t.Errorf("stage invocations = %q, want 1", lines)
	}
}

func TestOrchestrator_SkipFlag(t *testing.T) {
	dir, _, orch, argsLog := setupOrchestrator(t, "")

	summary, err := orch.Run(context.Background(), requirementsPipeline(t, false), workflow.RunRequest{
		Input: filepath.Join(dir, "kickoff.md"),
		RunID: "skip0001",
		Skip:  map[string]bool{"skip-issues": true},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if lines := readLines(t, argsLog); len(lines) != 2 {
		t.Errorf("stage invocations = %q, want 2", lines)
	}
	if got := summary.Stages[2].Status; got != "skipped" {
		t.Errorf("stage 3 status = %q", got)
	}
	if strings.Contains(summary.String(), "Issues:") {
		t.Errorf("summary lists issues for a skipped stage:\n%s", summary)
	}
}

func TestOrchestrator_Resume(t *testing.T) {
	dir, _, orch, argsLog := setupOrchestrator(t, "")
	p := requirementsPipeline(t, false)
	req := workflow.RunRequest{Input: filepath.Join(dir, "kickoff.md"), RunID: "resume01"}

	if _, err := orch.Run(context.Background(), p, req); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// Every artifact is recorded and present: nothing runs again
	summary, err := orch.Run(context.Background(), p, req)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if lines := readLines(t, argsLog); len(lines) != 3 {
		t.Errorf("stage invocations after resume = %d, want 3", len(lines))
	}
	for _, s := range summary.Stages {
		if s.Status != "resumed" {
			t.Errorf("stage %s status = %q, want resumed", s.Stage, s.Status)
		}
	}
	if diff := cmp.Diff([]int{12, 13}, summary.Issues); diff != "" {
		t.Errorf("resumed issues mismatch (-want +got):\n%s", diff)
	}

	// Only the stage whose artifact vanished runs again
	if err := os.Remove(filepath.Join(dir, "trees", "resume01", "ai_docs", "prompts.md")); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Run(context.Background(), p, req); err != nil {
		t.Fatalf("third Run() error = %v", err)
	}
	lines := readLines(t, argsLog)
	if len(lines) != 4 || !strings.HasPrefix(lines[3], "stage prd-to-prompts ") {
		t.Errorf("stage invocations = %q", lines)
	}

	req.Restart = true
	if _, err := orch.Run(context.Background(), p, req); err != nil {
		t.Fatalf("restart Run() error = %v", err)
	}
	if lines := readLines(t, argsLog); len(lines) != 7 {
		t.Errorf("stage invocations after restart = %d, want 7", len(lines))
	}
}

func TestOrchestrator_EndToEndMerge(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir, store, orch, _ := setupOrchestrator(t, "")

	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, out)
		}
		return string(out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test User")
	if err := os.WriteFile(filepath.Join(dir, ".gitignore"), []byte("trees/\nagents/\n*.sh\n*.log\n"), 0644); err != nil {
		t.Fatal(err)
	}
	run("add", ".gitignore")
	run("commit", "-m", "Initial commit")
	run("branch", "-M", "main")

	// The first stage normally creates the worktree; do it up front here
	ctx := context.Background()
	wm := git.NewWorktreeManager(dir, filepath.Join(dir, "trees"))
	runID, err := store.Ensure(ctx, "e2e00001", "")
	if err != nil {
		t.Fatal(err)
	}
	path, err := wm.Create(ctx, runID, "transcript-prd-"+runID)
	if err != nil {
		t.Fatal(err)
	}
	st, err := store.Load(runID)
	if err != nil {
		t.Fatal(err)
	}
	st.Update(state.Partial{BranchName: "transcript-prd-" + runID, WorktreePath: path})
	if err := st.Save(ctx, "test"); err != nil {
		t.Fatal(err)
	}

	summary, err := orch.Run(ctx, requirementsPipeline(t, true), workflow.RunRequest{
		Input: filepath.Join(dir, "kickoff.md"),
		RunID: runID,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if summary.Merge != workflow.MergeMerged {
		t.Fatalf("Merge = %q", summary.Merge)
	}
	if got := run("show", "main:ai_docs/prompts.md"); !strings.Contains(got, "Prompt 1") {
		t.Errorf("prompts not merged into main: %q", got)
	}

	want := map[string]string{
		"Run ID":                     runID,
		"Input":                      "kickoff.md",
		"PRD generated":              "ai_docs/prd.md",
		"Prompts document generated": "ai_docs/prompts.md",
		"Issues":                     "#12, #13",
		"Merge":                      "MERGED",
	}
	got := map[string]string{}
	for _, f := range summary.Fields() {
		if _, ok := want[f.Name]; ok {
			got[f.Name] = f.Value
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	st, err = store.Load(runID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{12, 13}, st.CreatedIssues); diff != "" {
		t.Errorf("recorded issues mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPipelines_Builtin(t *testing.T) {
	ps, err := workflow.LoadPipelines(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadPipelines() error = %v", err)
	}
	if diff := cmp.Diff([]string{"requirements", "sdlc"}, ps.Names()); diff != "" {
		t.Errorf("pipelines mismatch (-want +got):\n%s", diff)
	}
	req, _ := ps.Get("requirements")
	if last := req.Stages[2]; !last.CollectItems || last.SkipFlag != "skip-issues" {
		t.Errorf("issues stage = %+v", last)
	}
	if _, err := ps.Get("nope"); err == nil {
		t.Error("Get() accepted an unknown pipeline")
	}
}

func TestLoadPipelines_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	content := "pipelines:\n  bad:\n    stages:\n      - name: one\n        artifact: x\n        argv: [stage]\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := workflow.LoadPipelines(path); err == nil {
		t.Error("LoadPipelines() accepted a stage without a label")
	}
}

func TestStage_Expand(t *testing.T) {
	s := workflow.Stage{
		Argv:    []string{"stage", "prd-to-prompts", "{input}", "{run_id}"},
		Options: map[string][]string{"example": {"--example", "{example}"}},
	}
	got := s.Expand(map[string]string{"input": "a.md", "run_id": "r1"})
	if diff := cmp.Diff([]string{"stage", "prd-to-prompts", "a.md", "r1"}, got); diff != "" {
		t.Errorf("Expand() without option (-want +got):\n%s", diff)
	}
	got = s.Expand(map[string]string{"input": "a.md", "run_id": "r1", "example": "ex.md"})
	if diff := cmp.Diff([]string{"stage", "prd-to-prompts", "a.md", "r1", "--example", "ex.md"}, got); diff != "" {
		t.Errorf("Expand() with option (-want +got):\n%s", diff)
	}
}

func TestParseSuccess(t *testing.T) {
	out := "noise\nSUCCESS:  PRD generated   at ai_docs/prds/prd-x.md  \nmore"
	path, ok := workflow.ParseSuccess(out, "PRD generated")
	if !ok || path != "ai_docs/prds/prd-x.md" {
		t.Errorf("ParseSuccess() = %q, %v", path, ok)
	}
	if _, ok := workflow.ParseSuccess(out, "Prompts document generated"); ok {
		t.Error("ParseSuccess() matched the wrong label")
	}
}
