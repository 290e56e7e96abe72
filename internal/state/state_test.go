package state_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func TestEnsure_GeneratesFreshID(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ctx := context.Background()

	a, err := store.Ensure(ctx, "", "")
	require.NoError(t, err)
	b, err := store.Ensure(ctx, "", "")
	require.NoError(t, err)

	if len(a) != 8 || len(b) != 8 {
		t.Errorf("run ids %q, %q; want 8 characters", a, b)
	}
	if a == b {
		t.Errorf("two fresh ensures returned the same id %q", a)
	}
	if !store.Exists(a) || !store.Exists(b) {
		t.Error("ensure must persist a record for fresh ids")
	}
}

func TestEnsure_Idempotent(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ctx := context.Background()

	id, err := store.Ensure(ctx, "abc12345", "42")
	require.NoError(t, err)

	st, err := store.Load(id)
	require.NoError(t, err)
	st.Update(state.Partial{
		BranchName:   "feat-issue-42-adw-abc12345",
		WorktreePath: "/trees/abc12345",
		ServerPort:   9103,
		ClientPort:   9203,
	})
	require.NoError(t, st.Save(ctx, "plan"))

	again, err := store.Ensure(ctx, "abc12345", "99")
	require.NoError(t, err)
	if again != id {
		t.Fatalf("Ensure() = %q; want existing %q", again, id)
	}

	first, err := store.Load(id)
	require.NoError(t, err)
	second, err := store.Load(again)
	require.NoError(t, err)

	if diff := cmp.Diff(first.Record, second.Record); diff != "" {
		t.Errorf("records differ (-first +second):\n%s", diff)
	}
	if second.IssueNumber != "42" {
		t.Errorf("IssueNumber = %q; ensure must not overwrite an existing record", second.IssueNumber)
	}
	if s, c := second.Ports(); s != 9103 || c != 9203 {
		t.Errorf("Ports() = (%d, %d); want (9103, 9203)", s, c)
	}
}

func TestEnsure_InitializesGivenID(t *testing.T) {
	store := state.NewStore(t.TempDir())

	id, err := store.Ensure(context.Background(), "given01", "7")
	require.NoError(t, err)
	if id != "given01" {
		t.Fatalf("Ensure() = %q; want given01", id)
	}

	st, err := store.Load(id)
	require.NoError(t, err)
	if st.IssueNumber != "7" {
		t.Errorf("IssueNumber = %q; want 7", st.IssueNumber)
	}
}

func TestEnsure_RejectsPathLikeIDs(t *testing.T) {
	store := state.NewStore(t.TempDir())
	if _, err := store.Ensure(context.Background(), "../escape", ""); err == nil {
		t.Error("expected error for run id containing a path separator")
	}
}

func TestLoad_NotFound(t *testing.T) {
	store := state.NewStore(t.TempDir())

	_, err := store.Load("missing1")
	if !errors.Is(err, state.ErrNotFound) {
		t.Fatalf("Load() error = %v; want ErrNotFound", err)
	}
}

func TestUpdate_MergesOnlyProvidedFields(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ctx := context.Background()
	id, err := store.Ensure(ctx, "merge001", "")
	require.NoError(t, err)

	st, err := store.Load(id)
	require.NoError(t, err)
	st.Update(state.Partial{PlanFile: "ai_docs/prds/prd.md", Artifacts: map[string]string{"transcript-to-prd": "ai_docs/prds/prd.md"}})
	st.Update(state.Partial{PromptsFile: "ai_docs/x-implementation-prompts.md", Artifacts: map[string]string{"prd-to-prompts": "ai_docs/x-implementation-prompts.md"}})
	st.Update(state.Partial{CreatedIssues: []int{11, 12}})

	// in-memory only until Save
	onDisk, err := store.Load(id)
	require.NoError(t, err)
	if onDisk.PlanFile != "" {
		t.Error("Update must not write to disk")
	}

	require.NoError(t, st.Save(ctx, "prompts-to-issues"))

	got, err := store.Load(id)
	require.NoError(t, err)
	want := state.Record{
		RunID:         id,
		PlanFile:      "ai_docs/prds/prd.md",
		PromptsFile:   "ai_docs/x-implementation-prompts.md",
		CreatedIssues: []int{11, 12},
		Artifacts: map[string]string{
			"transcript-to-prd": "ai_docs/prds/prd.md",
			"prd-to-prompts":    "ai_docs/x-implementation-prompts.md",
		},
		History:   []string{},
		LastStage: "prompts-to-issues",
	}
	if diff := cmp.Diff(want, got.Record, cmpopts.IgnoreFields(state.Record{}, "UpdatedAt")); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
	if p, ok := got.Artifact("prd-to-prompts"); !ok || p != "ai_docs/x-implementation-prompts.md" {
		t.Errorf("Artifact() = %q, %v", p, ok)
	}
}

func TestAppendHistory_Ordered(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ctx := context.Background()
	id, err := store.Ensure(ctx, "", "")
	require.NoError(t, err)

	for _, stage := range []string{"transcript-to-prd", "prd-to-prompts", "prompts-to-issues"} {
		st, err := store.Load(id)
		require.NoError(t, err)
		st.AppendHistory(stage)
		require.NoError(t, st.Save(ctx, stage))
	}

	st, err := store.Load(id)
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"transcript-to-prd", "prd-to-prompts", "prompts-to-issues"}, st.History); diff != "" {
		t.Errorf("history mismatch (-want +got):\n%s", diff)
	}
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	store := state.NewStore(root)
	ctx := context.Background()
	id, err := store.Ensure(ctx, "atomic01", "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		st, err := store.Load(id)
		require.NoError(t, err)
		require.NoError(t, st.Save(ctx, "loop"))
	}

	entries, err := os.ReadDir(filepath.Join(root, id))
	require.NoError(t, err)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file %s left behind", e.Name())
		}
	}
	if len(entries) != 1 {
		t.Errorf("run dir has %d entries; want only the record", len(entries))
	}
}

func TestSave_CorruptTempDoesNotAffectLoad(t *testing.T) {
	root := t.TempDir()
	store := state.NewStore(root)
	ctx := context.Background()
	id, err := store.Ensure(ctx, "crash001", "5")
	require.NoError(t, err)

	// A half-written temp file from a crashed save must be invisible to Load.
	partial := filepath.Join(root, id, ".adw_state.json.123.tmp")
	require.NoError(t, os.WriteFile(partial, []byte(`{"adw_id": "crash0`), 0o644))

	st, err := store.Load(id)
	require.NoError(t, err)
	if st.IssueNumber != "5" {
		t.Errorf("IssueNumber = %q; want 5", st.IssueNumber)
	}
}

type recordingIndexer struct {
	stages []string
	fail   bool
}

func (r *recordingIndexer) IndexRun(_ context.Context, rec state.Record) error {
	r.stages = append(r.stages, rec.LastStage)
	if r.fail {
		return errors.New("index unavailable")
	}
	return nil
}

func TestSave_MirrorsIntoIndexer(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ix := &recordingIndexer{fail: true}
	store.SetIndexer(ix)
	ctx := context.Background()

	id, err := store.Ensure(ctx, "", "")
	require.NoError(t, err, "index failures must not fail a save")

	st, err := store.Load(id)
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, "build"))

	if diff := cmp.Diff([]string{"ensure", "build"}, ix.stages); diff != "" {
		t.Errorf("indexed stages mismatch (-want +got):\n%s", diff)
	}
}

func TestList_MostRecentFirst(t *testing.T) {
	store := state.NewStore(t.TempDir())
	ctx := context.Background()

	first, err := store.Ensure(ctx, "first001", "")
	require.NoError(t, err)
	second, err := store.Ensure(ctx, "second01", "")
	require.NoError(t, err)

	st, err := store.Load(first)
	require.NoError(t, err)
	require.NoError(t, st.Save(ctx, "touch"))

	records, err := store.List()
	require.NoError(t, err)
	require.Len(t, records, 2)
	if records[0].RunID != first || records[1].RunID != second {
		t.Errorf("List() order = [%s %s]; want [%s %s]", records[0].RunID, records[1].RunID, first, second)
	}
}
