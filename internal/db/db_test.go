// Package db_test provides tests for the db package
package db_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/adw/internal/db"
	"github.com/cloud-shuttle/adw/internal/ports"
	"github.com/cloud-shuttle/adw/internal/state"
)

func setupTestDB(t *testing.T) *db.Store {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "nested", "adw.db")
	store, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_IndexRun_Upsert(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	rec := state.Record{RunID: "run00001", IssueNumber: "42", LastStage: "ensure", UpdatedAt: time.Unix(100, 0)}
	if err := store.IndexRun(ctx, rec); err != nil {
		t.Fatalf("IndexRun failed: %v", err)
	}

	rec.BranchName = "feat-issue-42-adw-run00001"
	rec.ServerPort, rec.ClientPort = 9101, 9201
	rec.LastStage = "plan"
	rec.UpdatedAt = time.Unix(200, 0)
	if err := store.IndexRun(ctx, rec); err != nil {
		t.Fatalf("IndexRun (update) failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("Expected 1 indexed run, got %d", len(runs))
	}
	got := runs[0]
	if got.LastStage != "plan" || got.BranchName != rec.BranchName || got.ServerPort != 9101 {
		t.Errorf("Unexpected row after upsert: %+v", got)
	}
	if got.UpdatedAt != 200 {
		t.Errorf("Expected updated_at 200, got %d", got.UpdatedAt)
	}
}

func TestStore_ListRuns_OrderAndLimit(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	for i, id := range []string{"aaaa0001", "bbbb0002", "cccc0003"} {
		rec := state.Record{RunID: id, UpdatedAt: time.Unix(int64(100+i), 0)}
		if err := store.IndexRun(ctx, rec); err != nil {
			t.Fatalf("IndexRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("Expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "cccc0003" || runs[1].RunID != "bbbb0002" {
		t.Errorf("Unexpected order: %s, %s", runs[0].RunID, runs[1].RunID)
	}
}

func TestStore_IndexerHook(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	states := state.NewStore(t.TempDir())
	states.SetIndexer(store)

	id, err := states.Ensure(ctx, "", "12")
	if err != nil {
		t.Fatalf("Ensure failed: %v", err)
	}

	runs, err := store.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != id || runs[0].IssueNumber != "12" {
		t.Errorf("Expected run %s indexed with issue 12, got %+v", id, runs)
	}
}

func TestDedupStore_RememberAndLast(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	cron := store.Dedup("cron")
	watch := store.Dedup("watch")

	if _, ok, err := cron.Last(ctx, "42"); err != nil || ok {
		t.Fatalf("Expected no fingerprint, got ok=%v err=%v", ok, err)
	}

	if err := cron.Remember(ctx, "42", "comment:100"); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	if err := cron.Remember(ctx, "42", "comment:101"); err != nil {
		t.Fatalf("Remember (overwrite) failed: %v", err)
	}

	fp, ok, err := cron.Last(ctx, "42")
	if err != nil || !ok || fp != "comment:101" {
		t.Errorf("Last() = %q, %v, %v; want comment:101", fp, ok, err)
	}

	// Scopes are independent
	if _, ok, _ := watch.Last(ctx, "42"); ok {
		t.Error("Fingerprint leaked across scopes")
	}
}

func TestDedupStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "adw.db")
	ctx := context.Background()

	first, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := first.Dedup("cron").Remember(ctx, "7", "body"); err != nil {
		t.Fatalf("Remember failed: %v", err)
	}
	first.Close()

	second, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer second.Close()

	fp, ok, err := second.Dedup("cron").Last(ctx, "7")
	if err != nil || !ok || fp != "body" {
		t.Errorf("Last() after reopen = %q, %v, %v", fp, ok, err)
	}
}

func TestStore_Lease(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	candidates := []ports.Pair{{Server: 9103, Client: 9203}, {Server: 9104, Client: 9204}}

	a, err := store.Lease(ctx, "run-a", candidates)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if a != candidates[0] {
		t.Errorf("Expected first candidate, got %v", a)
	}

	// Same candidates for another run skip the leased pair
	b, err := store.Lease(ctx, "run-b", candidates)
	if err != nil {
		t.Fatalf("Lease failed: %v", err)
	}
	if b != candidates[1] {
		t.Errorf("Expected second candidate, got %v", b)
	}

	// Re-leasing returns the existing lease even with no candidates
	again, err := store.Lease(ctx, "run-a", nil)
	if err != nil || again != a {
		t.Errorf("Re-lease = %v, %v; want %v", again, err, a)
	}

	// Range exhausted
	if _, err := store.Lease(ctx, "run-c", candidates); !errors.Is(err, ports.ErrNoFreePorts) {
		t.Errorf("Expected ErrNoFreePorts, got %v", err)
	}

	if err := store.Release(ctx, "run-a"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	c, err := store.Lease(ctx, "run-c", candidates)
	if err != nil || c != candidates[0] {
		t.Errorf("Lease after release = %v, %v; want %v", c, err, candidates[0])
	}
}

func TestStore_Lease_Concurrent(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()

	candidates := make([]ports.Pair, 0, ports.Slots)
	for i := 0; i < ports.Slots; i++ {
		candidates = append(candidates, ports.Pair{Server: ports.ServerPortBase + i, Client: ports.ClientPortBase + i})
	}

	const runs = 10
	var wg sync.WaitGroup
	results := make([]ports.Pair, runs)
	errs := make([]error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.Lease(ctx, "run-"+string(rune('a'+i)), candidates)
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < runs; i++ {
		if errs[i] != nil {
			t.Fatalf("Lease %d failed: %v", i, errs[i])
		}
		if seen[results[i].Server] {
			t.Errorf("Server port %d leased twice", results[i].Server)
		}
		seen[results[i].Server] = true
	}
}
