package trigger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloud-shuttle/adw/internal/retry"
	"github.com/cloud-shuttle/adw/internal/tracker"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type fakeTracker struct {
	mu     sync.Mutex
	issues []tracker.Issue
	err    error
	calls  int
}

func (f *fakeTracker) FetchIssue(_ context.Context, number int) (*tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.issues {
		if f.issues[i].Number == number {
			issue := f.issues[i]
			return &issue, nil
		}
	}
	return nil, fmt.Errorf("issue %d not found", number)
}

func (f *fakeTracker) ListOpenIssues(context.Context) ([]tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]tracker.Issue(nil), f.issues...), nil
}

func (f *fakeTracker) Comment(context.Context, int, string) error { return nil }
func (f *fakeTracker) CheckAuth(context.Context) error             { return nil }

func (f *fakeTracker) set(issues ...tracker.Issue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = issues
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func comment(id, body string, minute int) tracker.Comment {
	return tracker.Comment{ID: id, Author: tracker.Author{Login: "alice"}, Body: body, CreatedAt: base.Add(time.Duration(minute) * time.Minute)}
}

// recorderScript writes a stand-in adw binary that appends its argv to a file
func recorderScript(t *testing.T, exitCode int) (bin, record string) {
	t.Helper()
	dir := t.TempDir()
	record = filepath.Join(dir, "calls.txt")
	bin = filepath.Join(dir, "adw")
	script := fmt.Sprintf("#!/bin/bash\necho \"$*\" >> %q\necho running \"$*\"\nexit %d\n", record, exitCode)
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	return bin, record
}

func readCalls(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestQualifier(t *testing.T) {
	q := NewQualifier([]string{"adw_run", "ADW Run"})

	tests := []struct {
		name  string
		issue tracker.Issue
		want  string
		ok    bool
	}{
		{
			name:  "keyword in body",
			issue: tracker.Issue{Number: 1, Body: "Please ADW_RUN this"},
			want:  "body",
			ok:    true,
		},
		{
			name: "keyword in latest human comment",
			issue: tracker.Issue{Number: 2, Body: "nothing", Comments: []tracker.Comment{
				comment("c1", "first", 1),
				comment("c2", "adw run please", 2),
			}},
			want: "comment:c2",
			ok:   true,
		},
		{
			name: "older comment does not count",
			issue: tracker.Issue{Number: 3, Comments: []tracker.Comment{
				comment("c1", "adw_run", 1),
				comment("c2", "thanks", 2),
			}},
		},
		{
			name: "bot comment is ignored",
			issue: tracker.Issue{Number: 4, Comments: []tracker.Comment{
				comment("c1", "hello", 1),
				comment("c2", tracker.BotMarker+" abc_ops: starting adw_run", 2),
			}},
		},
		{
			name: "bot comment does not hide the human one",
			issue: tracker.Issue{Number: 5, Comments: []tracker.Comment{
				comment("c1", "adw_run", 1),
				comment("c2", tracker.BotMarker+" abc_ops: ack", 2),
			}},
			want: "comment:c1",
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := q.Occurrence(&tt.issue)
			if ok != tt.ok || got != tt.want {
				t.Errorf("Occurrence() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestQueue_RunsInAscendingOrder(t *testing.T) {
	ft := &fakeTracker{}
	ft.set(
		tracker.Issue{Number: 100, Body: "adw_run"},
		tracker.Issue{Number: 7, Body: "adw_run"},
		tracker.Issue{Number: 55, Body: "not for us"},
		tracker.Issue{Number: 42, Comments: []tracker.Comment{comment("c1", "adw run", 1)}},
	)

	var ran []int
	q := NewQueue(QueueConfig{
		Tracker: ft,
		Run: func(_ context.Context, issue int) error {
			ran = append(ran, issue)
			return nil
		},
		HaltOnFailure: true,
		Out:           &bytes.Buffer{},
	})

	require.NoError(t, q.Run(context.Background(), true))
	if diff := cmp.Diff([]int{7, 42, 100}, ran); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}

	// Completed issues are not run again
	done, err := q.Pass(context.Background())
	require.NoError(t, err)
	if len(done) != 0 {
		t.Errorf("second pass ran %v, want nothing", done)
	}
}

func TestQueue_HaltsOnFirstFailure(t *testing.T) {
	ft := &fakeTracker{}
	ft.set(
		tracker.Issue{Number: 42, Body: "adw_run"},
		tracker.Issue{Number: 7, Body: "adw_run"},
		tracker.Issue{Number: 100, Body: "adw_run"},
	)

	var ran []int
	q := NewQueue(QueueConfig{
		Tracker: ft,
		Run: func(_ context.Context, issue int) error {
			ran = append(ran, issue)
			if issue == 7 {
				return errors.New("exit status 1")
			}
			return nil
		},
		HaltOnFailure: true,
		Out:           &bytes.Buffer{},
	})

	err := q.Run(context.Background(), false)
	if err == nil || !strings.Contains(err.Error(), "issue #7") {
		t.Fatalf("Run() error = %v, want halt at issue #7", err)
	}
	if diff := cmp.Diff([]int{7}, ran); diff != "" {
		t.Errorf("run order mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_WithoutHaltRetriesNextPass(t *testing.T) {
	ft := &fakeTracker{}
	ft.set(tracker.Issue{Number: 3, Body: "adw_run"}, tracker.Issue{Number: 9, Body: "adw_run"})

	fail := true
	q := NewQueue(QueueConfig{
		Tracker: ft,
		Run: func(_ context.Context, issue int) error {
			if issue == 3 && fail {
				fail = false
				return errors.New("boom")
			}
			return nil
		},
		Out: &bytes.Buffer{},
	})

	done, err := q.Pass(context.Background())
	require.NoError(t, err)
	if len(done) != 0 {
		t.Errorf("first pass completed %v, want none", done)
	}
	done, err = q.Pass(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff([]int{3, 9}, done); diff != "" {
		t.Errorf("second pass mismatch (-want +got):\n%s", diff)
	}
}

func TestQueue_ListFailureSurfacesOnce(t *testing.T) {
	listErr := errors.New("listing open issues: bad credentials")
	ft := &fakeTracker{err: listErr}
	q := NewQueue(QueueConfig{
		Tracker: ft,
		Run:     func(context.Context, int) error { return nil },
		Out:     &bytes.Buffer{},
	})

	_, err := q.Pass(context.Background())
	if !errors.Is(err, listErr) {
		t.Fatalf("Pass() error = %v, want %v", err, listErr)
	}
	if ft.calls != 1 {
		t.Errorf("ListOpenIssues called %d times, want 1", ft.calls)
	}
}

func TestRegistry_Reap(t *testing.T) {
	logs := t.TempDir()
	r := NewRegistry()

	_, err := r.Spawn("ok", Command{Binary: "/bin/sh", Args: []string{"-c", "echo out; echo err >&2"}, StdoutLog: filepath.Join(logs, "ok.log")})
	require.NoError(t, err)
	_, err = r.Spawn("bad", Command{
		Binary:    "/bin/sh",
		Args:      []string{"-c", "exit 3"},
		StdoutLog: filepath.Join(logs, "bad.out"),
		StderrLog: filepath.Join(logs, "bad.err"),
	})
	require.NoError(t, err)

	if diff := cmp.Diff([]string{"bad", "ok"}, r.Active()); diff != "" {
		t.Errorf("Active() mismatch (-want +got):\n%s", diff)
	}
	require.True(t, r.Wait(10*time.Second), "children did not finish")

	codes := map[string]int{}
	for _, e := range r.Reap() {
		codes[e.Key] = e.ExitCode
	}
	if diff := cmp.Diff(map[string]int{"ok": 0, "bad": 3}, codes); diff != "" {
		t.Errorf("exit codes mismatch (-want +got):\n%s", diff)
	}
	if len(r.Active()) != 0 {
		t.Errorf("Active() after reap = %v, want empty", r.Active())
	}

	merged, err := os.ReadFile(filepath.Join(logs, "ok.log"))
	require.NoError(t, err)
	if string(merged) != "out\nerr\n" {
		t.Errorf("merged log = %q", merged)
	}
}

func TestRegistry_RejectsRunningKey(t *testing.T) {
	r := NewRegistry()
	_, err := r.Spawn("slow", Command{Binary: "/bin/sh", Args: []string{"-c", "sleep 1"}})
	require.NoError(t, err)
	if _, err := r.Spawn("slow", Command{Binary: "/bin/sh", Args: []string{"-c", "true"}}); err == nil {
		t.Error("Spawn() of a running key succeeded")
	}
	r.Wait(10 * time.Second)
}

func TestCron_DispatchesEachTriggerOnce(t *testing.T) {
	bin, record := recorderScript(t, 0)
	agents := t.TempDir()
	ft := &fakeTracker{}
	ft.set(
		tracker.Issue{Number: 12, Body: "adw_run"},
		tracker.Issue{Number: 13, Body: "just a bug"},
	)

	c := NewCron(CronConfig{
		Tracker:   ft,
		Binary:    bin,
		Dir:       t.TempDir(),
		AgentsDir: agents,
		Out:       &bytes.Buffer{},
	})
	ctx := context.Background()

	got, err := c.Cycle(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{12}, got); diff != "" {
		t.Errorf("first cycle mismatch (-want +got):\n%s", diff)
	}
	require.True(t, c.Registry().Wait(10*time.Second))

	// Same trigger: nothing new
	got, err = c.Cycle(ctx)
	require.NoError(t, err)
	if len(got) != 0 {
		t.Errorf("second cycle dispatched %v, want nothing", got)
	}

	// 12 still matches on its body, so a new comment does not change its
	// fingerprint; 13 gets its first trigger
	ft.set(
		tracker.Issue{Number: 12, Body: "adw_run", Comments: []tracker.Comment{comment("c9", "adw_run again", 5)}},
		tracker.Issue{Number: 13, Body: "just a bug", Comments: []tracker.Comment{comment("c1", "adw run", 1)}},
	)
	got, err = c.Cycle(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{13}, got); diff != "" {
		t.Errorf("third cycle mismatch (-want +got):\n%s", diff)
	}
	require.True(t, c.Registry().Wait(10*time.Second))

	if diff := cmp.Diff([]string{"sdlc 12", "sdlc 13"}, readCalls(t, record)); diff != "" {
		t.Errorf("spawned commands mismatch (-want +got):\n%s", diff)
	}
	out, err := os.ReadFile(filepath.Join(agents, "cron_issue_12", "stdout.log"))
	require.NoError(t, err)
	if !strings.Contains(string(out), "running sdlc 12") {
		t.Errorf("stdout log = %q", out)
	}
}

func TestCron_NewCommentRedispatches(t *testing.T) {
	bin, record := recorderScript(t, 0)
	ft := &fakeTracker{}
	ft.set(tracker.Issue{Number: 5, Comments: []tracker.Comment{comment("c1", "adw_run", 1)}})

	c := NewCron(CronConfig{Tracker: ft, Binary: bin, AgentsDir: t.TempDir(), Out: &bytes.Buffer{}})
	ctx := context.Background()

	_, err := c.Cycle(ctx)
	require.NoError(t, err)
	require.True(t, c.Registry().Wait(10*time.Second))

	ft.set(tracker.Issue{Number: 5, Comments: []tracker.Comment{
		comment("c1", "adw_run", 1),
		comment("c2", "adw_run after the fix", 2),
	}})
	got, err := c.Cycle(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{5}, got); diff != "" {
		t.Errorf("redispatch mismatch (-want +got):\n%s", diff)
	}
	require.True(t, c.Registry().Wait(10*time.Second))
	if n := len(readCalls(t, record)); n != 2 {
		t.Errorf("spawned %d runs, want 2", n)
	}
}

func TestCron_ReapCountsOutcomes(t *testing.T) {
	bin, _ := recorderScript(t, 4)
	ft := &fakeTracker{}
	ft.set(tracker.Issue{Number: 77, Body: "adw_run"})

	before := testutil.ToFloat64(dispatchCounter.WithLabelValues("cron", OutcomeFailed))
	c := NewCron(CronConfig{Tracker: ft, Binary: bin, AgentsDir: t.TempDir(), Out: &bytes.Buffer{}})
	ctx := context.Background()

	_, err := c.Cycle(ctx)
	require.NoError(t, err)
	require.True(t, c.Registry().Wait(10*time.Second))
	_, err = c.Cycle(ctx)
	require.NoError(t, err)

	if got := testutil.ToFloat64(dispatchCounter.WithLabelValues("cron", OutcomeFailed)) - before; got != 1 {
		t.Errorf("failed dispatches = %v, want 1", got)
	}
	if got := testutil.ToFloat64(activeGauge.WithLabelValues("cron")); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
}

// flakyGH writes a gh stand-in that counts its invocations and always fails
// with a refused connection
func flakyGH(t *testing.T) (bin, counter string) {
	t.Helper()
	dir := t.TempDir()
	counter = filepath.Join(dir, "count.txt")
	bin = filepath.Join(dir, "gh")
	script := fmt.Sprintf("#!/bin/bash\necho call >> %q\necho 'dial tcp 127.0.0.1:443: connect: connection refused' >&2\nexit 1\n", counter)
	require.NoError(t, os.WriteFile(bin, []byte(script), 0755))
	return bin, counter
}

func TestCron_TransientListFailureRetriedByClientOnly(t *testing.T) {
	gh, counter := flakyGH(t)
	var waits []time.Duration
	client := tracker.NewGHClient("acme/app", "")
	client.SetBinary(gh)
	client.SetPolicy(retry.Policy{
		MaxAttempts: 3,
		Base:        time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})

	bin, record := recorderScript(t, 0)
	c := NewCron(CronConfig{Tracker: client, Binary: bin, AgentsDir: t.TempDir(), Out: &bytes.Buffer{}})

	_, err := c.Cycle(context.Background())
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("Cycle() error = %v, want *retry.ExhaustedError", err)
	}
	if n := len(readCalls(t, counter)); n != 3 {
		t.Errorf("gh invoked %d times, want 3", n)
	}
	if diff := cmp.Diff([]time.Duration{2 * time.Second, 4 * time.Second}, waits); diff != "" {
		t.Errorf("backoff mismatch (-want +got):\n%s", diff)
	}
	if calls := readCalls(t, record); len(calls) != 0 {
		t.Errorf("dispatched %v after a failed listing", calls)
	}
}
