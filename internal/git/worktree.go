// Package git handles git worktree operations for isolated runs
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/state"
)

// ErrWorktreeExists is returned by Create when the run already has a worktree.
// Callers are expected to Validate first and reuse.
var ErrWorktreeExists = errors.New("worktree already exists")

// Global mutex to serialize MergeToMain within one process.
// Concurrent checkouts of main in the base repo cause index lock conflicts.
var mergeMutex sync.Mutex

// WorktreeManager creates and manages git worktrees, one per run
type WorktreeManager struct {
	baseDir     string // Base repository directory
	worktreeDir string // Where worktrees are created (trees/)
	mainBranch  string
}

// WorktreeInfo describes a registered worktree under the manager's directory
type WorktreeInfo struct {
	RunID  string
	Path   string
	Branch string
}

// NewWorktreeManager creates a new worktree manager
func NewWorktreeManager(baseDir, worktreeDir string) *WorktreeManager {
	return &WorktreeManager{
		baseDir:     baseDir,
		worktreeDir: worktreeDir,
		mainBranch:  "main",
	}
}

// SetMainBranch sets the integration branch merges target
func (wm *WorktreeManager) SetMainBranch(branch string) {
	if branch != "" {
		wm.mainBranch = branch
	}
}

// MainBranch returns the branch runs are created from and merged into
func (wm *WorktreeManager) MainBranch() string {
	return wm.mainBranch
}

// BaseDir returns the main repository directory
func (wm *WorktreeManager) BaseDir() string {
	return wm.baseDir
}

// Path returns the worktree path for a run
func (wm *WorktreeManager) Path(runID string) string {
	return filepath.Join(wm.worktreeDir, runID)
}

// Validate reports whether the run's recorded worktree can be reused: the
// path is recorded, exists, is a git checkout, and git still knows about it.
func (wm *WorktreeManager) Validate(ctx context.Context, runID string, rec state.Record) (bool, error) {
	if rec.WorktreePath == "" {
		return false, fmt.Errorf("no worktree path recorded for run %s", runID)
	}
	if !samePath(rec.WorktreePath, wm.Path(runID)) {
		return false, fmt.Errorf("recorded worktree %s is not the path for run %s", rec.WorktreePath, runID)
	}
	if _, err := os.Stat(rec.WorktreePath); err != nil {
		return false, fmt.Errorf("worktree directory not found: %s", rec.WorktreePath)
	}
	if _, err := os.Stat(filepath.Join(rec.WorktreePath, ".git")); err != nil {
		return false, fmt.Errorf("%s is not a git worktree", rec.WorktreePath)
	}

	registered, err := wm.List(ctx)
	if err != nil {
		return false, err
	}
	for _, w := range registered {
		if samePath(w.Path, rec.WorktreePath) {
			return true, nil
		}
	}
	return false, fmt.Errorf("worktree %s is not registered with git", rec.WorktreePath)
}

// Create adds a worktree for runID checked out on branch. The branch is
// created from the main branch unless it already exists. Calling Create for
// a run that already has a worktree directory returns ErrWorktreeExists.
func (wm *WorktreeManager) Create(ctx context.Context, runID, branch string) (string, error) {
	worktreePath := wm.Path(runID)

	if _, err := os.Stat(worktreePath); err == nil {
		return "", fmt.Errorf("%w: %s", ErrWorktreeExists, worktreePath)
	}

	if err := os.MkdirAll(wm.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree directory: %w", err)
	}

	args := []string{"worktree", "add", "-b", branch, worktreePath, wm.mainBranch}
	if wm.branchExists(ctx, branch) {
		args = []string{"worktree", "add", worktreePath, branch}
	}
	if _, err := runGit(ctx, wm.baseDir, args...); err != nil {
		return "", fmt.Errorf("creating worktree: %w", err)
	}

	clog.FromContext(ctx).With("run_id", runID).Infof("Created worktree %s on branch %s", worktreePath, branch)
	return worktreePath, nil
}

func (wm *WorktreeManager) branchExists(ctx context.Context, branch string) bool {
	_, err := runGit(ctx, wm.baseDir, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

// Remove removes a run's worktree
func (wm *WorktreeManager) Remove(ctx context.Context, runID string) error {
	worktreePath := wm.Path(runID)

	_, err := runGit(ctx, wm.baseDir, "worktree", "remove", "--force", worktreePath)
	if err != nil {
		// If worktree doesn't exist, that's okay
		msg := err.Error()
		if strings.Contains(msg, "not a working tree") ||
			strings.Contains(msg, "Not a worktree") ||
			strings.Contains(msg, "No such file or directory") {
			return nil
		}
		return fmt.Errorf("removing worktree: %w", err)
	}
	return nil
}

// Commit stages and commits everything in dir.
// Returns (hasChanges, error) - hasChanges is true if a commit was made
func (wm *WorktreeManager) Commit(ctx context.Context, dir, message string) (bool, error) {
	log := clog.FromContext(ctx)

	output, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("checking status: %w", err)
	}

	trimmed := strings.TrimSpace(string(output))
	if trimmed == "" {
		log.Debugf("No changes detected in %s", dir)
		return false, nil
	}
	log.Debugf("Changes detected in %d files in %s", len(strings.Split(trimmed, "\n")), dir)

	if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("staging changes: %w", err)
	}

	if _, err := runGit(ctx, dir, "commit", "-m", message); err != nil {
		// The tree can become clean between the status check and the commit
		if strings.Contains(err.Error(), "nothing to commit") {
			return false, nil
		}
		return false, fmt.Errorf("committing: %w", err)
	}
	return true, nil
}

// HasRemote reports whether dir's repository has an "origin" remote
func (wm *WorktreeManager) HasRemote(ctx context.Context, dir string) bool {
	_, err := runGit(ctx, dir, "remote", "get-url", "origin")
	return err == nil
}

// OriginURL returns the fetch URL of the base repository's origin remote
func (wm *WorktreeManager) OriginURL(ctx context.Context) (string, error) {
	out, err := runGit(ctx, wm.baseDir, "remote", "get-url", "origin")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// Push pushes branch from dir to origin. Repositories without an origin
// remote are skipped.
func (wm *WorktreeManager) Push(ctx context.Context, dir, branch string) error {
	if !wm.HasRemote(ctx, dir) {
		clog.FromContext(ctx).Debugf("No origin remote in %s, skipping push of %s", dir, branch)
		return nil
	}
	if _, err := runGit(ctx, dir, "push", "-u", "origin", branch); err != nil {
		return fmt.Errorf("pushing %s: %w", branch, err)
	}
	return nil
}

// MergeToMain merges branch into the main branch of the base repository
// and pushes main when an origin remote exists. A conflicting merge is
// aborted so the base repository is left clean.
func (wm *WorktreeManager) MergeToMain(ctx context.Context, branch string) error {
	mergeMutex.Lock()
	defer mergeMutex.Unlock()

	// Nothing ahead of main means nothing to merge
	output, err := runGit(ctx, wm.baseDir, "rev-list", "--count", wm.mainBranch+".."+branch)
	if err != nil {
		return fmt.Errorf("comparing %s with %s: %w", branch, wm.mainBranch, err)
	}
	if n, _ := strconv.Atoi(strings.TrimSpace(string(output))); n == 0 {
		clog.FromContext(ctx).Infof("Branch %s has no commits ahead of %s", branch, wm.mainBranch)
		return nil
	}

	if _, err := runGit(ctx, wm.baseDir, "checkout", wm.mainBranch); err != nil {
		return fmt.Errorf("checking out %s: %w", wm.mainBranch, err)
	}

	if _, err := runGit(ctx, wm.baseDir, "merge", "--no-ff", branch, "-m", fmt.Sprintf("adw: Merge %s", branch)); err != nil {
		_, _ = runGit(ctx, wm.baseDir, "merge", "--abort")
		return fmt.Errorf("merging %s: %w", branch, err)
	}

	return wm.Push(ctx, wm.baseDir, wm.mainBranch)
}

// List returns the registered worktrees that live under the manager's directory
func (wm *WorktreeManager) List(ctx context.Context) ([]WorktreeInfo, error) {
	output, err := runGit(ctx, wm.baseDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var out []WorktreeInfo
	var cur *WorktreeInfo
	flush := func() {
		if cur != nil && isUnder(cur.Path, wm.worktreeDir) {
			cur.RunID = filepath.Base(cur.Path)
			out = append(out, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(string(output), "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && cur != nil:
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	flush()
	return out, nil
}

// ChangedFiles lists files that differ between dir's working tree and base
func (wm *WorktreeManager) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	output, err := runGit(ctx, dir, "diff", base, "--name-only")
	if err != nil {
		return nil, fmt.Errorf("diffing against %s: %w", base, err)
	}
	var files []string
	for _, line := range strings.Split(string(output), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// PruneOrphaned removes run directories that git no longer knows about
// and returns their run ids and the bytes freed
func (wm *WorktreeManager) PruneOrphaned(ctx context.Context) ([]string, int64, error) {
	registered, err := wm.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	known := make(map[string]bool, len(registered))
	for _, w := range registered {
		known[w.RunID] = true
	}

	entries, err := os.ReadDir(wm.worktreeDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("reading worktree directory: %w", err)
	}

	var pruned []string
	var freed int64
	for _, e := range entries {
		if !e.IsDir() || known[e.Name()] {
			continue
		}
		path := filepath.Join(wm.worktreeDir, e.Name())
		size := directorySize(path)
		if err := os.RemoveAll(path); err == nil {
			pruned = append(pruned, e.Name())
			freed += size
			clog.FromContext(ctx).Infof("Pruned orphaned worktree %s (freed %s)", e.Name(), FormatBytes(size))
		}
	}

	_, _ = runGit(ctx, wm.baseDir, "worktree", "prune")
	return pruned, freed, nil
}

func runGit(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s: %w\n%s", args[0], err, bytes.TrimSpace(output))
	}
	return output, nil
}

func samePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

func canonical(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	return filepath.Clean(p)
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(canonical(dir), canonical(path))
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

func directorySize(path string) int64 {
	var size int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				size += info.Size()
			}
		}
		return nil
	})
	return size
}

// FormatBytes converts bytes to a human-readable string
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	unitIndex := 0
	value := float64(bytes)

	for value >= 1024 && unitIndex < len(units)-1 {
		value /= 1024
		unitIndex++
	}

	return fmt.Sprintf("%.1f %s", value, units[unitIndex])
}
