package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/db"
	"github.com/cloud-shuttle/adw/internal/executor"
	"github.com/cloud-shuttle/adw/internal/git"
	"github.com/cloud-shuttle/adw/internal/ports"
	"github.com/cloud-shuttle/adw/internal/project"
	"github.com/cloud-shuttle/adw/internal/retry"
	"github.com/cloud-shuttle/adw/internal/stages"
	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/cloud-shuttle/adw/internal/tracker"
	"github.com/cloud-shuttle/adw/internal/workflow"
)

// workspace is everything a command needs to work on the project
type workspace struct {
	project   *project.Config
	store     *state.Store
	index     *db.Store
	worktrees *git.WorktreeManager
	ports     *ports.Allocator
	tracker   tracker.Tracker
}

// openWorkspace wires the run store, the sqlite index and the worktree
// manager for cfg.ProjectDir. The tracker is nil when no repository is
// configured and the project has no GitHub origin remote.
func openWorkspace(ctx context.Context) (*workspace, error) {
	proj, err := project.Load(cfg.ProjectDir)
	if err != nil {
		return nil, err
	}

	index, err := db.Open(cfg.DatabaseFile())
	if err != nil {
		return nil, fmt.Errorf("opening run index: %w", err)
	}

	store := state.NewStore(cfg.AgentsPath())
	store.SetIndexer(index)

	worktrees := git.NewWorktreeManager(cfg.ProjectDir, cfg.TreesPath())
	worktrees.SetMainBranch(cfg.MainBranch)

	alloc := ports.NewAllocator()
	if cfg.PortLeases {
		alloc.SetLeaser(index)
	}

	ws := &workspace{
		project:   proj,
		store:     store,
		index:     index,
		worktrees: worktrees,
		ports:     alloc,
	}

	if repoURL := resolveRepoURL(ctx, worktrees); repoURL != "" {
		t, err := newTracker(ctx, repoURL)
		if err != nil {
			index.Close()
			return nil, err
		}
		ws.tracker = t
	} else {
		clog.FromContext(ctx).Debugf("GITHUB_REPO_URL not set and no origin remote, progress is printed locally")
	}
	return ws, nil
}

// resolveRepoURL prefers GITHUB_REPO_URL and falls back to the project's
// origin remote
func resolveRepoURL(ctx context.Context, worktrees *git.WorktreeManager) string {
	if cfg.RepoURL != "" {
		return cfg.RepoURL
	}
	origin, err := worktrees.OriginURL(ctx)
	if err != nil {
		return ""
	}
	if _, err := tracker.RepoPath(origin); err != nil {
		clog.FromContext(ctx).Debugf("Origin remote %s is not a GitHub repository", origin)
		return ""
	}
	return origin
}

func newTracker(ctx context.Context, repoURL string) (tracker.Tracker, error) {
	repo, err := tracker.RepoPath(repoURL)
	if err != nil {
		return nil, err
	}
	t, err := tracker.New(ctx, cfg.Tracker, repo, cfg.GitHubPAT)
	if err != nil {
		return nil, err
	}

	policy := retryPolicy()
	switch c := t.(type) {
	case *tracker.GHClient:
		c.SetTimeout(cfg.TrackerTimeout)
		c.SetPolicy(policy)
	case *tracker.APIClient:
		c.SetPolicy(policy)
	}
	return t, nil
}

func retryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.RetryAttempts
	return p
}

func (ws *workspace) Close() error {
	return ws.index.Close()
}

// requireTracker fails with setup guidance when no repository is configured
func (ws *workspace) requireTracker() (tracker.Tracker, error) {
	if ws.tracker == nil {
		return nil, fmt.Errorf("no issue tracker configured: set GITHUB_REPO_URL or an origin remote (and GITHUB_PAT or run 'gh auth login')")
	}
	return ws.tracker, nil
}

// stageEnv builds the environment stage commands run in
func (ws *workspace) stageEnv() (*stages.Env, error) {
	if err := executor.CheckClaudeInstalled(cfg.ClaudePath); err != nil {
		return nil, err
	}
	agent := executor.NewExecutor(cfg.ClaudePath, cfg.AgentTimeout, cfg.AgentsPath())
	agent.SetDefaultModel(cfg.DefaultModel)

	return &stages.Env{
		Store:     ws.store,
		Worktrees: ws.worktrees,
		Ports:     ws.ports,
		Agent:     agent,
		Project:   ws.project,
		Tracker:   ws.tracker,
		Out:       os.Stdout,
	}, nil
}

// orchestrator spawns stages through the running adw binary
func (ws *workspace) orchestrator() (*workflow.Orchestrator, error) {
	binary, err := selfBinary()
	if err != nil {
		return nil, err
	}
	return workflow.NewOrchestrator(ws.store, ws.worktrees, binary), nil
}

// pipelines returns the built-in pipelines merged with the project's overrides
func (ws *workspace) pipelines() (workflow.Pipelines, error) {
	override := ws.project.Pipelines
	if override == "" {
		override = filepath.Join(".adw", "pipelines.yaml")
	}
	if !filepath.IsAbs(override) {
		override = filepath.Join(cfg.ProjectDir, override)
	}
	return workflow.LoadPipelines(override)
}

func selfBinary() (string, error) {
	binary, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("locating adw executable: %w", err)
	}
	return binary, nil
}
