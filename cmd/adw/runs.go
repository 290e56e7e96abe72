package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/cloud-shuttle/adw/internal/git"
	"github.com/cloud-shuttle/adw/internal/ports"
	"github.com/cloud-shuttle/adw/internal/project"
	"github.com/cloud-shuttle/adw/internal/state"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize adw in the current project",
		Long: `Initialize adw in the current project.

Writes a default .adw.toml (test-loop settings, agent models) and creates the
run index database. Existing files are left alone.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(cfg.ProjectDir, project.FileName)
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("ℹ️  %s already exists\n", path)
			} else {
				proj := project.DefaultConfig()
				proj.SetPath(path)
				if err := proj.Save(); err != nil {
					return err
				}
				fmt.Printf("✅ Wrote %s\n", path)
			}

			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()

			for _, dir := range []string{cfg.AgentsPath(), cfg.TreesPath()} {
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("creating %s: %w", dir, err)
				}
			}

			fmt.Printf("🚀 Initialized adw in %s\n", cfg.ProjectDir)
			fmt.Println("\nAdd to .gitignore:")
			fmt.Printf("  %s/\n  %s/\n  .adw/\n", cfg.AgentsDir, cfg.TreesDir)
			fmt.Println("\nNext steps:")
			fmt.Println("  adw pipeline transcripts/kickoff.md")
			fmt.Println("  adw sdlc 42")
			fmt.Println("  adw trigger all --metrics-addr :9464")
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect run records",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Print a run record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := state.NewStore(cfg.AgentsPath()).Load(args[0])
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(st.Record, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})

	return cmd
}

func runsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()

			runs, err := ws.index.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found")
				return nil
			}

			fmt.Println("\n📋 Runs")
			fmt.Println("═══════")
			for _, r := range runs {
				issue := "-"
				if r.IssueNumber != "" {
					issue = "#" + r.IssueNumber
				}
				updated := time.Unix(r.UpdatedAt, 0).Format("2006-01-02 15:04")
				fmt.Printf("\n%s  %s  (%s)\n", r.RunID, issue, updated)
				fmt.Printf("  Stage:     %s\n", r.LastStage)
				if r.BranchName != "" {
					fmt.Printf("  Branch:    %s\n", r.BranchName)
				}
				if r.ServerPort != 0 {
					fmt.Printf("  Ports:     %d/%d\n", r.ServerPort, r.ClientPort)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show")

	return cmd
}

func worktreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Manage the per-run git worktrees",
	}

	cmd.AddCommand(
		worktreeListCmd(),
		worktreePortsCmd(),
		worktreeRemoveCmd(),
		worktreePruneCmd(),
	)

	return cmd
}

func worktreeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List run worktrees with their branch and ports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()

			trees, err := ws.worktrees.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(trees) == 0 {
				fmt.Println("No worktrees found")
				return nil
			}
			sort.Slice(trees, func(i, j int) bool { return trees[i].RunID < trees[j].RunID })

			fmt.Println("\n🌳 Worktrees")
			fmt.Println("════════════")
			for _, w := range trees {
				fmt.Printf("\n%s\n", w.RunID)
				fmt.Printf("  Path:      %s\n", w.Path)
				fmt.Printf("  Branch:    %s\n", w.Branch)
				if p, err := ports.ReadEnvironment(w.Path); err == nil {
					fmt.Printf("  Ports:     %s\n", p)
				}
				if st, err := ws.store.Load(w.RunID); err == nil && st.LastStage != "" {
					fmt.Printf("  Stage:     %s\n", st.LastStage)
				}
			}
			return nil
		},
	}
}

func worktreePortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports <run-id>",
		Short: "Show the port pair of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()

			runID := args[0]
			fmt.Printf("Preferred: %s\n", ports.Deterministic(runID))
			if st, err := ws.store.Load(runID); err == nil {
				if server, client := st.Ports(); server != 0 {
					fmt.Printf("Recorded:  %s\n", ports.Pair{Server: server, Client: client})
				}
			} else if !errors.Is(err, state.ErrNotFound) {
				return err
			}
			if p, ok, err := ws.index.LeaseFor(cmd.Context(), runID); err != nil {
				return err
			} else if ok {
				fmt.Printf("Leased:    %s\n", p)
			}
			return nil
		},
	}
}

func worktreeRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <run-id>",
		Short: "Remove a run's worktree and release its ports",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()

			runID := args[0]
			if err := ws.worktrees.Remove(cmd.Context(), runID); err != nil {
				return err
			}
			if err := ws.index.Release(cmd.Context(), runID); err != nil {
				return err
			}
			fmt.Printf("✅ Removed worktree for %s (branch kept)\n", runID)
			return nil
		},
	}
}

func worktreePruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete run directories git no longer tracks",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()

			pruned, freed, err := ws.worktrees.PruneOrphaned(cmd.Context())
			if err != nil {
				return err
			}
			if len(pruned) == 0 {
				fmt.Println("No orphaned worktrees found")
				return nil
			}
			for _, id := range pruned {
				fmt.Printf("  🗑️  %s\n", id)
			}
			fmt.Printf("✅ Pruned %d worktrees, freed %s\n", len(pruned), git.FormatBytes(freed))
			return nil
		},
	}
}
