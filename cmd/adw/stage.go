package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/cloud-shuttle/adw/internal/stages"
	"github.com/cloud-shuttle/adw/internal/testloop"
	"github.com/spf13/cobra"
)

// stageFunc runs one stage in an opened workspace
type stageFunc func(ctx context.Context, env *stages.Env, args []string) (stages.Result, error)

// runStage opens the workspace, runs fn and prints the stage contract line
func runStage(cmd *cobra.Command, args []string, fn stageFunc) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	env, err := ws.stageEnv()
	if err != nil {
		return err
	}
	res, err := fn(ctx, env, args)
	if err != nil {
		return err
	}
	stages.PrintSuccess(os.Stdout, res)
	return nil
}

func stageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Run a single pipeline stage",
		Long: `Run a single pipeline stage for a run. Pipelines start these as child
processes; each one prints "SUCCESS: <label> at <path>" when it finishes.`,
	}

	cmd.AddCommand(
		stageTranscriptCmd(),
		stagePromptsCmd(),
		stageIssuesCmd(),
		stagePlanCmd(),
		stageBuildCmd(),
	)

	return cmd
}

func stageTranscriptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transcript-to-prd <transcript> <run-id>",
		Short: "Generate a PRD from a meeting transcript",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, args, func(ctx context.Context, env *stages.Env, args []string) (stages.Result, error) {
				return env.TranscriptToPRD(ctx, args[0], args[1])
			})
		},
	}
}

func stagePromptsCmd() *cobra.Command {
	var example string

	cmd := &cobra.Command{
		Use:   "prd-to-prompts <prd> <run-id>",
		Short: "Break a PRD into implementation prompts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, args, func(ctx context.Context, env *stages.Env, args []string) (stages.Result, error) {
				return env.PRDToPrompts(ctx, args[0], args[1], example)
			})
		},
	}
	cmd.Flags().StringVar(&example, "example", "", "Example prompts document to imitate")

	return cmd
}

func stageIssuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompts-to-issues <prompts> <run-id>",
		Short: "File one tracked issue per prompt",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, args, func(ctx context.Context, env *stages.Env, args []string) (stages.Result, error) {
				return env.PromptsToIssues(ctx, args[0], args[1])
			})
		},
	}
}

func stagePlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <issue> <run-id>",
		Short: "Write an implementation plan for a tracked issue",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			issue, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("issue must be a number, got %q", args[0])
			}
			return runStage(cmd, args, func(ctx context.Context, env *stages.Env, args []string) (stages.Result, error) {
				return env.Plan(ctx, issue, args[1])
			})
		},
	}
}

func stageBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build <plan> <run-id>",
		Short: "Implement a plan in the run's worktree",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, args, func(ctx context.Context, env *stages.Env, args []string) (stages.Result, error) {
				return env.Build(ctx, args[0], args[1])
			})
		},
	}
}

func testCmd() *cobra.Command {
	var opts testloop.Options

	cmd := &cobra.Command{
		Use:   "test [issue] [run-id]",
		Short: "Run the layered test suite and resolve failures",
		Long: `Run static analysis, unit tests, API integration tests and E2E tests in the
run's worktree. Failing tests are handed to a resolver agent and re-run up to
the attempt budget configured in .adw.toml. A layer with remaining failures
skips the layers after it.

The audit is written to agents/<run-id>/test_audit.md.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var issue, runID string
			if len(args) > 0 {
				issue = args[0]
			}
			if len(args) > 1 {
				runID = args[1]
			}

			var report *testloop.Report
			err := runStage(cmd, args, func(ctx context.Context, env *stages.Env, _ []string) (stages.Result, error) {
				res, rep, err := env.Test(ctx, issue, runID, opts)
				report = rep
				return res, err
			})
			if report != nil {
				fmt.Println()
				fmt.Print(report.SummaryTable())
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.SkipStatic, "skip-static", false, "Skip static analysis")
	cmd.Flags().BoolVar(&opts.SkipAPI, "skip-api", false, "Skip API integration tests")
	cmd.Flags().BoolVar(&opts.SkipE2E, "skip-e2e", false, "Skip E2E tests")

	return cmd
}
