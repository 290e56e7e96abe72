package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/cloud-shuttle/adw/internal/workflow"
	"github.com/spf13/cobra"
)

var (
	summaryTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	summaryLabel = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")).Width(16)
	summaryValue = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	summaryFail  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	summaryBox   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

// renderSummary draws the run summary box printed after every pipeline
func renderSummary(s *workflow.Summary, runErr error) string {
	title := "✅ Pipeline complete"
	if runErr != nil {
		title = "❌ Pipeline failed"
	}

	lines := []string{summaryTitle.Render(title), ""}
	for _, f := range s.Fields() {
		lines = append(lines, summaryLabel.Render(f.Name+":")+" "+summaryValue.Render(f.Value))
	}
	if runErr != nil {
		lines = append(lines, "", summaryFail.Render(runErr.Error()))
	}
	return summaryBox.Render(strings.Join(lines, "\n"))
}

func pipelineCmd() *cobra.Command {
	var (
		name       string
		example    string
		skipIssues bool
		restart    bool
	)

	cmd := &cobra.Command{
		Use:   "pipeline <transcript> [run-id]",
		Short: "Run the requirements pipeline on a transcript",
		Long: `Run a pipeline on an input file. The default "requirements" pipeline turns a
meeting transcript into a PRD, the PRD into implementation prompts, and the
prompts into tracked issues, then merges the run branch into main.

Stages already completed for the run are resumed unless --restart is given.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if _, err := os.Stat(input); err != nil {
				return fmt.Errorf("input not found: %w", err)
			}

			req := workflow.RunRequest{
				Input:   input,
				Restart: restart,
				Vars:    map[string]string{},
				Skip:    map[string]bool{"skip-issues": skipIssues},
			}
			if len(args) > 1 {
				req.RunID = args[1]
			}
			if example != "" {
				abs, err := filepath.Abs(example)
				if err != nil {
					return err
				}
				req.Vars["example"] = abs
			}
			return runPipeline(cmd, name, req)
		},
	}

	cmd.Flags().StringVar(&name, "pipeline", "requirements", "Pipeline to run")
	cmd.Flags().StringVar(&example, "example", "", "Example prompts document to imitate")
	cmd.Flags().BoolVar(&skipIssues, "skip-issues", false, "Stop before creating tracked issues")
	cmd.Flags().BoolVar(&restart, "restart", false, "Run every stage even if its artifact exists")

	return cmd
}

func sdlcCmd() *cobra.Command {
	var (
		restart   bool
		skipTests bool
	)

	cmd := &cobra.Command{
		Use:   "sdlc <issue> [run-id]",
		Short: "Plan, build and test one tracked issue",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := strconv.Atoi(args[0]); err != nil {
				return fmt.Errorf("issue must be a number, got %q", args[0])
			}
			req := workflow.RunRequest{
				Input:       args[0],
				IssueNumber: args[0],
				Restart:     restart,
				Skip:        map[string]bool{"skip-tests": skipTests},
			}
			if len(args) > 1 {
				req.RunID = args[1]
			}
			return runPipeline(cmd, "sdlc", req)
		},
	}

	cmd.Flags().BoolVar(&restart, "restart", false, "Run every stage even if its artifact exists")
	cmd.Flags().BoolVar(&skipTests, "skip-tests", false, "Skip the test stage")

	return cmd
}

func runPipeline(cmd *cobra.Command, name string, req workflow.RunRequest) error {
	ctx := cmd.Context()
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	pipelines, err := ws.pipelines()
	if err != nil {
		return err
	}
	p, err := pipelines.Get(name)
	if err != nil {
		return err
	}
	orch, err := ws.orchestrator()
	if err != nil {
		return err
	}

	summary, runErr := orch.Run(ctx, p, req)
	if summary == nil {
		return runErr
	}
	fmt.Println()
	fmt.Println(renderSummary(summary, runErr))
	return runErr
}
