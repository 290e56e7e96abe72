// Package executor handles agent CLI subprocess execution
package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
)

// OutputFileName is the name of the raw transcript saved for every agent call
const OutputFileName = "raw_output.txt"

// Request is one agent invocation: a slash command with arguments, run in Dir
type Request struct {
	RunID     string
	AgentName string
	Command   string
	Args      []string
	Model     string
	Dir       string
}

// Prompt is the text handed to the agent
func (r Request) Prompt() string {
	parts := append([]string{r.Command}, r.Args...)
	return strings.TrimSpace(strings.Join(parts, " "))
}

// ExecutionResult contains the result of an agent execution
type ExecutionResult struct {
	Success    bool
	Output     string
	OutputFile string
	Error      error
	Duration   time.Duration
}

// Runner runs agent requests. Stages and the test loop depend on this so
// tests can substitute canned answers.
type Runner interface {
	Execute(ctx context.Context, req Request) *ExecutionResult
}

// Executor runs requests through the claude CLI
type Executor struct {
	claudePath   string
	timeout      time.Duration
	agentsDir    string
	defaultModel string
}

// NewExecutor creates a new executor. Agent transcripts are written under
// agentsDir/<run_id>/<agent_name>/.
func NewExecutor(claudePath string, timeout time.Duration, agentsDir string) *Executor {
	return &Executor{
		claudePath:   claudePath,
		timeout:      timeout,
		agentsDir:    agentsDir,
		defaultModel: "sonnet",
	}
}

// SetDefaultModel sets the model used when a request names none
func (e *Executor) SetDefaultModel(model string) {
	if model != "" {
		e.defaultModel = model
	}
}

// OutputPath returns where the transcript for req is saved
func (e *Executor) OutputPath(req Request) string {
	return filepath.Join(e.agentsDir, req.RunID, req.AgentName, OutputFileName)
}

// Execute runs req with the executor's timeout and returns the execution result
func (e *Executor) Execute(ctx context.Context, req Request) *ExecutionResult {
	model := req.Model
	if model == "" {
		model = e.defaultModel
	}

	ctx, span := telemetry.StartAgentSpan(ctx, req.AgentName, req.Command, model,
		telemetry.RunAttrs(req.RunID, "")...)
	defer span.End()

	log := clog.FromContext(ctx).With("run_id", req.RunID).With("agent", req.AgentName)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	outputPath := e.OutputPath(req)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return &ExecutionResult{Error: fmt.Errorf("creating agent output directory: %w", err)}
	}
	outFile, err := os.Create(outputPath)
	if err != nil {
		return &ExecutionResult{Error: fmt.Errorf("creating agent output file: %w", err)}
	}
	defer outFile.Close()

	prompt := req.Prompt()
	log.Debugf("Sending prompt to agent (length: %d chars): %s", len(prompt), truncateString(prompt, 200))

	// -p runs non-interactively; skipping permissions avoids hanging on prompts
	cmd := exec.CommandContext(ctx, e.claudePath, "-p", prompt, "--model", model, "--dangerously-skip-permissions")
	cmd.Dir = req.Dir
	cmd.WaitDelay = time.Second

	// Stage stdout carries the SUCCESS contract, so agent chatter only goes to the transcript
	var outputBuf, errBuf strings.Builder
	cmd.Stdout = io.MultiWriter(outFile, &outputBuf)
	cmd.Stderr = io.MultiWriter(outFile, &errBuf)

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	// Output is the agent's answer; stderr stays in the transcript
	result := &ExecutionResult{
		Output:     outputBuf.String(),
		OutputFile: outputPath,
		Duration:   duration,
	}

	if err != nil {
		exitCode := -1
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
		}
		log.Warnf("Agent %s exited with code %d after %v", req.Command, exitCode, duration)

		if ctx.Err() == context.DeadlineExceeded {
			result.Error = fmt.Errorf("agent %s timed out after %v: %w", req.AgentName, duration, context.DeadlineExceeded)
			telemetry.RecordError(span, result.Error, telemetry.ErrorCategoryTimeout)
			return result
		}
		result.Error = fmt.Errorf("agent %s failed after %v: %w\n%s", req.AgentName, duration, err, truncateString(strings.TrimSpace(outputBuf.String()+errBuf.String()), 2000))
		telemetry.RecordError(span, result.Error, telemetry.ErrorCategoryAgent)
		return result
	}

	log.Debugf("Agent %s completed in %v", req.Command, duration)
	result.Success = true
	return result
}

// truncateString truncates a string to a maximum length for logging
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// CheckClaudeInstalled verifies the claude CLI is available
func CheckClaudeInstalled(path string) error {
	cmd := exec.Command(path, "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("claude not found at %s: %w\n%s", path, err, output)
	}
	return nil
}
