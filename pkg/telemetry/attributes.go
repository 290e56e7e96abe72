// Package telemetry provides OpenTelemetry observability for adw
package telemetry

import "go.opentelemetry.io/otel/attribute"

// Semantic convention keys for adw-specific attributes
const (
	// Run attributes
	KeyRunID       = "adw.run.id"
	KeyIssueNumber = "adw.issue.number"

	// Pipeline attributes
	KeyPipeline   = "adw.pipeline.name"
	KeyStageName  = "adw.stage.name"
	KeyStageIndex = "adw.stage.index"
	KeyArtifact   = "adw.stage.artifact"

	// Dispatcher attributes
	KeyDispatcher = "adw.dispatcher"
	KeyItemKey    = "adw.dispatch.item"

	// Test loop attributes
	KeyTestLayer   = "adw.test.layer"
	KeyTestAttempt = "adw.test.attempt"

	// Worktree attributes
	KeyWorktreePath = "adw.worktree.path"
	KeyBranch       = "adw.worktree.branch"

	// Agent attributes
	KeyAgentName    = "adw.agent.name"
	KeyAgentCommand = "adw.agent.command"
	KeyAgentModel   = "adw.agent.model"

	// Error attributes
	KeyErrorCategory = "adw.error.category"
)

// Error categories
const (
	ErrorCategoryAgent   = "agent"
	ErrorCategoryGit     = "git"
	ErrorCategoryStage   = "stage"
	ErrorCategoryTracker = "tracker"
	ErrorCategoryTimeout = "timeout"
	ErrorCategoryTests   = "tests"
)

// RunAttrs returns the attributes identifying a run
func RunAttrs(runID, issue string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(KeyRunID, runID)}
	if issue != "" {
		attrs = append(attrs, attribute.String(KeyIssueNumber, issue))
	}
	return attrs
}

// AgentAttrs returns a set of attributes for an agent invocation
func AgentAttrs(name, command, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyAgentName, name),
		attribute.String(KeyAgentCommand, command),
		attribute.String(KeyAgentModel, model),
	}
}
