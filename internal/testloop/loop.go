package testloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/executor"
	"github.com/cloud-shuttle/adw/internal/project"
	"github.com/cloud-shuttle/adw/internal/tracker"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Agent names and commands
const (
	agentStatic = "static_analyzer"
	agentUnit   = "test_runner"
	agentAPI    = "api_integration_tester"
	agentE2E    = "e2e_test_runner"
	agentOps    = "ops"

	cmdStatic     = "/test_static"
	cmdUnit       = "/test"
	cmdAPI        = "/test_api"
	cmdE2E        = "/test_e2e"
	cmdResolve    = "/resolve_failed_test"
	cmdResolveE2E = "/resolve_failed_e2e_test"
)

// ChangeLister reports files changed against a base ref
type ChangeLister interface {
	ChangedFiles(ctx context.Context, dir, base string) ([]string, error)
}

// Options selects which optional layers run
type Options struct {
	SkipStatic bool
	SkipAPI    bool
	SkipE2E    bool
}

// Target is the worktree under test
type Target struct {
	RunID      string
	Dir        string
	ServerPort int
}

// Loop runs the layers static, unit, api and e2e in order. A layer with
// failures stops the layers after it.
type Loop struct {
	Agent   executor.Runner
	Changes ChangeLister
	Project *project.Config

	// Reporter receives progress and per-layer results
	Reporter *tracker.Reporter
	Out      io.Writer

	HTTPClient   *http.Client
	PollInterval time.Duration
	StopGrace    time.Duration
}

func (l *Loop) out() io.Writer {
	if l.Out == nil {
		return os.Stdout
	}
	return l.Out
}

func (l *Loop) cfg() *project.Config {
	if l.Project == nil {
		return project.DefaultConfig()
	}
	return l.Project
}

func (l *Loop) settings() project.TestConfig {
	return l.cfg().Test
}

func (l *Loop) say(ctx context.Context, agent, msg string) {
	if l.Reporter == nil {
		fmt.Fprintln(l.out(), msg)
		return
	}
	l.Reporter.Say(ctx, agent, msg)
}

// Run executes every layer that is enabled and not gated by an earlier
// failure.
func (l *Loop) Run(ctx context.Context, t Target, opts Options) *Report {
	report := &Report{RunID: t.RunID}
	l.say(ctx, agentOps, "✅ Starting test suite")

	gate := ""
	add := func(lr LayerReport) {
		report.Layers = append(report.Layers, lr)
		if lr.Status == StatusFailed && gate == "" {
			gate = lr.Layer
		}
	}
	skip := func(layer, reason string) {
		add(LayerReport{Layer: layer, Status: StatusSkipped, Reason: reason})
	}
	gated := func(layer string) bool {
		if gate == "" {
			return false
		}
		reason := fmt.Sprintf("%s failures", layerTitle(gate))
		l.say(ctx, agentOps, fmt.Sprintf("⚠️ Skipping %s due to %s", layerTitle(layer), reason))
		skip(layer, reason)
		return true
	}

	if opts.SkipStatic {
		l.say(ctx, agentOps, "⚠️ Skipping static analysis as requested via --skip-static flag")
		skip(LayerStatic, "--skip-static")
	} else {
		add(l.layer(ctx, LayerStatic, 1, t, l.runStatic, ""))
	}

	if !gated(LayerUnit) {
		add(l.layer(ctx, LayerUnit, l.settings().UnitAttempts, t, l.runUnit, cmdResolve))
	}

	if !gated(LayerAPI) {
		if opts.SkipAPI {
			l.say(ctx, agentOps, "⚠️ Skipping API integration tests as requested via --skip-api flag")
			skip(LayerAPI, "--skip-api")
		} else if routes := l.changedRoutes(ctx, t.Dir); len(routes) == 0 {
			clog.FromContext(ctx).Infof("No route files changed, skipping API integration tests")
			skip(LayerAPI, "no route files changed")
		} else {
			clog.FromContext(ctx).Infof("Changed route files: %v", routes)
			add(l.layer(ctx, LayerAPI, l.settings().APIAttempts, t, l.runAPI, cmdResolve))
		}
	}

	if !gated(LayerE2E) {
		if opts.SkipE2E {
			l.say(ctx, agentOps, "⚠️ Skipping E2E tests as requested via --skip-e2e flag")
			skip(LayerE2E, "--skip-e2e")
		} else {
			add(l.layer(ctx, LayerE2E, l.settings().E2EAttempts, t, l.runE2E, cmdResolveE2E))
		}
	}

	return report
}

// attemptFunc runs one attempt of a layer
type attemptFunc func(ctx context.Context, t Target, attempt int) []Case

// layer runs attempt until it has no failures or budget attempts were made.
// Between attempts one resolver agent is started per failing case; when
// none of them succeeds the loop stops early. An empty resolve command
// disables resolution.
func (l *Loop) layer(ctx context.Context, name string, budget int, t Target, attempt attemptFunc, resolve string) LayerReport {
	ctx, span := telemetry.StartTestLayerSpan(ctx, name, attribute.String(telemetry.KeyRunID, t.RunID))
	defer span.End()
	log := clog.FromContext(ctx).With("layer", name).With("run_id", t.RunID)

	if budget < 1 {
		budget = 1
	}
	start := time.Now()
	lr := LayerReport{Layer: name}
	fmt.Fprintf(l.out(), "\n=== %s ===\n", strings.ToUpper(layerTitle(name)))

	for n := 1; n <= budget; n++ {
		lr.Attempts = n
		log.Infof("Attempt %d/%d", n, budget)
		lr.Cases = attempt(ctx, t, n)

		failing := lr.Failing()
		if len(failing) == 0 {
			break
		}
		if resolve == "" || n == budget {
			if resolve != "" {
				l.say(ctx, agentOps, fmt.Sprintf("⚠️ Reached maximum retry attempts (%d) with %d failures", budget, len(failing)))
			}
			break
		}

		l.say(ctx, agentOps, fmt.Sprintf("❌ Found %d failed %s. Attempting resolution...", len(failing), layerTitle(name)))
		resolved := l.resolve(ctx, name, resolve, t, n, failing)
		if resolved == 0 {
			log.Infof("No failures were resolved, stopping")
			break
		}
		l.say(ctx, agentOps, fmt.Sprintf("✅ Resolved %d/%d failed %s", resolved, len(failing), layerTitle(name)))
	}

	passed, failed := lr.Counts()
	lr.Status = StatusPassed
	if failed > 0 {
		lr.Status = StatusFailed
	}
	lr.Duration = time.Since(start)
	telemetry.RecordTestCounts(span, passed, failed, lr.Attempts)
	l.say(ctx, layerAgent(name), fmt.Sprintf("📊 %s results:\n%s", layerTitle(name), formatCases(lr)))
	return lr
}

// resolve starts one resolver per failing case and returns how many succeeded
func (l *Loop) resolve(ctx context.Context, layer, command string, t Target, iteration int, failing []Case) int {
	prefix := "test_resolver"
	switch layer {
	case LayerE2E:
		prefix = "e2e_test_resolver"
	case LayerAPI:
		prefix = "api_test_resolver"
	}

	resolved := 0
	for idx, c := range failing {
		agent := fmt.Sprintf("%s_iter%d_%d", prefix, iteration, idx)
		payload := c.Payload()
		l.say(ctx, agent, fmt.Sprintf("🔧 Attempting to resolve: %s\n```json\n%s\n```", c.Name, payload))

		res := l.execute(ctx, t, agent, command, payload)
		if res.Success {
			resolved++
			l.say(ctx, agent, "✅ Successfully resolved: "+c.Name)
		} else {
			l.say(ctx, agent, "❌ Failed to resolve: "+c.Name)
		}
	}
	return resolved
}

func (l *Loop) execute(ctx context.Context, t Target, agent, command string, args ...string) *executor.ExecutionResult {
	res := l.Agent.Execute(ctx, executor.Request{
		RunID:     t.RunID,
		AgentName: agent,
		Command:   command,
		Args:      args,
		Model:     l.cfg().ModelFor(command),
		Dir:       t.Dir,
	})
	if res == nil {
		return &executor.ExecutionResult{Error: errors.New("no result from agent")}
	}
	return res
}

// parseCases reads a JSON array of results. Unparseable output yields no
// cases.
func parseCases(ctx context.Context, layer, output string) []Case {
	cases, err := executor.Extract[[]Case](output)
	if err != nil {
		clog.FromContext(ctx).With("layer", layer).Errorf("Error parsing test results: %v", err)
		return nil
	}
	return cases
}

// executionFailure is the synthetic case for an agent that could not run
func executionFailure(name, command, purpose string, res *executor.ExecutionResult) []Case {
	msg := res.Output
	if msg == "" && res.Error != nil {
		msg = res.Error.Error()
	}
	return []Case{{Name: name, Command: command, Purpose: purpose, Error: truncate(msg, 500)}}
}

func (l *Loop) runStatic(ctx context.Context, t Target, _ int) []Case {
	l.say(ctx, agentStatic, "🔍 Running static analysis...")
	res := l.execute(ctx, t, agentStatic, cmdStatic)
	if !res.Success {
		return executionFailure("static_analysis_execution", cmdStatic, "Execute static analysis for semantic bugs", res)
	}
	return parseCases(ctx, LayerStatic, res.Output)
}

func (l *Loop) runUnit(ctx context.Context, t Target, attempt int) []Case {
	if attempt == 1 {
		l.say(ctx, agentUnit, "✅ Running application tests...")
	} else {
		l.say(ctx, agentUnit, fmt.Sprintf("🔄 Re-running tests (attempt %d/%d)...", attempt, l.settings().UnitAttempts))
	}
	res := l.execute(ctx, t, agentUnit, cmdUnit)
	if !res.Success {
		l.say(ctx, agentUnit, "❌ Error running tests: "+truncate(res.Output, 500))
		return executionFailure("test_execution", cmdUnit, "Execute the application test suite", res)
	}
	return parseCases(ctx, LayerUnit, res.Output)
}

// changedRoutes lists changed files that look like API route definitions
func (l *Loop) changedRoutes(ctx context.Context, dir string) []string {
	if l.Changes == nil {
		return nil
	}
	cfg := l.cfg()
	files, err := l.Changes.ChangedFiles(ctx, dir, cfg.Test.DiffBase)
	if err != nil {
		clog.FromContext(ctx).Warnf("Could not list changed files: %v", err)
		return nil
	}
	var routes []string
	for _, f := range files {
		if cfg.IsRouteFile(f) {
			routes = append(routes, f)
		}
	}
	return routes
}

func (l *Loop) runAPI(ctx context.Context, t Target, _ int) []Case {
	cfg := l.settings()
	baseURL := fmt.Sprintf("http://localhost:%d", t.ServerPort)
	l.say(ctx, agentAPI, "🔌 Running API integration tests...")

	argv := l.cfg().ServerArgv(t.ServerPort)
	srv, err := startBackend(ctx, argv, serverDir(t.Dir, cfg.ServerDir), t.ServerPort)
	if err != nil {
		return []Case{{
			Name:    "server_startup",
			Command: strings.Join(argv, " "),
			Purpose: "Start server for API testing",
			Error:   err.Error(),
		}}
	}
	defer srv.stop(ctx, l.stopGrace())

	client := l.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	interval := l.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	healthURL := baseURL + cfg.HealthPath
	if err := srv.waitHealthy(ctx, client, healthURL, interval, cfg.HealthTimeout); err != nil {
		return []Case{{
			Name:    "server_health_check",
			Command: "GET " + healthURL,
			Purpose: "Verify server is ready to accept requests",
			Error:   err.Error(),
		}}
	}

	res := l.execute(ctx, t, agentAPI, cmdAPI, baseURL)
	if !res.Success {
		return executionFailure("api_test_execution", cmdAPI, "Execute API integration test suite", res)
	}
	return parseCases(ctx, LayerAPI, res.Output)
}

func (l *Loop) stopGrace() time.Duration {
	if l.StopGrace > 0 {
		return l.StopGrace
	}
	return 5 * time.Second
}

// e2eSpecs returns the e2e spec files in the worktree, sorted
func (l *Loop) e2eSpecs(dir string) ([]string, error) {
	pattern := l.settings().E2EGlob
	if pattern == "" {
		return nil, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, filepath.FromSlash(pattern)))
	if err != nil {
		return nil, fmt.Errorf("invalid e2e glob %q: %w", pattern, err)
	}
	sort.Strings(matches)
	specs := make([]string, 0, len(matches))
	for _, m := range matches {
		rel, err := filepath.Rel(dir, m)
		if err != nil {
			rel = m
		}
		specs = append(specs, filepath.ToSlash(rel))
	}
	return specs, nil
}

// runE2E runs each spec with its own agent and stops at the first failure
func (l *Loop) runE2E(ctx context.Context, t Target, attempt int) []Case {
	specs, err := l.e2eSpecs(t.Dir)
	if err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
		return nil
	}
	if len(specs) == 0 {
		clog.FromContext(ctx).Warnf("No E2E test files found for %s", l.settings().E2EGlob)
		return nil
	}
	if attempt == 1 {
		l.say(ctx, agentE2E, fmt.Sprintf("✅ Starting E2E tests (%d specs)...", len(specs)))
	}

	var cases []Case
	for idx, spec := range specs {
		c := l.runE2ESpec(ctx, t, fmt.Sprintf("%s_%d_%d", agentE2E, attempt-1, idx), spec)
		cases = append(cases, c)
		if !c.Passed {
			clog.FromContext(ctx).Infof("E2E test failed: %s, stopping execution", c.Name)
			break
		}
	}
	return cases
}

func (l *Loop) runE2ESpec(ctx context.Context, t Target, agent, spec string) Case {
	name := strings.TrimSuffix(filepath.Base(spec), filepath.Ext(spec))
	l.say(ctx, agent, "✅ Running E2E test: "+name)

	c := Case{Name: name, Path: spec}
	res := l.execute(ctx, t, agent, cmdE2E, t.RunID, agent, spec)
	if !res.Success {
		c.Error = "Test execution error: " + truncate(res.Output, 500)
	} else if r, err := executor.Extract[e2eResult](res.Output); err != nil {
		c.Error = fmt.Sprintf("Result parsing error: %v", err)
	} else {
		if r.TestName != "" {
			c.Name = r.TestName
		}
		c.Passed = r.Status == StatusPassed
		c.Error = r.Error
		c.Screenshots = r.Screenshots
	}

	status := "✅"
	if !c.Passed {
		status = "❌"
	}
	l.say(ctx, agent, fmt.Sprintf("%s E2E test completed: %s\n```json\n%s\n```", status, name, c.Payload()))
	return c
}

func layerTitle(layer string) string {
	switch layer {
	case LayerStatic:
		return "static analysis"
	case LayerUnit:
		return "unit tests"
	case LayerAPI:
		return "API integration tests"
	case LayerE2E:
		return "E2E tests"
	}
	return layer
}

func layerAgent(layer string) string {
	switch layer {
	case LayerStatic:
		return agentStatic
	case LayerAPI:
		return agentAPI
	case LayerE2E:
		return agentE2E
	}
	return agentUnit
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
