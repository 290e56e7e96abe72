package trigger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/tracker"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// CronConfig configures the concurrent issue dispatcher
type CronConfig struct {
	Tracker   tracker.Tracker
	Qualifier *Qualifier
	// Dedup defaults to a MemoryDedup
	Dedup    DedupStore
	Registry *Registry

	// Binary is started as "<Binary> sdlc <issue>" in Dir
	Binary    string
	Dir       string
	AgentsDir string

	Interval time.Duration
	Out      io.Writer
}

// Cron polls open issues and starts one background sdlc run per new trigger
type Cron struct {
	cfg     CronConfig
	metrics dispatcherMetrics
}

// NewCron fills in defaults for unset fields
func NewCron(cfg CronConfig) *Cron {
	if cfg.Qualifier == nil {
		cfg.Qualifier = NewQualifier(nil)
	}
	if cfg.Dedup == nil {
		cfg.Dedup = NewMemoryDedup()
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 20 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Cron{cfg: cfg, metrics: newDispatcherMetrics("cron")}
}

// Registry returns the handles of the runs this dispatcher started
func (c *Cron) Registry() *Registry {
	return c.cfg.Registry
}

// Run polls until ctx is cancelled. Runs already started keep going.
func (c *Cron) Run(ctx context.Context) error {
	fmt.Fprintf(c.cfg.Out, "🔄 Polling open issues every %s\n", c.cfg.Interval)
	for {
		if _, err := c.Cycle(ctx); err != nil && ctx.Err() == nil {
			clog.FromContext(ctx).Errorf("Poll cycle failed: %v", err)
		}
		if !sleep(ctx, c.cfg.Interval) {
			break
		}
	}
	fmt.Fprintf(c.cfg.Out, "🛑 Stopping; %d run(s) still active\n", len(c.cfg.Registry.Active()))
	return nil
}

// Cycle runs one poll: reap finished runs, then dispatch every issue whose
// trigger has not been acted on. It returns the dispatched issue numbers.
func (c *Cron) Cycle(ctx context.Context) ([]int, error) {
	ctx, span := telemetry.StartDispatchSpan(ctx, telemetry.SpanDispatchPoll, c.metrics.name)
	defer span.End()
	defer c.metrics.polls.Inc()
	log := clog.FromContext(ctx).With(telemetry.KeyDispatcher, c.metrics.name)

	c.reap(ctx)

	// The tracker client retries transient failures itself
	issues, err := c.cfg.Tracker.ListOpenIssues(ctx)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryTracker)
		return nil, err
	}
	log.Debugf("Fetched %d open issues", len(issues))

	var dispatched []int
	for i := range issues {
		issue := &issues[i]
		fp, ok := c.cfg.Qualifier.Occurrence(issue)
		if !ok {
			continue
		}
		key := issueKey(issue.Number)
		last, seen, err := c.cfg.Dedup.Last(ctx, key)
		if err != nil {
			return dispatched, err
		}
		if seen && last == fp {
			continue
		}

		if err := c.dispatch(ctx, issue.Number); err != nil {
			log.Errorf("Failed to dispatch issue #%d: %v", issue.Number, err)
			c.metrics.dispatched(OutcomeError)
			continue
		}
		if err := c.cfg.Dedup.Remember(ctx, key, fp); err != nil {
			log.Warnf("Failed to remember trigger for issue #%d: %v", issue.Number, err)
		}
		dispatched = append(dispatched, issue.Number)
	}
	c.metrics.active.Set(float64(len(c.cfg.Registry.Active())))
	return dispatched, nil
}

func (c *Cron) dispatch(ctx context.Context, number int) error {
	_, span := telemetry.StartDispatchSpan(ctx, telemetry.SpanDispatchSpawn, c.metrics.name,
		attribute.Int(telemetry.KeyIssueNumber, number))
	defer span.End()

	logDir := filepath.Join(c.cfg.AgentsDir, fmt.Sprintf("cron_issue_%d", number))
	pid, err := c.cfg.Registry.Spawn(issueKey(number), Command{
		Binary:    c.cfg.Binary,
		Args:      []string{"sdlc", strconv.Itoa(number)},
		Dir:       c.cfg.Dir,
		StdoutLog: filepath.Join(logDir, "stdout.log"),
		StderrLog: filepath.Join(logDir, "stderr.log"),
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryStage)
		return err
	}
	c.metrics.dispatched(OutcomeSpawned)
	fmt.Fprintf(c.cfg.Out, "🚀 Started sdlc for issue #%d (pid %d, logs %s)\n", number, pid, logDir)
	return nil
}

func (c *Cron) reap(ctx context.Context) {
	for _, e := range c.cfg.Registry.Reap() {
		if e.ExitCode == 0 {
			c.metrics.dispatched(OutcomeSucceeded)
			fmt.Fprintf(c.cfg.Out, "✅ %s finished in %s\n", e.Key, e.Duration.Round(time.Second))
			continue
		}
		c.metrics.dispatched(OutcomeFailed)
		clog.FromContext(ctx).With(telemetry.KeyItemKey, e.Key).
			Warnf("Run exited with code %d (pid %d): %v", e.ExitCode, e.PID, e.Err)
		fmt.Fprintf(c.cfg.Out, "⚠️  %s exited with code %d\n", e.Key, e.ExitCode)
	}
}

// sleep waits d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func issueKey(number int) string {
	return "issue-" + strconv.Itoa(number)
}
