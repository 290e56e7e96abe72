package trigger

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/tracker"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// RunFunc runs the workflow for one issue to completion
type RunFunc func(ctx context.Context, issue int) error

// ExecRunner runs "<binary> sdlc <issue>" in dir and waits for it, streaming
// its output to out. The child is not tied to ctx: an interrupted queue lets
// the current run finish.
func ExecRunner(binary, dir string, out io.Writer) RunFunc {
	return func(ctx context.Context, issue int) error {
		cmd := exec.Command(binary, "sdlc", strconv.Itoa(issue))
		cmd.Dir = dir
		cmd.Stdout = out
		cmd.Stderr = out
		detach(cmd)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("sdlc for issue #%d: %w", issue, err)
		}
		return nil
	}
}

// QueueConfig configures the sequential zero-touch queue
type QueueConfig struct {
	Tracker   tracker.Tracker
	Qualifier *Qualifier
	Run       RunFunc

	Interval time.Duration
	// HaltOnFailure stops the queue at the first failed run
	HaltOnFailure bool
	Out           io.Writer
}

// Queue runs qualifying issues one at a time in ascending issue order
type Queue struct {
	cfg       QueueConfig
	metrics   dispatcherMetrics
	completed map[int]bool
}

// NewQueue fills in defaults for unset fields
func NewQueue(cfg QueueConfig) *Queue {
	if cfg.Qualifier == nil {
		cfg.Qualifier = NewQualifier(nil)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Queue{cfg: cfg, metrics: newDispatcherMetrics("zte"), completed: make(map[int]bool)}
}

// Run processes passes until ctx is cancelled, a run fails with
// HaltOnFailure set, or after one pass when once is true.
func (q *Queue) Run(ctx context.Context, once bool) error {
	for {
		if _, err := q.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if once {
			return nil
		}
		fmt.Fprintf(q.cfg.Out, "💤 Next scan in %s\n", q.cfg.Interval)
		if !sleep(ctx, q.cfg.Interval) {
			return nil
		}
	}
}

// Pending lists the qualifying issues not yet completed, ascending
func (q *Queue) Pending(ctx context.Context) ([]int, error) {
	issues, err := q.cfg.Tracker.ListOpenIssues(ctx)
	if err != nil {
		return nil, err
	}

	var pending []int
	for i := range issues {
		if q.completed[issues[i].Number] {
			continue
		}
		if _, ok := q.cfg.Qualifier.Occurrence(&issues[i]); ok {
			pending = append(pending, issues[i].Number)
		}
	}
	sort.Ints(pending)
	return pending, nil
}

// Pass runs every pending issue in order and returns the completed ones.
// The pass stops at the first failure; with HaltOnFailure the failure is
// returned, otherwise it is logged and retried on the next pass.
func (q *Queue) Pass(ctx context.Context) ([]int, error) {
	ctx, span := telemetry.StartDispatchSpan(ctx, telemetry.SpanDispatchPoll, q.metrics.name)
	defer span.End()
	defer q.metrics.polls.Inc()

	pending, err := q.Pending(ctx)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryTracker)
		return nil, err
	}
	if len(pending) == 0 {
		fmt.Fprintln(q.cfg.Out, "📭 No qualifying issues")
		return nil, nil
	}
	fmt.Fprintf(q.cfg.Out, "📋 Queue: %v\n", pending)

	var done []int
	for _, n := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := q.runOne(ctx, n); err != nil {
			fmt.Fprintf(q.cfg.Out, "❌ Issue #%d failed: %v\n", n, err)
			if q.cfg.HaltOnFailure {
				return done, fmt.Errorf("queue halted at issue #%d: %w", n, err)
			}
			clog.FromContext(ctx).Warnf("Stopping pass after failed issue #%d", n)
			return done, nil
		}
		q.completed[n] = true
		done = append(done, n)
		fmt.Fprintf(q.cfg.Out, "✅ Issue #%d completed\n", n)
	}
	return done, nil
}

func (q *Queue) runOne(ctx context.Context, n int) error {
	ctx, span := telemetry.StartDispatchSpan(ctx, telemetry.SpanDispatchSpawn, q.metrics.name,
		attribute.Int(telemetry.KeyIssueNumber, n))
	defer span.End()

	fmt.Fprintf(q.cfg.Out, "🚀 Running sdlc for issue #%d\n", n)
	q.metrics.active.Set(1)
	defer q.metrics.active.Set(0)

	if err := q.cfg.Run(ctx, n); err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryStage)
		q.metrics.dispatched(OutcomeFailed)
		return err
	}
	q.metrics.dispatched(OutcomeSucceeded)
	return nil
}
