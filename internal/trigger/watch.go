package trigger

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// TranscriptExtensions are the file types the watcher picks up
var TranscriptExtensions = []string{".md", ".pdf"}

// WatcherConfig configures the transcript folder watcher
type WatcherConfig struct {
	Folder string
	// Log defaults to <AgentsDir>/transcript_watch_processed.json
	Log      *ProcessedLog
	Registry *Registry

	// Binary is started as "<Binary> pipeline <file>" in Dir
	Binary    string
	Dir       string
	AgentsDir string

	Interval time.Duration
	Out      io.Writer
	Now      func() time.Time
}

// Watcher polls a folder and starts a requirements pipeline per new or
// modified transcript
type Watcher struct {
	cfg     WatcherConfig
	metrics dispatcherMetrics
}

// NewWatcher fills in defaults for unset fields
func NewWatcher(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Log == nil {
		cfg.Log = OpenProcessedLog(ctx, filepath.Join(cfg.AgentsDir, "transcript_watch_processed.json"), cfg.Folder)
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Watcher{cfg: cfg, metrics: newDispatcherMetrics("watch")}
}

// Registry returns the handles of the pipelines this watcher started
func (w *Watcher) Registry() *Registry {
	return w.cfg.Registry
}

// Run polls until ctx is cancelled, or once when once is true
func (w *Watcher) Run(ctx context.Context, once bool) error {
	fmt.Fprintf(w.cfg.Out, "👀 Watching %s every %s (%d files already processed)\n",
		w.cfg.Folder, w.cfg.Interval, w.cfg.Log.Len())
	for {
		if _, err := w.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			clog.FromContext(ctx).Errorf("Watch cycle failed: %v", err)
		}
		if once || !sleep(ctx, w.cfg.Interval) {
			return nil
		}
	}
}

// Scan returns the transcripts that are new or changed since they were
// last dispatched, as slash-separated paths relative to the folder.
func (w *Watcher) Scan(ctx context.Context) ([]string, error) {
	if err := os.MkdirAll(w.cfg.Folder, 0755); err != nil {
		return nil, fmt.Errorf("creating watch folder: %w", err)
	}
	entries, err := os.ReadDir(w.cfg.Folder)
	if err != nil {
		return nil, fmt.Errorf("reading watch folder: %w", err)
	}

	var found []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || name == "README.md" || !isTranscript(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		last, seen, err := w.cfg.Log.Last(ctx, name)
		if err != nil {
			return nil, err
		}
		if seen && last == mtimeFingerprint(fileMtime(info)) {
			continue
		}
		found = append(found, filepath.ToSlash(name))
	}
	sort.Strings(found)
	return found, nil
}

// Cycle reaps finished pipelines and dispatches every new transcript
func (w *Watcher) Cycle(ctx context.Context) ([]string, error) {
	ctx, span := telemetry.StartDispatchSpan(ctx, telemetry.SpanDispatchPoll, w.metrics.name)
	defer span.End()
	defer w.metrics.polls.Inc()

	for _, e := range w.cfg.Registry.Reap() {
		if e.ExitCode == 0 {
			w.metrics.dispatched(OutcomeSucceeded)
			fmt.Fprintf(w.cfg.Out, "✅ Pipeline for %s finished\n", e.Key)
		} else {
			w.metrics.dispatched(OutcomeFailed)
			fmt.Fprintf(w.cfg.Out, "⚠️  Pipeline for %s exited with code %d\n", e.Key, e.ExitCode)
		}
	}

	files, err := w.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var dispatched []string
	for _, rel := range files {
		if err := w.dispatch(ctx, rel); err != nil {
			clog.FromContext(ctx).Errorf("Failed to dispatch %s: %v", rel, err)
			w.metrics.dispatched(OutcomeError)
			continue
		}
		dispatched = append(dispatched, rel)
	}
	w.metrics.active.Set(float64(len(w.cfg.Registry.Active())))
	return dispatched, nil
}

func (w *Watcher) dispatch(ctx context.Context, rel string) error {
	ctx, span := telemetry.StartDispatchSpan(ctx, telemetry.SpanDispatchSpawn, w.metrics.name,
		attribute.String(telemetry.KeyItemKey, rel))
	defer span.End()

	path, err := filepath.Abs(filepath.Join(w.cfg.Folder, filepath.FromSlash(rel)))
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	if len(stem) > 60 {
		stem = stem[:60]
	}
	logFile := filepath.Join(w.cfg.AgentsDir, "pipeline_logs",
		fmt.Sprintf("%s_%s.log", w.cfg.Now().UTC().Format("20060102_150405"), stem))

	pid, err := w.cfg.Registry.Spawn(rel, Command{
		Binary:    w.cfg.Binary,
		Args:      []string{"pipeline", path},
		Dir:       w.cfg.Dir,
		StdoutLog: logFile,
	})
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryStage)
		return err
	}
	w.metrics.dispatched(OutcomeSpawned)
	fmt.Fprintf(w.cfg.Out, "🚀 Started pipeline for %s (pid %d, log %s)\n", rel, pid, logFile)

	// Marked right away so a long pipeline is not started twice
	if err := w.cfg.Log.Remember(ctx, rel, mtimeFingerprint(fileMtime(info))); err != nil {
		clog.FromContext(ctx).Warnf("Failed to update processed log: %v", err)
	}
	return nil
}

func isTranscript(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range TranscriptExtensions {
		if ext == e {
			return true
		}
	}
	return false
}
