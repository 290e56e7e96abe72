package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/cloud-shuttle/adw/internal/trigger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// dispatcherFlags are shared by every trigger subcommand
type dispatcherFlags struct {
	metricsAddr  string
	persistDedup bool
	folder       string
	once         bool
	keepGoing    bool
}

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Start runs automatically from issues or transcript files",
		Long: `Dispatchers that start runs without a human at the keyboard.

  cron   polls open issues and starts a background sdlc run for each new
         "adw_run" trigger in an issue body or latest human comment
  zte    runs qualifying issues one at a time, lowest number first
  watch  starts the requirements pipeline for each new or changed
         transcript (.md, .pdf) in the watched folder
  all    cron and watch together`,
	}

	cmd.AddCommand(
		triggerCronCmd(),
		triggerZTECmd(),
		triggerWatchCmd(),
		triggerAllCmd(),
	)

	return cmd
}

// withMetrics runs fn, serving /metrics and /healthz on addr alongside it
// when addr is set.
func withMetrics(ctx context.Context, addr string, fn func(context.Context) error) error {
	if addr == "" {
		return fn(ctx)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	srv := trigger.NewMetricsServer(addr)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		defer cancel()
		return fn(ctx)
	})
	return g.Wait()
}

func newCron(ws *workspace, f *dispatcherFlags) (*trigger.Cron, error) {
	t, err := ws.requireTracker()
	if err != nil {
		return nil, err
	}
	binary, err := selfBinary()
	if err != nil {
		return nil, err
	}

	cc := trigger.CronConfig{
		Tracker:   t,
		Qualifier: trigger.NewQualifier(cfg.TriggerKeywords),
		Registry:  trigger.NewRegistry(),
		Binary:    binary,
		Dir:       cfg.ProjectDir,
		AgentsDir: cfg.AgentsPath(),
		Interval:  cfg.CronInterval,
	}
	if f.persistDedup {
		cc.Dedup = ws.index.Dedup("cron")
	}
	return trigger.NewCron(cc), nil
}

func newWatcher(ctx context.Context, f *dispatcherFlags) (*trigger.Watcher, error) {
	binary, err := selfBinary()
	if err != nil {
		return nil, err
	}
	folder := cfg.TranscriptPath()
	if f.folder != "" {
		if folder, err = filepath.Abs(f.folder); err != nil {
			return nil, err
		}
	}
	return trigger.NewWatcher(ctx, trigger.WatcherConfig{
		Folder:    folder,
		Binary:    binary,
		Dir:       cfg.ProjectDir,
		AgentsDir: cfg.AgentsPath(),
		Interval:  cfg.TranscriptPollInterval(),
	}), nil
}

func triggerCronCmd() *cobra.Command {
	var f dispatcherFlags

	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Poll open issues and dispatch background sdlc runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			cron, err := newCron(ws, &f)
			if err != nil {
				return err
			}
			return withMetrics(ctx, f.metricsAddr, cron.Run)
		},
	}

	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().BoolVar(&f.persistDedup, "persist-dedup", false, "Remember handled triggers across restarts")

	return cmd
}

func triggerZTECmd() *cobra.Command {
	var f dispatcherFlags

	cmd := &cobra.Command{
		Use:   "zte",
		Short: "Run qualifying issues one at a time in ascending order",
		Long: `Run qualifying issues one at a time, lowest issue number first, waiting for
each sdlc run to finish before starting the next. The queue halts at the
first failed run unless --keep-going is set, in which case the failed issue
is retried on the next pass.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			t, err := ws.requireTracker()
			if err != nil {
				return err
			}
			binary, err := selfBinary()
			if err != nil {
				return err
			}

			queue := trigger.NewQueue(trigger.QueueConfig{
				Tracker:       t,
				Qualifier:     trigger.NewQualifier(cfg.TriggerKeywords),
				Run:           trigger.ExecRunner(binary, cfg.ProjectDir, cmd.OutOrStdout()),
				Interval:      cfg.ZTEInterval,
				HaltOnFailure: !f.keepGoing,
			})
			return withMetrics(ctx, f.metricsAddr, func(ctx context.Context) error {
				return queue.Run(ctx, f.once)
			})
		},
	}

	cmd.Flags().BoolVar(&f.once, "once", false, "Process the current queue once and exit")
	cmd.Flags().BoolVar(&f.keepGoing, "keep-going", false, "Continue past failed runs instead of halting")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	return cmd
}

func triggerWatchCmd() *cobra.Command {
	var f dispatcherFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Start the requirements pipeline for new transcripts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			w, err := newWatcher(ctx, &f)
			if err != nil {
				return err
			}
			return withMetrics(ctx, f.metricsAddr, func(ctx context.Context) error {
				return w.Run(ctx, f.once)
			})
		},
	}

	cmd.Flags().StringVar(&f.folder, "folder", "", "Folder to watch (default $ADW_TRANSCRIPT_FOLDER)")
	cmd.Flags().BoolVar(&f.once, "once", false, "Scan once and exit")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")

	return cmd
}

func triggerAllCmd() *cobra.Command {
	var f dispatcherFlags

	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the issue cron and the transcript watcher together",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ws, err := openWorkspace(ctx)
			if err != nil {
				return err
			}
			defer ws.Close()

			cron, err := newCron(ws, &f)
			if err != nil {
				return err
			}
			w, err := newWatcher(ctx, &f)
			if err != nil {
				return err
			}

			fmt.Println("🚀 Starting dispatchers: cron, watch")
			return withMetrics(ctx, f.metricsAddr, func(ctx context.Context) error {
				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return cron.Run(ctx) })
				g.Go(func() error { return w.Run(ctx, false) })
				return g.Wait()
			})
		},
	}

	cmd.Flags().StringVar(&f.folder, "folder", "", "Folder to watch (default $ADW_TRANSCRIPT_FOLDER)")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	cmd.Flags().BoolVar(&f.persistDedup, "persist-dedup", false, "Remember handled triggers across restarts")

	return cmd
}
