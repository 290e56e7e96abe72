// Package main is the entry point for the adw CLI
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/cloud-shuttle/adw/internal/config"
	"github.com/spf13/cobra"
)

var (
	cfg     *config.Config
	verbose bool
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	cfg, err = config.Load(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	rootCmd := &cobra.Command{
		Use:   "adw",
		Short: "Drive issues and transcripts to merged code with autonomous agents",
		Long: `adw runs multi-stage development workflows. Each run gets its own git
worktree and port pair, every stage is a separate process that reports its
artifact on stdout, and dispatchers start runs from tracked issues or new
transcript files.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose || cfg.Verbose {
				level = slog.LevelDebug
			}
			logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
			cmd.SetContext(clog.WithLogger(cmd.Context(), logger))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		initCmd(),
		pipelineCmd(),
		sdlcCmd(),
		stageCmd(),
		testCmd(),
		triggerCmd(),
		stateCmd(),
		runsCmd(),
		worktreeCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}
