package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faize-ai/appcast/internal/orchestrator"
	"github.com/spf13/cobra"
)

var cleanupInterval time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Mark sessions with dead processes inactive",
	Long: `Check every active session and reconcile the ones whose pipeline died.
Orphaned stages are terminated and their display and port become free again.

With --interval the check repeats until interrupted:
  appcast cleanup --interval 30s`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVarP(&cleanupInterval, "interval", "i", 0, "repeat at this interval (default: cleanup.interval from config, 0 runs once)")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	orch, cfg, err := newOrchestrator()
	if err != nil {
		return err
	}

	interval := cleanupInterval
	if !cmd.Flags().Changed("interval") {
		interval = cfg.Cleanup.Interval
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var lastErr error
	scheduler := &orchestrator.CleanupScheduler{
		Cleaner:  orch,
		Interval: interval,
		OnRun: func(cleaned int, err error) {
			lastErr = err
			if err != nil {
				fmt.Fprintf(out, "Warning: cleanup incomplete: %v\n", err)
			}
			fmt.Fprintf(out, "%s cleaned %d session(s)\n", time.Now().Format("15:04:05"), cleaned)
		},
	}
	scheduler.Run(ctx)

	if interval <= 0 && lastErr != nil {
		return fmt.Errorf("failed to clean up sessions: %w", lastErr)
	}
	return nil
}
