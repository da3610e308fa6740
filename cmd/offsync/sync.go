package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a single sync pass and exit",
	Long: `Drain the pending-change queue once against the sync server.

Fails immediately if the server is unreachable. Records that hit
transient errors keep their backoff and are left queued.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		eng, err := buildEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer eng.closeStorage()

		if eng.queue.IsEmpty() {
			fmt.Println("Queue is empty, nothing to sync")
			return nil
		}

		// The monitor is not started for a one-shot pass; a single probe
		// decides whether to attempt it.
		if err := eng.monitor.Start(ctx); err != nil {
			return err
		}
		defer eng.monitor.Stop()

		summary, err := eng.coord.RunOnce(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Sync finished in %v: %d applied", summary.Duration.Round(time.Millisecond), summary.Applied)
		if summary.Dropped > 0 {
			fmt.Printf(", %d dropped by conflict policy", summary.Dropped)
		}
		if summary.Failed > 0 {
			fmt.Printf(", %d will retry", summary.Failed)
		}
		if summary.DeadLettered > 0 {
			fmt.Printf(", %d dead-lettered", summary.DeadLettered)
		}
		fmt.Printf(", %d remaining\n", summary.Remaining)

		if summary.Aborted {
			fmt.Println("Pass aborted: connectivity was lost partway through")
		}
		return nil
	},
}
