package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon",
	Long: `Run the sync engine in the foreground until interrupted.

The daemon monitors connectivity, drains the change queue whenever the
server is reachable, and (if enabled) serves the local event feed.`,
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

		if err := eng.start(ctx); err != nil {
			eng.closeStorage()
			return err
		}

		fmt.Printf("offsync daemon running (server: %s, queue: %d pending)\n",
			cfg.Server.URL, eng.queue.Count())
		if eng.feed != nil {
			fmt.Printf("event feed: ws://%s/ws\n", eng.feed.Addr())
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			fmt.Printf("\nReceived %s, shutting down\n", sig)
		case <-ctx.Done():
		}

		eng.stop()
		return nil
	},
}
