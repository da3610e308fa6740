// Command offsync runs the offline sync engine: a durable change queue
// that drains to a sync server whenever connectivity allows.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "offsync",
	Short: "Offline-first sync engine",
	Long: `offsync queues local changes while offline and replays them against
the sync server when connectivity returns.

Changes are coalesced per entity, retried with backoff, and parked in a
dead-letter set when the server rejects them for good. The daemon also
serves a local WebSocket feed of engine events for UI shells.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "offsync.yaml", "path to the config file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
