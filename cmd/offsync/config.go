package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskdeck/offsync/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage engine configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("server:   %s\n", cfg.Server.URL)
		fmt.Printf("storage:  %s\n", cfg.Storage.Path)
		fmt.Printf("probe:    every %v (quiet window %v)\n", cfg.Network.ProbeInterval, cfg.Network.QuietWindow)
		if cfg.Network.SignalFile != "" {
			fmt.Printf("signal:   %s\n", cfg.Network.SignalFile)
		}
		fmt.Printf("sync:     %d attempts, backoff %v..%v, every %v\n",
			cfg.Sync.MaxAttempts, cfg.Sync.BaseBackoff, cfg.Sync.MaxBackoff, cfg.Sync.Interval)
		if cfg.Feed.Enabled {
			fmt.Printf("feed:     ws://%s/ws\n", cfg.Feed.Addr)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
