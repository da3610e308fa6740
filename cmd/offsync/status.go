package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/taskdeck/offsync/internal/connectivity"
	"github.com/taskdeck/offsync/internal/queue"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue and connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		st, q, err := openQueueOnly(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		prober := connectivity.NewHTTPProber(cfg.Server.URL + "/health")
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		online := prober.Probe(probeCtx)
		cancel()

		fmt.Println(titleStyle.Render("offsync status"))
		fmt.Printf("  server:  %s\n", cfg.Server.URL)
		if online {
			fmt.Printf("  network: %s\n", onlineStyle.Render("online"))
		} else {
			fmt.Printf("  network: %s\n", offlineStyle.Render("offline"))
		}

		recs := q.Records()
		dead := 0
		backing := 0
		now := time.Now()
		for _, r := range recs {
			switch {
			case r.Status == queue.StatusDeadLetter:
				dead++
			case r.Status == queue.StatusFailed && r.NotBefore.After(now):
				backing++
			}
		}

		fmt.Printf("  queue:   %d change(s) pending\n", len(recs))
		if backing > 0 {
			fmt.Printf("           %s\n", warnStyle.Render(fmt.Sprintf("%d waiting out backoff", backing)))
		}
		if dead > 0 {
			fmt.Printf("           %s\n", offlineStyle.Render(fmt.Sprintf("%d dead-lettered (run 'offsync queue list')", dead)))
		}
		if len(recs) == 0 {
			fmt.Printf("           %s\n", dimStyle.Render("everything synced"))
		}

		return nil
	},
}
