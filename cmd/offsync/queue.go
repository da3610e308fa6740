package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/taskdeck/offsync/internal/deadletter"
	"github.com/taskdeck/offsync/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and resolve queued changes",
}

var (
	notBeforeFlag  string
	deadLetterOnly bool
)

func init() {
	queueRetryCmd.Flags().StringVar(&notBeforeFlag, "not-before", "",
		`earliest retry time, natural language accepted (e.g. "in 2 hours")`)
	queueListCmd.Flags().BoolVar(&deadLetterOnly, "dead-letter", false,
		"show only dead-letter changes")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueImportCmd)
	queueCmd.AddCommand(queueResolveCmd)
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, q, err := openQueueOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		recs := q.Records()
		if deadLetterOnly {
			recs = q.DeadLetters()
		}
		if len(recs) == 0 {
			fmt.Println("Queue is empty")
			return nil
		}

		for _, r := range recs {
			line := fmt.Sprintf("%s  %-7s %s/%s  %s  attempts=%d",
				r.ID, r.Operation, r.EntityType, r.EntityID,
				r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Attempts)
			switch r.Status {
			case queue.StatusDeadLetter:
				fmt.Println(offlineStyle.Render(line + "  [dead-letter] " + r.LastError))
			case queue.StatusFailed:
				fmt.Println(warnStyle.Render(line + fmt.Sprintf("  [retry after %s]", r.NotBefore.Local().Format("15:04:05"))))
			default:
				fmt.Println(line)
			}
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <change-id>",
	Short: "Return a dead-letter change to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, q, err := openQueueOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		var notBefore time.Time
		if notBeforeFlag != "" {
			notBefore, err = parseNaturalTime(notBeforeFlag)
			if err != nil {
				return err
			}
		}

		if err := q.RetryDeadLetter(cmd.Context(), args[0], notBefore); err != nil {
			return err
		}
		if notBefore.IsZero() {
			fmt.Printf("Change %s queued for the next sync pass\n", args[0])
		} else {
			fmt.Printf("Change %s queued, eligible after %s\n", args[0], notBefore.Local().Format(time.RFC1123))
		}
		return nil
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <change-id>",
	Short: "Drop a queued change permanently",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, q, err := openQueueOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := q.Discard(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Change %s discarded\n", args[0])
		return nil
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Export dead-letter changes as editable TOML",
	Long: `Export dead-letter changes to a TOML file (or stdout).

Edit each entry's "resolution" to "retry" or "discard", optionally
adjust its payload, then apply the file with 'offsync queue import'.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, q, err := openQueueOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		out := os.Stdout
		if len(args) == 1 {
			f, err := os.Create(args[0])
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", args[0], err)
			}
			defer f.Close()
			out = f
		}

		return deadletter.Export(q, out)
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Apply resolutions from an edited export",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, q, err := openQueueOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", args[0], err)
		}
		defer f.Close()

		doc, err := deadletter.Parse(f)
		if err != nil {
			return err
		}
		out, err := deadletter.Apply(cmd.Context(), q, doc)
		if err != nil {
			return err
		}

		fmt.Printf("Applied: %d retried, %d discarded, %d skipped\n",
			out.Retried, out.Discarded, out.Skipped)
		return nil
	},
}

var queueResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve dead-letter changes interactively",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, q, err := openQueueOnly(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		dead := q.DeadLetters()
		if len(dead) == 0 {
			fmt.Println("No dead-letter changes to resolve")
			return nil
		}

		for _, rec := range dead {
			var choice string
			form := huh.NewForm(huh.NewGroup(
				huh.NewSelect[string]().
					Title(fmt.Sprintf("%s %s/%s", rec.Operation, rec.EntityType, rec.EntityID)).
					Description(fmt.Sprintf("Failed after %d attempt(s): %s\nPayload: %s",
						rec.Attempts, rec.LastError, string(rec.Payload))).
					Options(
						huh.NewOption("Retry on the next sync pass", "retry"),
						huh.NewOption("Discard permanently", "discard"),
						huh.NewOption("Leave parked", "skip"),
					).
					Value(&choice),
			))
			if err := form.Run(); err != nil {
				return err
			}

			switch choice {
			case "retry":
				if err := q.RetryDeadLetter(cmd.Context(), rec.ID, time.Time{}); err != nil {
					return err
				}
				fmt.Printf("Queued %s for retry\n", rec.ID)
			case "discard":
				if err := q.Discard(cmd.Context(), rec.ID); err != nil {
					return err
				}
				fmt.Printf("Discarded %s\n", rec.ID)
			}
		}
		return nil
	},
}

// parseNaturalTime accepts RFC3339 or natural language ("tomorrow 9am",
// "in 2 hours").
func parseNaturalTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(s, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand time %q", s)
	}
	return r.Time, nil
}
