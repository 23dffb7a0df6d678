package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/persistence"
)

var (
	eventsLimit  int
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show the engine's event log",
	Long: `Show recent lifecycle events, newest first. With --follow, poll for
new events and print them oldest first as they arrive, like tail -f.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()

		evs, err := c.Events(cmd.Context(), eventsLimit)
		if err != nil {
			return fmt.Errorf("fetching events: %w", err)
		}

		if !eventsFollow {
			for _, ev := range evs {
				printEvent(ev)
			}
			return nil
		}

		// Seed the watermark, then print chronologically from here on.
		var lastID int64
		for i := len(evs) - 1; i >= 0; i-- {
			printEvent(evs[i])
			if evs[i].ID > lastID {
				lastID = evs[i].ID
			}
		}

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case <-ticker.C:
				evs, err := c.Events(cmd.Context(), eventsLimit)
				if err != nil {
					continue
				}
				for i := len(evs) - 1; i >= 0; i-- {
					if evs[i].ID > lastID {
						printEvent(evs[i])
						lastID = evs[i].ID
					}
				}
			}
		}
	},
}

func printEvent(ev *persistence.EventRecord) {
	subject := ev.TaskID
	if subject == "" {
		subject = ev.PlanID
	}
	line := fmt.Sprintf("%s  %-18s %s",
		ev.CreatedAt.Local().Format("15:04:05"), ev.Type, subject)
	if ev.Detail != "" {
		line += "  " + ev.Detail
	}
	fmt.Println(line)
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "Maximum number of events to show")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "Poll for new events and print them as they arrive")
	rootCmd.AddCommand(eventsCmd)
}
