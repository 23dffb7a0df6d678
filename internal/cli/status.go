package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/task"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline metrics and health",
	Long: `Show the engine's pipeline counters, failure-rate and throughput
figures, and the alerts currently firing. The exit code is zero even
when health is degraded; use the output for that.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := apiClient().Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("fetching health: %w", err)
		}

		m := report.Metrics
		fmt.Printf("Health: %s\n\n", report.Level)

		fmt.Printf("  %-11s %d\n", "Pending:", m.Pending)
		fmt.Printf("  %-11s %d\n", "Queued:", m.Queued)
		fmt.Printf("  %-11s %d\n", "Assigned:", m.Assigned)
		fmt.Printf("  %-11s %d\n", "Running:", m.Running)
		fmt.Printf("  %-11s %d\n", "Completed:", m.Completed)
		fmt.Printf("  %-11s %d\n", "Failed:", m.Failed)
		fmt.Printf("  %-11s %d\n", "Blocked:", m.Blocked)
		fmt.Printf("  %-11s %d\n", "Cancelled:", m.Cancelled)
		fmt.Println()
		fmt.Printf("  Stuck tasks:  %d\n", m.StuckTasks)
		window := m.Window
		if window == "" {
			window = "1h"
		}
		fmt.Printf("  Error rate:   %.1f%% over %s\n", m.ErrorRate*100, window)
		fmt.Printf("  Throughput:   %d tasks/hour\n", m.ThroughputPerHour)

		if len(report.Alerts) > 0 {
			fmt.Println()
			for _, a := range report.Alerts {
				fmt.Printf("  [%s] %s\n", severityTag(a.Severity), a.Message)
			}
		}
		return nil
	},
}

func severityTag(s task.AlertSeverity) string {
	switch s {
	case task.SeverityHigh:
		return "HIGH"
	case task.SeverityMedium:
		return "MED"
	default:
		return "LOW"
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
