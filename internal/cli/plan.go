package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Submit and inspect execution plans",
}

var planSubmitCmd = &cobra.Command{
	Use:   "submit [file]",
	Short: "Submit a plan from a JSON file or stdin",
	Long: `Submit a plan for execution. The file holds a JSON plan request:

  {
    "source_request_id": "nightly-build",
    "priority": 5,
    "subtasks": [
      {"temp_id": "fetch", "type": "command", "payload": {"command": "git pull"}},
      {"temp_id": "build", "type": "command", "depends_on": ["fetch"],
       "payload": {"command": "make"}}
    ]
  }

Pass "-" or no argument to read the request from stdin. The plan is
accepted whole or rejected whole; the receipt maps each temp_id to the
persisted task id.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var raw []byte
		var err error
		if len(args) == 0 || args[0] == "-" {
			raw, err = io.ReadAll(os.Stdin)
		} else {
			raw, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("reading plan request: %w", err)
		}

		var req plan.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return fmt.Errorf("parsing plan request: %w", err)
		}

		receipt, err := apiClient().SubmitPlan(cmd.Context(), req)
		if err != nil {
			return fmt.Errorf("submitting plan: %w", err)
		}

		fmt.Printf("Plan %s accepted (%d subtasks)\n", receipt.PlanID, len(receipt.TaskIDs))
		for tempID, taskID := range receipt.TaskIDs {
			fmt.Printf("  %-20s %s\n", tempID, taskID)
		}
		return nil
	},
}

var planGetCmd = &cobra.Command{
	Use:   "get <plan-id>",
	Short: "Show a plan and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, err := apiClient().GetPlan(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("fetching plan: %w", err)
		}

		p := detail.Plan
		fmt.Printf("Plan %s\n", p.ID)
		if p.SourceRequestID != "" {
			fmt.Printf("  Source:   %s\n", p.SourceRequestID)
		}
		fmt.Printf("  Status:   %s\n", p.Status)
		fmt.Printf("  Created:  %s\n", p.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if p.CompletedAt != nil {
			fmt.Printf("  Finished: %s\n", p.CompletedAt.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
		printTaskTable(detail.Subtasks)
		return nil
	},
}

var planListLimit int

var planListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent plans",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		plans, err := apiClient().ListPlans(cmd.Context(), planListLimit)
		if err != nil {
			return fmt.Errorf("listing plans: %w", err)
		}
		if len(plans) == 0 {
			fmt.Println("No plans found.")
			return nil
		}

		fmt.Printf("%-28s %-10s %-9s %s\n", "ID", "STATUS", "SUBTASKS", "CREATED")
		for _, p := range plans {
			fmt.Printf("%-28s %-10s %-9d %s\n",
				p.ID, p.Status, len(p.SubtaskIDs),
				p.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// printTaskTable prints tasks in submission order with their retry count
// and assigned worker.
func printTaskTable(tasks []*task.Task) {
	fmt.Printf("%-28s %-12s %-10s %-8s %s\n", "ID", "TYPE", "STATUS", "RETRIES", "WORKER")
	for _, t := range tasks {
		worker := t.AssignedWorkerID
		if worker == "" {
			worker = "-"
		}
		fmt.Printf("%-28s %-12s %-10s %-8d %s\n",
			t.ID, t.Type, t.Status, t.RetryCount, worker)
	}
}

func init() {
	planListCmd.Flags().IntVar(&planListLimit, "limit", 20, "Maximum number of plans to list")

	planCmd.AddCommand(planSubmitCmd)
	planCmd.AddCommand(planGetCmd)
	planCmd.AddCommand(planListCmd)
	rootCmd.AddCommand(planCmd)
}
