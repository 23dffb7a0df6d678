package cli

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/client"
	"github.com/hiveplan/hive/internal/plan"
	"github.com/hiveplan/hive/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect individual tasks",
}

var (
	taskCreateType       string
	taskCreatePayload    string
	taskCreatePriority   int
	taskCreateMaxRetries int
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a standalone task",
	Long: `Submit a single task outside any plan. The payload is an arbitrary JSON
document handed to the worker handler for the task type:

  hive task create --type command --payload '{"command": "make test"}'`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		spec := plan.SubtaskSpec{Type: taskCreateType}
		if taskCreatePayload != "" {
			if !json.Valid([]byte(taskCreatePayload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			spec.Payload = json.RawMessage(taskCreatePayload)
		}
		if cmd.Flags().Changed("priority") {
			spec.Priority = &taskCreatePriority
		}
		if cmd.Flags().Changed("max-retries") {
			spec.MaxRetries = &taskCreateMaxRetries
		}

		t, err := apiClient().CreateTask(cmd.Context(), spec)
		if err != nil {
			return fmt.Errorf("creating task: %w", err)
		}

		fmt.Printf("Created task %s\n", t.ID)
		fmt.Printf("  Type:     %s\n", t.Type)
		fmt.Printf("  Status:   %s\n", t.Status)
		fmt.Printf("  Priority: %d\n", t.Priority)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient().GetTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("fetching task: %w", err)
		}
		printTaskDetail(t)
		return nil
	},
}

var taskListOpts client.ListOptions

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks in submission order. Filters combine: --status running
--type command shows only running command tasks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tasks, err := apiClient().ListTasks(cmd.Context(), taskListOpts)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}
		printTaskTable(tasks)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Long: `Cancel a task. Pending and queued tasks are withdrawn immediately.
A running task is flagged; its worker observes the flag on the next
heartbeat and stops. Terminal tasks cannot be cancelled.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, err := apiClient().CancelTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("cancelling task: %w", err)
		}
		if t.CancelRequested && t.Status == task.StatusRunning {
			fmt.Printf("Task %s flagged for cancellation, waiting on worker\n", t.ID)
		} else {
			fmt.Printf("Task %s cancelled\n", t.ID)
		}
		return nil
	},
}

func printTaskDetail(t *task.Task) {
	fmt.Printf("Task %s\n", t.ID)
	if t.PlanID != "" {
		fmt.Printf("  Plan:      %s\n", t.PlanID)
	}
	fmt.Printf("  Type:      %s\n", t.Type)
	fmt.Printf("  Status:    %s", t.Status)
	if t.CancelRequested {
		fmt.Printf(" (cancel requested)")
	}
	fmt.Println()
	fmt.Printf("  Priority:  %d\n", t.Priority)
	fmt.Printf("  Retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
	if len(t.DependsOn) > 0 {
		fmt.Printf("  Depends:   %v\n", t.DependsOn)
	}
	if t.AssignedWorkerID != "" {
		fmt.Printf("  Worker:    %s\n", t.AssignedWorkerID)
	}
	fmt.Printf("  Created:   %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.AvailableAt != nil {
		fmt.Printf("  Retry at:  %s\n", t.AvailableAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("  Finished:  %s\n", t.CompletedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if len(t.Payload) > 0 {
		fmt.Printf("  Payload:   %s\n", compactJSON(t.Payload))
	}
	if len(t.Result) > 0 {
		fmt.Printf("  Result:    %s\n", compactJSON(t.Result))
	}
	if t.Failure != "" {
		fmt.Printf("  Failure:   %s\n", t.Failure)
	}
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskCreateType, "type", "command", "Task type, matched against worker capabilities")
	taskCreateCmd.Flags().StringVar(&taskCreatePayload, "payload", "", "JSON payload handed to the worker handler")
	taskCreateCmd.Flags().IntVar(&taskCreatePriority, "priority", 0, "Scheduling priority, higher runs first")
	taskCreateCmd.Flags().IntVar(&taskCreateMaxRetries, "max-retries", 0, "Retry budget for transient failures")

	taskListCmd.Flags().StringVar(&taskListOpts.Status, "status", "", "Filter by status (pending, queued, assigned, running, completed, failed, blocked, cancelled)")
	taskListCmd.Flags().StringVar(&taskListOpts.PlanID, "plan", "", "Filter by plan id")
	taskListCmd.Flags().StringVar(&taskListOpts.Type, "type", "", "Filter by task type")
	taskListCmd.Flags().IntVar(&taskListOpts.Limit, "limit", 50, "Maximum number of tasks to list")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskCancelCmd)
	rootCmd.AddCommand(taskCmd)
}
