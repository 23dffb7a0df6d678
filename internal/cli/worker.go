package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/client"
	"github.com/hiveplan/hive/internal/worker"
)

var (
	workerID           string
	workerCapabilities []string
	workerSlots        int
	workerPoll         time.Duration
	workerHeartbeat    time.Duration
	workerWorkspaceDir string
	workerLogLevel     string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a remote worker against an engine",
	Long: `Run a worker that claims tasks from an engine over HTTP and executes
them as local shell commands. Each declared capability is served by the
command runner, so remote workers extend the engine's capacity for the
task types they declare.

The worker holds a lease per task and heartbeats it; if the worker dies,
the engine's sweeper recovers the task after the lease expires.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogging(workerLogLevel)
		log.Logger = logger

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logger.WithContext(ctx)

		id := workerID
		if id == "" {
			host, err := os.Hostname()
			if err != nil {
				host = "worker"
			}
			id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
		}

		procs := worker.NewProcessManager()
		defer func() {
			if err := procs.KillAll(); err != nil {
				logger.Error().Err(err).Msg("failed to kill tracked processes")
			}
		}()
		runner := worker.NewProcessRunner(procs)

		pw := client.NewPullWorker(apiClient(), client.PullConfig{
			WorkerID:          id,
			Capabilities:      workerCapabilities,
			Slots:             workerSlots,
			PollInterval:      workerPoll,
			HeartbeatInterval: workerHeartbeat,
		})
		for _, c := range workerCapabilities {
			pw.Handle(c, runner.Handle)
		}

		if workerWorkspaceDir != "" {
			ws, err := worker.NewWorkspaces(workerWorkspaceDir)
			if err != nil {
				return fmt.Errorf("setting up workspaces: %w", err)
			}
			pw.UseWorkspaces(ws)
		}

		if err := pw.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("worker: %w", err)
		}
		return nil
	},
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "Worker id (default <hostname>-<random>)")
	workerCmd.Flags().StringSliceVar(&workerCapabilities, "capabilities", []string{"command"}, "Task types this worker claims")
	workerCmd.Flags().IntVar(&workerSlots, "slots", 1, "Concurrent task slots")
	workerCmd.Flags().DurationVar(&workerPoll, "poll-interval", 2*time.Second, "Idle wait between empty claims")
	workerCmd.Flags().DurationVar(&workerHeartbeat, "heartbeat", 15*time.Second, "Lease heartbeat cadence")
	workerCmd.Flags().StringVar(&workerWorkspaceDir, "workspace-dir", "", "Give each task a scratch directory under this root")
	workerCmd.Flags().StringVar(&workerLogLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	rootCmd.AddCommand(workerCmd)
}
