// Package cli implements the hive command line interface: an engine
// daemon, a remote worker, and query commands that talk to a running
// engine over its HTTP API.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/client"
)

var (
	appVersion = "dev"
	appCommit  = "none"
	appDate    = "unknown"
)

// SetVersionInfo records the build metadata stamped in by ldflags.
func SetVersionInfo(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date
}

var serverAddr string

var rootCmd = &cobra.Command{
	Use:   "hive",
	Short: "Hive - autonomous task orchestration engine",
	Long: `Hive executes plans of interdependent tasks: it persists them, resolves
their dependency order, dispatches eligible work to worker pools under
lease, and retries or fans out failures according to policy.

Run "hive serve" to start the engine, then submit plans and inspect
progress with the other commands, or open the live dashboard with
"hive watch".`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hive %s\ncommit: %s\nbuilt:  %s\n", appVersion, appCommit, appDate)
	},
}

// apiClient builds a client for the engine address from --server, falling
// back to HIVE_ADDR and then the default listen address.
func apiClient() *client.Client {
	addr := serverAddr
	if addr == "" {
		addr = os.Getenv("HIVE_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8080"
	}
	return client.New(addr)
}

// setupLogging points the global logger at stderr with the given level.
// Component code logs through the context, so callers that run engine or
// worker loops also attach this logger to their root context.
func setupLogging(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().Timestamp().Logger()
	return logger
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "", "Engine API address (default http://127.0.0.1:8080, or HIVE_ADDR)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
