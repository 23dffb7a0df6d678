package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hiveplan/hive/internal/config"
	"github.com/hiveplan/hive/internal/engine"
)

var (
	serveListen   string
	serveDataDir  string
	serveLogLevel string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine",
	Long: `Run the engine: scheduler, lease sweeper, local worker pools, and the
HTTP API. Configuration comes from the global and project config files
plus HIVE_* environment variables; flags override both.

The engine owns its SQLite database exclusively. Run one engine per
data directory.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if serveListen != "" {
			cfg.Listen = serveListen
		}
		if serveDataDir != "" {
			cfg.DataDir = serveDataDir
		}
		if serveLogLevel != "" {
			cfg.LogLevel = serveLogLevel
		}

		logger := setupLogging(cfg.LogLevel)
		log.Logger = logger

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logger.WithContext(ctx)

		eng, err := engine.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("starting engine: %w", err)
		}
		defer eng.Close()

		logger.Info().
			Str("data_dir", cfg.DataDir).
			Str("addr", eng.Addr()).
			Msg("engine starting")

		if err := eng.Run(ctx); err != nil {
			return fmt.Errorf("engine: %w", err)
		}
		logger.Info().Msg("engine stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Data directory, or :memory: for an ephemeral engine")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.AddCommand(serveCmd)
}
