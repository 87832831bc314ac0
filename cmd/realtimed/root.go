package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/staybook/realtime/internal/config"
	"github.com/staybook/realtime/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

var rootCmd = &cobra.Command{
	Use:           "realtimed",
	Short:         "Real-time delivery daemon",
	Long:          "Keeps a push connection, channel subscriptions, the notification cache and the device push token in sync with the booking backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Path to a YAML configuration file")
	flags.String("env-file", "", "Path to a .env file (defaults to ./.env when present)")
	flags.String("data-dir", "", "Data directory (overrides storage.data_dir)")
	flags.String("log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

// loadConfig resolves configuration from the persistent flags plus extra overrides
func loadConfig(cmd *cobra.Command, overrides config.Overrides) (*config.Config, error) {
	flags := cmd.Flags()
	configFile, _ := flags.GetString("config")
	envFile, _ := flags.GetString("env-file")
	overrides.DataDir, _ = flags.GetString("data-dir")
	overrides.LogLevel, _ = flags.GetString("log-level")

	cfg, err := config.LoadConfig(configFile, envFile, overrides)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the global logger described by cfg
func setupLogging(cfg *config.Config) (io.Closer, error) {
	closer, err := logging.Setup(cfg.ToLoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("setting up logging: %w", err)
	}
	return closer, nil
}
