package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/staybook/realtime/internal/config"
	"github.com/staybook/realtime/internal/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery daemon",
	Long:  "Connect to the push server, subscribe the configured channels and serve the local HTTP API.",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "", "HTTP listen address (overrides server.addr)")
	serveCmd.Flags().String("credential", "", "Session credential (overrides session.credential)")
	serveCmd.Flags().Duration("shutdown-timeout", 15*time.Second, "Time allowed for a graceful shutdown")
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	credential, _ := cmd.Flags().GetString("credential")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	cfg, err := loadConfig(cmd, config.Overrides{ServerAddr: addr, Credential: credential})
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e, err := engine.New(cfg, version)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Str("cluster", cfg.Transport.Cluster).
		Int("channels", len(cfg.Channels)).
		Msg("realtimed starting")

	runErr := e.Start(ctx)

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown did not complete cleanly")
	}
	return runErr
}
