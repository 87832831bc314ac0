package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/staybook/realtime/internal/config"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/pushtoken"
	"github.com/staybook/realtime/internal/storage"
	"github.com/staybook/realtime/pkg/client"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect or drain the push token retry queue",
	Long:  "Work with the durable queue of push token register/unregister calls. The daemon must be stopped, since it holds the data directory lock.",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending retry tasks",
	RunE:  runQueueList,
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run due retry tasks against the backend now",
	RunE:  runQueueDrain,
}

func init() {
	queueDrainCmd.Flags().Bool("all", false, "Treat every pending task as due")
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueDrainCmd)
}

// queueTask is a retry task as printed by queue list
type queueTask struct {
	ID            string         `json:"id"`
	Op            domain.RetryOp `json:"op"`
	Token         string         `json:"token"`
	Attempts      int            `json:"attempts"`
	NextAttemptAt time.Time      `json:"next_attempt_at"`
	LastError     string         `json:"last_error,omitempty"`
}

func openStorage(cmd *cobra.Command) (*config.Config, storage.Storage, error) {
	cfg, err := loadConfig(cmd, config.Overrides{})
	if err != nil {
		return nil, nil, err
	}
	if _, err := setupLogging(cfg); err != nil {
		return nil, nil, err
	}
	store, err := storage.CreateStorage(cfg.ToStorageFactoryConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("opening storage: %w", err)
	}
	return cfg, store, nil
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	_, store, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.Pending(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing retry queue: %w", err)
	}

	out := make([]queueTask, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, queueTask{
			ID:            t.ID,
			Op:            t.Op,
			Token:         domain.Redact(t.Token),
			Attempts:      t.Attempts,
			NextAttemptAt: t.NextAttemptAt,
			LastError:     t.LastError,
		})
	}
	return printJSON(cmd, out)
}

func runQueueDrain(cmd *cobra.Command, _ []string) error {
	all, _ := cmd.Flags().GetBool("all")

	cfg, store, err := openStorage(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if all {
		tasks, err := store.Pending(ctx)
		if err != nil {
			return fmt.Errorf("listing retry queue: %w", err)
		}
		now := time.Now().UTC()
		for _, t := range tasks {
			t.NextAttemptAt = now
			if err := store.Update(ctx, t); err != nil {
				return fmt.Errorf("rescheduling task %s: %w", t.ID, err)
			}
		}
	}

	backend := client.New(cfg.Backend.BaseURL,
		client.WithTimeout(time.Duration(cfg.Backend.TimeoutSeconds)*time.Second),
		client.WithCredential(cfg.Session.Credential),
	)
	source := client.NewTokenSource(cfg.Push.TokenProviderURL, cfg.ToPushConfig().SyncTimeout)

	manager, err := pushtoken.NewManager(cfg.ToPushConfig(), source, backend, store)
	if err != nil {
		return fmt.Errorf("creating push token manager: %w", err)
	}
	defer manager.Shutdown(ctx)

	result, err := manager.ProcessQueue(ctx)
	if err != nil {
		return fmt.Errorf("draining retry queue: %w", err)
	}
	return printJSON(cmd, result)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
