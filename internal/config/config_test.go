package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/staybook/realtime/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `transport:
  app_key: "app-key"
  cluster: "eu"
backend:
  base_url: "https://api.example.test"
  user_id: "7"
channels:
  - private-App.Models.User.7
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, 5000, cfg.Reconnect.BaseIntervalMs)
	assert.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 30, cfg.Transport.HeartbeatIntervalSeconds)
	assert.Equal(t, 10, cfg.Transport.PongTimeoutSeconds)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Without app key and backend the defaults do not validate
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg, err := LoadConfigFromFile(writeFile(t, "config.yaml", minimalConfig+`
reconnect:
  max_attempts: 3
`))
	require.NoError(t, err)

	assert.Equal(t, "app-key", cfg.Transport.AppKey)
	assert.Equal(t, "eu", cfg.Transport.Cluster)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, []string{"private-App.Models.User.7"}, cfg.Channels)

	// Unspecified fields keep their defaults
	assert.Equal(t, 5000, cfg.Reconnect.BaseIntervalMs)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFromMissingFile(t *testing.T) {
	cfg, err := LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigPrecedence(t *testing.T) {
	configFile := writeFile(t, "config.yaml", minimalConfig+`
server:
  addr: ":9090"
logging:
  level: "debug"
`)
	envFile := writeFile(t, "test.env", "REALTIME_PUSH_VAPID_KEY=from-dotenv\nREALTIME_SERVER_ADDR=:7777\n")

	// Process environment beats .env, which beats the file
	t.Setenv("REALTIME_SERVER_ADDR", ":8888")
	t.Setenv("REALTIME_RECONNECT_MAX_ATTEMPTS", "9")
	t.Setenv("REALTIME_CHANNELS", "hotels,private-chat.4")
	t.Cleanup(func() { os.Unsetenv("REALTIME_PUSH_VAPID_KEY") })

	cfg, err := LoadConfig(configFile, envFile, Overrides{DataDir: "./cli-data", LogLevel: "warn", Credential: "secret"})
	require.NoError(t, err)

	absPath, _ := filepath.Abs("./cli-data")
	assert.Equal(t, absPath, cfg.Storage.DataDir)
	assert.Equal(t, ":8888", cfg.Server.Addr)
	assert.Equal(t, "from-dotenv", cfg.Push.VAPIDKey)
	assert.Equal(t, 9, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, []string{"hotels", "private-chat.4"}, cfg.Channels)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "secret", cfg.Session.Credential)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	configFile := writeFile(t, "config.yaml", `transport:
  app_key: "k"
  enabled_transports: [ws, sockjs]
backend:
  base_url: "https://api.example.test"
storage:
  type: "postgres"
`)
	_, err := LoadConfig(configFile, "", Overrides{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sockjs")
	assert.Contains(t, err.Error(), "postgres")
}

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Transport.AppKey = "app-key"
	cfg.Backend.UserID = "7"
	cfg.Push.VAPIDKey = "vapid"

	conn := cfg.ToConnectionConfig("wss://example.test/app/app-key")
	assert.Equal(t, 5*time.Second, conn.BaseInterval)
	assert.Equal(t, 10*time.Second, conn.ConnectTimeout)
	assert.Equal(t, 30*time.Second, conn.HeartbeatInterval)
	assert.Equal(t, 5, conn.MaxAttempts)

	endpoint := cfg.ToEndpoint("1.0.0")
	assert.Equal(t, "app-key", endpoint.AppKey)
	assert.Equal(t, ClientName, endpoint.ClientName)

	push := cfg.ToPushConfig()
	assert.Equal(t, "vapid", push.VAPIDKey)
	assert.Equal(t, "7", push.UserID)
	assert.Equal(t, 5*time.Second, push.RetryBase)
	assert.Equal(t, 8, push.RetryMaxAttempts)

	assert.Equal(t, time.Minute, cfg.ToNotificationsConfig().PollInterval)
	assert.Equal(t, 7*24*time.Hour, cfg.ToStoreConfig().TombstoneTTL)
	assert.Equal(t, 10*time.Minute, cfg.ToDispatcherConfig().DedupTTL)
	assert.Equal(t, storage.BadgerStorage, cfg.ToStorageFactoryConfig().Type)
	assert.Equal(t, cfg.Server.Addr, cfg.ToAPIConfig().Addr)
	assert.Equal(t, "realtime", cfg.ToTelemetryConfig("1.0.0").ServiceName)
}
