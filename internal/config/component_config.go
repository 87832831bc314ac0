package config

import (
	"net/http"
	"time"

	"github.com/staybook/realtime/internal/api"
	"github.com/staybook/realtime/internal/channels"
	"github.com/staybook/realtime/internal/connection"
	"github.com/staybook/realtime/internal/dispatcher"
	"github.com/staybook/realtime/internal/logging"
	"github.com/staybook/realtime/internal/notifications"
	"github.com/staybook/realtime/internal/pushtoken"
	"github.com/staybook/realtime/internal/storage"
	"github.com/staybook/realtime/internal/storage/badger"
	"github.com/staybook/realtime/internal/telemetry"
)

// ClientName is reported to the push server in the websocket URL
const ClientName = "realtimed"

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// ToEndpoint converts to the push server endpoint
func (c *Config) ToEndpoint(version string) connection.Endpoint {
	return connection.Endpoint{
		AppKey:            c.Transport.AppKey,
		Cluster:           c.Transport.Cluster,
		Host:              c.Transport.Host,
		Port:              c.Transport.Port,
		UseTLS:            c.Transport.UseTLS,
		EnabledTransports: c.Transport.EnabledTransports,
		ClientName:        ClientName,
		ClientVersion:     version,
	}
}

// ToConnectionConfig converts to the connection manager config; url comes from ToEndpoint
func (c *Config) ToConnectionConfig(url string) connection.Config {
	cfg := connection.DefaultConfig()
	cfg.URL = url
	cfg.Header = http.Header{}
	cfg.ConnectTimeout = milliseconds(c.Transport.ConnectTimeoutMs)
	cfg.HeartbeatInterval = seconds(c.Transport.HeartbeatIntervalSeconds)
	cfg.PongTimeout = seconds(c.Transport.PongTimeoutSeconds)
	cfg.BaseInterval = milliseconds(c.Reconnect.BaseIntervalMs)
	cfg.Multiplier = c.Reconnect.Multiplier
	cfg.MaxInterval = milliseconds(c.Reconnect.MaxIntervalMs)
	cfg.MaxAttempts = c.Reconnect.MaxAttempts
	return cfg
}

// ToRegistryConfig converts to the channel registry config
func (c *Config) ToRegistryConfig() channels.Config {
	cfg := channels.DefaultConfig()
	if c.Backend.TimeoutSeconds > 0 {
		cfg.AuthTimeout = seconds(c.Backend.TimeoutSeconds)
	}
	return cfg
}

// ToDispatcherConfig converts to the dispatcher config
func (c *Config) ToDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		DedupSize:  c.Dispatcher.DedupSize,
		DedupTTL:   seconds(c.Dispatcher.DedupTTLSeconds),
		LaneBuffer: c.Dispatcher.LaneBuffer,
	}
}

// ToNotificationsConfig converts to the notification service config
func (c *Config) ToNotificationsConfig() notifications.Config {
	return notifications.Config{
		MaxPages:     c.Notifications.MaxPages,
		PollInterval: seconds(c.Notifications.PollIntervalSeconds),
		SyncTimeout:  seconds(c.Backend.TimeoutSeconds),
	}
}

// ToStoreConfig converts to the notification store config
func (c *Config) ToStoreConfig() notifications.StoreConfig {
	cfg := notifications.DefaultStoreConfig()
	cfg.TombstoneTTL = time.Duration(c.Notifications.TombstoneTTLHours) * time.Hour
	return cfg
}

// ToPushConfig converts to the push token manager config
func (c *Config) ToPushConfig() pushtoken.Config {
	cfg := pushtoken.DefaultConfig()
	cfg.VAPIDKey = c.Push.VAPIDKey
	cfg.UserID = c.Backend.UserID
	cfg.SyncTimeout = seconds(c.Push.SyncTimeoutSeconds)
	cfg.RetryInterval = seconds(c.Push.RetryIntervalSeconds)
	cfg.RetryBase = seconds(c.Push.RetryBaseSeconds)
	cfg.RetryMaxInterval = seconds(c.Push.RetryMaxIntervalSeconds)
	cfg.RetryMaxAttempts = c.Push.RetryMaxAttempts
	return cfg
}

// ToStorageFactoryConfig converts to the storage factory config
func (c *Config) ToStorageFactoryConfig() storage.FactoryConfig {
	cfg := badger.DefaultConfig()
	cfg.DataDir = c.Storage.DataDir
	if c.Storage.GCMinutes > 0 {
		cfg.GCInterval = time.Duration(c.Storage.GCMinutes) * time.Minute
	}
	return storage.FactoryConfig{
		Type:   storage.StorageType(c.Storage.Type),
		Config: cfg,
	}
}

// ToAPIConfig converts to the HTTP API config
func (c *Config) ToAPIConfig() api.Config {
	return api.Config{
		Addr:           c.Server.Addr,
		ReadTimeout:    seconds(c.Server.ReadTimeout),
		WriteTimeout:   seconds(c.Server.WriteTimeout),
		IdleTimeout:    seconds(c.Server.IdleTimeout),
		AllowedOrigins: c.Server.AllowedOrigins,
		ServiceName:    c.Telemetry.ServiceName,
	}
}

// ToLoggingConfig converts to logging config
func (c *Config) ToLoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(c.Logging.Level)
	cfg.Format = logging.LogFormat(c.Logging.Format)
	cfg.IncludeCaller = c.Logging.IncludeCaller
	cfg.GlobalFields = c.Logging.GlobalFields
	cfg.File = logging.FileConfig{
		Path:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   true,
	}
	return cfg
}

// ToTelemetryConfig converts to telemetry config
func (c *Config) ToTelemetryConfig(version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.Enabled = c.Telemetry.Enabled
	cfg.ServiceName = c.Telemetry.ServiceName
	cfg.ServiceVersion = version
	cfg.Endpoint = c.Telemetry.Endpoint
	cfg.Insecure = c.Telemetry.Insecure
	cfg.SamplingRatio = c.Telemetry.SamplingRatio
	cfg.Attributes = c.Telemetry.Attributes
	return cfg
}
