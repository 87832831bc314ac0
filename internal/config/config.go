package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. REALTIME_BACKEND_BASE_URL
const EnvPrefix = "realtime"

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" envconfig:"server"`
	Transport     TransportConfig     `yaml:"transport" envconfig:"transport"`
	Reconnect     ReconnectConfig     `yaml:"reconnect" envconfig:"reconnect"`
	Backend       BackendConfig       `yaml:"backend" envconfig:"backend"`
	Session       SessionConfig       `yaml:"session" envconfig:"session"`
	Channels      []string            `yaml:"channels" envconfig:"channels"`
	Dispatcher    DispatcherConfig    `yaml:"dispatcher" envconfig:"dispatcher"`
	Notifications NotificationsConfig `yaml:"notifications" envconfig:"notifications"`
	Push          PushConfig          `yaml:"push" envconfig:"push"`
	Storage       StorageConfig       `yaml:"storage" envconfig:"storage"`
	Logging       LoggingConfig       `yaml:"logging" envconfig:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry" envconfig:"telemetry"`
	Metrics       MetricsConfig       `yaml:"metrics" envconfig:"metrics"`
}

// ServerConfig contains local HTTP server settings
type ServerConfig struct {
	Addr           string   `yaml:"addr" envconfig:"addr"`
	ReadTimeout    int      `yaml:"read_timeout" envconfig:"read_timeout"`
	WriteTimeout   int      `yaml:"write_timeout" envconfig:"write_timeout"`
	IdleTimeout    int      `yaml:"idle_timeout" envconfig:"idle_timeout"`
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"allowed_origins"`
}

// TransportConfig describes the push server and its keepalive
type TransportConfig struct {
	AppKey                   string   `yaml:"app_key" envconfig:"app_key"`
	Cluster                  string   `yaml:"cluster" envconfig:"cluster"`
	Host                     string   `yaml:"host" envconfig:"host"`
	Port                     int      `yaml:"port" envconfig:"port"`
	UseTLS                   bool     `yaml:"use_tls" envconfig:"use_tls"`
	AuthEndpoint             string   `yaml:"auth_endpoint" envconfig:"auth_endpoint"`
	EnabledTransports        []string `yaml:"enabled_transports" envconfig:"enabled_transports"`
	ConnectTimeoutMs         int      `yaml:"connect_timeout_ms" envconfig:"connect_timeout_ms"`
	HeartbeatIntervalSeconds int      `yaml:"heartbeat_interval_seconds" envconfig:"heartbeat_interval_seconds"`
	PongTimeoutSeconds       int      `yaml:"pong_timeout_seconds" envconfig:"pong_timeout_seconds"`
}

// ReconnectConfig is the reconnection policy
type ReconnectConfig struct {
	BaseIntervalMs int     `yaml:"base_interval_ms" envconfig:"base_interval_ms"`
	Multiplier     float64 `yaml:"multiplier" envconfig:"multiplier"`
	MaxIntervalMs  int     `yaml:"max_interval_ms" envconfig:"max_interval_ms"`
	MaxAttempts    int     `yaml:"max_attempts" envconfig:"max_attempts"`
}

// BackendConfig points at the booking backend
type BackendConfig struct {
	BaseURL        string `yaml:"base_url" envconfig:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"timeout_seconds"`
	UserID         string `yaml:"user_id" envconfig:"user_id"`
}

// SessionConfig carries the user session
type SessionConfig struct {
	Credential string `yaml:"credential" envconfig:"credential"`
}

// DispatcherConfig contains event dispatch settings
type DispatcherConfig struct {
	DedupSize       int `yaml:"dedup_size" envconfig:"dedup_size"`
	DedupTTLSeconds int `yaml:"dedup_ttl_seconds" envconfig:"dedup_ttl_seconds"`
	LaneBuffer      int `yaml:"lane_buffer" envconfig:"lane_buffer"`
}

// NotificationsConfig contains notification cache settings
type NotificationsConfig struct {
	MaxPages            int  `yaml:"max_pages" envconfig:"max_pages"`
	PollIntervalSeconds int  `yaml:"poll_interval_seconds" envconfig:"poll_interval_seconds"`
	Persist             bool `yaml:"persist" envconfig:"persist"`
	TombstoneTTLHours   int  `yaml:"tombstone_ttl_hours" envconfig:"tombstone_ttl_hours"`
}

// PushConfig contains device push token settings
type PushConfig struct {
	TokenProviderURL        string `yaml:"token_provider_url" envconfig:"token_provider_url"`
	VAPIDKey                string `yaml:"vapid_key" envconfig:"vapid_key"`
	SyncTimeoutSeconds      int    `yaml:"sync_timeout_seconds" envconfig:"sync_timeout_seconds"`
	RetryIntervalSeconds    int    `yaml:"retry_interval_seconds" envconfig:"retry_interval_seconds"`
	RetryBaseSeconds        int    `yaml:"retry_base_seconds" envconfig:"retry_base_seconds"`
	RetryMaxIntervalSeconds int    `yaml:"retry_max_interval_seconds" envconfig:"retry_max_interval_seconds"`
	RetryMaxAttempts        int    `yaml:"retry_max_attempts" envconfig:"retry_max_attempts"`
}

// StorageConfig contains durable state settings
type StorageConfig struct {
	Type      string `yaml:"type" envconfig:"type"`
	DataDir   string `yaml:"data_dir" envconfig:"data_dir"`
	GCMinutes int    `yaml:"gc_interval_minutes" envconfig:"gc_interval_minutes"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level         string            `yaml:"level" envconfig:"level"`
	Format        string            `yaml:"format" envconfig:"format"`
	IncludeCaller bool              `yaml:"include_caller" envconfig:"include_caller"`
	File          string            `yaml:"file" envconfig:"file"`
	MaxSizeMB     int               `yaml:"max_size_mb" envconfig:"max_size_mb"`
	MaxBackups    int               `yaml:"max_backups" envconfig:"max_backups"`
	MaxAgeDays    int               `yaml:"max_age_days" envconfig:"max_age_days"`
	GlobalFields  map[string]string `yaml:"global_fields" envconfig:"global_fields"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	Enabled       bool              `yaml:"enabled" envconfig:"enabled"`
	ServiceName   string            `yaml:"service_name" envconfig:"service_name"`
	Endpoint      string            `yaml:"endpoint" envconfig:"endpoint"`
	Insecure      bool              `yaml:"insecure" envconfig:"insecure"`
	SamplingRatio float64           `yaml:"sampling_ratio" envconfig:"sampling_ratio"`
	Attributes    map[string]string `yaml:"attributes" envconfig:"attributes"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"enabled"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:8080",
			ReadTimeout:    5,
			WriteTimeout:   30,
			IdleTimeout:    120,
			AllowedOrigins: []string{"*"},
		},
		Transport: TransportConfig{
			Cluster:                  "mt1",
			Port:                     443,
			UseTLS:                   true,
			AuthEndpoint:             "/broadcasting/auth",
			EnabledTransports:        []string{"ws", "wss"},
			ConnectTimeoutMs:         10000,
			HeartbeatIntervalSeconds: 30,
			PongTimeoutSeconds:       10,
		},
		Reconnect: ReconnectConfig{
			BaseIntervalMs: 5000,
			Multiplier:     1.0,
			MaxIntervalMs:  60000,
			MaxAttempts:    5,
		},
		Backend: BackendConfig{
			TimeoutSeconds: 10,
		},
		Dispatcher: DispatcherConfig{
			DedupSize:       512,
			DedupTTLSeconds: 600,
			LaneBuffer:      256,
		},
		Notifications: NotificationsConfig{
			MaxPages:            10,
			PollIntervalSeconds: 60,
			Persist:             true,
			TombstoneTTLHours:   7 * 24,
		},
		Push: PushConfig{
			SyncTimeoutSeconds:      10,
			RetryIntervalSeconds:    30,
			RetryBaseSeconds:        5,
			RetryMaxIntervalSeconds: 600,
			RetryMaxAttempts:        8,
		},
		Storage: StorageConfig{
			Type:      "badger",
			DataDir:   "./data",
			GCMinutes: 10,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			MaxSizeMB:    50,
			MaxBackups:   5,
			MaxAgeDays:   14,
			GlobalFields: map[string]string{},
		},
		Telemetry: TelemetryConfig{
			Enabled:       false,
			ServiceName:   "realtime",
			Endpoint:      "localhost:4317",
			Insecure:      true,
			SamplingRatio: 0.1,
			Attributes:    map[string]string{},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// LoadConfigFromFile loads configuration from a YAML file over the defaults
func LoadConfigFromFile(filePath string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn().Str("file", filePath).Msg("Configuration file not found, using defaults")
			return config, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// Overrides are command line values; empty fields are ignored
type Overrides struct {
	DataDir    string
	ServerAddr string
	LogLevel   string
	Credential string
}

// LoadConfig layers defaults, the YAML file, .env, REALTIME_* variables and
// command line overrides, in increasing priority
func LoadConfig(configFile, envFile string, overrides Overrides) (*Config, error) {
	config := DefaultConfig()
	if configFile != "" {
		var err error
		if config, err = LoadConfigFromFile(configFile); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(envFile); err != nil {
		return nil, err
	}
	if err := envconfig.Process(EnvPrefix, config); err != nil {
		return nil, fmt.Errorf("error reading environment: %w", err)
	}

	if overrides.DataDir != "" {
		absDataDir, err := filepath.Abs(overrides.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for data directory: %w", err)
		}
		config.Storage.DataDir = absDataDir
	}
	if overrides.ServerAddr != "" {
		config.Server.Addr = overrides.ServerAddr
	}
	if overrides.LogLevel != "" {
		config.Logging.Level = overrides.LogLevel
	}
	if overrides.Credential != "" {
		config.Session.Credential = overrides.Credential
	}

	return config, config.Validate()
}

// loadDotEnv reads envFile, or ./.env when envFile is empty. Variables
// already set in the process environment win.
func loadDotEnv(envFile string) error {
	if envFile == "" {
		if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("error loading .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("error loading %s: %w", envFile, err)
	}
	return nil
}

// Validate checks settings the service cannot start without
func (c *Config) Validate() error {
	var errs []error

	if c.Transport.AppKey == "" {
		errs = append(errs, errors.New("transport.app_key is required"))
	}
	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	for _, t := range c.Transport.EnabledTransports {
		if t != "ws" && t != "wss" {
			errs = append(errs, fmt.Errorf("transport.enabled_transports: unknown transport %q", t))
		}
	}
	if c.Reconnect.MaxAttempts < 1 {
		errs = append(errs, errors.New("reconnect.max_attempts must be at least 1"))
	}
	switch c.Storage.Type {
	case "badger", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.type: unknown type %q", c.Storage.Type))
	}
	if c.Push.RetryMaxAttempts < 1 {
		errs = append(errs, errors.New("push.retry_max_attempts must be at least 1"))
	}

	return errors.Join(errs...)
}
