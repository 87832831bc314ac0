package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/api"
	"github.com/staybook/realtime/internal/channels"
	"github.com/staybook/realtime/internal/config"
	"github.com/staybook/realtime/internal/connection"
	"github.com/staybook/realtime/internal/dispatcher"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/internal/notifications"
	"github.com/staybook/realtime/internal/presence"
	"github.com/staybook/realtime/internal/pushtoken"
	"github.com/staybook/realtime/internal/storage"
	"github.com/staybook/realtime/internal/telemetry"
	"github.com/staybook/realtime/pkg/client"
	"golang.org/x/sync/errgroup"
)

// Option customizes engine construction
type Option func(*options)

type options struct {
	dialer      connection.Dialer
	tokenSource domain.TokenSource
}

// WithDialer replaces the websocket dialer
func WithDialer(d connection.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTokenSource replaces the platform token provider
func WithTokenSource(s domain.TokenSource) Option {
	return func(o *options) { o.tokenSource = s }
}

// credentials fans a refreshed session credential out to every signer
type credentials []interface{ SetCredential(string) }

func (c credentials) SetCredential(credential string) {
	for _, target := range c {
		target.SetCredential(credential)
	}
}

// Engine wires every component of the delivery layer together
type Engine struct {
	config  *config.Config
	version string

	storage       storage.Storage
	client        *client.Client
	conn          *connection.Manager
	registry      *channels.Registry
	dispatcher    *dispatcher.Dispatcher
	notifications *notifications.Service
	push          *pushtoken.Manager
	api           *api.API

	unregister  func()
	telemetryFn func(context.Context) error
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

// New builds the engine from configuration. Storage is opened here; nothing
// touches the network until Start.
func New(cfg *config.Config, version string, opts ...Option) (*Engine, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint := cfg.ToEndpoint(version)
	url, err := endpoint.URL()
	if err != nil {
		return nil, fmt.Errorf("invalid push endpoint: %w", err)
	}

	storeCfg := cfg.ToStorageFactoryConfig()
	if storeCfg.Type == storage.BadgerStorage {
		if err := os.MkdirAll(storeCfg.Config.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	store, err := storage.CreateStorage(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	backend := client.New(cfg.Backend.BaseURL,
		client.WithTimeout(time.Duration(cfg.Backend.TimeoutSeconds)*time.Second),
		client.WithAuthEndpoint(cfg.Transport.AuthEndpoint),
		client.WithCredential(cfg.Session.Credential),
	)

	connCfg := cfg.ToConnectionConfig(url)
	if o.dialer == nil {
		o.dialer = connection.NewWebSocketDialer(connCfg.ConnectTimeout)
	}
	conn := connection.NewManager(connCfg, o.dialer)

	tracker := presence.NewTracker()
	registry := channels.NewRegistry(cfg.ToRegistryConfig(), conn, backend, tracker)
	d := dispatcher.NewDispatcher(cfg.ToDispatcherConfig())
	registry.OnForget(d.Forget)

	if o.tokenSource == nil {
		o.tokenSource = client.NewTokenSource(cfg.Push.TokenProviderURL, cfg.ToPushConfig().SyncTimeout)
	}
	push, err := pushtoken.NewManager(cfg.ToPushConfig(), o.tokenSource, backend, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create push token manager: %w", err)
	}

	var snapshot domain.NotificationSnapshotStore
	if cfg.Notifications.Persist {
		snapshot = store
	}
	notes, err := notifications.NewService(
		cfg.ToNotificationsConfig(),
		notifications.NewStore(cfg.ToStoreConfig(), snapshot),
		backend, conn, push,
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to create notification service: %w", err)
	}

	e := &Engine{
		config:        cfg,
		version:       version,
		storage:       store,
		client:        backend,
		conn:          conn,
		registry:      registry,
		dispatcher:    d,
		notifications: notes,
		push:          push,
		logger:        log.With().Str("component", "engine").Logger(),
		metrics:       metrics.GetMetrics(),
	}
	e.unregister = notes.Register(d)
	e.api = api.NewAPI(cfg.ToAPIConfig(), api.Services{
		Connection:    conn,
		Session:       credentials{conn, backend},
		Channels:      registry,
		Presence:      tracker,
		Notifications: notes,
		PushTokens:    push,
	})
	return e, nil
}

// API returns the HTTP surface
func (e *Engine) API() *api.API {
	return e.api
}

// Connection returns the push connection manager
func (e *Engine) Connection() *connection.Manager {
	return e.conn
}

// Registry returns the channel registry
func (e *Engine) Registry() *channels.Registry {
	return e.registry
}

// Start runs every component until ctx is done or one of them fails
func (e *Engine) Start(ctx context.Context) error {
	e.logger.Info().Str("version", e.version).Msg("Starting realtime engine")

	telShutdown, err := telemetry.Setup(ctx, e.config.ToTelemetryConfig(e.version))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		e.telemetryFn = telShutdown
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.storage.Start(ctx)
	})
	g.Go(func() error {
		return e.registry.Run(ctx)
	})
	g.Go(func() error {
		return e.dispatcher.Start(ctx, e.registry.Events())
	})
	g.Go(func() error {
		return e.notifications.Start(ctx)
	})
	g.Go(func() error {
		return e.push.Start(ctx)
	})
	g.Go(func() error {
		return e.api.Start(ctx)
	})
	g.Go(func() error {
		e.watch(ctx)
		return nil
	})

	for _, name := range e.config.Channels {
		if err := e.registry.Subscribe(name); err != nil {
			e.logger.Warn().Err(err).Str("channel", name).Msg("Skipping configured channel")
		}
	}
	if err := e.conn.Connect(e.config.Session.Credential); err != nil {
		return fmt.Errorf("failed to start connection: %w", err)
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("error running engine: %w", err)
	}

	e.logger.Info().Msg("Realtime engine stopped")
	return nil
}

// watch logs connection transitions and subscription outcomes
func (e *Engine) watch(ctx context.Context) {
	changes, stop := e.conn.Watch()
	defer stop()
	notices := e.registry.Notices()

	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			event := e.logger.Info()
			if change.To == domain.StateFailed {
				event = e.logger.Error().Err(change.Err)
			}
			event.
				Str("from", change.From.String()).
				Str("to", change.To.String()).
				Int("attempt", change.Attempt).
				Msg("Connection state changed")

		case notice := <-notices:
			switch {
			case notice.Kind != channels.NoticeAuthFailed:
				e.logger.Debug().Str("channel", notice.Channel).Str("kind", string(notice.Kind)).Msg("Channel notice")
			case client.IsUnauthorized(notice.Err):
				e.logger.Warn().Err(notice.Err).Str("channel", notice.Channel).Msg("Channel auth rejected; session credential may have expired")
			default:
				e.logger.Warn().Err(notice.Err).Str("channel", notice.Channel).Msg("Channel auth failed")
			}

		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops the engine, API first and storage last
func (e *Engine) Shutdown(ctx context.Context) error {
	e.logger.Info().Msg("Shutting down realtime engine")

	if err := e.api.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down API")
	}

	if err := e.conn.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down connection")
	}
	if err := e.registry.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down channel registry")
	}

	e.unregister()
	if err := e.dispatcher.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down dispatcher")
	}

	if err := e.push.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down push token manager")
	}
	if err := e.notifications.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to flush notifications")
	}

	// Storage last; the services above flush into it
	if err := e.storage.Shutdown(ctx); err != nil {
		e.logger.Error().Err(err).Msg("Failed to shut down storage")
		return err
	}

	if e.telemetryFn != nil {
		if err := e.telemetryFn(ctx); err != nil {
			e.logger.Error().Err(err).Msg("Failed to shut down telemetry")
		}
	}
	return nil
}
