package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/api/errors"
	"github.com/staybook/realtime/internal/api/models"
	"github.com/staybook/realtime/internal/api/response"
	"github.com/staybook/realtime/internal/api/validation"
	"github.com/staybook/realtime/internal/channels"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/logging"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/internal/telemetry"
	"github.com/staybook/realtime/pkg/protocol"
)

// Config contains API configuration
type Config struct {
	// Server address
	Addr string

	// Timeouts
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration

	// AllowedOrigins for CORS
	AllowedOrigins []string

	// ServiceName labels request spans
	ServiceName string
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		RequestTimeout: 25 * time.Second,
		AllowedOrigins: []string{"*"},
		ServiceName:    "realtime",
	}
}

// API serves the local HTTP surface
type API struct {
	config   Config
	services Services
	router   *chi.Mux
	server   *http.Server
	logger   zerolog.Logger
	metrics  *metrics.Metrics
}

// NewAPI creates a new API instance
func NewAPI(config Config, services Services) *API {
	defaults := DefaultConfig()
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = defaults.IdleTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if len(config.AllowedOrigins) == 0 {
		config.AllowedOrigins = defaults.AllowedOrigins
	}
	if config.ServiceName == "" {
		config.ServiceName = defaults.ServiceName
	}

	a := &API{
		config:   config,
		services: services,
		logger:   log.With().Str("component", "api").Logger(),
		metrics:  metrics.GetMetrics(),
	}
	a.router = a.newRouter()
	return a
}

// Handler returns the routed handler
func (a *API) Handler() http.Handler {
	return a.router
}

// Start runs the HTTP server until ctx is done
func (a *API) Start(ctx context.Context) error {
	a.logger.Info().Str("addr", a.config.Addr).Msg("Starting API server")

	a.server = &http.Server{
		Addr:         a.config.Addr,
		Handler:      a.router,
		ReadTimeout:  a.config.ReadTimeout,
		WriteTimeout: a.config.WriteTimeout,
		IdleTimeout:  a.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server error: %w", err)
		}
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Shutdown gracefully shuts down the API server
func (a *API) Shutdown(ctx context.Context) error {
	a.logger.Info().Msg("Shutting down API server")
	if a.server == nil {
		return nil
	}
	return a.server.Shutdown(ctx)
}

func (a *API) newRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.HTTPMiddleware(a.config.ServiceName))
	r.Use(logging.HTTPMiddleware())
	r.Use(a.instrument)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(a.config.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/healthz", a.handleHealth)
	r.Get("/readyz", a.handleReady)
	r.Get("/status", a.handleStatus)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/connection", func(r chi.Router) {
		r.Post("/connect", a.handleConnect)
		r.Post("/disconnect", a.handleDisconnect)
	})
	r.Post("/session/credential", a.handleSetCredential)

	r.Route("/fcm", func(r chi.Router) {
		r.Post("/get-token", a.handleGetToken)
		r.Get("/get-token", a.handleValidateToken)
		r.Post("/token/delete", a.handleDeleteToken)
	})

	r.Route("/notifications", func(r chi.Router) {
		r.Get("/", a.handleListNotifications)
		r.Post("/refresh", a.handleRefreshNotifications)
		r.Post("/read-all", a.handleMarkAllRead)
		r.Post("/{id}/read", a.handleMarkRead)
		r.Delete("/{id}", a.handleDeleteNotification)
	})

	r.Route("/channels", func(r chi.Router) {
		r.Get("/", a.handleListChannels)
		r.Post("/subscribe", a.handleSubscribe)
		r.Post("/unsubscribe", a.handleUnsubscribe)
		r.Post("/{name}/resubscribe", a.handleResubscribe)
		r.Get("/{name}/members", a.handleMembers)
	})

	return r
}

// instrument records request counts and latency by route pattern
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		a.metrics.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		a.metrics.APIRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once the push connection is up
func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.services.Connection == nil {
		response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
		return
	}

	snap := a.services.Connection.Snapshot()
	if snap.State != domain.StateConnected {
		response.Error(w, r, errors.UnavailableError("not_ready", "connection is "+snap.State.Status()))
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := models.StatusResponse{Channels: []channels.Channel{}}
	if a.services.Connection != nil {
		status.Connection = a.services.Connection.Snapshot()
	}
	if a.services.Channels != nil {
		status.Channels = a.services.Channels.Channels()
	}
	if a.services.Notifications != nil {
		status.UnreadCount = a.services.Notifications.UnreadCount()
	}
	if a.services.PushTokens != nil {
		status.Push.Active = a.services.PushTokens.Active()
	}
	response.JSON(w, r, http.StatusOK, status)
}

// handleConnect re-initiates the push connection, e.g. after it gave up
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req models.ConnectRequest
	if err := validation.ParseOptional(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if req.Credential != "" {
		a.services.Session.SetCredential(req.Credential)
	}
	if err := a.services.Connection.Connect(a.services.Connection.Credential()); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusAccepted, a.services.Connection.Snapshot())
}

func (a *API) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	a.services.Connection.Disconnect()
	response.JSON(w, r, http.StatusOK, a.services.Connection.Snapshot())
}

// handleSetCredential swaps the session credential used for channel auth and
// backend calls. With resubscribe set, channels whose handshake failed are
// retried right away.
func (a *API) handleSetCredential(w http.ResponseWriter, r *http.Request) {
	var req models.CredentialRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	a.services.Session.SetCredential(req.Credential)
	resp := models.CredentialResponse{Updated: true, Resubscribed: []string{}}

	if req.Resubscribe {
		for _, ch := range a.services.Channels.Channels() {
			if !ch.Desired || ch.Actual {
				continue
			}
			if err := a.services.Channels.Resubscribe(ch.Name); err != nil {
				logger := logging.FromContext(r.Context())
				logger.Warn().Err(err).Str("channel", ch.Name).Msg("Failed to resubscribe channel")
				continue
			}
			resp.Resubscribed = append(resp.Resubscribed, ch.Name)
		}
	}

	logger := logging.FromContext(r.Context())
	logger.Info().
		Int("resubscribed", len(resp.Resubscribed)).
		Msg("Session credential replaced")
	response.JSON(w, r, http.StatusOK, resp)
}

func (a *API) handleGetToken(w http.ResponseWriter, r *http.Request) {
	var req models.GetTokenRequest
	if err := validation.ParseOptional(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	result, err := a.services.PushTokens.Acquire(r.Context(), req.VAPIDKey)
	if err != nil {
		logger := logging.FromContext(r.Context())
		logger.Error().Err(err).Msg("Failed to acquire push token")
		response.Error(w, r, err)
		return
	}

	response.Raw(w, http.StatusOK, models.GetTokenResponse{
		Success:   true,
		Token:     result.Token,
		ExpiresIn: int64(result.ExpiresIn / time.Second),
	})
}

func (a *API) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if err := validation.Required("token", token); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, a.services.PushTokens.Validate(r.Context(), token))
}

// handleDeleteToken succeeds once the token is deleted locally; a failed
// backend sync only adds a warning
func (a *API) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	var req models.DeleteTokenRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	result, err := a.services.PushTokens.Delete(r.Context(), req.Token, req.UserID)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	if result.Warning != "" {
		logger := logging.FromContext(r.Context())
		logger.Warn().
			Str("token", domain.Redact(req.Token)).
			Msg("Push token deleted locally; backend sync deferred")
	}
	response.Raw(w, http.StatusOK, models.DeleteTokenResponse{
		Success: true,
		Message: "Token deleted",
		Warning: result.Warning,
	})
}

func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	items := a.services.Notifications.List()
	if r.URL.Query().Get("unread") == "true" {
		unread := make([]*domain.NotificationRecord, 0, len(items))
		for _, item := range items {
			if item.IsUnread() {
				unread = append(unread, item)
			}
		}
		items = unread
	}
	if items == nil {
		items = []*domain.NotificationRecord{}
	}

	response.JSON(w, r, http.StatusOK, models.NotificationListResponse{
		Items:       items,
		UnreadCount: a.services.Notifications.UnreadCount(),
	})
}

func (a *API) handleRefreshNotifications(w http.ResponseWriter, r *http.Request) {
	result, err := a.services.Notifications.Refresh(r.Context())
	if err != nil {
		response.Error(w, r, errors.UpstreamError("refresh_failed", err.Error()).WithDetails(result))
		return
	}
	response.JSON(w, r, http.StatusOK, result)
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.services.Notifications.MarkRead(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NotificationMutationResponse{
		ID:          id,
		UnreadCount: a.services.Notifications.UnreadCount(),
	})
}

func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	updated := a.services.Notifications.MarkAllRead(r.Context())
	response.JSON(w, r, http.StatusOK, models.NotificationMutationResponse{
		Updated:     updated,
		UnreadCount: a.services.Notifications.UnreadCount(),
	})
}

func (a *API) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.services.Notifications.Delete(r.Context(), id); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.NotificationMutationResponse{
		ID:          id,
		UnreadCount: a.services.Notifications.UnreadCount(),
	})
}

func (a *API) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list := a.services.Channels.Channels()
	if list == nil {
		list = []channels.Channel{}
	}
	response.JSON(w, r, http.StatusOK, list)
}

func (a *API) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.ChannelRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.services.Channels.Subscribe(req.Channel); err != nil {
		response.Error(w, r, err)
		return
	}

	ch, _ := a.services.Channels.Get(req.Channel)
	response.JSON(w, r, http.StatusAccepted, ch)
}

func (a *API) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req models.ChannelRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.services.Channels.Unsubscribe(req.Channel); err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"channel": req.Channel})
}

func (a *API) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := validation.ChannelName("name", name); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.services.Channels.Resubscribe(name); err != nil {
		response.Error(w, r, err)
		return
	}
	ch, _ := a.services.Channels.Get(name)
	response.JSON(w, r, http.StatusAccepted, ch)
}

func (a *API) handleMembers(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if protocol.KindOf(name) != protocol.ChannelPresence {
		response.Error(w, r, errors.ValidationError("not_presence_channel", "members are only tracked for presence channels"))
		return
	}
	if _, ok := a.services.Channels.Get(name); !ok {
		response.Error(w, r, errors.NotFoundError("channel_not_found", "channel "+name+" is not subscribed"))
		return
	}

	members := a.services.Presence.Members(name)
	if members == nil {
		members = []domain.PresenceMember{}
	}
	response.JSON(w, r, http.StatusOK, models.MembersResponse{
		Channel: name,
		Count:   len(members),
		Members: members,
	})
}
