package notifications

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/dispatcher"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/internal/telemetry"
	"github.com/staybook/realtime/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// StateSource reports the push connection state
type StateSource interface {
	State() domain.ConnectionState
}

// PushStatus reports whether device push delivery is active
type PushStatus interface {
	Active() bool
}

// Config contains configuration for the notification service
type Config struct {
	// MaxPages bounds a full refresh
	MaxPages int

	// PollInterval is the fallback polling period; zero disables polling
	PollInterval time.Duration

	// SyncTimeout bounds each best-effort backend call
	SyncTimeout time.Duration
}

// DefaultConfig returns the default service configuration
func DefaultConfig() Config {
	return Config{
		MaxPages:     10,
		PollInterval: time.Minute,
		SyncTimeout:  10 * time.Second,
	}
}

// RefreshResult summarizes a paginated fetch
type RefreshResult struct {
	Pages    int `json:"pages"`
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
	Stale    int `json:"stale"`
	Unread   int `json:"unread_count"`
}

// Service keeps the store in sync with the backend and the push stream
type Service struct {
	config  Config
	store   *Store
	backend domain.NotificationBackend
	conn    StateSource
	push    PushStatus

	cron    gocron.Scheduler
	flights singleflight.Group

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewService creates a notification service. conn and push may be nil.
func NewService(config Config, store *Store, backend domain.NotificationBackend, conn StateSource, push PushStatus) (*Service, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating poll scheduler: %w", err)
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 1
	}

	return &Service{
		config:  config,
		store:   store,
		backend: backend,
		conn:    conn,
		push:    push,
		cron:    cron,
		logger:  log.With().Str("component", "notification-service").Logger(),
		metrics: metrics.GetMetrics(),
	}, nil
}

// Store returns the underlying store
func (s *Service) Store() *Store {
	return s.store
}

// List returns the live notifications, newest first
func (s *Service) List() []*domain.NotificationRecord {
	return s.store.List()
}

// UnreadCount returns the derived unread count
func (s *Service) UnreadCount() int {
	return s.store.UnreadCount()
}

// Register attaches the push handlers to the dispatcher and returns a func that removes them
func (s *Service) Register(d *dispatcher.Dispatcher) func() {
	offs := []func(){
		d.On(protocol.EventNewMessage, s.HandleNotification),
		d.On(protocol.EventNotificationCreated, s.HandleNotification),
		d.On(protocol.EventMessageRead, s.HandleRead),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// HandleNotification merges a pushed notification
func (s *Service) HandleNotification(ctx context.Context, event domain.Event) error {
	rec, stamped, err := recordFromEvent(event)
	if err != nil {
		return err
	}

	var result MergeResult
	if stamped {
		result = s.store.Merge(OriginPush, rec)[0]
	} else {
		result = s.store.Insert(OriginPush, rec)
	}
	s.logger.Debug().
		Str("id", rec.ID).
		Str("event", event.Name).
		Str("result", string(result)).
		Int("unread", s.store.UnreadCount()).
		Msg("Merged pushed notification")
	return nil
}

// HandleRead applies a read receipt pushed from another session
func (s *Service) HandleRead(ctx context.Context, event domain.Event) error {
	ids, at, err := readFromEvent(event)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.store.ApplyRead(id, at)
	}
	return nil
}

// Refresh fetches pages until next_page_url is empty or MaxPages is reached
func (s *Service) Refresh(ctx context.Context) (RefreshResult, error) {
	return s.fetch(ctx, s.config.MaxPages)
}

// fetch collapses concurrent fetches of the same depth
func (s *Service) fetch(ctx context.Context, maxPages int) (RefreshResult, error) {
	v, err, _ := s.flights.Do(strconv.Itoa(maxPages), func() (interface{}, error) {
		return s.fetchPages(ctx, maxPages)
	})
	if v == nil {
		return RefreshResult{}, err
	}
	return v.(RefreshResult), err
}

func (s *Service) fetchPages(ctx context.Context, maxPages int) (RefreshResult, error) {
	ctx, span := telemetry.StartSpan(ctx, "notifications.refresh")
	defer span.End()
	telemetry.AddSpanAttributes(ctx, attribute.Int("max_pages", maxPages))

	var result RefreshResult
	for page := 1; page <= maxPages; page++ {
		resp, err := s.backend.ListNotifications(ctx, page)
		if err != nil {
			s.metrics.NotificationFetches.WithLabelValues("error").Inc()
			telemetry.MarkSpanError(ctx, err)
			result.Unread = s.store.UnreadCount()
			return result, fmt.Errorf("failed to fetch notifications page %d: %w", page, err)
		}
		s.metrics.NotificationFetches.WithLabelValues("success").Inc()

		result.Pages++
		result.Fetched += len(resp.Data)
		for _, r := range s.store.Merge(OriginFetch, resp.Data...) {
			switch r {
			case MergeInserted:
				result.Inserted++
			case MergeUpdated:
				result.Updated++
			case MergeStale:
				result.Stale++
			}
		}

		if !resp.HasNext() {
			break
		}
	}

	s.store.PruneTombstones()
	result.Unread = s.store.UnreadCount()
	s.logger.Debug().
		Int("pages", result.Pages).
		Int("fetched", result.Fetched).
		Int("unread", result.Unread).
		Msg("Refreshed notifications")
	return result, nil
}

// MarkRead marks one notification read locally, then tells the backend
func (s *Service) MarkRead(ctx context.Context, id string) error {
	if err := s.store.MarkRead(id); err != nil {
		return err
	}
	s.sync(ctx, "mark_read", id, func(ctx context.Context) error {
		return s.backend.MarkNotificationRead(ctx, id)
	})
	return nil
}

// MarkAllRead marks everything read locally, then tells the backend
func (s *Service) MarkAllRead(ctx context.Context) int {
	changed := s.store.MarkAllRead()
	s.sync(ctx, "mark_all_read", "", func(ctx context.Context) error {
		return s.backend.MarkAllNotificationsRead(ctx)
	})
	return changed
}

// Delete tombstones a notification locally, then tells the backend
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(id); err != nil {
		return err
	}
	s.sync(ctx, "delete", id, func(ctx context.Context) error {
		return s.backend.DeleteNotification(ctx, id)
	})
	return nil
}

// sync runs a backend call whose failure never reverts local state
func (s *Service) sync(ctx context.Context, op, id string, call func(context.Context) error) {
	if s.backend == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.SyncTimeout)
	defer cancel()

	if err := call(ctx); err != nil {
		s.logger.Warn().Err(err).Str("op", op).Str("id", id).Msg("Backend notification sync failed; keeping local state")
	}
}

// NeedsPolling reports whether neither push path is delivering
func (s *Service) NeedsPolling() bool {
	if s.push != nil && s.push.Active() {
		return false
	}
	if s.conn != nil && s.conn.State() == domain.StateConnected {
		return false
	}
	return true
}

// Poll re-fetches the first page when polling is needed
func (s *Service) Poll(ctx context.Context) bool {
	if !s.NeedsPolling() {
		return false
	}
	if _, err := s.fetch(ctx, 1); err != nil {
		s.logger.Warn().Err(err).Msg("Fallback poll failed")
	}
	return true
}

// Start loads the snapshot, runs the first refresh and polls until ctx is done
func (s *Service) Start(ctx context.Context) error {
	s.store.Load(ctx)

	if s.config.PollInterval > 0 {
		_, err := s.cron.NewJob(
			gocron.DurationJob(s.config.PollInterval),
			gocron.NewTask(func() { s.Poll(ctx) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduling fallback poll: %w", err)
		}
	}
	s.cron.Start()

	if s.backend != nil {
		if _, err := s.Refresh(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Initial notification refresh failed; serving cached state")
		}
	}

	<-ctx.Done()
	return nil
}

// Shutdown stops polling and flushes the snapshot
func (s *Service) Shutdown(ctx context.Context) error {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop poll scheduler")
	}
	return s.store.Flush(ctx)
}
