package pushtoken

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/internal/telemetry"
	"github.com/staybook/realtime/pkg/client"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

// StatusUnknown is reported by Validate for tokens this device never held
const StatusUnknown domain.TokenStatus = "unknown"

// DeferredWarning is attached to deletions whose backend sync was queued
const DeferredWarning = "Token deleted locally; backend sync will be retried"

// Store is the local persistence the manager needs
type Store interface {
	domain.TokenStore
	domain.RetryQueue
}

// Config contains configuration for the push token manager
type Config struct {
	// VAPIDKey is used when Acquire is called without one
	VAPIDKey string

	// UserID is sent with backend calls when the token has none
	UserID string

	// SyncTimeout bounds each backend call
	SyncTimeout time.Duration

	// RetryInterval is how often the queue is drained
	RetryInterval time.Duration

	// RetryBase is the delay after the first failure; it doubles per attempt
	RetryBase time.Duration

	// RetryMaxInterval caps the retry delay
	RetryMaxInterval time.Duration

	// RetryMaxAttempts drops a task after this many failures
	RetryMaxAttempts int

	// RetryBatch bounds the tasks handled per drain
	RetryBatch int
}

// DefaultConfig returns the default manager configuration
func DefaultConfig() Config {
	return Config{
		SyncTimeout:      10 * time.Second,
		RetryInterval:    30 * time.Second,
		RetryBase:        5 * time.Second,
		RetryMaxInterval: 10 * time.Minute,
		RetryMaxAttempts: 8,
		RetryBatch:       50,
	}
}

// AcquireResult describes the token in use after Acquire or Refresh
type AcquireResult struct {
	Token     string
	ExpiresIn time.Duration
	Previous  string
	Changed   bool
}

// DeleteResult describes a deletion. Warning is set when the backend sync was deferred.
type DeleteResult struct {
	Token   string
	Status  domain.TokenStatus
	Warning string
	Queued  bool
}

// Validation is the answer to Validate
type Validation struct {
	IsValid bool               `json:"isValid"`
	Status  domain.TokenStatus `json:"status"`
}

// ProcessResult summarizes one drain of the retry queue
type ProcessResult struct {
	Attempted   int `json:"attempted"`
	Succeeded   int `json:"succeeded"`
	Rescheduled int `json:"rescheduled"`
	Dropped     int `json:"dropped"`
}

// Manager owns the device push token lifecycle
type Manager struct {
	config  Config
	source  domain.TokenSource
	backend domain.TokenBackend
	store   Store

	mu     sync.Mutex
	active string

	flights singleflight.Group
	drainMu sync.Mutex
	cron    gocron.Scheduler

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewManager creates a push token manager
func NewManager(config Config, source domain.TokenSource, backend domain.TokenBackend, store Store) (*Manager, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating retry scheduler: %w", err)
	}

	return &Manager{
		config:  config,
		source:  source,
		backend: backend,
		store:   store,
		cron:    cron,
		now:     time.Now,
		logger:  log.With().Str("component", "pushtoken").Logger(),
		metrics: metrics.GetMetrics(),
	}, nil
}

// Backoff returns the delay before retry number attempts
func (m *Manager) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := m.config.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if m.config.RetryMaxInterval > 0 && delay >= m.config.RetryMaxInterval {
			return m.config.RetryMaxInterval
		}
	}
	if m.config.RetryMaxInterval > 0 && delay > m.config.RetryMaxInterval {
		return m.config.RetryMaxInterval
	}
	return delay
}

// Active reports whether a token is currently registered for push delivery
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != ""
}

// Current returns the active token, or ErrNotFound
func (m *Manager) Current(ctx context.Context) (*domain.PushToken, error) {
	m.mu.Lock()
	value := m.active
	m.mu.Unlock()

	if value == "" {
		return nil, domain.ErrNotFound
	}
	return m.store.GetToken(ctx, value)
}

// Acquire asks the platform for a token and makes it the active one
func (m *Manager) Acquire(ctx context.Context, vapidKey string) (*AcquireResult, error) {
	if vapidKey == "" {
		vapidKey = m.config.VAPIDKey
	}

	v, err, _ := m.flights.Do(vapidKey, func() (interface{}, error) {
		ctx, span := telemetry.StartSpan(ctx, "pushtoken.acquire")
		defer span.End()

		value, expiresIn, err := m.source.Token(ctx, vapidKey)
		if err != nil {
			telemetry.MarkSpanError(ctx, err)
			return nil, fmt.Errorf("failed to obtain push token: %w", err)
		}
		return m.adopt(ctx, value, expiresIn)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AcquireResult), nil
}

// Refresh handles a platform token-refresh event
func (m *Manager) Refresh(ctx context.Context, value string) (*AcquireResult, error) {
	if value == "" {
		return nil, domain.ValidationError("token", "empty token")
	}
	return m.adopt(ctx, value, 0)
}

// adopt retires the active token if it differs from value, then registers value
func (m *Manager) adopt(ctx context.Context, value string, expiresIn time.Duration) (*AcquireResult, error) {
	m.mu.Lock()
	previous := m.active
	if previous == value {
		m.mu.Unlock()
		return &AcquireResult{Token: value, ExpiresIn: expiresIn, Previous: previous}, nil
	}

	var retired *domain.PushToken
	if previous != "" {
		var err error
		retired, err = m.retireLocked(ctx, previous, domain.TokenDeleted)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	now := m.now().UTC()
	tok := &domain.PushToken{
		Value:     value,
		Status:    domain.TokenPending,
		UserID:    m.config.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if expiresIn > 0 {
		tok.ExpiresAt = now.Add(expiresIn)
	}
	if existing, err := m.store.GetToken(ctx, value); err == nil && existing.Status.IsValid() {
		tok = existing
	} else if err == nil {
		m.logger.Info().Str("token", domain.Redact(value)).Str("status", string(existing.Status)).Msg("Platform reissued a retired token; starting a new lifecycle")
	}
	if err := m.saveLocked(ctx, tok); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	if retired != nil {
		m.unregister(ctx, retired.Value, m.userID(retired))
		m.logger.Info().
			Str("old", domain.Redact(retired.Value)).
			Str("new", domain.Redact(value)).
			Msg("Rotated push token")
	}

	if err := m.Register(ctx, value); err != nil {
		return nil, err
	}
	return &AcquireResult{Token: value, ExpiresIn: expiresIn, Previous: previous, Changed: true}, nil
}

// Register activates a token locally and syncs it to the backend.
// Backend failures are queued and never returned.
func (m *Manager) Register(ctx context.Context, value string) error {
	m.mu.Lock()
	tok, err := m.store.GetToken(ctx, value)
	if errors.Is(err, domain.ErrNotFound) {
		now := m.now().UTC()
		tok = &domain.PushToken{Value: value, Status: domain.TokenPending, UserID: m.config.UserID, CreatedAt: now, UpdatedAt: now}
	} else if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to load token: %w", err)
	}

	if tok.Status != domain.TokenActive {
		if !tok.Status.CanTransitionTo(domain.TokenActive) {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, tok.Status, domain.TokenActive)
		}

		var retired *domain.PushToken
		if m.active != "" && m.active != value {
			if retired, err = m.retireLocked(ctx, m.active, domain.TokenDeleted); err != nil {
				m.mu.Unlock()
				return err
			}
		}

		tok.Status = domain.TokenActive
		if err := m.saveLocked(ctx, tok); err != nil {
			m.mu.Unlock()
			return err
		}
		m.mu.Unlock()

		if retired != nil {
			m.unregister(ctx, retired.Value, m.userID(retired))
		}
	} else {
		m.mu.Unlock()
	}

	ctx, span := telemetry.StartSpan(ctx, "pushtoken.register")
	defer span.End()

	syncCtx, cancel := context.WithTimeout(ctx, m.config.SyncTimeout)
	defer cancel()

	err = m.backend.RegisterToken(syncCtx, value, m.userID(tok))
	m.markSynced(ctx, value, err)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		m.deferSync(ctx, domain.OpRegister, value, m.userID(tok), err)
		return nil
	}

	m.metrics.TokenSyncTotal.WithLabelValues(string(domain.OpRegister), "success").Inc()
	return nil
}

// Delete marks a token deleted locally, whatever the backend says
func (m *Manager) Delete(ctx context.Context, value, userID string) (*DeleteResult, error) {
	if value == "" {
		return nil, domain.ValidationError("token", "empty token")
	}

	m.mu.Lock()
	tok, err := m.store.GetToken(ctx, value)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		now := m.now().UTC()
		tok = &domain.PushToken{Value: value, Status: domain.TokenDeleted, UserID: userID, CreatedAt: now, UpdatedAt: now}
		err = m.saveLocked(ctx, tok)
	case err != nil:
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to load token: %w", err)
	case tok.Status != domain.TokenDeleted:
		_, err = m.retireLocked(ctx, value, domain.TokenDeleted)
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if userID == "" {
		userID = m.userID(tok)
	}

	result := &DeleteResult{Token: value, Status: domain.TokenDeleted}
	if !m.unregister(ctx, value, userID) {
		result.Warning = DeferredWarning
		result.Queued = true
	}
	return result, nil
}

// Reject handles the platform reporting a token as rejected
func (m *Manager) Reject(ctx context.Context, value string) error {
	m.mu.Lock()
	tok, err := m.store.GetToken(ctx, value)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if tok.Status == domain.TokenInvalid {
		m.mu.Unlock()
		return nil
	}
	if _, err := m.retireLocked(ctx, value, domain.TokenInvalid); err != nil {
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	return m.enqueue(ctx, domain.OpUnregister, value, m.userID(tok), 0, nil)
}

// Validate reports whether a token can still receive pushes
func (m *Manager) Validate(ctx context.Context, value string) Validation {
	tok, err := m.store.GetToken(ctx, value)
	if err != nil {
		return Validation{IsValid: false, Status: StatusUnknown}
	}
	return Validation{IsValid: tok.Status.IsValid(), Status: tok.Status}
}

// retireLocked moves a token to deleted or invalid
func (m *Manager) retireLocked(ctx context.Context, value string, next domain.TokenStatus) (*domain.PushToken, error) {
	tok, err := m.store.GetToken(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("failed to load token: %w", err)
	}
	if !tok.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, tok.Status, next)
	}
	tok.Status = next
	if err := m.saveLocked(ctx, tok); err != nil {
		return nil, err
	}
	return tok, nil
}

// saveLocked persists a token and keeps the active cache in step
func (m *Manager) saveLocked(ctx context.Context, tok *domain.PushToken) error {
	tok.UpdatedAt = m.now().UTC()
	if err := m.store.SaveToken(ctx, tok); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	m.metrics.TokenTransitions.WithLabelValues(string(tok.Status)).Inc()

	switch {
	case tok.Status == domain.TokenActive:
		m.active = tok.Value
	case m.active == tok.Value:
		m.active = ""
	}
	return nil
}

// unregister calls the backend once and queues on failure; it reports whether the call succeeded
func (m *Manager) unregister(ctx context.Context, value, userID string) bool {
	ctx, span := telemetry.StartSpan(ctx, "pushtoken.unregister")
	defer span.End()
	telemetry.AddSpanAttributes(ctx, attribute.String("token", domain.Redact(value)))

	syncCtx, cancel := context.WithTimeout(ctx, m.config.SyncTimeout)
	defer cancel()

	err := m.backend.UnregisterToken(syncCtx, value, userID)
	m.markSynced(ctx, value, err)
	if err != nil {
		telemetry.MarkSpanError(ctx, err)
		m.deferSync(ctx, domain.OpUnregister, value, userID, err)
		return false
	}

	m.metrics.TokenSyncTotal.WithLabelValues(string(domain.OpUnregister), "success").Inc()
	return true
}

// deferSync queues a failed call unless the backend refused it for good
func (m *Manager) deferSync(ctx context.Context, op domain.RetryOp, value, userID string, cause error) {
	syncErr := domain.SyncError(string(op), value, cause)
	if permanent(cause) {
		m.metrics.TokenSyncTotal.WithLabelValues(string(op), "rejected").Inc()
		m.logger.Warn().Err(syncErr).Msg("Backend refused token sync; not retrying")
		return
	}

	m.metrics.TokenSyncTotal.WithLabelValues(string(op), "deferred").Inc()
	m.logger.Warn().Err(syncErr).Msg("Token sync failed; queued for retry")
	if err := m.enqueue(ctx, op, value, userID, 1, cause); err != nil {
		m.logger.Error().Err(err).Msg("Failed to queue token sync")
	}
}

// enqueue stores a retry task. attempts is the number of failures so far.
func (m *Manager) enqueue(ctx context.Context, op domain.RetryOp, value, userID string, attempts int, cause error) error {
	now := m.now().UTC()
	task := &domain.RetryTask{
		ID:            uuid.New().String(),
		Op:            op,
		Token:         value,
		UserID:        userID,
		Attempts:      attempts,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if attempts > 0 {
		task.NextAttemptAt = now.Add(m.Backoff(attempts))
	}
	if cause != nil {
		task.LastError = cause.Error()
	}

	// Queue writes outlive a canceled request
	if err := m.store.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		return err
	}
	m.updateQueueGauge(ctx)
	return nil
}

// markSynced records the sync attempt on the local token
func (m *Manager) markSynced(ctx context.Context, value string, syncErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	tok, err := m.store.GetToken(ctx, value)
	if err != nil {
		return
	}
	tok.LastSyncAttempt = m.now().UTC()
	if syncErr != nil {
		tok.RetryCount++
	} else {
		tok.RetryCount = 0
	}
	if err := m.store.SaveToken(ctx, tok); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to record sync attempt")
	}
}

// ProcessQueue retries every due task once
func (m *Manager) ProcessQueue(ctx context.Context) (ProcessResult, error) {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	var result ProcessResult
	limit := m.config.RetryBatch
	if limit <= 0 {
		limit = 50
	}

	tasks, err := m.store.Due(ctx, m.now(), limit)
	if err != nil {
		return result, fmt.Errorf("failed to read retry queue: %w", err)
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		result.Attempted++

		if m.obsolete(ctx, task) {
			m.remove(ctx, task)
			result.Succeeded++
			continue
		}

		err := m.run(ctx, task)
		m.markSynced(ctx, task.Token, err)
		switch {
		case err == nil:
			m.metrics.TokenSyncTotal.WithLabelValues(string(task.Op), "success").Inc()
			m.remove(ctx, task)
			result.Succeeded++

		case permanent(err) || task.Attempts+1 >= m.config.RetryMaxAttempts:
			m.metrics.TokenSyncTotal.WithLabelValues(string(task.Op), "dropped").Inc()
			m.metrics.RetryDropped.Inc()
			m.logger.Warn().
				Err(domain.SyncError(string(task.Op), task.Token, err)).
				Int("attempts", task.Attempts+1).
				Msg("Dropping token sync task")
			m.remove(ctx, task)
			result.Dropped++

		default:
			task.Attempts++
			task.LastError = err.Error()
			task.NextAttemptAt = m.now().UTC().Add(m.Backoff(task.Attempts))
			if err := m.store.Update(ctx, task); err != nil {
				m.logger.Error().Err(err).Str("task", task.ID).Msg("Failed to reschedule retry task")
			}
			result.Rescheduled++
		}
	}

	m.updateQueueGauge(ctx)
	if result.Attempted > 0 {
		m.logger.Debug().
			Int("attempted", result.Attempted).
			Int("succeeded", result.Succeeded).
			Int("rescheduled", result.Rescheduled).
			Int("dropped", result.Dropped).
			Msg("Processed token retry queue")
	}
	return result, nil
}

// obsolete reports whether a queued register no longer matches local state
// obsolete reports whether local state has moved past a queued task: a
// register for a retired token, or an unregister for a token the platform
// has since reissued.
func (m *Manager) obsolete(ctx context.Context, task *domain.RetryTask) bool {
	tok, err := m.store.GetToken(ctx, task.Token)
	if err != nil {
		return false
	}
	switch task.Op {
	case domain.OpRegister:
		return tok.Status != domain.TokenActive
	case domain.OpUnregister:
		return tok.Status.IsValid()
	default:
		return false
	}
}

func (m *Manager) run(ctx context.Context, task *domain.RetryTask) error {
	syncCtx, cancel := context.WithTimeout(ctx, m.config.SyncTimeout)
	defer cancel()

	switch task.Op {
	case domain.OpRegister:
		return m.backend.RegisterToken(syncCtx, task.Token, task.UserID)
	case domain.OpUnregister:
		return m.backend.UnregisterToken(syncCtx, task.Token, task.UserID)
	default:
		return fmt.Errorf("unknown retry op %q", task.Op)
	}
}

func (m *Manager) remove(ctx context.Context, task *domain.RetryTask) {
	if err := m.store.Remove(ctx, task.ID); err != nil {
		m.logger.Error().Err(err).Str("task", task.ID).Msg("Failed to remove retry task")
	}
}

func (m *Manager) updateQueueGauge(ctx context.Context) {
	if pending, err := m.store.Pending(context.WithoutCancel(ctx)); err == nil {
		m.metrics.RetryQueueSize.Set(float64(len(pending)))
	}
}

func (m *Manager) userID(tok *domain.PushToken) string {
	if tok != nil && tok.UserID != "" {
		return tok.UserID
	}
	return m.config.UserID
}

// Start restores the active token, drains the queue and keeps draining on schedule
func (m *Manager) Start(ctx context.Context) error {
	tokens, err := m.store.ListTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	m.mu.Lock()
	for _, tok := range tokens {
		if tok.Status == domain.TokenActive {
			m.active = tok.Value
		}
	}
	m.mu.Unlock()

	if _, err := m.ProcessQueue(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Initial retry queue drain failed")
	}

	if m.config.RetryInterval > 0 {
		_, err := m.cron.NewJob(
			gocron.DurationJob(m.config.RetryInterval),
			gocron.NewTask(func() {
				if _, err := m.ProcessQueue(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("Retry queue drain failed")
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduling retry drain: %w", err)
		}
	}
	m.cron.Start()

	<-ctx.Done()
	return nil
}

// Shutdown stops the retry scheduler
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.cron.Shutdown()
}

// permanent reports whether the backend refused the call with a client error
func permanent(err error) bool {
	var statusErr *client.StatusError
	return errors.As(err, &statusErr) && !statusErr.Temporary()
}
