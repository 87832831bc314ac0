package connection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/pkg/protocol"
)

// errHeartbeatTimeout is reported when a ping goes unanswered
var errHeartbeatTimeout = errors.New("no pong received within timeout")

// Config contains connection manager configuration
type Config struct {
	// Websocket URL of the push server
	URL string

	// Headers sent with the websocket handshake
	Header http.Header

	// Time allowed for dial plus connection_established
	ConnectTimeout time.Duration

	// Keepalive interval while connected
	HeartbeatInterval time.Duration

	// Time to wait for a pong before declaring the connection lost
	PongTimeout time.Duration

	// Reconnection policy
	BaseInterval time.Duration
	Multiplier   float64
	MaxInterval  time.Duration
	MaxAttempts  int

	// Buffer sizes
	OutboundBuffer int
	InboundBuffer  int
	WatchBuffer    int
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		PongTimeout:       10 * time.Second,
		BaseInterval:      5 * time.Second,
		Multiplier:        1.0,
		MaxInterval:       time.Minute,
		MaxAttempts:       5,
		OutboundBuffer:    64,
		InboundBuffer:     256,
		WatchBuffer:       32,
	}
}

// Backoff returns the delay before the retry that follows the given number of failures
func (c Config) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	mult := c.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(c.BaseInterval) * math.Pow(mult, float64(failures-1)))
	if c.MaxInterval > 0 && d > c.MaxInterval {
		d = c.MaxInterval
	}
	return d
}

// session is the state of one live physical connection
type session struct {
	conn     Conn
	outbound chan protocol.Frame
	alive    chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	lastRead atomic.Int64
}

func (s *session) touch() {
	s.lastRead.Store(time.Now().UnixNano())
	select {
	case s.alive <- struct{}{}:
	default:
	}
}

// Manager owns the single push connection and its state machine
type Manager struct {
	config  Config
	dialer  Dialer
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      domain.ConnectionState
	since      time.Time
	attempts   int
	lastErr    error
	socketID   string
	credential string
	generation uint64
	session    *session
	retryTimer *time.Timer
	cancelDial context.CancelFunc
	watchers   map[string]chan domain.StateChange

	frames chan protocol.Frame
	live   atomic.Int32
}

// NewManager creates a connection manager
func NewManager(config Config, dialer Dialer) *Manager {
	logger := log.With().Str("component", "connection").Logger()

	defaults := DefaultConfig()
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.PongTimeout == 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.BaseInterval == 0 {
		config.BaseInterval = defaults.BaseInterval
	}
	if config.Multiplier == 0 {
		config.Multiplier = defaults.Multiplier
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.OutboundBuffer <= 0 {
		config.OutboundBuffer = defaults.OutboundBuffer
	}
	if config.InboundBuffer <= 0 {
		config.InboundBuffer = defaults.InboundBuffer
	}
	if config.WatchBuffer <= 0 {
		config.WatchBuffer = defaults.WatchBuffer
	}

	m := &Manager{
		config:   config,
		dialer:   dialer,
		logger:   logger,
		metrics:  metrics.GetMetrics(),
		state:    domain.StateDisconnected,
		since:    time.Now(),
		watchers: make(map[string]chan domain.StateChange),
		frames:   make(chan protocol.Frame, config.InboundBuffer),
	}
	m.metrics.SetConnectionState(m.state.Status())
	return m
}

// Connect starts connecting with the given session credential.
// It returns immediately; progress is reported through Watch.
func (m *Manager) Connect(credential string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != domain.StateDisconnected && m.state != domain.StateFailed {
		return fmt.Errorf("connect from %s: %w", m.state, domain.ErrInvalidTransition)
	}

	m.credential = credential
	m.attempts = 0
	m.lastErr = nil
	m.generation++
	m.setStateLocked(domain.StateConnecting, nil)
	m.startAttemptLocked(m.generation)
	return nil
}

// Disconnect closes the connection and cancels any pending reconnect. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.generation++
	m.stopRetryLocked()
	m.teardownLocked()
	m.attempts = 0
	m.socketID = ""

	if m.state == domain.StateDisconnected {
		return
	}
	m.setStateLocked(domain.StateDisconnected, nil)
	m.logger.Info().Msg("Disconnected")
}

// Send queues a frame for the writer. It never blocks.
func (m *Manager) Send(frame protocol.Frame) error {
	m.mu.Lock()
	sess := m.session
	state := m.state
	m.mu.Unlock()

	if state != domain.StateConnected || sess == nil {
		return domain.ErrNotConnected
	}

	select {
	case sess.outbound <- frame:
		return nil
	case <-sess.ctx.Done():
		return domain.ErrNotConnected
	default:
		return domain.ErrQueueFull
	}
}

// Frames returns the stream of inbound channel frames
func (m *Manager) Frames() <-chan protocol.Frame {
	return m.frames
}

// Watch subscribes to state changes. The returned func stops the subscription.
func (m *Manager) Watch() (<-chan domain.StateChange, func()) {
	id := uuid.NewString()
	ch := make(chan domain.StateChange, m.config.WatchBuffer)

	m.mu.Lock()
	m.watchers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(c)
		}
	}
}

// State returns the current state
func (m *Manager) State() domain.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SocketID returns the server-assigned socket id of the live connection
func (m *Manager) SocketID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.socketID
}

// Credential returns the session credential used for channel auth
func (m *Manager) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// SetCredential replaces the session credential for future handshakes
func (m *Manager) SetCredential(credential string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = credential
}

// Snapshot returns a point-in-time view of the connection
func (m *Manager) Snapshot() domain.ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := domain.ConnectionSnapshot{
		State:    m.state,
		Attempts: m.attempts,
		SocketID: m.socketID,
		Since:    m.since,
	}
	if m.lastErr != nil {
		snap.LastError = m.lastErr.Error()
	}
	return snap
}

// Shutdown disconnects and stops all watchers
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info().Msg("Shutting down connection manager")
	m.Disconnect()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.watchers {
		close(ch)
		delete(m.watchers, id)
	}
	return nil
}

// setStateLocked records a transition and notifies watchers
func (m *Manager) setStateLocked(to domain.ConnectionState, err error) {
	from := m.state
	m.state = to
	if from != to {
		m.since = time.Now()
	}

	change := domain.StateChange{
		From:    from,
		To:      to,
		Attempt: m.attempts,
		Err:     err,
		At:      time.Now(),
	}

	m.metrics.SetConnectionState(to.Status())
	m.metrics.ConnectionTransitions.WithLabelValues(from.Status(), to.Status()).Inc()

	// A slow watcher loses its oldest change, never the latest one
	for id, ch := range m.watchers {
		select {
		case ch <- change:
			continue
		default:
		}
		select {
		case old := <-ch:
			m.logger.Warn().
				Str("watcher_id", id).
				Str("dropped", old.To.String()).
				Str("state", to.String()).
				Msg("Watcher buffer full, dropping oldest state change")
		default:
		}
		select {
		case ch <- change:
		default:
		}
	}
}

// startAttemptLocked dials in the background for the given generation
func (m *Manager) startAttemptLocked(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	m.cancelDial = cancel
	go m.attempt(ctx, cancel, gen)
}

// attempt performs one connection attempt
func (m *Manager) attempt(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	conn, established, err := m.open(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.generation {
		// Superseded by Disconnect or a new Connect
		if conn != nil {
			conn.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		m.failLocked(gen, domain.ConnectionError("connect", err))
		return
	}

	m.metrics.ConnectAttempts.WithLabelValues("success").Inc()
	m.installLocked(conn, established)
}

// open dials and waits for connection_established
func (m *Manager) open(ctx context.Context) (Conn, *protocol.ConnectionEstablished, error) {
	conn, err := m.dialer.Dial(ctx, m.config.URL, m.config.Header)
	if err != nil {
		return nil, nil, err
	}

	type result struct {
		established *protocol.ConnectionEstablished
		err         error
	}
	done := make(chan result, 1)

	go func() {
		frame, err := conn.ReadFrame()
		if err != nil {
			done <- result{err: fmt.Errorf("failed to read handshake frame: %w", err)}
			return
		}
		switch frame.Event {
		case protocol.EventConnectionEstablished:
			var est protocol.ConnectionEstablished
			if err := frame.Decode(&est); err != nil {
				done <- result{err: fmt.Errorf("invalid connection_established payload: %w", err)}
				return
			}
			done <- result{established: &est}
		case protocol.EventError:
			var e protocol.ErrorData
			_ = frame.Decode(&e)
			done <- result{err: fmt.Errorf("server rejected connection (code %d): %s", e.Code, e.Message)}
		default:
			done <- result{err: fmt.Errorf("unexpected handshake event %q", frame.Event)}
		}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			conn.Close()
			return nil, nil, res.err
		}
		return conn, res.established, nil
	case <-ctx.Done():
		conn.Close()
		return nil, nil, fmt.Errorf("connection_established not received: %w", ctx.Err())
	}
}

// failLocked records a failed attempt and either schedules a retry or gives up
func (m *Manager) failLocked(gen uint64, err error) {
	m.attempts++
	m.lastErr = err

	m.logger.Warn().
		Err(err).
		Int("attempt", m.attempts).
		Int("max_attempts", m.config.MaxAttempts).
		Msg("Connection attempt failed")

	// Watchers see every failed attempt, even while already reconnecting
	m.setStateLocked(domain.StateReconnecting, err)

	if m.attempts >= m.config.MaxAttempts {
		exhausted := domain.ExhaustedRetryError(m.attempts, err)
		m.lastErr = exhausted
		m.setStateLocked(domain.StateFailed, exhausted)
		m.logger.Error().Err(exhausted).Msg("Giving up on push connection")
		return
	}

	m.scheduleRetryLocked(gen, m.config.Backoff(m.attempts))
}

// scheduleRetryLocked arms the reconnect timer
func (m *Manager) scheduleRetryLocked(gen uint64, delay time.Duration) {
	m.stopRetryLocked()
	m.retryTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		if gen != m.generation || m.state != domain.StateReconnecting {
			return
		}
		m.retryTimer = nil
		m.startAttemptLocked(gen)
	})
}

// stopRetryLocked cancels the reconnect timer and any in-flight dial
func (m *Manager) stopRetryLocked() {
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
}

// installLocked makes conn the live session
func (m *Manager) installLocked(conn Conn, established *protocol.ConnectionEstablished) {
	m.teardownLocked()

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		outbound: make(chan protocol.Frame, m.config.OutboundBuffer),
		alive:    make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
	sess.lastRead.Store(time.Now().UnixNano())

	m.session = sess
	m.live.Add(1)
	m.socketID = established.SocketID
	m.attempts = 0
	m.lastErr = nil

	go m.readLoop(sess)
	go m.writeLoop(sess)
	go m.heartbeatLoop(sess)

	m.logger.Info().Str("socket_id", established.SocketID).Msg("Push connection established")
	m.setStateLocked(domain.StateConnected, nil)
}

// teardownLocked closes the live session, if any
func (m *Manager) teardownLocked() {
	if m.session == nil {
		return
	}
	m.session.cancel()
	m.session.conn.Close()
	m.session = nil
	m.live.Add(-1)
}

// lose handles a failure on a live session
func (m *Manager) lose(sess *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != sess {
		return
	}

	m.teardownLocked()
	m.socketID = ""
	m.lastErr = domain.ConnectionError("session", err)
	m.logger.Warn().Err(err).Msg("Push connection lost, reconnecting")
	m.setStateLocked(domain.StateReconnecting, m.lastErr)
	m.scheduleRetryLocked(m.generation, m.config.Backoff(1))
}

// readLoop reads frames until the session ends
func (m *Manager) readLoop(sess *session) {
	for {
		frame, err := sess.conn.ReadFrame()
		if errors.Is(err, domain.ErrValidation) {
			sess.touch()
			m.metrics.EventsInvalid.Inc()
			m.logger.Warn().Err(err).Msg("Dropping malformed frame")
			continue
		}
		if err != nil {
			if sess.ctx.Err() == nil {
				m.lose(sess, err)
			}
			return
		}
		sess.touch()
		m.metrics.FramesTotal.WithLabelValues("in").Inc()

		switch frame.Event {
		case protocol.EventPing:
			select {
			case sess.outbound <- protocol.Frame{Event: protocol.EventPong}:
			default:
			}
			continue
		case protocol.EventPong:
			continue
		case protocol.EventError:
			var e protocol.ErrorData
			if err := frame.Decode(&e); err == nil {
				m.logger.Warn().Int("code", e.Code).Str("message", e.Message).Msg("Server reported error")
			}
			continue
		}

		select {
		case m.frames <- frame:
		case <-sess.ctx.Done():
			return
		}
	}
}

// writeLoop is the only writer on the connection
func (m *Manager) writeLoop(sess *session) {
	for {
		select {
		case frame := <-sess.outbound:
			if err := sess.conn.WriteFrame(frame); err != nil {
				if sess.ctx.Err() == nil {
					m.lose(sess, err)
				}
				return
			}
			m.metrics.FramesTotal.WithLabelValues("out").Inc()
		case <-sess.ctx.Done():
			return
		}
	}
}

// heartbeatLoop pings an idle connection and declares it lost without a reply
func (m *Manager) heartbeatLoop(sess *session) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, sess.lastRead.Load()))
			if idle < m.config.HeartbeatInterval {
				continue
			}

			// Drop stale liveness signals before pinging
			select {
			case <-sess.alive:
			default:
			}

			select {
			case sess.outbound <- protocol.Frame{Event: protocol.EventPing}:
				m.metrics.HeartbeatsSent.Inc()
			default:
			}

			timer := time.NewTimer(m.config.PongTimeout)
			select {
			case <-sess.alive:
				timer.Stop()
			case <-timer.C:
				m.lose(sess, errHeartbeatTimeout)
				return
			case <-sess.ctx.Done():
				timer.Stop()
				return
			}

		case <-sess.ctx.Done():
			return
		}
	}
}
