package channels

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/internal/presence"
	"github.com/staybook/realtime/internal/telemetry"
	"github.com/staybook/realtime/pkg/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// Connection is what the registry needs from the connection manager
type Connection interface {
	Watch() (<-chan domain.StateChange, func())
	Frames() <-chan protocol.Frame
	Send(frame protocol.Frame) error
	State() domain.ConnectionState
	SocketID() string
	Credential() string
}

// Config contains registry configuration
type Config struct {
	// Time allowed for one auth handshake
	AuthTimeout time.Duration

	// Buffer of the outbound application event stream
	EventBuffer int

	// Buffer of the notice stream
	NoticeBuffer int
}

// DefaultConfig returns a default registry configuration
func DefaultConfig() Config {
	return Config{
		AuthTimeout:  10 * time.Second,
		EventBuffer:  256,
		NoticeBuffer: 64,
	}
}

// Channel is a point-in-time view of one subscription
type Channel struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Desired      bool      `json:"desired"`
	Actual       bool      `json:"actual"`
	Confirmed    bool      `json:"confirmed"`
	Auth         string    `json:"-"`
	LastError    string    `json:"last_error,omitempty"`
	SubscribedAt time.Time `json:"subscribed_at,omitempty"`
}

// NoticeKind classifies registry notices
type NoticeKind string

const (
	NoticeSubscribed   NoticeKind = "subscribed"
	NoticeAuthFailed   NoticeKind = "auth_failed"
	NoticeUnsubscribed NoticeKind = "unsubscribed"
)

// Notice tells consumers how a subscription request ended
type Notice struct {
	Channel string     `json:"channel"`
	Kind    NoticeKind `json:"kind"`
	Err     error      `json:"-"`
	At      time.Time  `json:"at"`
}

// record is the registry's private state for one channel
type record struct {
	Channel
	kind   protocol.ChannelKind
	gen    uint64
	cancel context.CancelFunc
}

// Registry tracks desired and actual channel subscriptions
type Registry struct {
	config   Config
	conn     Connection
	auth     domain.ChannelAuthorizer
	presence *presence.Tracker

	mu       sync.Mutex
	channels map[string]*record

	events  chan domain.Event
	notices chan Notice
	forget  func(channel string)

	ctx    context.Context
	cancel context.CancelFunc

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewRegistry creates a channel registry on top of conn
func NewRegistry(config Config, conn Connection, auth domain.ChannelAuthorizer, tracker *presence.Tracker) *Registry {
	defaults := DefaultConfig()
	if config.AuthTimeout <= 0 {
		config.AuthTimeout = defaults.AuthTimeout
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}
	if config.NoticeBuffer <= 0 {
		config.NoticeBuffer = defaults.NoticeBuffer
	}
	if tracker == nil {
		tracker = presence.NewTracker()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Registry{
		config:   config,
		conn:     conn,
		auth:     auth,
		presence: tracker,
		channels: make(map[string]*record),
		events:   make(chan domain.Event, config.EventBuffer),
		notices:  make(chan Notice, config.NoticeBuffer),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("component", "channels").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// OnForget registers a hook called after a channel is removed
func (r *Registry) OnForget(fn func(channel string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forget = fn
}

// Events returns the stream of application events received on subscribed channels
func (r *Registry) Events() <-chan domain.Event {
	return r.events
}

// Notices returns the stream of subscription outcomes
func (r *Registry) Notices() <-chan Notice {
	return r.notices
}

// Subscribe marks a channel desired and starts its handshake when connected
func (r *Registry) Subscribe(name string) error {
	if name == "" {
		return domain.ValidationError("channel", "channel name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.channels[name]; ok && rec.Desired {
		return nil
	}

	kind := protocol.KindOf(name)
	rec := &record{
		Channel: Channel{Name: name, Kind: kind.String(), Desired: true},
		kind:    kind,
	}
	r.channels[name] = rec
	r.logger.Info().Str("channel", name).Str("kind", rec.Kind).Msg("Channel subscription requested")

	if r.conn.State() == domain.StateConnected {
		r.startHandshakeLocked(rec)
	}
	r.updateGaugesLocked()
	return nil
}

// Unsubscribe releases a channel and cancels any handshake in flight for it
func (r *Registry) Unsubscribe(name string) error {
	r.mu.Lock()
	rec, ok := r.channels[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	rec.Desired = false
	r.cancelLocked(rec)

	if rec.Actual {
		frame, err := protocol.NewFrame(protocol.EventUnsubscribe, "", protocol.UnsubscribeData{Channel: name})
		if err == nil {
			err = r.conn.Send(frame)
		}
		if err != nil && !errors.Is(err, domain.ErrNotConnected) {
			r.logger.Warn().Err(err).Str("channel", name).Msg("Failed to send unsubscribe")
		}
		rec.Actual = false
	}

	delete(r.channels, name)
	r.updateGaugesLocked()
	forget := r.forget
	r.mu.Unlock()

	if rec.kind == protocol.ChannelPresence {
		r.presence.Reset(name)
	}
	if forget != nil {
		forget(name)
	}

	r.logger.Info().Str("channel", name).Msg("Channel unsubscribed")
	r.notify(Notice{Channel: name, Kind: NoticeUnsubscribed})
	return nil
}

// Resubscribe retries the handshake for a desired channel, e.g. after a credential refresh
func (r *Registry) Resubscribe(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.channels[name]
	if !ok || !rec.Desired {
		return fmt.Errorf("channel %s: %w", name, domain.ErrNotFound)
	}
	if r.conn.State() != domain.StateConnected {
		// Replayed on the next connect
		return nil
	}
	r.startHandshakeLocked(rec)
	return nil
}

// Get returns one channel
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.channels[name]
	if !ok {
		return Channel{}, false
	}
	return rec.Channel, true
}

// Channels returns every known channel sorted by name
func (r *Registry) Channels() []Channel {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Channel, 0, len(r.channels))
	for _, rec := range r.channels {
		out = append(out, rec.Channel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Presence returns the tracker fed by this registry
func (r *Registry) Presence() *presence.Tracker {
	return r.presence
}

// Run follows connection state and inbound frames until ctx is done
func (r *Registry) Run(ctx context.Context) error {
	r.logger.Info().Msg("Starting channel registry")

	changes, stop := r.conn.Watch()
	defer stop()

	if r.conn.State() == domain.StateConnected {
		r.replay()
	}

	frames := r.conn.Frames()
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return nil
			}
			if change.To == domain.StateConnected {
				r.replay()
			} else {
				r.deactivate()
			}

		case frame := <-frames:
			r.handleFrame(ctx, frame)

		case <-ctx.Done():
			r.logger.Info().Msg("Context canceled, stopping channel registry")
			r.deactivate()
			return ctx.Err()
		}
	}
}

// Shutdown cancels every handshake
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info().Msg("Shutting down channel registry")
	r.cancel()
	r.deactivate()
	return nil
}

// replay re-runs the handshake of every desired channel
func (r *Registry) replay() {
	r.mu.Lock()
	defer r.mu.Unlock()

	count := 0
	for _, rec := range r.channels {
		if rec.Desired {
			r.startHandshakeLocked(rec)
			count++
		}
	}
	if count > 0 {
		r.logger.Info().Int("channels", count).Msg("Replaying channel subscriptions")
	}
}

// deactivate marks every channel inactive after the connection left Connected
func (r *Registry) deactivate() {
	r.mu.Lock()
	var presenceChannels []string
	for name, rec := range r.channels {
		r.cancelLocked(rec)
		rec.Actual = false
		rec.Confirmed = false
		if rec.kind == protocol.ChannelPresence {
			presenceChannels = append(presenceChannels, name)
		}
	}
	r.updateGaugesLocked()
	r.mu.Unlock()

	for _, name := range presenceChannels {
		r.presence.Reset(name)
	}
}

// startHandshakeLocked supersedes any handshake in flight for rec and starts a new one
func (r *Registry) startHandshakeLocked(rec *record) {
	r.cancelLocked(rec)
	rec.gen++

	ctx, cancel := context.WithTimeout(r.ctx, r.config.AuthTimeout)
	rec.cancel = cancel

	req := domain.AuthRequest{
		SocketID:   r.conn.SocketID(),
		Channel:    rec.Name,
		Credential: r.conn.Credential(),
	}
	go r.handshake(ctx, cancel, rec.kind, rec.gen, req)
}

// cancelLocked stops rec's handshake, if any
func (r *Registry) cancelLocked(rec *record) {
	if rec.cancel != nil {
		rec.cancel()
		rec.cancel = nil
	}
}

// handshake authorizes one channel and sends pusher:subscribe
func (r *Registry) handshake(ctx context.Context, cancel context.CancelFunc, kind protocol.ChannelKind, gen uint64, req domain.AuthRequest) {
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "channels.handshake")
	defer span.End()
	telemetry.AddSpanAttributes(ctx,
		attribute.String("channel", req.Channel),
		attribute.String("kind", kind.String()),
	)

	start := time.Now()
	data := protocol.SubscribeData{Channel: req.Channel}

	if kind.RequiresAuth() {
		resp, err := r.auth.Authorize(ctx, req)
		if err != nil {
			if ctx.Err() == context.Canceled {
				r.metrics.HandshakesTotal.WithLabelValues(kind.String(), "canceled").Inc()
				return
			}
			authErr := domain.ChannelAuthError(req.Channel, err)
			telemetry.MarkSpanError(ctx, authErr)
			r.fail(req.Channel, gen, authErr)
			return
		}
		data.Auth = resp.Auth
		data.ChannelData = resp.ChannelData
	}

	frame, err := protocol.NewFrame(protocol.EventSubscribe, "", data)
	if err != nil {
		r.fail(req.Channel, gen, domain.ChannelAuthError(req.Channel, err))
		return
	}

	r.mu.Lock()
	rec, ok := r.channels[req.Channel]
	if !ok || !rec.Desired || rec.gen != gen {
		r.mu.Unlock()
		r.metrics.HandshakesTotal.WithLabelValues(kind.String(), "canceled").Inc()
		return
	}

	if err := r.conn.Send(frame); err != nil {
		// The next connect replays the channel
		rec.cancel = nil
		r.mu.Unlock()
		r.metrics.HandshakesTotal.WithLabelValues(kind.String(), "deferred").Inc()
		r.logger.Debug().Err(err).Str("channel", req.Channel).Msg("Subscribe deferred until reconnect")
		return
	}

	rec.Actual = true
	rec.Auth = data.Auth
	rec.LastError = ""
	rec.SubscribedAt = time.Now()
	rec.cancel = nil
	r.updateGaugesLocked()
	r.mu.Unlock()

	r.metrics.HandshakesTotal.WithLabelValues(kind.String(), "success").Inc()
	r.metrics.HandshakeDuration.Observe(time.Since(start).Seconds())
	r.logger.Info().Str("channel", req.Channel).Msg("Channel subscribed")
	r.notify(Notice{Channel: req.Channel, Kind: NoticeSubscribed})
}

// fail records a rejected handshake. The channel stays desired.
func (r *Registry) fail(channel string, gen uint64, err error) {
	r.mu.Lock()
	rec, ok := r.channels[channel]
	if !ok || !rec.Desired || (gen != 0 && rec.gen != gen) {
		r.mu.Unlock()
		return
	}
	rec.Actual = false
	rec.Confirmed = false
	rec.LastError = err.Error()
	rec.cancel = nil
	kind := rec.kind
	r.updateGaugesLocked()
	r.mu.Unlock()

	if kind == protocol.ChannelPresence {
		r.presence.Reset(channel)
	}

	r.metrics.HandshakesTotal.WithLabelValues(kind.String(), "rejected").Inc()
	r.logger.Warn().Err(err).Str("channel", channel).Msg("Channel authorization failed")
	r.notify(Notice{Channel: channel, Kind: NoticeAuthFailed, Err: err})
}

// handleFrame routes one inbound frame
func (r *Registry) handleFrame(ctx context.Context, frame protocol.Frame) {
	switch frame.Event {
	case protocol.EventSubscriptionSucceeded:
		r.confirm(frame)

	case protocol.EventSubscriptionError:
		var data protocol.SubscriptionErrorData
		if err := frame.Decode(&data); err != nil {
			data.Error = "subscription rejected"
		}
		cause := fmt.Errorf("server rejected subscription (status %d): %s", data.Status, data.Error)
		r.fail(frame.Channel, 0, domain.ChannelAuthError(frame.Channel, cause))

	case protocol.EventMemberAdded:
		var member protocol.MemberData
		if err := frame.Decode(&member); err != nil {
			r.invalid(frame, err)
			return
		}
		r.presence.Join(frame.Channel, member.UserID, member.UserInfo)

	case protocol.EventMemberRemoved:
		var member protocol.MemberData
		if err := frame.Decode(&member); err != nil {
			r.invalid(frame, err)
			return
		}
		r.presence.Leave(frame.Channel, member.UserID)

	default:
		if protocol.IsInternal(frame.Event) {
			r.logger.Debug().Str("event", frame.Event).Msg("Ignoring protocol frame")
			return
		}
		r.forward(ctx, frame)
	}
}

// confirm applies subscription_succeeded, including the presence snapshot
func (r *Registry) confirm(frame protocol.Frame) {
	r.mu.Lock()
	rec, ok := r.channels[frame.Channel]
	if !ok || !rec.Desired {
		r.mu.Unlock()
		return
	}
	rec.Actual = true
	rec.Confirmed = true
	kind := rec.kind
	r.updateGaugesLocked()
	r.mu.Unlock()

	if kind != protocol.ChannelPresence {
		return
	}

	var data protocol.SubscriptionSucceeded
	if err := frame.Decode(&data); err != nil {
		r.invalid(frame, err)
		return
	}
	r.presence.Snapshot(frame.Channel, data.Presence)
}

// forward hands an application event to the dispatcher stream
func (r *Registry) forward(ctx context.Context, frame protocol.Frame) {
	payload, err := frame.Payload()
	if err != nil {
		r.invalid(frame, err)
		return
	}

	event := domain.Event{
		Channel:    frame.Channel,
		Name:       frame.Event,
		Data:       payload,
		UserID:     frame.UserID,
		ReceivedAt: time.Now(),
	}

	select {
	case r.events <- event:
	case <-ctx.Done():
	}
}

// invalid logs a malformed frame
func (r *Registry) invalid(frame protocol.Frame, err error) {
	verr := domain.ValidationError(frame.Channel, "malformed %s frame: %v", frame.Event, err)
	r.metrics.EventsInvalid.Inc()
	r.logger.Warn().Err(verr).Msg("Dropping malformed frame")
}

// notify publishes a notice without blocking
func (r *Registry) notify(n Notice) {
	n.At = time.Now()
	select {
	case r.notices <- n:
	default:
		r.logger.Warn().Str("channel", n.Channel).Str("kind", string(n.Kind)).Msg("Notice buffer full, dropping notice")
	}
}

// updateGaugesLocked refreshes the channel gauges
func (r *Registry) updateGaugesLocked() {
	var desired, active int
	for _, rec := range r.channels {
		if rec.Desired {
			desired++
		}
		if rec.Actual {
			active++
		}
	}
	r.metrics.ChannelsDesired.Set(float64(desired))
	r.metrics.ChannelsActive.Set(float64(active))
}
