package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/pkg/protocol"
)

// Wildcard registers a handler for every event name
const Wildcard = "*"

// Handler consumes one application event
type Handler func(ctx context.Context, event domain.Event) error

// Config contains dispatcher configuration
type Config struct {
	// Number of event keys remembered per channel
	DedupSize int

	// How long a seen key suppresses duplicates
	DedupTTL time.Duration

	// Queue length of each per-channel lane
	LaneBuffer int
}

// DefaultConfig returns a default dispatcher configuration
func DefaultConfig() Config {
	return Config{
		DedupSize:  512,
		DedupTTL:   10 * time.Minute,
		LaneBuffer: 256,
	}
}

// registration is one handler bound to an event name
type registration struct {
	id      string
	name    string
	handler Handler
}

// lane delivers one channel's events in arrival order
type lane struct {
	channel string
	queue   chan domain.Event
	done    chan struct{}

	mu   sync.Mutex
	seen *lru.Cache
}

// Dispatcher deduplicates events and routes them to handlers
type Dispatcher struct {
	config Config

	mu       sync.RWMutex
	handlers map[string][]registration

	lanesMu sync.Mutex
	lanes   map[string]*lane

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewDispatcher creates a new event dispatcher
func NewDispatcher(config ...Config) *Dispatcher {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	} else {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = defaults.DedupSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = defaults.DedupTTL
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = defaults.LaneBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Dispatcher{
		config:   cfg,
		handlers: make(map[string][]registration),
		lanes:    make(map[string]*lane),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With().Str("component", "dispatcher").Logger(),
		metrics:  metrics.GetMetrics(),
		now:      time.Now,
	}
}

// On registers a handler for an event name and returns a func that removes it
func (d *Dispatcher) On(name string, handler Handler) func() {
	reg := registration{id: generateID(), name: name, handler: handler}

	d.mu.Lock()
	d.handlers[name] = append(d.handlers[name], reg)
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()

		regs := d.handlers[name]
		for i, r := range regs {
			if r.id == reg.id {
				d.handlers[name] = append(regs[:i:i], regs[i+1:]...)
				break
			}
		}
		if len(d.handlers[name]) == 0 {
			delete(d.handlers, name)
		}
	}
}

// Start begins processing events from the provided stream
func (d *Dispatcher) Start(ctx context.Context, events <-chan domain.Event) error {
	d.logger.Info().Msg("Starting event dispatcher")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				d.logger.Info().Msg("Event stream closed, stopping dispatcher")
				return nil
			}
			if err := d.Dispatch(ctx, event); err != nil && ctx.Err() != nil {
				return ctx.Err()
			}

		case <-ctx.Done():
			d.logger.Info().Msg("Context canceled, stopping dispatcher")
			return ctx.Err()
		}
	}
}

// Dispatch validates, deduplicates and enqueues one event on its channel lane.
// It blocks only while the lane is full.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.Event) error {
	if err := validate(event); err != nil {
		d.metrics.EventsInvalid.Inc()
		d.logger.Warn().Err(err).Str("channel", event.Channel).Str("event", event.Name).Msg("Dropping malformed event")
		return err
	}

	if event.ID == "" {
		event.ID = protocol.ExtractEventID(event.Data)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = d.now()
	}

	d.metrics.EventsReceived.WithLabelValues(event.Name).Inc()

	l := d.lane(event.Channel)
	if l.isDuplicate(dedupKey(event), d.now(), d.config.DedupTTL) {
		d.metrics.EventsDuplicate.WithLabelValues(event.Name).Inc()
		d.logger.Debug().
			Str("channel", event.Channel).
			Str("event", event.Name).
			Str("event_id", event.ID).
			Msg("Duplicate event suppressed")
		return nil
	}

	select {
	case l.queue <- event:
		return nil
	case <-l.done:
		return fmt.Errorf("lane for %s was closed", event.Channel)
	case <-d.ctx.Done():
		return d.ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Forget drops a channel's lane and dedup window
func (d *Dispatcher) Forget(channel string) {
	d.lanesMu.Lock()
	l, ok := d.lanes[channel]
	delete(d.lanes, channel)
	d.lanesMu.Unlock()

	if ok {
		close(l.done)
		d.metrics.LanesActive.Dec()
	}
}

// Shutdown stops every lane and waits until queued events are delivered
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.logger.Info().Msg("Shutting down event dispatcher")
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lane returns the channel's lane, starting it on first use
func (d *Dispatcher) lane(channel string) *lane {
	d.lanesMu.Lock()
	defer d.lanesMu.Unlock()

	if l, ok := d.lanes[channel]; ok {
		return l
	}

	seen, _ := lru.New(d.config.DedupSize) // only fails for size <= 0
	l := &lane{
		channel: channel,
		queue:   make(chan domain.Event, d.config.LaneBuffer),
		seen:    seen,
		done:    make(chan struct{}),
	}
	d.lanes[channel] = l
	d.metrics.LanesActive.Inc()

	d.wg.Add(1)
	go d.run(l)
	return l
}

// run delivers a lane's events one at a time
func (d *Dispatcher) run(l *lane) {
	defer d.wg.Done()

	for {
		select {
		case event := <-l.queue:
			d.deliver(event)
		case <-l.done:
			d.drainLane(l)
			return
		case <-d.ctx.Done():
			d.drainLane(l)
			return
		}
	}
}

// drainLane delivers what was accepted before the lane stopped
func (d *Dispatcher) drainLane(l *lane) {
	for {
		select {
		case event := <-l.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver invokes every handler registered for the event
func (d *Dispatcher) deliver(event domain.Event) {
	d.mu.RLock()
	regs := make([]registration, 0, len(d.handlers[event.Name])+len(d.handlers[Wildcard]))
	regs = append(regs, d.handlers[event.Name]...)
	regs = append(regs, d.handlers[Wildcard]...)
	d.mu.RUnlock()

	for _, reg := range regs {
		d.invoke(reg, event)
	}
}

// invoke runs one handler, recovering from panics
func (d *Dispatcher) invoke(reg registration, event domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanics.Inc()
			d.logger.Error().
				Interface("panic", r).
				Str("handler_id", reg.id).
				Str("event", event.Name).
				Msg("Event handler panicked")
		}
	}()

	if err := reg.handler(d.ctx, event); err != nil {
		d.logger.Warn().
			Err(err).
			Str("handler_id", reg.id).
			Str("channel", event.Channel).
			Str("event", event.Name).
			Msg("Event handler failed")
		return
	}
	d.metrics.EventsDelivered.WithLabelValues(event.Name).Inc()
}

// isDuplicate records key and reports whether it was already seen within ttl
func (l *lane) isDuplicate(key string, now time.Time, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := l.seen.Get(key); ok {
		if now.Before(v.(time.Time)) {
			return true
		}
	}
	l.seen.Add(key, now.Add(ttl))
	return false
}

// dedupKey identifies an event. Without an id, a digest of name and payload stands in.
func dedupKey(event domain.Event) string {
	if event.ID != "" {
		return "id:" + event.ID
	}
	h := xxhash.New()
	_, _ = h.WriteString(event.Name)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(event.Data)
	return "h:" + strconv.FormatUint(h.Sum64(), 16)
}

// validate rejects events that cannot be routed or decoded
func validate(event domain.Event) error {
	if event.Channel == "" {
		return domain.ValidationError("event", "missing channel for %q", event.Name)
	}
	if event.Name == "" {
		return domain.ValidationError(event.Channel, "missing event name")
	}
	if len(event.Data) > 0 && !json.Valid(event.Data) {
		return domain.ValidationError(event.Channel, "payload of %q is not valid JSON", event.Name)
	}
	return nil
}

// Variable for generating unique handler IDs
// Can be replaced in tests for deterministic behavior
var generateID = func() string {
	return uuid.NewString()
}
