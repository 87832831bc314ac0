package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the delivery layer
type Metrics struct {
	// API metrics
	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	// Connection metrics
	ConnectionState       *prometheus.GaugeVec
	ConnectionTransitions *prometheus.CounterVec
	ConnectAttempts       *prometheus.CounterVec
	HeartbeatsSent        prometheus.Counter
	FramesTotal           *prometheus.CounterVec

	// Channel metrics
	ChannelsDesired     prometheus.Gauge
	ChannelsActive      prometheus.Gauge
	HandshakesTotal     *prometheus.CounterVec
	HandshakeDuration   prometheus.Histogram
	PresenceMembers     *prometheus.GaugeVec

	// Dispatcher metrics
	EventsReceived  *prometheus.CounterVec
	EventsDelivered *prometheus.CounterVec
	EventsDuplicate *prometheus.CounterVec
	EventsInvalid   prometheus.Counter
	HandlerPanics   prometheus.Counter
	LanesActive     prometheus.Gauge

	// Notification metrics
	NotificationsStored prometheus.Gauge
	NotificationsUnread prometheus.Gauge
	NotificationMerges  *prometheus.CounterVec
	NotificationFetches *prometheus.CounterVec

	// Push token metrics
	TokenTransitions *prometheus.CounterVec
	TokenSyncTotal   *prometheus.CounterVec
	RetryQueueSize   prometheus.Gauge
	RetryDropped     prometheus.Counter

	// Storage metrics
	StorageOperations *prometheus.CounterVec
	DBSize            prometheus.Gauge
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics(prometheus.DefaultRegisterer)
	})
	return instance
}

// NewWithRegistry builds an isolated metrics set, used by tests
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

// newMetrics initializes and registers all metrics
func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{}

	// API metrics
	m.APIRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "path", "status"},
	)

	m.APIRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "realtime_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	m.ConnectionState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		},
		[]string{"state"},
	)

	m.ConnectionTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"from", "to"},
	)

	m.ConnectAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_connect_attempts_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	m.HeartbeatsSent = f.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_heartbeats_sent_total",
			Help: "Keepalive pings sent on the push connection",
		},
	)

	m.FramesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_frames_total",
			Help: "Frames read from or written to the push connection",
		},
		[]string{"direction"}, // in, out
	)

	// Channel metrics
	m.ChannelsDesired = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_channels_desired",
			Help: "Channels a consumer wants subscribed",
		},
	)

	m.ChannelsActive = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_channels_active",
			Help: "Channels currently subscribed on the server",
		},
	)

	m.HandshakesTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_channel_handshakes_total",
			Help: "Channel auth handshakes by outcome",
		},
		[]string{"kind", "outcome"},
	)

	m.HandshakeDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "realtime_channel_handshake_duration_seconds",
			Help:    "Duration of channel auth handshakes",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // from 5ms to ~2.5s
		},
	)

	m.PresenceMembers = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "realtime_presence_members",
			Help: "Members currently present per presence channel",
		},
		[]string{"channel"},
	)

	// Dispatcher metrics
	m.EventsReceived = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_received_total",
			Help: "Application events received by the dispatcher",
		},
		[]string{"event"},
	)

	m.EventsDelivered = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_delivered_total",
			Help: "Handler invocations by event name",
		},
		[]string{"event"},
	)

	m.EventsDuplicate = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_events_duplicate_total",
			Help: "Events suppressed by the dedup window",
		},
		[]string{"event"},
	)

	m.EventsInvalid = f.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_events_invalid_total",
			Help: "Events dropped because of malformed payloads",
		},
	)

	m.HandlerPanics = f.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_handler_panics_total",
			Help: "Recovered panics in event handlers",
		},
	)

	m.LanesActive = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_dispatch_lanes_active",
			Help: "Per-channel delivery lanes",
		},
	)

	// Notification metrics
	m.NotificationsStored = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_notifications_stored",
			Help: "Live notifications held by the store",
		},
	)

	m.NotificationsUnread = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_notifications_unread",
			Help: "Unread notifications, recomputed after each mutation",
		},
	)

	m.NotificationMerges = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_notification_merges_total",
			Help: "Notification merge decisions by origin and result",
		},
		[]string{"origin", "result"}, // fetch|push, insert|update|stale
	)

	m.NotificationFetches = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_notification_fetches_total",
			Help: "Paginated notification fetches by outcome",
		},
		[]string{"outcome"},
	)

	// Push token metrics
	m.TokenTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_push_token_transitions_total",
			Help: "Push token status transitions",
		},
		[]string{"to"},
	)

	m.TokenSyncTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_push_token_sync_total",
			Help: "Backend token sync calls by operation and outcome",
		},
		[]string{"op", "outcome"}, // success, deferred, dropped
	)

	m.RetryQueueSize = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_retry_queue_size",
			Help: "Pending tasks in the durable retry queue",
		},
	)

	m.RetryDropped = f.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_retry_dropped_total",
			Help: "Retry tasks dropped after exhausting attempts",
		},
	)

	// Storage metrics
	m.StorageOperations = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_storage_operations_total",
			Help: "Total number of storage operations",
		},
		[]string{"operation", "success"},
	)

	m.DBSize = f.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_db_size_bytes",
			Help: "Size of the local database in bytes",
		},
	)

	return m
}

// SetConnectionState marks exactly one state gauge as current
func (m *Metrics) SetConnectionState(current string) {
	for _, s := range []string{"connecting", "connected", "disconnected", "reconnecting", "error"} {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}
