package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestGetMetrics(t *testing.T) {
	// Get metrics instance
	metrics := GetMetrics()

	// Verify it's not nil
	assert.NotNil(t, metrics, "Metrics should not be nil")

	// Call again to test singleton behavior
	metrics2 := GetMetrics()

	// Verify both instances are the same
	assert.Same(t, metrics, metrics2, "GetMetrics should return the same instance")
}

func TestAllMetricsInitialized(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	assert.NotNil(t, m.APIRequestsTotal)
	assert.NotNil(t, m.ConnectionState)
	assert.NotNil(t, m.ConnectAttempts)
	assert.NotNil(t, m.HandshakesTotal)
	assert.NotNil(t, m.EventsDelivered)
	assert.NotNil(t, m.EventsDuplicate)
	assert.NotNil(t, m.NotificationsUnread)
	assert.NotNil(t, m.TokenSyncTotal)
	assert.NotNil(t, m.RetryQueueSize)
	assert.NotNil(t, m.StorageOperations)
}

func TestSetConnectionState(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SetConnectionState("connected")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("reconnecting")))

	m.SetConnectionState("reconnecting")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("reconnecting")))
}

func TestCountersIncrement(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.EventsDelivered.WithLabelValues("new-message").Inc()
	m.EventsDelivered.WithLabelValues("new-message").Inc()
	m.RetryDropped.Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDelivered.WithLabelValues("new-message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryDropped))
}
