package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/staybook/realtime/internal/config"
	"github.com/staybook/realtime/internal/connection"
	"github.com/staybook/realtime/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// refusingDialer never reaches the push server
type refusingDialer struct{ dials atomic.Int32 }

func (d *refusingDialer) Dial(ctx context.Context, url string, header http.Header) (connection.Conn, error) {
	d.dials.Add(1)
	return nil, errors.New("connection refused")
}

type staticSource struct{}

func (staticSource) Token(ctx context.Context, vapidKey string) (string, time.Duration, error) {
	return "device-token", time.Hour, nil
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/notifications", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"current_page":1,"data":[{"id":"n1","type":"booking","data":{"title":"Booked"},"created_at":"2026-03-01T12:00:00Z"}],"per_page":20,"total":1,"next_page_url":null,"last_page":1}`))
	})
	mux.HandleFunc("/notifications/fcm/register", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":true}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(backendURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Transport.AppKey = "app-key"
	cfg.Backend.BaseURL = backendURL
	cfg.Backend.UserID = "7"
	cfg.Session.Credential = "session-token"
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.Type = "memory"
	cfg.Reconnect.MaxAttempts = 1
	cfg.Reconnect.BaseIntervalMs = 10
	cfg.Notifications.PollIntervalSeconds = 0
	cfg.Channels = []string{"hotels", "private-App.Models.User.7"}
	return cfg
}

func TestEngineRunsAndStops(t *testing.T) {
	backend := newBackend(t)
	dialer := &refusingDialer{}

	e, err := New(testConfig(backend.URL), "test", WithDialer(dialer), WithTokenSource(staticSource{}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	// The initial refresh lands even though push never connects
	require.Eventually(t, func() bool {
		return e.notifications.Store().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return e.Connection().State() == domain.StateFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, dialer.dials.Load(), int32(1))

	ch, ok := e.Registry().Get("hotels")
	require.True(t, ok)
	assert.True(t, ch.Desired)
	assert.False(t, ch.Actual)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	require.NoError(t, e.Shutdown(context.Background()))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	cfg := testConfig("http://backend.test")
	cfg.Transport.AppKey = ""

	_, err := New(cfg, "test", WithDialer(&refusingDialer{}))
	assert.Error(t, err)
}

func TestCredentialRefreshReachesConnectionAndBackend(t *testing.T) {
	e, err := New(testConfig(newBackend(t).URL), "test",
		WithDialer(&refusingDialer{}),
		WithTokenSource(staticSource{}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { e.storage.Close() })

	req := httptest.NewRequest(http.MethodPost, "/session/credential", strings.NewReader(`{"credential":"renewed"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.API().Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renewed", e.Connection().Credential())
	assert.Equal(t, "renewed", e.client.Credential())
}
