package connection

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		want     string
		wantErr  bool
	}{
		{
			name:     "cluster with TLS",
			endpoint: Endpoint{AppKey: "abc", Cluster: "eu", UseTLS: true},
			want:     "wss://ws-eu.pusher.com:443/app/abc?client=realtime-go&flash=false&protocol=7&version=dev",
		},
		{
			name:     "custom host without TLS",
			endpoint: Endpoint{AppKey: "abc", Host: "soketi.local", Port: 6001, ClientName: "web", ClientVersion: "1.2.0"},
			want:     "ws://soketi.local:6001/app/abc?client=web&flash=false&protocol=7&version=1.2.0",
		},
		{
			name:     "only wss enabled",
			endpoint: Endpoint{AppKey: "abc", Host: "push.local", EnabledTransports: []string{"wss"}},
			want:     "wss://push.local:443/app/abc?client=realtime-go&flash=false&protocol=7&version=dev",
		},
		{
			name:     "TLS without wss transport",
			endpoint: Endpoint{AppKey: "abc", Host: "push.local", UseTLS: true, EnabledTransports: []string{"ws"}},
			wantErr:  true,
		},
		{
			name:     "missing app key",
			endpoint: Endpoint{Cluster: "eu"},
			wantErr:  true,
		},
		{
			name:     "missing host and cluster",
			endpoint: Endpoint{AppKey: "abc"},
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.endpoint.URL()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// pushServer is a minimal protocol 7 server for transport tests
func pushServer(t *testing.T, received chan<- protocol.Frame) *httptest.Server {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("protocol"))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		payload := `{"socket_id":"777.1","activity_timeout":120}`
		_ = conn.WriteJSON(map[string]string{
			"event": protocol.EventConnectionEstablished,
			"data":  payload,
		})

		for {
			var frame protocol.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			received <- frame
			if frame.Event == protocol.EventPing {
				_ = conn.WriteJSON(protocol.Frame{Event: protocol.EventPong})
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/app/key?protocol=7"
}

func TestWebSocketDialerRoundTrip(t *testing.T) {
	received := make(chan protocol.Frame, 4)
	server := pushServer(t, received)
	defer server.Close()

	dialer := NewWebSocketDialer(time.Second)
	conn, err := dialer.Dial(context.Background(), wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame, err := conn.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, protocol.EventConnectionEstablished, frame.Event)

	var est protocol.ConnectionEstablished
	require.NoError(t, frame.Decode(&est))
	assert.Equal(t, "777.1", est.SocketID)

	sub, err := protocol.NewFrame(protocol.EventSubscribe, "", protocol.SubscribeData{Channel: "news"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteFrame(sub))

	select {
	case got := <-received:
		assert.Equal(t, protocol.EventSubscribe, got.Event)
		assert.JSONEq(t, `{"channel":"news"}`, string(got.Data))
	case <-time.After(time.Second):
		t.Fatal("server did not receive subscribe")
	}
}

func TestWebSocketDialerRejectsBadURL(t *testing.T) {
	dialer := NewWebSocketDialer(100 * time.Millisecond)
	_, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1/app/key", nil)
	assert.Error(t, err)
}

func TestManagerOverWebSocket(t *testing.T) {
	received := make(chan protocol.Frame, 16)
	server := pushServer(t, received)
	defer server.Close()

	cfg := testConfig()
	cfg.URL = wsURL(server)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.PongTimeout = 200 * time.Millisecond

	m := NewManager(cfg, NewWebSocketDialer(time.Second))
	changes, stop := m.Watch()
	defer stop()

	require.NoError(t, m.Connect("token"))
	waitFor(t, changes, domain.StateConnected)
	assert.Equal(t, "777.1", m.SocketID())

	// Heartbeat reaches the server and the pong keeps us connected
	select {
	case f := <-received:
		assert.Equal(t, protocol.EventPing, f.Event)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, domain.StateConnected, m.State())

	m.Disconnect()
	assert.Equal(t, domain.StateDisconnected, m.State())
}

func TestMalformedFrameIsDropped(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteJSON(map[string]string{
			"event": protocol.EventConnectionEstablished,
			"data":  `{"socket_id":"777.1","activity_timeout":120}`,
		})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"new-message","channel":"c","data":{oops}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"new-message","channel":"c","data":"{\"id\":\"m1\"}"}`))

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	t.Run("ReadFrame", func(t *testing.T) {
		conn, err := NewWebSocketDialer(time.Second).Dial(context.Background(), wsURL(server), nil)
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.ReadFrame()
		require.NoError(t, err)

		_, err = conn.ReadFrame()
		assert.ErrorIs(t, err, domain.ErrValidation)

		frame, err := conn.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, protocol.EventNewMessage, frame.Event)
	})

	t.Run("Manager", func(t *testing.T) {
		cfg := testConfig()
		cfg.URL = wsURL(server)

		m := NewManager(cfg, NewWebSocketDialer(time.Second))
		changes, stop := m.Watch()
		defer stop()

		require.NoError(t, m.Connect("token"))
		waitFor(t, changes, domain.StateConnected)

		select {
		case frame := <-m.Frames():
			assert.Equal(t, "c", frame.Channel)
			assert.Equal(t, protocol.EventNewMessage, frame.Event)
		case <-time.After(2 * time.Second):
			t.Fatal("valid frame after a malformed one was not forwarded")
		}
		assert.Equal(t, domain.StateConnected, m.State())

		m.Disconnect()
	})
}
