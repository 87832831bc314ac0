package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/pkg/protocol"
)

const (
	defaultWriteWait = 10 * time.Second
	maxFrameSize     = 64 * 1024
)

// Conn is one physical push connection
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the connection fails.
	// Errors matching domain.ErrValidation are per-message and not fatal.
	ReadFrame() (protocol.Frame, error)

	// WriteFrame writes a single frame
	WriteFrame(frame protocol.Frame) error

	// Close tears the connection down
	Close() error
}

// Dialer opens physical connections
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Endpoint describes where the push server lives
type Endpoint struct {
	AppKey            string
	Cluster           string
	Host              string
	Port              int
	UseTLS            bool
	EnabledTransports []string
	ClientName        string
	ClientVersion     string
}

// URL builds the websocket URL for the endpoint
func (e Endpoint) URL() (string, error) {
	if e.AppKey == "" {
		return "", fmt.Errorf("app key is required")
	}

	scheme, err := e.scheme()
	if err != nil {
		return "", err
	}

	host := e.Host
	if host == "" {
		if e.Cluster == "" {
			return "", fmt.Errorf("either host or cluster is required")
		}
		host = "ws-" + e.Cluster + ".pusher.com"
	}

	port := e.Port
	if port == 0 {
		port = 80
		if scheme == "wss" {
			port = 443
		}
	}

	clientName := e.ClientName
	if clientName == "" {
		clientName = "realtime-go"
	}
	clientVersion := e.ClientVersion
	if clientVersion == "" {
		clientVersion = "dev"
	}

	u := url.URL{
		Scheme: scheme,
		Host:   host + ":" + strconv.Itoa(port),
		Path:   "/app/" + e.AppKey,
	}
	q := u.Query()
	q.Set("protocol", strconv.Itoa(protocol.Version))
	q.Set("client", clientName)
	q.Set("version", clientVersion)
	q.Set("flash", "false")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// scheme picks ws or wss from the TLS flag and the enabled transport list
func (e Endpoint) scheme() (string, error) {
	enabled := func(name string) bool {
		if len(e.EnabledTransports) == 0 {
			return true
		}
		for _, t := range e.EnabledTransports {
			if t == name {
				return true
			}
		}
		return false
	}

	if e.UseTLS {
		if enabled("wss") {
			return "wss", nil
		}
		return "", fmt.Errorf("TLS requested but wss transport is not enabled")
	}
	if enabled("ws") {
		return "ws", nil
	}
	if enabled("wss") {
		return "wss", nil
	}
	return "", fmt.Errorf("no supported transport enabled: %v", e.EnabledTransports)
}

// WebSocketDialer dials push connections with gorilla/websocket
type WebSocketDialer struct {
	dialer    *websocket.Dialer
	writeWait time.Duration
	readLimit int64
}

// NewWebSocketDialer creates a dialer with the given handshake timeout
func NewWebSocketDialer(handshakeTimeout time.Duration) *WebSocketDialer {
	d := *websocket.DefaultDialer
	if handshakeTimeout > 0 {
		d.HandshakeTimeout = handshakeTimeout
	}
	return &WebSocketDialer{
		dialer:    &d,
		writeWait: defaultWriteWait,
		readLimit: maxFrameSize,
	}
}

// Dial opens a websocket connection
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial websocket: %w", err)
	}
	conn.SetReadLimit(d.readLimit)

	return &wsConn{conn: conn, writeWait: d.writeWait}, nil
}

// wsConn adapts a gorilla connection to Conn
type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
}

// ReadFrame reads one JSON frame. A message that is not a valid frame
// yields a validation error and leaves the connection usable.
func (c *wsConn) ReadFrame() (protocol.Frame, error) {
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.Frame{}, err
	}

	var frame protocol.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		return protocol.Frame{}, domain.ValidationError("frame", "malformed frame: %v", err)
	}
	return frame, nil
}

// WriteFrame writes one JSON frame with a write deadline
func (c *wsConn) WriteFrame(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(frame)
}

// Close sends a normal close message and closes the socket
func (c *wsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.conn.Close()
}
