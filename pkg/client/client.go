package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/staybook/realtime/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Ensure Client implements the backend interfaces
var (
	_ domain.ChannelAuthorizer   = (*Client)(nil)
	_ domain.NotificationBackend = (*Client)(nil)
	_ domain.TokenBackend        = (*Client)(nil)
)

// StatusError is returned for backend responses with status >= 400
type StatusError struct {
	Code    int
	Message string
}

// Error implements the error interface
func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// IsTemporary reports whether err is a network failure or a retryable status
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// IsUnauthorized reports whether the backend rejected the credential
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == http.StatusUnauthorized || statusErr.Code == http.StatusForbidden
	}
	return false
}

// Client is an HTTP client for the booking backend
type Client struct {
	baseURL      string
	authEndpoint string
	httpClient   *http.Client
	headers      http.Header
	timeout      time.Duration

	mu         sync.RWMutex
	credential string
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithTimeout sets the request timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.timeout = timeout
		c.httpClient.Timeout = timeout
	}
}

// WithHeaders sets additional HTTP headers
func WithHeaders(headers map[string]string) ClientOption {
	return func(c *Client) {
		for k, v := range headers {
			c.headers.Set(k, v)
		}
	}
}

// WithCredential sets the bearer credential for backend calls
func WithCredential(credential string) ClientOption {
	return func(c *Client) {
		c.credential = credential
	}
}

// WithAuthEndpoint sets the channel auth endpoint, absolute or relative to the base URL
func WithAuthEndpoint(endpoint string) ClientOption {
	return func(c *Client) {
		c.authEndpoint = endpoint
	}
}

// WithHTTPClient replaces the underlying HTTP client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a new backend client
func New(baseURL string, options ...ClientOption) *Client {
	headers := http.Header{}
	headers.Set("Accept", "application/json")

	client := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		authEndpoint: "/broadcasting/auth",
		httpClient: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		headers: headers,
		timeout: 10 * time.Second,
	}

	// Apply options
	for _, option := range options {
		option(client)
	}

	return client
}

// SetCredential replaces the bearer credential
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = credential
}

// Credential returns the current bearer credential
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// Authorize exchanges the session credential for a channel signature
func (c *Client) Authorize(ctx context.Context, req domain.AuthRequest) (*domain.AuthResponse, error) {
	form := url.Values{}
	form.Set("socket_id", req.SocketID)
	form.Set("channel_name", req.Channel)

	target, err := c.resolve(c.authEndpoint)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	credential := req.Credential
	if credential == "" {
		credential = c.Credential()
	}

	resp, err := c.send(httpReq, credential)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var auth domain.AuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return nil, fmt.Errorf("failed to decode auth response: %w", err)
	}
	if auth.Auth == "" {
		return nil, errors.New("auth response has no signature")
	}
	return &auth, nil
}

// ListNotifications fetches one page of the notification collection
func (c *Client) ListNotifications(ctx context.Context, page int) (*domain.NotificationPage, error) {
	if page < 1 {
		page = 1
	}

	resp, err := c.do(ctx, http.MethodGet, "/notifications?page="+strconv.Itoa(page), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result domain.NotificationPage
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	// Some endpoints wrap the paginator in {"data": {...}}
	if result.CurrentPage == 0 && result.Data == nil {
		var wrapped struct {
			Data domain.NotificationPage `json:"data"`
		}
		if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data.CurrentPage > 0 {
			result = wrapped.Data
		}
	}

	return &result, nil
}

// MarkNotificationRead marks one notification read on the backend
func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.discard(c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", nil))
}

// MarkAllNotificationsRead marks every notification read on the backend
func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.discard(c.do(ctx, http.MethodPost, "/notifications/read-all", nil))
}

// DeleteNotification deletes one notification on the backend
func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.discard(c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil))
}

// tokenRequest is the body of the token registration calls
type tokenRequest struct {
	FCMToken string `json:"fcm_token"`
	UserID   string `json:"user_id,omitempty"`
}

// RegisterToken stores a device token on the backend
func (c *Client) RegisterToken(ctx context.Context, token, userID string) error {
	return c.discard(c.do(ctx, http.MethodPost, "/notifications/fcm/register", tokenRequest{FCMToken: token, UserID: userID}))
}

// UnregisterToken removes a device token on the backend
func (c *Client) UnregisterToken(ctx context.Context, token, userID string) error {
	return c.discard(c.do(ctx, http.MethodPost, "/notifications/fcm/unregister", tokenRequest{FCMToken: token, UserID: userID}))
}

// discard closes a successful response body
func (c *Client) discard(resp *http.Response, err error) error {
	if err != nil {
		return err
	}
	io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// resolve turns a path or absolute URL into a request URL
func (c *Client) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// do makes a JSON HTTP request
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	// Create request body
	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.send(req, c.Credential())
}

// send applies headers and credential and maps error statuses
func (c *Client) send(req *http.Request, credential string) (*http.Response, error) {
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if credential != "" {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	// Check for errors
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()

		// Try to parse error message
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg := resp.Status
		if err := json.Unmarshal(body, &errResp); err == nil {
			if errResp.Message != "" {
				msg = errResp.Message
			}
			if errResp.Error != "" {
				msg = errResp.Error
			}
		}

		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}

	return resp, nil
}
