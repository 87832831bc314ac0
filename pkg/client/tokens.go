package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/staybook/realtime/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Ensure TokenSource implements domain.TokenSource
var _ domain.TokenSource = (*TokenSource)(nil)

// TokenSource asks the platform push provider for device tokens over HTTP
type TokenSource struct {
	url        string
	httpClient *http.Client
}

// NewTokenSource creates a token source that POSTs to providerURL
func NewTokenSource(providerURL string, timeout time.Duration) *TokenSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TokenSource{
		url: providerURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Token requests a token for vapidKey
func (s *TokenSource) Token(ctx context.Context, vapidKey string) (string, time.Duration, error) {
	body, err := json.Marshal(map[string]string{"vapidKey": vapidKey})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token provider unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, &StatusError{Code: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}

	var result struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.Token == "" {
		return "", 0, errors.New("token provider returned an empty token")
	}

	return result.Token, time.Duration(result.ExpiresIn) * time.Second, nil
}
