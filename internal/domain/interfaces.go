package domain

import (
	"context"
	"encoding/json"
	"time"
)

// PresenceMember is one member of a presence channel
type PresenceMember struct {
	ID   string          `json:"id"`
	Info json.RawMessage `json:"info,omitempty"`
}

// AuthRequest carries what a channel auth endpoint needs to sign a subscription
type AuthRequest struct {
	SocketID   string
	Channel    string
	Credential string
}

// AuthResponse is the signature returned by the auth endpoint
type AuthResponse struct {
	Auth        string `json:"auth"`
	ChannelData string `json:"channel_data,omitempty"`
}

// ChannelAuthorizer exchanges a session credential for a channel-scoped signature
type ChannelAuthorizer interface {
	Authorize(ctx context.Context, req AuthRequest) (*AuthResponse, error)
}

// NotificationBackend is the paginated notification collection on the backend
type NotificationBackend interface {
	ListNotifications(ctx context.Context, page int) (*NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
}

// TokenBackend persists device tokens on the backend. Both calls are idempotent by token value.
type TokenBackend interface {
	RegisterToken(ctx context.Context, token, userID string) error
	UnregisterToken(ctx context.Context, token, userID string) error
}

// TokenSource is the platform push provider that issues device tokens
type TokenSource interface {
	Token(ctx context.Context, vapidKey string) (value string, expiresIn time.Duration, err error)
}

// TokenStore keeps push tokens locally
type TokenStore interface {
	SaveToken(ctx context.Context, token *PushToken) error
	GetToken(ctx context.Context, value string) (*PushToken, error)
	ListTokens(ctx context.Context) ([]*PushToken, error)
}

// RetryQueue is a durable queue of retryable backend calls
type RetryQueue interface {
	Enqueue(ctx context.Context, task *RetryTask) error
	Due(ctx context.Context, now time.Time, limit int) ([]*RetryTask, error)
	Update(ctx context.Context, task *RetryTask) error
	Remove(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]*RetryTask, error)
}

// NotificationSnapshotStore persists the notification cache between runs
type NotificationSnapshotStore interface {
	SaveNotifications(ctx context.Context, records []*NotificationRecord) error
	LoadNotifications(ctx context.Context) ([]*NotificationRecord, error)
}

// Store bundles every durable concern behind one storage engine
type Store interface {
	TokenStore
	RetryQueue
	NotificationSnapshotStore
	Close() error
}
