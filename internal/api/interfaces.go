package api

import (
	"context"

	"github.com/staybook/realtime/internal/channels"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/notifications"
	"github.com/staybook/realtime/internal/pushtoken"
)

// Connection exposes the push connection state and its manual controls
type Connection interface {
	Snapshot() domain.ConnectionSnapshot
	Connect(credential string) error
	Disconnect()
	Credential() string
}

// Session receives a refreshed session credential
type Session interface {
	SetCredential(credential string)
}

// Channels is the subscription surface the API drives
type Channels interface {
	Subscribe(name string) error
	Unsubscribe(name string) error
	Resubscribe(name string) error
	Get(name string) (channels.Channel, bool)
	Channels() []channels.Channel
}

// Presence answers member queries for presence channels
type Presence interface {
	Members(channel string) []domain.PresenceMember
}

// Notifications is the notification cache and its backend sync
type Notifications interface {
	List() []*domain.NotificationRecord
	UnreadCount() int
	Refresh(ctx context.Context) (notifications.RefreshResult, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) int
	Delete(ctx context.Context, id string) error
}

// PushTokens manages the device push token
type PushTokens interface {
	Active() bool
	Acquire(ctx context.Context, vapidKey string) (*pushtoken.AcquireResult, error)
	Validate(ctx context.Context, value string) pushtoken.Validation
	Delete(ctx context.Context, value, userID string) (*pushtoken.DeleteResult, error)
}

// Services groups the API dependencies
type Services struct {
	Connection    Connection
	Session       Session
	Channels      Channels
	Presence      Presence
	Notifications Notifications
	PushTokens    PushTokens
}
