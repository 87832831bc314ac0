package models

import (
	"github.com/staybook/realtime/internal/channels"
	"github.com/staybook/realtime/internal/domain"
)

// GetTokenResponse is the flat shape web clients expect from /fcm/get-token
type GetTokenResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"`
}

// DeleteTokenResponse is the flat shape of /fcm/token/delete
type DeleteTokenResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

// NotificationListResponse is the cached notification list
type NotificationListResponse struct {
	Items       []*domain.NotificationRecord `json:"items"`
	UnreadCount int                          `json:"unread_count"`
}

// NotificationMutationResponse reports the unread count after a mutation
type NotificationMutationResponse struct {
	ID          string `json:"id,omitempty"`
	Updated     int    `json:"updated,omitempty"`
	UnreadCount int    `json:"unread_count"`
}

// MembersResponse lists the members of a presence channel
type MembersResponse struct {
	Channel string                  `json:"channel"`
	Count   int                     `json:"count"`
	Members []domain.PresenceMember `json:"members"`
}

// PushStatus summarizes the device token state
type PushStatus struct {
	Active bool `json:"active"`
}

// StatusResponse is the service overview
type StatusResponse struct {
	Connection  domain.ConnectionSnapshot `json:"connection"`
	Channels    []channels.Channel        `json:"channels"`
	UnreadCount int                       `json:"unread_count"`
	Push        PushStatus                `json:"push"`
}

// CredentialResponse reports a credential refresh
type CredentialResponse struct {
	Updated      bool     `json:"updated"`
	Resubscribed []string `json:"resubscribed"`
}
