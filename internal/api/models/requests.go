package models

import (
	"github.com/staybook/realtime/internal/api/validation"
)

// GetTokenRequest asks for a device push token
type GetTokenRequest struct {
	VAPIDKey string `json:"vapidKey,omitempty"`
}

// Validate validates the request
func (r *GetTokenRequest) Validate() error {
	return validation.MaxLength("vapidKey", r.VAPIDKey, 512)
}

// DeleteTokenRequest deletes a device push token
type DeleteTokenRequest struct {
	Token  string `json:"token"`
	UserID string `json:"userId,omitempty"`
}

// Validate validates the request
func (r *DeleteTokenRequest) Validate() error {
	if err := validation.Required("token", r.Token); err != nil {
		return err
	}
	if err := validation.MaxLength("token", r.Token, 4096); err != nil {
		return err
	}
	return validation.MaxLength("userId", r.UserID, 64)
}

// ChannelRequest names a channel to subscribe or unsubscribe
type ChannelRequest struct {
	Channel string `json:"channel"`
}

// Validate validates the request
func (r *ChannelRequest) Validate() error {
	return validation.ChannelName("channel", r.Channel)
}

// CredentialRequest replaces the session credential
type CredentialRequest struct {
	Credential  string `json:"credential"`
	Resubscribe bool   `json:"resubscribe,omitempty"`
}

// Validate validates the request
func (r *CredentialRequest) Validate() error {
	if err := validation.Required("credential", r.Credential); err != nil {
		return err
	}
	return validation.MaxLength("credential", r.Credential, 4096)
}

// ConnectRequest starts the push connection, optionally with a new credential
type ConnectRequest struct {
	Credential string `json:"credential,omitempty"`
}

// Validate validates the request
func (r *ConnectRequest) Validate() error {
	return validation.MaxLength("credential", r.Credential, 4096)
}
