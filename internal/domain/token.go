package domain

import "time"

// TokenStatus is the lifecycle state of a device push token
type TokenStatus string

const (
	TokenPending TokenStatus = "pending"
	TokenActive  TokenStatus = "active"
	TokenInvalid TokenStatus = "invalid"
	TokenDeleted TokenStatus = "deleted"
)

// transitions lists the allowed forward moves
var transitions = map[TokenStatus][]TokenStatus{
	TokenPending: {TokenActive, TokenDeleted},
	TokenActive:  {TokenDeleted, TokenInvalid},
	TokenInvalid: {TokenDeleted},
}

// CanTransitionTo reports whether moving from s to next is permitted
func (s TokenStatus) CanTransitionTo(next TokenStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsValid reports whether the token can still receive pushes
func (s TokenStatus) IsValid() bool {
	return s == TokenPending || s == TokenActive
}

// PushToken is a device token issued by the platform push provider
type PushToken struct {
	Value           string      `json:"value"`
	Status          TokenStatus `json:"status"`
	UserID          string      `json:"user_id,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	LastSyncAttempt time.Time   `json:"last_sync_attempt,omitempty"`
	RetryCount      int         `json:"retry_count"`
	ExpiresAt       time.Time   `json:"expires_at,omitempty"`
}

// RetryOp names an idempotent backend operation that may be retried
type RetryOp string

const (
	OpRegister   RetryOp = "register"
	OpUnregister RetryOp = "unregister"
)

// RetryTask is a durable, retryable backend sync call
type RetryTask struct {
	ID            string    `json:"id"`
	Op            RetryOp   `json:"op"`
	Token         string    `json:"token"`
	UserID        string    `json:"user_id,omitempty"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
