package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures in the delivery layer
type ErrorKind string

const (
	// KindConnection means the transport is unreachable or rejected the connection
	KindConnection ErrorKind = "connection"

	// KindChannelAuth means a channel auth handshake was rejected
	KindChannelAuth ErrorKind = "channel_auth"

	// KindSync means the backend could not be reached for a token operation
	KindSync ErrorKind = "sync"

	// KindValidation means an inbound payload was malformed
	KindValidation ErrorKind = "validation"

	// KindExhaustedRetry means reconnection attempts hit the configured cap
	KindExhaustedRetry ErrorKind = "exhausted_retry"
)

// Sentinels for errors.Is matching against an *Error of the same kind
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrChannelAuth    = &Error{Kind: KindChannelAuth}
	ErrSync           = &Error{Kind: KindSync}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrExhaustedRetry = &Error{Kind: KindExhaustedRetry}
)

// Plain sentinels for invalid calls
var (
	ErrNotConnected      = errors.New("connection is not established")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrQueueFull         = errors.New("outbound queue full")
)

// Error is a classified delivery-layer error
type Error struct {
	Kind    ErrorKind
	Op      string
	Subject string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Subject != "" {
		msg += " [" + e.Subject + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// ConnectionError wraps a transport failure
func ConnectionError(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// ChannelAuthError wraps a rejected handshake for channel
func ChannelAuthError(channel string, err error) *Error {
	return &Error{Kind: KindChannelAuth, Op: "authorize", Subject: channel, Err: err}
}

// SyncError wraps a failed backend sync for a token operation
func SyncError(op, token string, err error) *Error {
	return &Error{Kind: KindSync, Op: op, Subject: Redact(token), Err: err}
}

// ValidationError describes a malformed inbound payload
func ValidationError(subject, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// ExhaustedRetryError reports that reconnection gave up after attempts tries
func ExhaustedRetryError(attempts int, last error) *Error {
	return &Error{
		Kind: KindExhaustedRetry,
		Op:   "reconnect",
		Err:  fmt.Errorf("gave up after %d attempts: %w", attempts, last),
	}
}

// KindOf returns the kind of a classified error, or "" for anything else
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsSurfaced reports whether the error must reach the consuming UI layer
func IsSurfaced(err error) bool {
	switch KindOf(err) {
	case KindExhaustedRetry, KindChannelAuth:
		return true
	default:
		return false
	}
}

// Redact shortens an opaque token for logs
func Redact(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:6] + "…" + token[len(token)-4:]
}
