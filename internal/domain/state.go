package domain

import "time"

// ConnectionState is a state of the push connection state machine
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

// String returns the internal state name
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateConnected:
		return "Connected"
	case StateReconnecting:
		return "Reconnecting"
	case StateFailed:
		return "Failed"
	default:
		return "Disconnected"
	}
}

// Status maps the state onto the status vocabulary exposed to consumers
func (s ConnectionState) Status() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "error"
	default:
		return "disconnected"
	}
}

// MarshalText encodes the state using the consumer status vocabulary
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.Status()), nil
}

// StateChange is published on every connection state transition
type StateChange struct {
	From    ConnectionState `json:"from"`
	To      ConnectionState `json:"to"`
	Attempt int             `json:"attempt"`
	Err     error           `json:"-"`
	At      time.Time       `json:"at"`
}

// ConnectionSnapshot is a point-in-time view of the connection
type ConnectionSnapshot struct {
	State     ConnectionState `json:"state"`
	Attempts  int             `json:"attempts"`
	SocketID  string          `json:"socket_id,omitempty"`
	LastError string          `json:"last_error,omitempty"`
	Since     time.Time       `json:"since"`
}

// Event is an application event received on a channel
type Event struct {
	ID         string    `json:"id,omitempty"`
	Channel    string    `json:"channel"`
	Name       string    `json:"event"`
	Data       []byte    `json:"data,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}
