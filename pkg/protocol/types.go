package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Version is the Pusher wire protocol revision spoken by the client
const Version = 7

// Connection-level events
const (
	EventConnectionEstablished = "pusher:connection_established"
	EventError                 = "pusher:error"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventSubscriptionError     = "pusher:subscription_error"
)

// Channel-level internal events
const (
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	EventMemberAdded           = "pusher_internal:member_added"
	EventMemberRemoved         = "pusher_internal:member_removed"
)

// Application events the delivery layer recognizes
const (
	EventNewMessage       = "new-message"
	EventMessageRead      = "message-read"
	EventMessageDelivered = "message-delivered"
	EventUserTyping       = "user-typing"
	EventUserOnline       = "user-online"
	EventUserOffline      = "user-offline"

	// EventNotificationCreated is emitted by the backend's broadcast notification channel
	EventNotificationCreated = `Illuminate\Notifications\Events\BroadcastNotificationCreated`
)

var knownEvents = map[string]struct{}{
	EventNewMessage:          {},
	EventMessageRead:         {},
	EventMessageDelivered:    {},
	EventUserTyping:          {},
	EventUserOnline:          {},
	EventUserOffline:         {},
	EventNotificationCreated: {},
}

// IsKnownEvent reports whether name is part of the application event vocabulary
func IsKnownEvent(name string) bool {
	_, ok := knownEvents[name]
	return ok
}

// IsInternal reports whether the event is protocol traffic rather than application data
func IsInternal(name string) bool {
	return strings.HasPrefix(name, "pusher:") || strings.HasPrefix(name, "pusher_internal:")
}

// ChannelKind classifies a channel by its name prefix
type ChannelKind int

const (
	ChannelPublic ChannelKind = iota
	ChannelPrivate
	ChannelPresence
)

// Channel name prefixes
const (
	PrefixPrivate  = "private-"
	PrefixPresence = "presence-"
)

// KindOf returns the channel kind encoded in the name prefix
func KindOf(channel string) ChannelKind {
	switch {
	case strings.HasPrefix(channel, PrefixPresence):
		return ChannelPresence
	case strings.HasPrefix(channel, PrefixPrivate):
		return ChannelPrivate
	default:
		return ChannelPublic
	}
}

// String returns the kind name
func (k ChannelKind) String() string {
	switch k {
	case ChannelPrivate:
		return "private"
	case ChannelPresence:
		return "presence"
	default:
		return "public"
	}
}

// RequiresAuth reports whether subscribing needs a signed handshake
func (k ChannelKind) RequiresAuth() bool {
	return k == ChannelPrivate || k == ChannelPresence
}

// Frame is a single message on the push connection
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
}

// Payload returns the frame data as a JSON document.
// The server double-encodes data as a JSON string; both forms are accepted.
func (f *Frame) Payload() ([]byte, error) {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	if data[0] != '"' {
		return data, nil
	}

	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return nil, fmt.Errorf("invalid frame data string: %w", err)
	}
	return []byte(inner), nil
}

// Decode unmarshals the frame payload into v
func (f *Frame) Decode(v any) error {
	payload, err := f.Payload()
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("frame %s has no data", f.Event)
	}
	return json.Unmarshal(payload, v)
}

// NewFrame builds an outbound frame with an object payload
func NewFrame(event, channel string, data any) (Frame, error) {
	frame := Frame{Event: event, Channel: channel}
	if data == nil {
		return frame, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}
	frame.Data = raw
	return frame, nil
}

// ConnectionEstablished is the payload of pusher:connection_established
type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// ErrorData is the payload of pusher:error
type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// SubscribeData is the payload of pusher:subscribe
type SubscribeData struct {
	Channel     string `json:"channel"`
	Auth        string `json:"auth,omitempty"`
	ChannelData string `json:"channel_data,omitempty"`
}

// UnsubscribeData is the payload of pusher:unsubscribe
type UnsubscribeData struct {
	Channel string `json:"channel"`
}

// SubscriptionErrorData is the payload of pusher:subscription_error
type SubscriptionErrorData struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// PresenceSnapshot is the presence section of subscription_succeeded
type PresenceSnapshot struct {
	IDs   []string                   `json:"ids"`
	Hash  map[string]json.RawMessage `json:"hash"`
	Count int                        `json:"count"`
}

// SubscriptionSucceeded is the payload of pusher_internal:subscription_succeeded
type SubscriptionSucceeded struct {
	Presence *PresenceSnapshot `json:"presence,omitempty"`
}

// MemberData is the payload of member_added and member_removed
type MemberData struct {
	UserID   string          `json:"user_id"`
	UserInfo json.RawMessage `json:"user_info,omitempty"`
}

// UnmarshalJSON accepts numeric and string user ids
func (m *MemberData) UnmarshalJSON(data []byte) error {
	var raw struct {
		UserID   json.RawMessage `json:"user_id"`
		UserInfo json.RawMessage `json:"user_info,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := idString(raw.UserID)
	if err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}
	m.UserID = id
	m.UserInfo = raw.UserInfo
	return nil
}

// ExtractEventID finds a stable identifier in an application payload.
// It looks at event_id, then id, then notification.id; empty means none was found.
func ExtractEventID(payload []byte) string {
	if len(payload) == 0 || payload[0] != '{' {
		return ""
	}

	var fields struct {
		EventID      json.RawMessage `json:"event_id"`
		ID           json.RawMessage `json:"id"`
		Notification *struct {
			ID json.RawMessage `json:"id"`
		} `json:"notification"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}

	for _, candidate := range []json.RawMessage{fields.EventID, fields.ID} {
		if id, err := idString(candidate); err == nil && id != "" {
			return id
		}
	}
	if fields.Notification != nil {
		if id, err := idString(fields.Notification.ID); err == nil {
			return id
		}
	}
	return ""
}

// idString normalizes a JSON string or number into a string id
func idString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

// IDFromJSON normalizes a raw JSON string or number id; anything else yields ""
func IDFromJSON(raw json.RawMessage) string {
	id, err := idString(raw)
	if err != nil {
		return ""
	}
	return id
}
