package notifications

import (
	"encoding/json"
	"time"

	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/pkg/protocol"
)

// recordFromEvent builds a notification record from a pushed payload.
// Full records (with a data object) are taken as is. Flat broadcast
// payloads keep id, type and timestamps and move the rest into Data.
// stamped reports whether the payload carried a server timestamp; without
// one the record is dated by local receive time and must not outrank a
// stored copy.
func recordFromEvent(event domain.Event) (rec *domain.NotificationRecord, stamped bool, err error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(event.Data, &fields); err != nil {
		return nil, false, domain.ValidationError(event.Name, "payload is not an object: %v", err)
	}

	if nested, ok := fields["notification"]; ok && len(nested) > 0 && nested[0] == '{' {
		inner := event
		inner.Data = nested
		return recordFromEvent(inner)
	}

	id := protocol.IDFromJSON(fields["id"])
	if id == "" {
		id = event.ID
	}
	if id == "" {
		return nil, false, domain.ValidationError(event.Name, "notification has no id")
	}

	if raw, ok := fields["data"]; ok && len(raw) > 0 && raw[0] == '{' {
		var full domain.NotificationRecord
		if err := json.Unmarshal(event.Data, &full); err != nil {
			return nil, false, domain.ValidationError(event.Name, "malformed notification: %v", err)
		}
		full.ID = id
		stamped = !full.CreatedAt.IsZero() || !full.UpdatedAt.IsZero()
		if full.CreatedAt.IsZero() {
			full.CreatedAt = event.ReceivedAt
			if stamped {
				full.CreatedAt = full.UpdatedAt
			}
		}
		return &full, stamped, nil
	}

	rec = &domain.NotificationRecord{ID: id}
	if err := unmarshalString(fields["type"], &rec.Type); err != nil || rec.Type == "" {
		rec.Type = event.Name
	}
	if t, ok := timeField(fields["created_at"]); ok {
		rec.CreatedAt = t
		stamped = true
	}
	if t, ok := timeField(fields["updated_at"]); ok {
		rec.UpdatedAt = t
		stamped = true
	}
	if t, ok := timeField(fields["read_at"]); ok {
		rec.ReadAt = &t
	}
	switch {
	case !rec.CreatedAt.IsZero():
	case stamped:
		rec.CreatedAt = rec.UpdatedAt
	default:
		rec.CreatedAt = event.ReceivedAt
	}

	for _, key := range []string{"id", "type", "created_at", "updated_at", "read_at"} {
		delete(fields, key)
	}
	rest, err := json.Marshal(fields)
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal(rest, &rec.Data); err != nil {
		return nil, false, domain.ValidationError(event.Name, "malformed notification data: %v", err)
	}
	return rec, stamped, nil
}

// readFromEvent extracts the ids and read time of a message-read payload
func readFromEvent(event domain.Event) ([]string, time.Time, error) {
	var fields struct {
		ID             json.RawMessage   `json:"id"`
		NotificationID json.RawMessage   `json:"notification_id"`
		MessageID      json.RawMessage   `json:"message_id"`
		IDs            []json.RawMessage `json:"ids"`
		ReadAt         json.RawMessage   `json:"read_at"`
	}
	if err := json.Unmarshal(event.Data, &fields); err != nil {
		return nil, time.Time{}, domain.ValidationError(event.Name, "payload is not an object: %v", err)
	}

	var ids []string
	for _, raw := range append([]json.RawMessage{fields.NotificationID, fields.MessageID, fields.ID}, fields.IDs...) {
		if id := protocol.IDFromJSON(raw); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, time.Time{}, domain.ValidationError(event.Name, "read event has no id")
	}

	at, ok := timeField(fields.ReadAt)
	if !ok {
		at = event.ReceivedAt
	}
	return ids, at, nil
}

func unmarshalString(raw json.RawMessage, out *string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// timeField parses an RFC 3339 timestamp or a Laravel "Y-m-d H:i:s" string
func timeField(raw json.RawMessage) (time.Time, bool) {
	var s string
	if err := unmarshalString(raw, &s); err != nil || s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
