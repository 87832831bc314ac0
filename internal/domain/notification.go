package domain

import (
	"encoding/json"
	"time"
)

// NotificationData is the user-facing payload of a notification
type NotificationData struct {
	Title string         `json:"title,omitempty"`
	Body  string         `json:"body,omitempty"`
	URL   string         `json:"url,omitempty"`
	Extra map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown keys in Extra
func (d *NotificationData) UnmarshalJSON(data []byte) error {
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}

	take := func(key string) string {
		v, ok := all[key]
		if !ok {
			return ""
		}
		delete(all, key)
		s, _ := v.(string)
		return s
	}
	d.Title = take("title")
	d.Body = take("body")
	d.URL = take("url")
	if len(all) > 0 {
		d.Extra = all
	} else {
		d.Extra = nil
	}
	return nil
}

// MarshalJSON flattens Extra next to the known keys
func (d NotificationData) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		out[k] = v
	}
	if d.Title != "" {
		out["title"] = d.Title
	}
	if d.Body != "" {
		out["body"] = d.Body
	}
	if d.URL != "" {
		out["url"] = d.URL
	}
	return json.Marshal(out)
}

// NotificationRecord is one notification as held by the store
type NotificationRecord struct {
	ID             string           `json:"id"`
	Type           string           `json:"type"`
	NotifiableType string           `json:"notifiable_type,omitempty"`
	NotifiableID   any              `json:"notifiable_id,omitempty"`
	Data           NotificationData `json:"data"`
	ReadAt         *time.Time       `json:"read_at"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at,omitempty"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
}

// Version is the timestamp used for last-write-wins comparison
func (r *NotificationRecord) Version() time.Time {
	v := r.CreatedAt
	if r.UpdatedAt.After(v) {
		v = r.UpdatedAt
	}
	if r.ReadAt != nil && r.ReadAt.After(v) {
		v = *r.ReadAt
	}
	if r.DeletedAt != nil && r.DeletedAt.After(v) {
		v = *r.DeletedAt
	}
	return v
}

// IsUnread reports whether the record counts towards the unread total
func (r *NotificationRecord) IsUnread() bool {
	return r.DeletedAt == nil && r.ReadAt == nil
}

// Clone returns a deep copy of the record
func (r *NotificationRecord) Clone() *NotificationRecord {
	c := *r
	if r.ReadAt != nil {
		t := *r.ReadAt
		c.ReadAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	if r.Data.Extra != nil {
		c.Data.Extra = make(map[string]any, len(r.Data.Extra))
		for k, v := range r.Data.Extra {
			c.Data.Extra[k] = v
		}
	}
	return &c
}

// NotificationPage is the pagination envelope returned by the backend
type NotificationPage struct {
	CurrentPage int                   `json:"current_page"`
	Data        []*NotificationRecord `json:"data"`
	PerPage     int                   `json:"per_page"`
	Total       int                   `json:"total"`
	LastPage    int                   `json:"last_page,omitempty"`
	NextPageURL *string               `json:"next_page_url"`
	PrevPageURL *string               `json:"prev_page_url,omitempty"`
}

// HasNext reports whether another page is available
func (p *NotificationPage) HasNext() bool {
	return p.NextPageURL != nil && *p.NextPageURL != ""
}
