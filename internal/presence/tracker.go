package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
	"github.com/staybook/realtime/pkg/protocol"
)

// ChangeKind says how a membership changed
type ChangeKind string

const (
	ChangeSnapshot ChangeKind = "snapshot"
	ChangeJoin     ChangeKind = "join"
	ChangeLeave    ChangeKind = "leave"
	ChangeReset    ChangeKind = "reset"
)

// Change is published whenever a presence channel's member set changes
type Change struct {
	Channel string                 `json:"channel"`
	Kind    ChangeKind             `json:"kind"`
	Member  *domain.PresenceMember `json:"member,omitempty"`
	Count   int                    `json:"count"`
	At      time.Time              `json:"at"`
}

// Tracker holds the member set of every presence channel
type Tracker struct {
	mu       sync.RWMutex
	channels map[string]map[string]domain.PresenceMember

	watchersMu sync.RWMutex
	watchers   map[string]chan Change

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewTracker creates an empty presence tracker
func NewTracker() *Tracker {
	return &Tracker{
		channels: make(map[string]map[string]domain.PresenceMember),
		watchers: make(map[string]chan Change),
		logger:   log.With().Str("component", "presence").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Snapshot replaces the member set of channel with the server's view
func (t *Tracker) Snapshot(channel string, snap *protocol.PresenceSnapshot) {
	members := make(map[string]domain.PresenceMember)
	if snap != nil {
		for _, id := range snap.IDs {
			members[id] = domain.PresenceMember{ID: id, Info: snap.Hash[id]}
		}
		// Some servers only fill the hash
		for id, info := range snap.Hash {
			if _, ok := members[id]; !ok {
				members[id] = domain.PresenceMember{ID: id, Info: info}
			}
		}
	}

	t.mu.Lock()
	t.channels[channel] = members
	count := len(members)
	t.mu.Unlock()

	t.logger.Debug().Str("channel", channel).Int("members", count).Msg("Presence snapshot applied")
	t.publish(Change{Channel: channel, Kind: ChangeSnapshot, Count: count})
}

// Join adds a member. It reports false when the member was already present.
func (t *Tracker) Join(channel, id string, info json.RawMessage) bool {
	if id == "" {
		return false
	}

	t.mu.Lock()
	members, ok := t.channels[channel]
	if !ok {
		members = make(map[string]domain.PresenceMember)
		t.channels[channel] = members
	}
	if _, exists := members[id]; exists {
		t.mu.Unlock()
		return false
	}
	member := domain.PresenceMember{ID: id, Info: info}
	members[id] = member
	count := len(members)
	t.mu.Unlock()

	t.publish(Change{Channel: channel, Kind: ChangeJoin, Member: &member, Count: count})
	return true
}

// Leave removes a member. It reports false when the member was absent.
func (t *Tracker) Leave(channel, id string) bool {
	t.mu.Lock()
	members, ok := t.channels[channel]
	if !ok {
		t.mu.Unlock()
		return false
	}
	member, exists := members[id]
	if !exists {
		t.mu.Unlock()
		return false
	}
	delete(members, id)
	count := len(members)
	t.mu.Unlock()

	t.publish(Change{Channel: channel, Kind: ChangeLeave, Member: &member, Count: count})
	return true
}

// Reset forgets a channel's members, e.g. after unsubscribe or connection loss
func (t *Tracker) Reset(channel string) {
	t.mu.Lock()
	_, ok := t.channels[channel]
	delete(t.channels, channel)
	t.mu.Unlock()

	if ok {
		t.metrics.PresenceMembers.DeleteLabelValues(channel)
		t.publish(Change{Channel: channel, Kind: ChangeReset})
	}
}

// Members returns the channel's members sorted by id
func (t *Tracker) Members(channel string) []domain.PresenceMember {
	t.mu.RLock()
	defer t.mu.RUnlock()

	members := make([]domain.PresenceMember, 0, len(t.channels[channel]))
	for _, m := range t.channels[channel] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members
}

// IsOnline reports whether id is present on channel
func (t *Tracker) IsOnline(channel, id string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.channels[channel][id]
	return ok
}

// Count returns the number of members on channel
func (t *Tracker) Count(channel string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.channels[channel])
}

// Watch subscribes to membership changes
func (t *Tracker) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.NewString()
	ch := make(chan Change, buffer)

	t.watchersMu.Lock()
	t.watchers[id] = ch
	t.watchersMu.Unlock()

	return ch, func() {
		t.watchersMu.Lock()
		defer t.watchersMu.Unlock()
		if c, ok := t.watchers[id]; ok {
			close(c)
			delete(t.watchers, id)
		}
	}
}

// publish fans a change out to watchers without blocking
func (t *Tracker) publish(change Change) {
	change.At = time.Now()
	if change.Kind != ChangeReset {
		t.metrics.PresenceMembers.WithLabelValues(change.Channel).Set(float64(change.Count))
	}

	t.watchersMu.RLock()
	defer t.watchersMu.RUnlock()

	for id, ch := range t.watchers {
		select {
		case ch <- change:
		default:
			t.logger.Warn().
				Str("watcher_id", id).
				Str("channel", change.Channel).
				Msg("Presence watcher buffer full, dropping change")
		}
	}
}
