package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
)

// Origin names the producer of a merged record
type Origin string

const (
	OriginFetch    Origin = "fetch"
	OriginPush     Origin = "push"
	OriginSnapshot Origin = "snapshot"
)

// MergeResult is the outcome of merging one record
type MergeResult string

const (
	MergeInserted MergeResult = "insert"
	MergeUpdated  MergeResult = "update"
	MergeStale    MergeResult = "stale"
	MergeExists   MergeResult = "exists"
	MergeInvalid  MergeResult = "invalid"
)

// StoreConfig contains configuration for the notification store
type StoreConfig struct {
	// PersistDelay debounces snapshot writes after mutations
	PersistDelay time.Duration

	// TombstoneTTL is how long deleted records are remembered
	TombstoneTTL time.Duration
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		PersistDelay: 500 * time.Millisecond,
		TombstoneTTL: 7 * 24 * time.Hour,
	}
}

// Store is the single merge point for notifications from fetch and push
type Store struct {
	config   StoreConfig
	snapshot domain.NotificationSnapshotStore

	mu      sync.RWMutex
	records map[string]*domain.NotificationRecord
	unread  int
	live    int

	persistMu sync.Mutex
	timer     *time.Timer

	now     func() time.Time
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStore creates a store; snapshot may be nil to disable persistence
func NewStore(config StoreConfig, snapshot domain.NotificationSnapshotStore) *Store {
	return &Store{
		config:   config,
		snapshot: snapshot,
		records:  make(map[string]*domain.NotificationRecord),
		now:      time.Now,
		logger:   log.With().Str("component", "notifications").Logger(),
		metrics:  metrics.GetMetrics(),
	}
}

// Load restores the persisted snapshot; failures leave the store empty
func (s *Store) Load(ctx context.Context) int {
	if s.snapshot == nil {
		return 0
	}

	records, err := s.snapshot.LoadNotifications(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to load notification snapshot")
		return 0
	}

	s.mu.Lock()
	for _, rec := range records {
		s.mergeLocked(OriginSnapshot, rec)
	}
	s.recountLocked()
	s.mu.Unlock()

	s.logger.Debug().Int("records", len(records)).Msg("Loaded notification snapshot")
	return len(records)
}

// Merge folds records into the store and returns one result per record
func (s *Store) Merge(origin Origin, records ...*domain.NotificationRecord) []MergeResult {
	results := make([]MergeResult, len(records))
	changed := false

	s.mu.Lock()
	for i, rec := range records {
		results[i] = s.mergeLocked(origin, rec)
		s.metrics.NotificationMerges.WithLabelValues(string(origin), string(results[i])).Inc()
		if results[i] == MergeInserted || results[i] == MergeUpdated {
			changed = true
		}
	}
	s.recountLocked()
	s.mu.Unlock()

	if changed {
		s.schedulePersist()
	}
	return results
}

// Insert adds a record only when its id is unknown, tombstones included.
// It is used for pushed records that carry no server timestamp.
func (s *Store) Insert(origin Origin, rec *domain.NotificationRecord) MergeResult {
	if rec == nil || rec.ID == "" {
		return MergeInvalid
	}

	s.mu.Lock()
	result := MergeExists
	if _, ok := s.records[rec.ID]; !ok {
		s.records[rec.ID] = rec.Clone()
		s.recountLocked()
		result = MergeInserted
	}
	s.mu.Unlock()

	s.metrics.NotificationMerges.WithLabelValues(string(origin), string(result)).Inc()
	if result == MergeInserted {
		s.schedulePersist()
	}
	return result
}

// mergeLocked applies the last-write-wins rule for one record
func (s *Store) mergeLocked(origin Origin, incoming *domain.NotificationRecord) MergeResult {
	if incoming == nil || incoming.ID == "" {
		return MergeInvalid
	}

	current, ok := s.records[incoming.ID]
	if !ok {
		s.records[incoming.ID] = incoming.Clone()
		return MergeInserted
	}

	cv, iv := current.Version(), incoming.Version()
	switch {
	case iv.Before(cv):
		s.logger.Debug().
			Str("id", incoming.ID).
			Str("origin", string(origin)).
			Msg("Ignoring stale notification")
		return MergeStale
	case iv.After(cv):
		s.records[incoming.ID] = incoming.Clone()
		return MergeUpdated
	default:
		merged := mergeEqual(current, incoming)
		s.records[incoming.ID] = merged
		return MergeUpdated
	}
}

// mergeEqual combines two records with the same version. Read and deleted
// win, content prefers the non-empty side and conflicts resolve to the
// smaller value so the result does not depend on argument order.
func mergeEqual(a, b *domain.NotificationRecord) *domain.NotificationRecord {
	out := a.Clone()
	out.ReadAt = laterOf(a.ReadAt, b.ReadAt)
	out.DeletedAt = laterOf(a.DeletedAt, b.DeletedAt)

	out.Type = pick(a.Type, b.Type)
	out.NotifiableType = pick(a.NotifiableType, b.NotifiableType)
	out.NotifiableID = pickValue(a.NotifiableID, b.NotifiableID)
	out.Data.Title = pick(a.Data.Title, b.Data.Title)
	out.Data.Body = pick(a.Data.Body, b.Data.Body)
	out.Data.URL = pick(a.Data.URL, b.Data.URL)
	for k, v := range b.Data.Extra {
		if out.Data.Extra == nil {
			out.Data.Extra = make(map[string]any)
		}
		out.Data.Extra[k] = pickValue(out.Data.Extra[k], v)
	}

	if out.CreatedAt.IsZero() || (!b.CreatedAt.IsZero() && b.CreatedAt.Before(out.CreatedAt)) {
		out.CreatedAt = b.CreatedAt
	}
	if b.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = b.UpdatedAt
	}
	return out
}

// pick returns the non-empty value, or the smaller of two non-empty values
func pick(a, b string) string {
	if a == "" || (b != "" && b < a) {
		return b
	}
	return a
}

// pickValue is pick for arbitrary JSON values, ordered by their encoding
func pickValue(a, b any) any {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	ea, errA := json.Marshal(a)
	eb, errB := json.Marshal(b)
	if errA != nil || (errB == nil && bytes.Compare(eb, ea) < 0) {
		return b
	}
	return a
}

func laterOf(a, b *time.Time) *time.Time {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		t := *b
		return &t
	case b == nil || !b.After(*a):
		t := *a
		return &t
	default:
		t := *b
		return &t
	}
}

// MarkRead marks one live record read; marking a read record again is a no-op
func (s *Store) MarkRead(id string) error {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || rec.DeletedAt != nil {
		s.mu.Unlock()
		return domain.ErrNotFound
	}
	if rec.ReadAt != nil {
		s.mu.Unlock()
		return nil
	}

	now := s.now().UTC()
	rec.ReadAt = &now
	rec.UpdatedAt = now
	s.recountLocked()
	s.mu.Unlock()

	s.schedulePersist()
	return nil
}

// ApplyRead records a read that happened elsewhere. Unknown, deleted and
// already read records are left alone.
func (s *Store) ApplyRead(id string, at time.Time) bool {
	s.mu.Lock()
	rec, ok := s.records[id]
	if !ok || !rec.IsUnread() {
		s.mu.Unlock()
		return false
	}

	at = at.UTC()
	rec.ReadAt = &at
	if at.After(rec.UpdatedAt) {
		rec.UpdatedAt = at
	}
	s.recountLocked()
	s.mu.Unlock()

	s.schedulePersist()
	return true
}

// MarkAllRead marks every live unread record read and returns how many changed
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	now := s.now().UTC()
	changed := 0
	for _, rec := range s.records {
		if !rec.IsUnread() {
			continue
		}
		t := now
		rec.ReadAt = &t
		rec.UpdatedAt = now
		changed++
	}
	s.recountLocked()
	s.mu.Unlock()

	if changed > 0 {
		s.schedulePersist()
	}
	return changed
}

// Delete tombstones a record. Unknown ids get a tombstone too, so a push
// still in flight cannot bring them back.
func (s *Store) Delete(id string) error {
	if id == "" {
		return domain.ErrNotFound
	}

	s.mu.Lock()
	now := s.now().UTC()
	rec, ok := s.records[id]
	switch {
	case !ok:
		s.records[id] = &domain.NotificationRecord{ID: id, CreatedAt: now, UpdatedAt: now, DeletedAt: &now}
	case rec.DeletedAt != nil:
		s.mu.Unlock()
		return nil
	default:
		rec.DeletedAt = &now
		rec.UpdatedAt = now
	}
	s.recountLocked()
	s.mu.Unlock()

	s.schedulePersist()
	return nil
}

// Get returns a copy of a live record
func (s *Store) Get(id string) (*domain.NotificationRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.DeletedAt != nil {
		return nil, false
	}
	return rec.Clone(), true
}

// List returns copies of live records, newest first
func (s *Store) List() []*domain.NotificationRecord {
	s.mu.RLock()
	out := make([]*domain.NotificationRecord, 0, s.live)
	for _, rec := range s.records {
		if rec.DeletedAt == nil {
			out = append(out, rec.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// UnreadCount returns the number of live unread records
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Len returns the number of live records
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

// PruneTombstones forgets tombstones older than the configured TTL
func (s *Store) PruneTombstones() int {
	if s.config.TombstoneTTL <= 0 {
		return 0
	}

	cutoff := s.now().Add(-s.config.TombstoneTTL)
	s.mu.Lock()
	pruned := 0
	for id, rec := range s.records {
		if rec.DeletedAt != nil && rec.DeletedAt.Before(cutoff) {
			delete(s.records, id)
			pruned++
		}
	}
	s.mu.Unlock()

	if pruned > 0 {
		s.schedulePersist()
	}
	return pruned
}

// recountLocked derives the counters from the records
func (s *Store) recountLocked() {
	unread, live := 0, 0
	for _, rec := range s.records {
		if rec.DeletedAt != nil {
			continue
		}
		live++
		if rec.ReadAt == nil {
			unread++
		}
	}
	s.unread, s.live = unread, live

	s.metrics.NotificationsUnread.Set(float64(unread))
	s.metrics.NotificationsStored.Set(float64(live))
}

// schedulePersist arms the debounce timer
func (s *Store) schedulePersist() {
	if s.snapshot == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.config.PersistDelay, func() {
		s.persistMu.Lock()
		s.timer = nil
		s.persistMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.persist(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist notification snapshot")
		}
	})
}

// Flush writes the snapshot now and cancels a pending debounce
func (s *Store) Flush(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}

	s.persistMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.persistMu.Unlock()

	return s.persist(ctx)
}

// persist writes every record, tombstones included
func (s *Store) persist(ctx context.Context) error {
	s.mu.RLock()
	records := make([]*domain.NotificationRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec.Clone())
	}
	s.mu.RUnlock()

	return s.snapshot.SaveNotifications(ctx, records)
}
