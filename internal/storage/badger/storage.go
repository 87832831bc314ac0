package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/staybook/realtime/internal/domain"
	"github.com/staybook/realtime/internal/metrics"
)

// Ensure Storage implements domain.Store
var _ domain.Store = (*Storage)(nil)

const (
	// Prefix keys for different types
	prefixTokens        = "tok:"
	prefixRetry         = "q:"
	prefixNotifications = "ntf:"
)

// Config contains storage configuration
type Config struct {
	// Base directory for data files
	DataDir string

	// Keep everything in memory; nothing survives a restart
	InMemory bool

	// How often DB size and queue depth are reported
	MetricsInterval time.Duration

	// Value log garbage collection
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns a default configuration for Badger-based storage
func DefaultConfig() Config {
	return Config{
		DataDir:         "./data",
		MetricsInterval: 15 * time.Second,
		GCInterval:      10 * time.Minute,
		GCDiscardRatio:  0.5,
	}
}

// Storage persists push tokens, the retry queue and the notification snapshot
type Storage struct {
	config  Config
	db      *badger.DB
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewStorage opens a Badger-backed store
func NewStorage(config Config) (*Storage, error) {
	logger := log.With().Str("component", "storage-badger").Logger()

	defaults := DefaultConfig()
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = defaults.MetricsInterval
	}
	if config.GCInterval <= 0 {
		config.GCInterval = defaults.GCInterval
	}
	if config.GCDiscardRatio <= 0 || config.GCDiscardRatio >= 1 {
		config.GCDiscardRatio = defaults.GCDiscardRatio
	}

	var options badger.Options
	if config.InMemory {
		options = badger.DefaultOptions("").WithInMemory(true)
	} else {
		dbPath := filepath.Join(config.DataDir, "badger")
		if err := os.MkdirAll(dbPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		options = badger.DefaultOptions(dbPath)
	}
	options = options.WithLoggingLevel(badger.WARNING) // Reduce logging noise

	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open Badger: %w", err)
	}

	logger.Info().Bool("in_memory", config.InMemory).Str("data_dir", config.DataDir).Msg("Storage opened")

	return &Storage{
		config:  config,
		db:      db,
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}, nil
}

// Start runs background maintenance until ctx is done
func (s *Storage) Start(ctx context.Context) error {
	metricsTicker := time.NewTicker(s.config.MetricsInterval)
	defer metricsTicker.Stop()

	gcTicker := time.NewTicker(s.config.GCInterval)
	defer gcTicker.Stop()

	s.collectMetrics()

	for {
		select {
		case <-metricsTicker.C:
			s.collectMetrics()
		case <-gcTicker.C:
			s.runGC()
		case <-ctx.Done():
			return nil
		}
	}
}

// Shutdown closes the database
func (s *Storage) Shutdown(ctx context.Context) error {
	return s.Close()
}

// Close closes the database
func (s *Storage) Close() error {
	if err := s.db.Close(); err != nil {
		s.logger.Error().Err(err).Msg("Error closing Badger database")
		return err
	}
	return nil
}

// collectMetrics reports DB size and retry queue depth
func (s *Storage) collectMetrics() {
	if !s.config.InMemory {
		if size, err := getDirSize(filepath.Join(s.config.DataDir, "badger")); err == nil {
			s.metrics.DBSize.Set(float64(size))
		}
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRetry)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err == nil {
		s.metrics.RetryQueueSize.Set(float64(count))
	}
}

// runGC reclaims value log space
func (s *Storage) runGC() {
	if s.config.InMemory {
		return
	}
	for {
		if err := s.db.RunValueLogGC(s.config.GCDiscardRatio); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn().Err(err).Msg("Value log GC failed")
			}
			return
		}
	}
}

// SaveToken stores or replaces a push token
func (s *Storage) SaveToken(ctx context.Context, token *domain.PushToken) error {
	if token.Value == "" {
		return errors.New("token value is required")
	}
	return s.put("save_token", prefixKey(prefixTokens, token.Value), token)
}

// GetToken retrieves a push token by value
func (s *Storage) GetToken(ctx context.Context, value string) (*domain.PushToken, error) {
	var token domain.PushToken
	if err := s.get("get_token", prefixKey(prefixTokens, value), &token); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("token %s: %w", domain.Redact(value), domain.ErrNotFound)
		}
		return nil, err
	}
	return &token, nil
}

// ListTokens returns every stored token, oldest first
func (s *Storage) ListTokens(ctx context.Context) ([]*domain.PushToken, error) {
	var tokens []*domain.PushToken
	err := s.scan("list_tokens", prefixTokens, func(val []byte) error {
		var token domain.PushToken
		if err := json.Unmarshal(val, &token); err != nil {
			return fmt.Errorf("failed to unmarshal token: %w", err)
		}
		tokens = append(tokens, &token)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tokens, func(i, j int) bool { return tokens[i].CreatedAt.Before(tokens[j].CreatedAt) })
	return tokens, nil
}

// Enqueue adds a task to the retry queue
func (s *Storage) Enqueue(ctx context.Context, task *domain.RetryTask) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if err := s.put("enqueue", prefixKey(prefixRetry, task.ID), task); err != nil {
		return err
	}
	s.metrics.RetryQueueSize.Inc()
	return nil
}

// Update replaces a queued task
func (s *Storage) Update(ctx context.Context, task *domain.RetryTask) error {
	return s.put("update_task", prefixKey(prefixRetry, task.ID), task)
}

// Remove deletes a queued task. Removing a missing task is not an error.
func (s *Storage) Remove(ctx context.Context, id string) error {
	key := prefixKey(prefixRetry, id)
	removed := false

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		removed = true
		return txn.Delete(key)
	})
	s.record("remove_task", err)
	if err != nil {
		return fmt.Errorf("failed to remove task: %w", err)
	}
	if removed {
		s.metrics.RetryQueueSize.Dec()
	}
	return nil
}

// Pending returns every queued task ordered by next attempt
func (s *Storage) Pending(ctx context.Context) ([]*domain.RetryTask, error) {
	var tasks []*domain.RetryTask
	err := s.scan("pending_tasks", prefixRetry, func(val []byte) error {
		var task domain.RetryTask
		if err := json.Unmarshal(val, &task); err != nil {
			return fmt.Errorf("failed to unmarshal task: %w", err)
		}
		tasks = append(tasks, &task)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].NextAttemptAt.Before(tasks[j].NextAttemptAt) })
	return tasks, nil
}

// Due returns up to limit tasks whose next attempt is at or before now
func (s *Storage) Due(ctx context.Context, now time.Time, limit int) ([]*domain.RetryTask, error) {
	tasks, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}

	due := tasks[:0]
	for _, task := range tasks {
		if task.NextAttemptAt.After(now) {
			break
		}
		due = append(due, task)
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

// SaveNotifications replaces the persisted notification snapshot. New records
// are written before stale keys are removed, so an interrupted save leaves
// extra records behind rather than an empty snapshot.
func (s *Storage) SaveNotifications(ctx context.Context, records []*domain.NotificationRecord) error {
	keep := make(map[string]struct{}, len(records))
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal notification %s: %w", rec.ID, err)
		}
		key := prefixKey(prefixNotifications, rec.ID)
		keep[string(key)] = struct{}{}
		if err := wb.Set(key, data); err != nil {
			s.record("save_notifications", err)
			return fmt.Errorf("failed to write notification %s: %w", rec.ID, err)
		}
	}

	stale, err := s.keys(prefixNotifications)
	if err != nil {
		s.record("save_notifications", err)
		return fmt.Errorf("failed to list notification snapshot: %w", err)
	}
	for _, key := range stale {
		if _, ok := keep[string(key)]; ok {
			continue
		}
		if err := wb.Delete(key); err != nil {
			s.record("save_notifications", err)
			return fmt.Errorf("failed to remove stale notification: %w", err)
		}
	}

	err = wb.Flush()
	s.record("save_notifications", err)
	if err != nil {
		return fmt.Errorf("failed to flush notification snapshot: %w", err)
	}
	return nil
}

// keys lists every key under prefix
func (s *Storage) keys(prefix string) ([][]byte, error) {
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	return keys, err
}

// LoadNotifications reads the persisted notification snapshot
func (s *Storage) LoadNotifications(ctx context.Context) ([]*domain.NotificationRecord, error) {
	var records []*domain.NotificationRecord
	err := s.scan("load_notifications", prefixNotifications, func(val []byte) error {
		var rec domain.NotificationRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal notification: %w", err)
		}
		records = append(records, &rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// put marshals v as JSON under key
func (s *Storage) put(op string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	s.record(op, err)
	if err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}
	return nil
}

// get unmarshals the JSON value under key into v
func (s *Storage) get(op string, key []byte, v any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("failed to retrieve value: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
	s.record(op, err)
	return err
}

// scan calls fn with every value under prefix
func (s *Storage) scan(op, prefix string, fn func(val []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
		}
		return nil
	})
	s.record(op, err)
	return err
}

// record counts a storage operation
func (s *Storage) record(op string, err error) {
	success := "true"
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		success = "false"
	}
	s.metrics.StorageOperations.WithLabelValues(op, success).Inc()
}

// prefixKey adds the appropriate type prefix to a key
func prefixKey(prefix, key string) []byte {
	prefixedKey := make([]byte, len(prefix)+len(key))
	copy(prefixedKey, prefix)
	copy(prefixedKey[len(prefix):], key)
	return prefixedKey
}

// getDirSize returns the size of a directory and its subdirectories in bytes
func getDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}
