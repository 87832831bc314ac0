package storage

import (
	"fmt"

	"github.com/staybook/realtime/internal/storage/badger"
)

// StorageType represents the type of storage implementation to use
type StorageType string

const (
	// BadgerStorage is the default storage type
	BadgerStorage StorageType = "badger"

	// MemoryStorage keeps Badger in memory; nothing survives a restart
	MemoryStorage StorageType = "memory"
)

// FactoryConfig contains configuration for the storage factory
type FactoryConfig struct {
	// Storage type to create
	Type StorageType

	// Badger configuration
	Config badger.Config
}

// DefaultFactoryConfig returns the default factory configuration
func DefaultFactoryConfig() FactoryConfig {
	return FactoryConfig{
		Type:   BadgerStorage,
		Config: badger.DefaultConfig(),
	}
}

// CreateStorage creates a storage instance based on the factory configuration
func CreateStorage(config FactoryConfig) (Storage, error) {
	switch config.Type {
	case BadgerStorage, "":
		return badger.NewStorage(config.Config)

	case MemoryStorage:
		cfg := config.Config
		cfg.InMemory = true
		return badger.NewStorage(cfg)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", config.Type)
	}
}
