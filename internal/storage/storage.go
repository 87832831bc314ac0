package storage

import (
	"context"

	"github.com/staybook/realtime/internal/domain"
)

// Storage is the durable state engine used by the delivery layer
type Storage interface {
	domain.Store

	// Start runs background maintenance until ctx is done
	Start(ctx context.Context) error

	// Shutdown stops the storage engine
	Shutdown(ctx context.Context) error
}
