// Package store persists workflow registrations made with remote backends so
// that separate harness processes can reuse them.
package store

import (
	"context"

	"github.com/me/wdlharness/pkg/executor"
)

// Store is a persistent executor.WorkflowCache.
type Store interface {
	executor.WorkflowCache

	// Delete removes one entry and reports whether it existed.
	Delete(ctx context.Context, executorName, key string) (bool, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)
