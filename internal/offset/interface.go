package offset

import (
	"context"
)

// Store persists read offsets outside process memory.
// Implementations: BoltDB
type Store interface {
	// Get retrieves the offset for a given source
	// Returns 0 if no offset is stored
	Get(ctx context.Context, symbol, path string) (int64, error)

	// Set stores the offset for a given source
	Set(ctx context.Context, symbol, path string, offset int64) error

	// Delete removes the offset for a given source
	Delete(ctx context.Context, symbol, path string) error

	// List returns all stored offsets keyed by "symbol:path"
	List(ctx context.Context) (map[string]int64, error)

	// Close closes the offset store
	Close() error
}
