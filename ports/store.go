package ports

import (
	"context"
	"time"
)

// Store is a key-value tree addressed by slash separated paths. Values are
// JSON documents. Absent paths yield core.ErrNotFound, backend failures wrap
// core.ErrStoreUnavailable.
type Store interface {
	Get(ctx context.Context, path string) ([]byte, error)
	// Set overwrites the value at path
	Set(ctx context.Context, path string, value []byte) error
	// Update merges top-level fields into the JSON object at path
	Update(ctx context.Context, path string, fields map[string]any) error
	// Push stores value under a generated, creation ordered child id of path
	Push(ctx context.Context, path string, value []byte) (string, error)
	Delete(ctx context.Context, path string) error
	// Children returns the direct children of path keyed by child id
	Children(ctx context.Context, path string) (map[string][]byte, error)

	// SetIfAbsent writes value only if nothing is stored at path
	SetIfAbsent(ctx context.Context, path string, value []byte) (bool, error)
	// CompareAndSwap replaces the value at path only if it still equals old
	CompareAndSwap(ctx context.Context, path string, old, new []byte) (bool, error)

	// Expiry index, ordered by deadline
	ScheduleExpiry(ctx context.Context, path string, at time.Time) error
	DueExpiries(ctx context.Context, now time.Time, limit int) ([]string, error)
	RemoveExpiry(ctx context.Context, path string) error

	Ping(ctx context.Context) error
}
