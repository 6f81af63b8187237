package trigger

import (
	"context"
	"time"
)

// Store is the persistence contract for trigger contexts.
//
// Implementations must keep "no such node", "version conflict" and transport
// failures distinguishable: the first two are reported with ErrNoNode,
// ErrNodeExists and ErrVersionConflict, anything else is a connection or
// serialization failure. Every successful write bumps Version.
type Store interface {
	// Read returns the context stored at dir/name with its current version.
	Read(ctx context.Context, dir, name string) (*Context, error)

	// Create inserts tc if dir/name does not exist yet. It never overwrites.
	Create(ctx context.Context, dir, name string, tc *Context) error

	// CompareAndSwap replaces dir/name with tc when the stored version equals
	// tc.Version. On success tc.Version is set to the new version.
	CompareAndSwap(ctx context.Context, dir, name string, tc *Context) error

	// SetCompletionIfLater stores t as LastCompletion only if it is strictly
	// later than the stored value. It reports whether the write was applied.
	SetCompletionIfLater(ctx context.Context, dir, name string, t time.Time) (bool, error)

	// List returns the names stored under dir. ErrNoNode means the directory
	// container has never been created.
	List(ctx context.Context, dir string) ([]string, error)

	Close() error
}
