package patterns

import "context"

// Adapter persists pattern snapshots.
//
// Implementations must be assumed asynchronous, fallible and possibly
// slow. The in-memory store stays authoritative between flushes: a
// failed save is logged and retried on the next flush, never surfaced
// as lost learning.
type Adapter interface {
	// LoadPatterns returns every persisted pattern. Implementations
	// skip rows they cannot decode; the caller additionally validates
	// each pattern before restoring it.
	LoadPatterns(ctx context.Context) ([]Pattern, error)

	// SavePatterns replaces the persisted snapshot with the given
	// patterns.
	SavePatterns(ctx context.Context, pats []Pattern) error

	// RemovePatterns deletes the given pattern IDs from storage.
	RemovePatterns(ctx context.Context, ids []string) error
}
