// Package checkpoint persists the pagination cursor a run has safely passed,
// so an interrupted run can resume without re-fetching the whole listing.
// The producer only advances a checkpoint once every record fetched before it
// has reached a terminal outcome, which keeps resume at-least-once.
package checkpoint

import "context"

// Store persists cursors keyed by run key (one key per logical stream).
type Store interface {
	// Load returns the stored cursor, or "" when none has been saved.
	Load(ctx context.Context, runKey string) (string, error)
	// Save stores the cursor to resume from.
	Save(ctx context.Context, runKey string, cursor string) error
	Close() error
}
