// Package deadletter provides append-only sinks for records that exhausted
// their delivery retry budget. Entries keep the record bytes verbatim plus
// enough metadata (attempt count, last rejection reason) for manual replay.
package deadletter

import (
	"context"
	"encoding/json"
	"time"
)

// Entry is one dead-lettered record.
type Entry struct {
	Record     json.RawMessage `json:"record"`
	Attempts   int             `json:"attempts"`
	LastReason string          `json:"last_reason"`
	Source     string          `json:"source,omitempty"`
	FailedAt   time.Time       `json:"failed_at"`
}

// Writer is an append-only dead-letter sink.
type Writer interface {
	Write(ctx context.Context, entries []Entry) error
	Close() error
}

// Discard is a Writer that drops entries after counting them. It backs
// dry runs, where nothing should reach durable storage.
type Discard struct{}

func (Discard) Write(_ context.Context, _ []Entry) error { return nil }
func (Discard) Close() error                             { return nil }
