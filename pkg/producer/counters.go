package producer

import (
	"sync/atomic"
	"time"
)

// Counters is the single accumulator for run statistics. Dispatch workers
// run concurrently, so every field is atomic; nothing else in the pipeline
// shares mutable state.
type Counters struct {
	Pages        atomic.Int64
	Fetched      atomic.Int64
	Validated    atomic.Int64
	Invalid      atomic.Int64
	Batches      atomic.Int64
	Sent         atomic.Int64
	Retried      atomic.Int64
	DeadLettered atomic.Int64
}

// Summary is the structured run report emitted at run end, consumable by
// operational tooling.
type Summary struct {
	Status       string        `json:"status"` // succeeded | partial | failed
	Cause        string        `json:"cause,omitempty"`
	Pages        int64         `json:"pages"`
	Fetched      int64         `json:"fetched"`
	Validated    int64         `json:"validated"`
	Invalid      int64         `json:"invalid"`
	Batches      int64         `json:"batches"`
	Sent         int64         `json:"sent"`
	Retried      int64         `json:"retried"`
	DeadLettered int64         `json:"dead_lettered"`
	Duration     time.Duration `json:"duration"`
}

func (c *Counters) snapshot() Summary {
	return Summary{
		Pages:        c.Pages.Load(),
		Fetched:      c.Fetched.Load(),
		Validated:    c.Validated.Load(),
		Invalid:      c.Invalid.Load(),
		Batches:      c.Batches.Load(),
		Sent:         c.Sent.Load(),
		Retried:      c.Retried.Load(),
		DeadLettered: c.DeadLettered.Load(),
	}
}
