package dispatch

import "context"

// RecordResult is the per-record outcome of one batched submission. Partial
// acceptance is the defining property of the ingestion endpoint: a batch call
// is not atomic, and each record succeeds or fails independently.
type RecordResult struct {
	Accepted bool
	// Reason carries the endpoint's rejection reason when Accepted is false.
	Reason string
}

// Sink is a batch-ingestion endpoint. Put submits the records in one call
// and returns one result per input record, in input order. A non-nil error
// means the whole call failed in transport and no per-record outcome is
// known; the dispatcher treats that as every record having been rejected.
type Sink interface {
	Name() string
	Put(ctx context.Context, records [][]byte) ([]RecordResult, error)
	Close() error
}
