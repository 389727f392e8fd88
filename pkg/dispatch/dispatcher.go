package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/batcher"
	"github.com/illmade-knight/go-openalex-ingest/pkg/deadletter"
	"github.com/illmade-knight/go-openalex-ingest/pkg/envelope"
	"github.com/illmade-knight/go-openalex-ingest/pkg/metrics"
)

// ErrEndpointUnavailable is returned when whole-batch transport failures
// recur past the configured threshold. The batch's remaining records are
// dead-lettered before it is returned.
var ErrEndpointUnavailable = errors.New("ingestion endpoint unavailable")

// reason recorded when no per-record outcome is known.
const reasonUnavailable = "unavailable"

// Config holds the retry policy for a Dispatcher.
type Config struct {
	// MaxRetries bounds submission attempts per record; a record rejected on
	// MaxRetries consecutive attempts is dead-lettered.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	PutTimeout  time.Duration
	// MaxTransportFailures bounds consecutive whole-call failures within one
	// batch before the endpoint is declared unavailable.
	MaxTransportFailures int
}

// Outcome reports the terminal fate of every record in a dispatched batch.
type Outcome struct {
	Accepted     int
	Retried      int // records rejected at least once that were later accepted
	DeadLettered int
	Attempts     int // endpoint calls made for this batch, retries included

	// AttemptsByID records submission attempts per envelope ID.
	AttemptsByID map[string]int
}

// Dispatcher submits sealed batches to a Sink and drives the
// rejected-subset retry protocol:
//
//	pending → awaiting-backoff → retrying → {accepted | dead-lettered}
//
// Retries preserve the relative order of the records being retried. Backoff
// waits select on the run context, so cancellation interrupts at a defined
// point rather than mid-sleep.
type Dispatcher struct {
	cfg    Config
	sink   Sink
	dlq    deadletter.Writer
	logger zerolog.Logger
}

// NewDispatcher validates the retry policy and returns a Dispatcher.
func NewDispatcher(cfg Config, sink Sink, dlq deadletter.Writer, logger zerolog.Logger) (*Dispatcher, error) {
	if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	if dlq == nil {
		return nil, errors.New("dead-letter writer cannot be nil")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.PutTimeout <= 0 {
		cfg.PutTimeout = 30 * time.Second
	}
	if cfg.MaxTransportFailures <= 0 {
		cfg.MaxTransportFailures = 5
	}
	return &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		dlq:    dlq,
		logger: logger.With().Str("component", "Dispatcher").Str("sink", sink.Name()).Logger(),
	}, nil
}

// pendingRecord is a record still owed a terminal outcome, with its retry state.
type pendingRecord struct {
	env         *envelope.Envelope
	attempts    int
	lastReason  string
	wasRejected bool
}

// Dispatch submits the batch and retries rejected subsets until every record
// is accepted or dead-lettered. It returns a non-nil error only for run-level
// conditions: endpoint unavailability past the failure threshold, a
// dead-letter write failure, or cancellation. Even then the Outcome accounts
// for every record.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *batcher.Batch) (Outcome, error) {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	outcome := Outcome{AttemptsByID: make(map[string]int, batch.Len())}
	pending := make([]*pendingRecord, 0, batch.Len())
	for _, env := range batch.Records() {
		pending = append(pending, &pendingRecord{env: env})
	}

	var exhausted []*pendingRecord
	consecutiveTransport := 0

	for len(pending) > 0 {
		if outcome.Attempts > 0 {
			if err := d.awaitBackoff(ctx, outcome.Attempts-1); err != nil {
				return d.abandon(ctx, &outcome, pending, exhausted, "run cancelled", err)
			}
		}

		putCtx, cancel := context.WithTimeout(ctx, d.cfg.PutTimeout)
		results, err := d.sink.Put(putCtx, recordData(pending))
		cancel()
		outcome.Attempts++

		if err != nil {
			if ctx.Err() != nil {
				return d.abandon(ctx, &outcome, pending, exhausted, "run cancelled", ctx.Err())
			}
			consecutiveTransport++
			metrics.TransportFailures.Inc()
			d.logger.Warn().Err(err).
				Int("attempt", outcome.Attempts).
				Int("records", len(pending)).
				Msg("Whole-batch transport failure, treating all records as rejected.")
			// No per-record outcome is known; every record consumed an attempt.
			results = make([]RecordResult, len(pending))
			for i := range results {
				results[i] = RecordResult{Reason: reasonUnavailable}
			}
		} else {
			consecutiveTransport = 0
			if len(results) != len(pending) {
				return outcome, fmt.Errorf("sink %s returned %d results for %d records", d.sink.Name(), len(results), len(pending))
			}
		}

		next := make([]*pendingRecord, 0, len(pending))
		for i, rec := range pending {
			rec.attempts++
			outcome.AttemptsByID[rec.env.ID] = rec.attempts
			if results[i].Accepted {
				outcome.Accepted++
				metrics.RecordsAccepted.Inc()
				if rec.wasRejected {
					outcome.Retried++
				}
				continue
			}
			rec.wasRejected = true
			rec.lastReason = results[i].Reason
			metrics.RecordsRejected.Inc()
			if rec.attempts >= d.cfg.MaxRetries {
				exhausted = append(exhausted, rec)
			} else {
				next = append(next, rec)
			}
		}
		pending = next

		if consecutiveTransport >= d.cfg.MaxTransportFailures {
			return d.abandon(ctx, &outcome, pending, exhausted, reasonUnavailable, ErrEndpointUnavailable)
		}
	}

	if err := d.deadLetter(ctx, &outcome, exhausted); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// abandon dead-letters every record still owed an outcome and returns cause.
func (d *Dispatcher) abandon(ctx context.Context, outcome *Outcome, pending, exhausted []*pendingRecord, reason string, cause error) (Outcome, error) {
	for _, rec := range pending {
		if rec.lastReason == "" {
			rec.lastReason = reason
		}
		exhausted = append(exhausted, rec)
	}
	if err := d.deadLetter(ctx, outcome, exhausted); err != nil {
		return *outcome, errors.Join(cause, err)
	}
	return *outcome, cause
}

// deadLetter writes exhausted records to the dead-letter sink. The write uses
// a detached context so records are preserved even when the run context has
// already been cancelled.
func (d *Dispatcher) deadLetter(ctx context.Context, outcome *Outcome, exhausted []*pendingRecord) error {
	if len(exhausted) == 0 {
		return nil
	}
	entries := make([]deadletter.Entry, 0, len(exhausted))
	now := time.Now().UTC()
	for _, rec := range exhausted {
		entries = append(entries, deadletter.Entry{
			Record:     rec.env.Data(),
			Attempts:   rec.attempts,
			LastReason: rec.lastReason,
			Source:     rec.env.Source,
			FailedAt:   now,
		})
	}

	writeCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), d.cfg.PutTimeout)
		defer cancel()
	}
	if err := d.dlq.Write(writeCtx, entries); err != nil {
		return fmt.Errorf("writing %d dead-letter entries: %w", len(entries), err)
	}
	outcome.DeadLettered += len(entries)
	metrics.RecordsDeadLettered.Add(float64(len(entries)))
	d.logger.Warn().Int("count", len(entries)).Msg("Dead-lettered records after exhausting the retry budget.")
	return nil
}

// awaitBackoff sleeps for base×2^n capped, with equal jitter to avoid
// thundering-herd on shared endpoints.
func (d *Dispatcher) awaitBackoff(ctx context.Context, retry int) error {
	delay := d.cfg.BackoffBase << uint(retry)
	if delay > d.cfg.BackoffCap || delay <= 0 {
		delay = d.cfg.BackoffCap
	}
	half := delay / 2
	delay = half + time.Duration(rand.Int63n(int64(half)+1))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func recordData(pending []*pendingRecord) [][]byte {
	data := make([][]byte, len(pending))
	for i, rec := range pending {
		data[i] = rec.env.Data()
	}
	return data
}
