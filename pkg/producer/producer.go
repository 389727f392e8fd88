// Package producer orchestrates the ingestion run: fetch pages, validate
// records into envelopes, batch them, and dispatch batches concurrently with
// a bounded in-flight limit, draining cleanly on completion or cancellation.
package producer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/batcher"
	"github.com/illmade-knight/go-openalex-ingest/pkg/checkpoint"
	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
	"github.com/illmade-knight/go-openalex-ingest/pkg/envelope"
	"github.com/illmade-knight/go-openalex-ingest/pkg/metrics"
	"github.com/illmade-knight/go-openalex-ingest/pkg/openalex"
)

// ErrDeadLetterToleranceExceeded marks a run that completed but dead-lettered
// more records than the configured tolerance allows.
var ErrDeadLetterToleranceExceeded = errors.New("dead-lettered records exceed the configured tolerance")

// PageFetcher retrieves one page of works per call. Implementations must be
// called serially; the producer keeps exactly one fetch outstanding.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor string) ([]openalex.Work, string, error)
}

// BatchDispatcher delivers one sealed batch to a terminal outcome.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, batch *batcher.Batch) (dispatch.Outcome, error)
}

// Config holds run-scoped settings for the Producer.
type Config struct {
	// MaxPages bounds the run; zero means fetch until the listing ends.
	MaxPages int
	// MaxInflightBatches bounds concurrent dispatches to cap memory and
	// outbound pressure on the endpoint.
	MaxInflightBatches int
	// FlushIdleTimeout seals a partial batch when no envelope has arrived
	// for this long, bounding delivery latency on slow upstreams.
	FlushIdleTimeout time.Duration
	// DeadLetterTolerance is the number of dead-lettered records above which
	// the run is reported as failed.
	DeadLetterTolerance int
	// CheckpointKey names the cursor checkpoint for this logical stream.
	CheckpointKey string
}

// Producer is the run controller. It owns every batch from creation to
// terminal outcome and is the only goroutine that mutates the batch buffer.
type Producer struct {
	cfg         Config
	fetcher     PageFetcher
	builder     *envelope.Builder
	buffer      *batcher.Buffer
	dispatcher  BatchDispatcher
	checkpoints checkpoint.Store // optional
	logger      zerolog.Logger

	counters Counters
	state    atomic.Int32

	// outstanding counts envelopes handed to the pipeline that have not yet
	// reached a terminal outcome; checkpoints only advance when it is zero.
	outstanding atomic.Int64

	sem        chan struct{}
	dispatchWg sync.WaitGroup

	mu          sync.Mutex
	deliveryErr error
	fetchErr    error
	cancelled   bool
}

// New validates the wiring and returns an idle Producer. The checkpoint
// store may be nil, in which case every run starts from the first page.
func New(
	cfg Config,
	fetcher PageFetcher,
	builder *envelope.Builder,
	buffer *batcher.Buffer,
	dispatcher BatchDispatcher,
	checkpoints checkpoint.Store,
	logger zerolog.Logger,
) (*Producer, error) {
	if fetcher == nil || builder == nil || buffer == nil || dispatcher == nil {
		return nil, errors.New("fetcher, builder, buffer, and dispatcher cannot be nil")
	}
	if cfg.MaxInflightBatches <= 0 {
		cfg.MaxInflightBatches = 2
	}
	if cfg.FlushIdleTimeout <= 0 {
		cfg.FlushIdleTimeout = 30 * time.Second
	}
	if cfg.CheckpointKey == "" {
		cfg.CheckpointKey = "works"
	}
	return &Producer{
		cfg:         cfg,
		fetcher:     fetcher,
		builder:     builder,
		buffer:      buffer,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		logger:      logger.With().Str("component", "Producer").Logger(),
		sem:         make(chan struct{}, cfg.MaxInflightBatches),
	}, nil
}

// Counters exposes the live accumulator, e.g. for progress reporting.
func (p *Producer) Counters() *Counters { return &p.counters }

// State reports the controller's current lifecycle stage.
func (p *Producer) State() State { return State(p.state.Load()) }

// Run executes one complete ingestion run and blocks until it terminates.
// Cancelling the context aborts the fetch loop promptly and drains in-flight
// work; the returned Summary then carries a partial status. A non-nil error
// is returned only for run-level failures: a fatal source error, endpoint
// unavailability, a dead-letter write failure, or a breached dead-letter
// tolerance.
func (p *Producer) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	p.setState(StateFetching)

	envCh := make(chan *envelope.Envelope, 64)
	go p.fetchLoop(ctx, envCh)

	p.batchLoop(ctx, envCh)

	p.setState(StateDraining)
	if final := p.buffer.Flush(); final != nil {
		p.dispatchAsync(ctx, final)
	}
	p.dispatchWg.Wait()
	p.setState(StateTerminated)

	summary := p.counters.snapshot()
	summary.Duration = time.Since(start)
	summary.Status, summary.Cause = p.terminalStatus(summary)

	p.logger.Info().
		Str("status", summary.Status).
		Int64("fetched", summary.Fetched).
		Int64("sent", summary.Sent).
		Int64("invalid", summary.Invalid).
		Int64("dead_lettered", summary.DeadLettered).
		Dur("duration", summary.Duration).
		Msg("Run terminated.")

	if summary.Status == "failed" {
		return summary, p.failureCause(summary)
	}
	return summary, nil
}

// fetchLoop drives pagination. It is the only caller of the fetcher, which
// keeps the upstream politeness contract intact, and it closes envCh when
// the run's fetching phase is over for any reason.
func (p *Producer) fetchLoop(ctx context.Context, envCh chan<- *envelope.Envelope) {
	defer close(envCh)

	cursor := p.loadCheckpoint(ctx)
	pages := 0

	for {
		if ctx.Err() != nil {
			p.noteCancelled()
			return
		}
		p.saveCheckpoint(ctx, cursor)

		works, next, err := p.fetcher.FetchPage(ctx, cursor)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				p.noteCancelled()
				return
			}
			p.noteFetchErr(err)
			return
		}
		p.counters.Pages.Add(1)
		p.counters.Fetched.Add(int64(len(works)))

		for i := range works {
			env, buildErr := p.builder.Build(&works[i])
			if buildErr != nil {
				p.counters.Invalid.Add(1)
				metrics.RecordsInvalid.WithLabelValues(invalidReason(buildErr)).Inc()
				p.logger.Warn().Err(buildErr).Str("work_id", works[i].ID).Msg("Record failed validation, skipping.")
				continue
			}
			p.counters.Validated.Add(1)
			metrics.RecordsValidated.Inc()

			p.outstanding.Add(1)
			select {
			case envCh <- env:
			case <-ctx.Done():
				p.outstanding.Add(-1)
				p.noteCancelled()
				return
			}
		}

		if next == "" {
			p.logger.Info().Int("pages", pages+1).Msg("Source listing exhausted.")
			return
		}
		cursor = next
		pages++
		if p.cfg.MaxPages > 0 && pages >= p.cfg.MaxPages {
			p.logger.Info().Int("pages", pages).Msg("Reached the configured page limit.")
			return
		}
	}
}

// batchLoop owns the batch buffer. It consumes envelopes until the fetch
// loop closes the channel, sealing batches on thresholds and on the idle
// timeout so buffered records are never held indefinitely.
func (p *Producer) batchLoop(ctx context.Context, envCh <-chan *envelope.Envelope) {
	idle := time.NewTimer(p.cfg.FlushIdleTimeout)
	defer idle.Stop()

	for {
		select {
		case env, ok := <-envCh:
			if !ok {
				return
			}
			for _, sealed := range p.buffer.Add(env) {
				p.dispatchAsync(ctx, sealed)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.FlushIdleTimeout)

		case <-idle.C:
			if sealed := p.buffer.Flush(); sealed != nil {
				p.logger.Debug().Int("records", sealed.Len()).Msg("Idle timeout reached, flushing partial batch.")
				p.dispatchAsync(ctx, sealed)
			}
			idle.Reset(p.cfg.FlushIdleTimeout)
		}
	}
}

// dispatchAsync hands a sealed batch to a bounded dispatch worker.
func (p *Producer) dispatchAsync(ctx context.Context, batch *batcher.Batch) {
	p.sem <- struct{}{}
	p.dispatchWg.Add(1)
	metrics.InflightBatches.Inc()

	go func() {
		defer func() {
			metrics.InflightBatches.Dec()
			<-p.sem
			p.dispatchWg.Done()
		}()

		outcome, err := p.dispatcher.Dispatch(ctx, batch)
		p.counters.Batches.Add(1)
		p.counters.Sent.Add(int64(outcome.Accepted))
		p.counters.Retried.Add(int64(outcome.Retried))
		p.counters.DeadLettered.Add(int64(outcome.DeadLettered))
		p.outstanding.Add(-int64(batch.Len()))

		if err != nil && !errors.Is(err, context.Canceled) {
			p.noteDeliveryErr(err)
		}
	}()
}

func (p *Producer) loadCheckpoint(ctx context.Context) string {
	if p.checkpoints == nil {
		return ""
	}
	cursor, err := p.checkpoints.Load(ctx, p.cfg.CheckpointKey)
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to load cursor checkpoint, starting from the first page.")
		return ""
	}
	if cursor != "" {
		p.logger.Info().Str("checkpoint_key", p.cfg.CheckpointKey).Msg("Resuming from saved cursor.")
	}
	return cursor
}

// saveCheckpoint advances the stored cursor only when every previously
// fetched record has reached a terminal outcome, so a resume can never skip
// an undelivered record.
func (p *Producer) saveCheckpoint(ctx context.Context, cursor string) {
	if p.checkpoints == nil || cursor == "" {
		return
	}
	if p.outstanding.Load() != 0 || p.buffer.Pending() != 0 {
		return
	}
	if err := p.checkpoints.Save(ctx, p.cfg.CheckpointKey, cursor); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to save cursor checkpoint.")
	}
}

func (p *Producer) setState(s State) {
	prev := State(p.state.Swap(int32(s)))
	if prev != s {
		p.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("Run state transition.")
	}
}

func (p *Producer) noteCancelled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled = true
}

func (p *Producer) noteFetchErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fetchErr == nil {
		p.fetchErr = err
	}
}

func (p *Producer) noteDeliveryErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deliveryErr == nil {
		p.deliveryErr = err
	}
}

// terminalStatus decides the overall run outcome from the recorded errors
// and the final counters.
func (p *Producer) terminalStatus(summary Summary) (status, cause string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.fetchErr != nil:
		return "failed", fmt.Sprintf("source error: %v", p.fetchErr)
	case p.deliveryErr != nil:
		return "failed", fmt.Sprintf("delivery error: %v", p.deliveryErr)
	case p.cancelled:
		// Cancellation wins over the tolerance check: abandoned records are
		// dead-lettered for replay, which should not mark the run failed.
		return "partial", "run cancelled before the source was exhausted"
	case summary.DeadLettered > int64(p.cfg.DeadLetterTolerance):
		return "failed", fmt.Sprintf("%d records dead-lettered (tolerance %d)", summary.DeadLettered, p.cfg.DeadLetterTolerance)
	default:
		return "succeeded", ""
	}
}

func (p *Producer) failureCause(summary Summary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.fetchErr != nil:
		return p.fetchErr
	case p.deliveryErr != nil:
		return p.deliveryErr
	default:
		return fmt.Errorf("%w: %d > %d", ErrDeadLetterToleranceExceeded, summary.DeadLettered, p.cfg.DeadLetterTolerance)
	}
}

func invalidReason(err error) string {
	switch {
	case errors.Is(err, envelope.ErrMissingIdentifier):
		return "missing_identifier"
	case errors.Is(err, envelope.ErrOversizedRecord):
		return "oversized"
	default:
		return "other"
	}
}
