package batcher

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/envelope"
	"github.com/illmade-knight/go-openalex-ingest/pkg/metrics"
)

// Config holds the sealing thresholds for a Buffer.
type Config struct {
	// MaxRecords bounds the number of envelopes per batch.
	MaxRecords int
	// MaxBytes bounds the summed serialized size per batch.
	MaxBytes int
}

// Batch is an ordered, immutable group of envelopes sealed for dispatch.
type Batch struct {
	records []*envelope.Envelope
	bytes   int
}

// Records returns the envelopes in arrival order.
func (b *Batch) Records() []*envelope.Envelope { return b.records }

// Len returns the number of envelopes in the batch.
func (b *Batch) Len() int { return len(b.records) }

// Bytes returns the summed serialized size of the batch.
func (b *Batch) Bytes() int { return b.bytes }

// Buffer accumulates envelopes and seals them into batches when a count or
// byte threshold is crossed. It is not safe for concurrent use: per the
// pipeline's ownership rules it is mutated only by the single goroutine that
// owns it. Time-based (idle) flushing is driven by that owner calling Flush.
type Buffer struct {
	cfg      Config
	pending  []*envelope.Envelope
	pendingB int
	logger   zerolog.Logger
}

// NewBuffer validates the thresholds and returns an empty buffer.
func NewBuffer(cfg Config, logger zerolog.Logger) (*Buffer, error) {
	if cfg.MaxRecords <= 0 {
		return nil, errors.New("batch record threshold must be positive")
	}
	if cfg.MaxBytes <= 0 {
		return nil, errors.New("batch byte threshold must be positive")
	}
	return &Buffer{
		cfg:    cfg,
		logger: logger.With().Str("component", "BatchBuffer").Logger(),
	}, nil
}

// Add appends one envelope and returns any batches sealed as a result, in
// delivery order. The usual outcomes are nil (buffered) or one batch; two
// are returned only when an envelope larger than MaxBytes arrives while
// records are already buffered, in which case the buffered records are
// sealed first and the oversized envelope is sealed as a singleton batch so
// arrival order is preserved and the record is never dropped.
func (b *Buffer) Add(env *envelope.Envelope) []*Batch {
	size := env.Size()

	if size > b.cfg.MaxBytes {
		var sealed []*Batch
		if len(b.pending) > 0 {
			sealed = append(sealed, b.seal())
		}
		b.logger.Warn().Int("bytes", size).Msg("Envelope alone exceeds the batch byte threshold, sealing as a singleton batch.")
		single := &Batch{records: []*envelope.Envelope{env}, bytes: size}
		metrics.BatchesSealed.Inc()
		return append(sealed, single)
	}

	var sealed []*Batch
	// The envelope that would push the buffer past the byte threshold
	// belongs to the next batch.
	if len(b.pending) > 0 && b.pendingB+size > b.cfg.MaxBytes {
		sealed = append(sealed, b.seal())
	}

	b.pending = append(b.pending, env)
	b.pendingB += size

	if len(b.pending) >= b.cfg.MaxRecords || b.pendingB == b.cfg.MaxBytes {
		sealed = append(sealed, b.seal())
	}
	return sealed
}

// Flush seals whatever is buffered, or returns nil when empty. The owner
// calls it at run end and on the idle timeout.
func (b *Buffer) Flush() *Batch {
	if len(b.pending) == 0 {
		return nil
	}
	return b.seal()
}

// Pending returns the number of currently buffered envelopes.
func (b *Buffer) Pending() int { return len(b.pending) }

func (b *Buffer) seal() *Batch {
	batch := &Batch{records: b.pending, bytes: b.pendingB}
	b.pending = nil
	b.pendingB = 0
	b.logger.Debug().Int("records", batch.Len()).Int("bytes", batch.Bytes()).Msg("Sealed batch.")
	metrics.BatchesSealed.Inc()
	return batch
}
