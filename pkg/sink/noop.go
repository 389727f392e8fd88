package sink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
)

// NoopSink accepts every record without sending anything. It backs dry runs,
// where the rest of the pipeline (fetch, validate, batch) runs for real.
type NoopSink struct {
	logger zerolog.Logger
}

// NewNoopSink returns a dry-run sink.
func NewNoopSink(logger zerolog.Logger) *NoopSink {
	return &NoopSink{logger: logger.With().Str("component", "NoopSink").Logger()}
}

// Name identifies the sink in logs and errors.
func (s *NoopSink) Name() string { return "noop" }

// Put accepts everything.
func (s *NoopSink) Put(_ context.Context, records [][]byte) ([]dispatch.RecordResult, error) {
	results := make([]dispatch.RecordResult, len(records))
	for i := range results {
		results[i] = dispatch.RecordResult{Accepted: true}
	}
	s.logger.Info().Int("records", len(records)).Msg("Dry run: would send batch.")
	return results, nil
}

// Close is a no-op.
func (s *NoopSink) Close() error { return nil }
