// Package sink provides ingestion endpoint backends behind the
// dispatch.Sink interface. Each backend maps its native batch call onto
// per-record outcomes so the dispatcher can retry rejected subsets.
package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/firehose"
	fhtypes "github.com/aws/aws-sdk-go-v2/service/firehose/types"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
)

// Firehose PutRecordBatch limits. The batch buffer thresholds must respect
// these; NewFirehoseSink only has to trust them.
const (
	FirehoseMaxRecords     = 500
	FirehoseMaxBatchBytes  = 4 << 20
	FirehoseMaxRecordBytes = 1000 * 1024
)

// FirehoseAPI is the subset of the Firehose client the sink uses,
// abstracted for unit testing.
type FirehoseAPI interface {
	PutRecordBatch(ctx context.Context, params *firehose.PutRecordBatchInput, optFns ...func(*firehose.Options)) (*firehose.PutRecordBatchOutput, error)
}

// FirehoseConfig holds configuration for the Firehose sink.
type FirehoseConfig struct {
	StreamName string
	Region     string
}

// FirehoseSink delivers batches to a Kinesis Data Firehose delivery stream
// with PutRecordBatch, which returns an independent outcome per record.
type FirehoseSink struct {
	api    FirehoseAPI
	stream string
	logger zerolog.Logger
}

// NewFirehoseSink loads AWS configuration and returns a Firehose sink.
func NewFirehoseSink(ctx context.Context, cfg FirehoseConfig, logger zerolog.Logger) (*FirehoseSink, error) {
	if cfg.StreamName == "" {
		return nil, errors.New("firehose stream name is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewFirehoseSinkWithAPI(firehose.NewFromConfig(awsCfg), cfg.StreamName, logger), nil
}

// NewFirehoseSinkWithAPI wires an existing Firehose client, which lets tests
// substitute a fake.
func NewFirehoseSinkWithAPI(api FirehoseAPI, streamName string, logger zerolog.Logger) *FirehoseSink {
	return &FirehoseSink{
		api:    api,
		stream: streamName,
		logger: logger.With().Str("component", "FirehoseSink").Str("stream", streamName).Logger(),
	}
}

// Name identifies the sink in logs and errors.
func (s *FirehoseSink) Name() string { return "firehose" }

// Put submits the records in one PutRecordBatch call. Per-record failures
// come back as ErrorCode/ErrorMessage pairs in input order.
func (s *FirehoseSink) Put(ctx context.Context, records [][]byte) ([]dispatch.RecordResult, error) {
	entries := make([]fhtypes.Record, len(records))
	for i, rec := range records {
		entries[i] = fhtypes.Record{Data: rec}
	}

	out, err := s.api.PutRecordBatch(ctx, &firehose.PutRecordBatchInput{
		DeliveryStreamName: aws.String(s.stream),
		Records:            entries,
	})
	if err != nil {
		return nil, fmt.Errorf("firehose PutRecordBatch: %w", err)
	}
	if len(out.RequestResponses) != len(records) {
		return nil, fmt.Errorf("firehose returned %d responses for %d records", len(out.RequestResponses), len(records))
	}

	results := make([]dispatch.RecordResult, len(records))
	for i, resp := range out.RequestResponses {
		if code := aws.ToString(resp.ErrorCode); code != "" {
			results[i] = dispatch.RecordResult{Reason: fmt.Sprintf("%s: %s", code, aws.ToString(resp.ErrorMessage))}
			continue
		}
		results[i] = dispatch.RecordResult{Accepted: true}
	}
	if failed := aws.ToInt32(out.FailedPutCount); failed > 0 {
		s.logger.Warn().Int32("failed_put_count", failed).Int("records", len(records)).Msg("Firehose batch had per-record failures.")
	}
	return results, nil
}

// Close is a no-op; the underlying AWS client has no shutdown.
func (s *FirehoseSink) Close() error { return nil }
