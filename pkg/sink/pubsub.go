package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
)

// PubsubConfig holds configuration for the Pub/Sub sink.
type PubsubConfig struct {
	TopicID string
	// CountThreshold and DelayThreshold tune the client's internal bundling.
	CountThreshold int
	DelayThreshold time.Duration
}

// PubsubSink publishes batches to a Google Pub/Sub topic. The client bundles
// the publishes into batched RPCs; each record still gets an independent
// PublishResult, which the sink maps onto per-record outcomes.
type PubsubSink struct {
	topic  *pubsub.Topic
	logger zerolog.Logger
}

// NewPubsubSink verifies the topic exists and configures its publish
// settings. The client's lifecycle is managed by the caller.
func NewPubsubSink(ctx context.Context, cfg PubsubConfig, client *pubsub.Client, logger zerolog.Logger) (*PubsubSink, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("pubsub topic ID is required")
	}
	if cfg.CountThreshold <= 0 {
		cfg.CountThreshold = 100
	}
	if cfg.DelayThreshold <= 0 {
		cfg.DelayThreshold = 100 * time.Millisecond
	}

	topic := client.Topic(cfg.TopicID)
	topic.PublishSettings.CountThreshold = cfg.CountThreshold
	topic.PublishSettings.DelayThreshold = cfg.DelayThreshold

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	return &PubsubSink{
		topic:  topic,
		logger: logger.With().Str("component", "PubsubSink").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Name identifies the sink in logs and errors.
func (s *PubsubSink) Name() string { return "pubsub" }

// Put publishes every record and waits for each confirmation. Individual
// publish failures become per-record rejections, never a whole-call error,
// so the dispatcher retries only what actually failed.
func (s *PubsubSink) Put(ctx context.Context, records [][]byte) ([]dispatch.RecordResult, error) {
	publishResults := make([]*pubsub.PublishResult, len(records))
	for i, rec := range records {
		publishResults[i] = s.topic.Publish(ctx, &pubsub.Message{Data: rec})
	}

	results := make([]dispatch.RecordResult, len(records))
	for i, res := range publishResults {
		if _, err := res.Get(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			results[i] = dispatch.RecordResult{Reason: fmt.Sprintf("publish failed: %v", err)}
			continue
		}
		results[i] = dispatch.RecordResult{Accepted: true}
	}
	return results, nil
}

// Close flushes buffered publishes and stops the topic.
func (s *PubsubSink) Close() error {
	s.topic.Stop()
	return nil
}
