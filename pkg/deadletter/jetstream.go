package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// JetStreamConfig holds configuration for the NATS JetStream dead-letter sink.
type JetStreamConfig struct {
	URL           string
	Stream        string
	SubjectPrefix string
}

// JetStreamWriter publishes dead-letter entries to a NATS JetStream stream.
// A durable queue DLQ is the right choice when multiple producer instances
// share one recovery path.
type JetStreamWriter struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	prefix  string
	written atomic.Uint64
	logger  zerolog.Logger
}

// NewJetStreamWriter connects to NATS and ensures the dead-letter stream
// exists before returning.
func NewJetStreamWriter(ctx context.Context, cfg JetStreamConfig, logger zerolog.Logger) (*JetStreamWriter, error) {
	if cfg.Stream == "" {
		cfg.Stream = "OPENALEX_DLQ"
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "openalex.dlq"
	}

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.SubjectPrefix + ".>"},
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensuring dead-letter stream %s: %w", cfg.Stream, err)
	}

	logger = logger.With().Str("component", "DeadLetterJetStream").Str("stream", cfg.Stream).Logger()
	logger.Info().Msg("JetStream dead-letter stream ready.")

	return &JetStreamWriter{
		nc:     nc,
		js:     js,
		prefix: cfg.SubjectPrefix,
		logger: logger,
	}, nil
}

// Write publishes each entry on <prefix>.<reason> so recovery tooling can
// subscribe per rejection reason.
func (w *JetStreamWriter) Write(ctx context.Context, entries []Entry) error {
	for i := range entries {
		data, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("marshaling dead-letter entry: %w", err)
		}
		subject := fmt.Sprintf("%s.%s", w.prefix, subjectToken(entries[i].LastReason))
		if _, err := w.js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("publishing dead-letter entry: %w", err)
		}
		w.written.Add(1)
	}
	w.logger.Warn().Int("count", len(entries)).Msg("Published dead-letter entries to JetStream.")
	return nil
}

// Written reports how many entries this writer has published.
func (w *JetStreamWriter) Written() uint64 { return w.written.Load() }

// Close drains the NATS connection.
func (w *JetStreamWriter) Close() error {
	if w.nc != nil {
		w.nc.Close()
	}
	return nil
}

// subjectToken reduces a free-form rejection reason to a NATS subject token.
func subjectToken(reason string) string {
	if reason == "" {
		return "unknown"
	}
	token := strings.ToLower(reason)
	token = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, token)
	if len(token) > 48 {
		token = token[:48]
	}
	return token
}
