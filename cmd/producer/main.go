// Command producer runs one OpenAlex ingestion run: fetch works with cursor
// pagination, validate them into envelopes, and deliver size/count-bounded
// batches to the configured ingestion endpoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/illmade-knight/go-openalex-ingest/pkg/batcher"
	"github.com/illmade-knight/go-openalex-ingest/pkg/checkpoint"
	"github.com/illmade-knight/go-openalex-ingest/pkg/config"
	"github.com/illmade-knight/go-openalex-ingest/pkg/deadletter"
	"github.com/illmade-knight/go-openalex-ingest/pkg/dispatch"
	"github.com/illmade-knight/go-openalex-ingest/pkg/envelope"
	"github.com/illmade-knight/go-openalex-ingest/pkg/ops"
	"github.com/illmade-knight/go-openalex-ingest/pkg/openalex"
	"github.com/illmade-knight/go-openalex-ingest/pkg/producer"
	"github.com/illmade-knight/go-openalex-ingest/pkg/sink"
)

var (
	flagConfig       string
	flagPerPage      int
	flagUpdatedSince string
	flagMaxPages     int
	flagBatchSize    int
	flagBatchSleep   time.Duration
	flagSink         string
	flagDryRun       bool
	flagLogLevel     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "producer",
		Short: "OpenAlex to batch-ingestion producer",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one ingestion run",
		RunE:  runProducer,
	}
	runCmd.Flags().StringVar(&flagConfig, "config", "", "path to config file")
	runCmd.Flags().IntVar(&flagPerPage, "per-page", 0, "OpenAlex page size")
	runCmd.Flags().StringVar(&flagUpdatedSince, "updated-since", "", "only works updated since (YYYY-MM-DD)")
	runCmd.Flags().IntVar(&flagMaxPages, "max-pages", -1, "stop after N pages (0 = unbounded)")
	runCmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "records per batch (1-500)")
	runCmd.Flags().DurationVar(&flagBatchSleep, "batch-sleep", 0, "minimum delay between OpenAlex requests")
	runCmd.Flags().StringVar(&flagSink, "sink", "", "ingestion backend: firehose, bigquery or pubsub")
	runCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "do not send anything, just count")
	runCmd.Flags().StringVar(&flagLogLevel, "log-level", "", "log level override")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runProducer(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().
		Str("sink", cfg.Sink.Backend).
		Int("per_page", cfg.OpenAlex.PerPage).
		Int("batch_size", cfg.Batch.MaxRecords).
		Dur("politeness_delay", cfg.OpenAlex.PolitenessDelay).
		Bool("dry_run", cfg.Run.DryRun).
		Msg("Producer starting.")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(cfg.Ops.ListenAddr, logger)
		if err := opsServer.Start(); err != nil {
			return fmt.Errorf("starting ops server: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = opsServer.Shutdown(shutdownCtx)
		}()
	}

	fetcher, err := openalex.NewClient(openalex.ClientConfig{
		BaseURL:         cfg.OpenAlex.BaseURL,
		Mailto:          cfg.OpenAlex.Mailto,
		PerPage:         cfg.OpenAlex.PerPage,
		UpdatedSince:    cfg.OpenAlex.UpdatedSince,
		PolitenessDelay: cfg.OpenAlex.PolitenessDelay,
		RequestTimeout:  cfg.OpenAlex.RequestTimeout,
		MaxAttempts:     cfg.OpenAlex.MaxAttempts,
		BackoffBase:     cfg.OpenAlex.BackoffBase,
		BackoffCap:      cfg.OpenAlex.BackoffCap,
	}, logger)
	if err != nil {
		return err
	}

	builder, err := envelope.NewBuilder(envelope.BuilderConfig{
		SourceTag:      cfg.Run.SourceTag,
		MaxRecordBytes: cfg.Batch.MaxRecordBytes,
	}, nil, logger)
	if err != nil {
		return err
	}

	buffer, err := batcher.NewBuffer(batcher.Config{
		MaxRecords: cfg.Batch.MaxRecords,
		MaxBytes:   cfg.Batch.MaxBytes,
	}, logger)
	if err != nil {
		return err
	}

	endpoint, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = endpoint.Close() }()

	dlq, err := buildDeadLetter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = dlq.Close() }()

	dispatcher, err := dispatch.NewDispatcher(dispatch.Config{
		MaxRetries:           cfg.Dispatch.MaxRetries,
		BackoffBase:          cfg.Dispatch.BackoffBase,
		BackoffCap:           cfg.Dispatch.BackoffCap,
		PutTimeout:           cfg.Dispatch.PutTimeout,
		MaxTransportFailures: cfg.Dispatch.MaxTransportFailures,
	}, endpoint, dlq, logger)
	if err != nil {
		return err
	}

	checkpoints, err := buildCheckpoints(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if checkpoints != nil {
		defer func() { _ = checkpoints.Close() }()
	}

	runner, err := producer.New(producer.Config{
		MaxPages:            cfg.Run.MaxPages,
		MaxInflightBatches:  cfg.Dispatch.MaxInflightBatches,
		FlushIdleTimeout:    cfg.Batch.FlushIdleTimeout,
		DeadLetterTolerance: cfg.Run.DeadLetterTolerance,
		CheckpointKey:       cfg.Checkpoint.Key,
	}, fetcher, builder, buffer, dispatcher, checkpoints, logger)
	if err != nil {
		return err
	}

	summary, runErr := runner.Run(ctx)
	printSummary(summary)
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}

// applyFlagOverrides lets CLI flags win over file and environment settings,
// matching the historical invocation `producer run --batch-size 50`.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("per-page") {
		cfg.OpenAlex.PerPage = flagPerPage
	}
	if cmd.Flags().Changed("updated-since") {
		cfg.OpenAlex.UpdatedSince = flagUpdatedSince
	}
	if cmd.Flags().Changed("max-pages") {
		cfg.Run.MaxPages = flagMaxPages
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.Batch.MaxRecords = flagBatchSize
	}
	if cmd.Flags().Changed("batch-sleep") {
		cfg.OpenAlex.PolitenessDelay = flagBatchSleep
	}
	if cmd.Flags().Changed("sink") {
		cfg.Sink.Backend = flagSink
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.Run.DryRun = flagDryRun
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = flagLogLevel
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Str("service", "openalex-producer").Logger()
}

func buildSink(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (dispatch.Sink, error) {
	if cfg.Run.DryRun {
		return sink.NewNoopSink(logger), nil
	}
	switch cfg.Sink.Backend {
	case "firehose":
		return sink.NewFirehoseSink(ctx, sink.FirehoseConfig{
			StreamName: cfg.Sink.Firehose.StreamName,
			Region:     cfg.Sink.Firehose.Region,
		}, logger)
	case "bigquery":
		return sink.NewBigQuerySink(ctx, sink.BigQueryConfig{
			ProjectID:       cfg.Sink.BigQuery.ProjectID,
			DatasetID:       cfg.Sink.BigQuery.DatasetID,
			TableID:         cfg.Sink.BigQuery.TableID,
			CredentialsFile: cfg.Sink.BigQuery.CredentialsFile,
		}, logger)
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.Sink.Pubsub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("creating pubsub client: %w", err)
		}
		return sink.NewPubsubSink(ctx, sink.PubsubConfig{TopicID: cfg.Sink.Pubsub.TopicID}, client, logger)
	default:
		return nil, fmt.Errorf("unknown sink backend %q", cfg.Sink.Backend)
	}
}

func buildDeadLetter(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (deadletter.Writer, error) {
	if cfg.Run.DryRun {
		return deadletter.Discard{}, nil
	}
	switch cfg.DeadLetter.Backend {
	case "file":
		return deadletter.NewFileWriter(cfg.DeadLetter.FilePath, logger)
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating storage client: %w", err)
		}
		return deadletter.NewGCSWriter(deadletter.NewGCSClientAdapter(client), deadletter.GCSWriterConfig{
			BucketName:   cfg.DeadLetter.GCS.Bucket,
			ObjectPrefix: cfg.DeadLetter.GCS.ObjectPrefix,
			RunID:        uuid.New().String(),
		}, logger)
	case "jetstream":
		return deadletter.NewJetStreamWriter(ctx, deadletter.JetStreamConfig{
			URL:           cfg.DeadLetter.JetStream.URL,
			Stream:        cfg.DeadLetter.JetStream.Stream,
			SubjectPrefix: cfg.DeadLetter.JetStream.SubjectPrefix,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown dead-letter backend %q", cfg.DeadLetter.Backend)
	}
}

func buildCheckpoints(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "none":
		return nil, nil
	case "inmemory":
		return checkpoint.NewInMemoryStore(), nil
	case "redis":
		return checkpoint.NewRedisStore(ctx, checkpoint.RedisConfig{
			Addr:     cfg.Checkpoint.Redis.Addr,
			Password: cfg.Checkpoint.Redis.Password,
			DB:       cfg.Checkpoint.Redis.DB,
			TTL:      cfg.Checkpoint.Redis.TTL,
		}, logger)
	case "firestore":
		client, err := firestore.NewClient(ctx, cfg.Checkpoint.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("creating firestore client: %w", err)
		}
		return checkpoint.NewFirestoreStore(checkpoint.FirestoreConfig{
			ProjectID:      cfg.Checkpoint.Firestore.ProjectID,
			CollectionName: cfg.Checkpoint.Firestore.CollectionName,
		}, client, logger)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// printSummary writes the structured run report to stdout for operational
// tooling; logs stay on stderr.
func printSummary(summary producer.Summary) {
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Println(summary)
		return
	}
	fmt.Println(string(out))
}
