// Package config loads and validates the producer's configuration from
// defaults, an optional YAML file, and PRODUCER_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full configuration surface of the producer.
type Config struct {
	OpenAlex   OpenAlexConfig   `mapstructure:"openalex"`
	Batch      BatchConfig      `mapstructure:"batch"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Sink       SinkConfig       `mapstructure:"sink"`
	DeadLetter DeadLetterConfig `mapstructure:"dead_letter"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Run        RunConfig        `mapstructure:"run"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Ops        OpsConfig        `mapstructure:"ops"`
}

type OpenAlexConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Mailto          string        `mapstructure:"mailto"`
	PerPage         int           `mapstructure:"per_page"`
	UpdatedSince    string        `mapstructure:"updated_since"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffCap      time.Duration `mapstructure:"backoff_cap"`
}

type BatchConfig struct {
	MaxRecords       int           `mapstructure:"max_records"`
	MaxBytes         int           `mapstructure:"max_bytes"`
	MaxRecordBytes   int           `mapstructure:"max_record_bytes"`
	FlushIdleTimeout time.Duration `mapstructure:"flush_idle_timeout"`
}

type DispatchConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	BackoffBase          time.Duration `mapstructure:"backoff_base"`
	BackoffCap           time.Duration `mapstructure:"backoff_cap"`
	PutTimeout           time.Duration `mapstructure:"put_timeout"`
	MaxTransportFailures int           `mapstructure:"max_transport_failures"`
	MaxInflightBatches   int           `mapstructure:"max_inflight_batches"`
}

type SinkConfig struct {
	// Backend selects the ingestion endpoint: firehose, bigquery or pubsub.
	Backend  string         `mapstructure:"backend"`
	Firehose FirehoseConfig `mapstructure:"firehose"`
	BigQuery BigQueryConfig `mapstructure:"bigquery"`
	Pubsub   PubsubConfig   `mapstructure:"pubsub"`
}

type FirehoseConfig struct {
	StreamName string `mapstructure:"stream_name"`
	Region     string `mapstructure:"region"`
}

type BigQueryConfig struct {
	ProjectID       string `mapstructure:"project_id"`
	DatasetID       string `mapstructure:"dataset_id"`
	TableID         string `mapstructure:"table_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type PubsubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

type DeadLetterConfig struct {
	// Backend selects the dead-letter sink: file, gcs or jetstream.
	Backend   string          `mapstructure:"backend"`
	FilePath  string          `mapstructure:"file_path"`
	GCS       GCSConfig       `mapstructure:"gcs"`
	JetStream JetStreamConfig `mapstructure:"jetstream"`
}

type GCSConfig struct {
	Bucket       string `mapstructure:"bucket"`
	ObjectPrefix string `mapstructure:"object_prefix"`
}

type JetStreamConfig struct {
	URL           string `mapstructure:"url"`
	Stream        string `mapstructure:"stream"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type CheckpointConfig struct {
	// Backend selects cursor persistence: none, inmemory, redis or firestore.
	Backend   string          `mapstructure:"backend"`
	Key       string          `mapstructure:"key"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Firestore FirestoreConfig `mapstructure:"firestore"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type FirestoreConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	CollectionName string `mapstructure:"collection_name"`
}

type RunConfig struct {
	MaxPages            int    `mapstructure:"max_pages"`
	DeadLetterTolerance int    `mapstructure:"dead_letter_tolerance"`
	SourceTag           string `mapstructure:"source_tag"`
	DryRun              bool   `mapstructure:"dry_run"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

type OpsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// Load reads configuration from the optional file at configPath, applying
// defaults first and PRODUCER_* environment variables last.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("openalex.base_url", "https://api.openalex.org")
	v.SetDefault("openalex.per_page", 50)
	v.SetDefault("openalex.politeness_delay", "2s")
	v.SetDefault("openalex.request_timeout", "30s")
	v.SetDefault("openalex.max_attempts", 5)
	v.SetDefault("openalex.backoff_base", "500ms")
	v.SetDefault("openalex.backoff_cap", "30s")

	v.SetDefault("batch.max_records", 50)
	v.SetDefault("batch.max_bytes", 4<<20)
	v.SetDefault("batch.max_record_bytes", 1000*1024)
	v.SetDefault("batch.flush_idle_timeout", "30s")

	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.backoff_base", "500ms")
	v.SetDefault("dispatch.backoff_cap", "30s")
	v.SetDefault("dispatch.put_timeout", "30s")
	v.SetDefault("dispatch.max_transport_failures", 5)
	v.SetDefault("dispatch.max_inflight_batches", 2)

	v.SetDefault("sink.backend", "firehose")
	v.SetDefault("sink.firehose.region", "us-east-1")
	v.SetDefault("sink.firehose.stream_name", "scholarstream-openalex")

	v.SetDefault("dead_letter.backend", "file")
	v.SetDefault("dead_letter.file_path", "dead-letter.ndjson")
	v.SetDefault("dead_letter.gcs.object_prefix", "dead-letter")
	v.SetDefault("dead_letter.jetstream.url", "nats://localhost:4222")
	v.SetDefault("dead_letter.jetstream.stream", "OPENALEX_DLQ")
	v.SetDefault("dead_letter.jetstream.subject_prefix", "openalex.dlq")

	v.SetDefault("checkpoint.backend", "none")
	v.SetDefault("checkpoint.key", "works")
	v.SetDefault("checkpoint.redis.addr", "localhost:6379")
	v.SetDefault("checkpoint.redis.ttl", "720h")
	v.SetDefault("checkpoint.firestore.collection_name", "openalex-checkpoints")

	v.SetDefault("run.max_pages", 0)
	v.SetDefault("run.dead_letter_tolerance", 0)
	v.SetDefault("run.source_tag", "openalex")
	v.SetDefault("run.dry_run", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ops.enabled", false)
	v.SetDefault("ops.listen_addr", ":9090")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("producer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/openalex-ingest")
	}

	v.SetEnvPrefix("PRODUCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// Validate enforces the startup invariants. A violation aborts the run
// before any fetch occurs.
func (c *Config) Validate() error {
	if c.OpenAlex.Mailto == "" {
		return errors.New("openalex.mailto is required for polite use of the OpenAlex API")
	}
	if c.Batch.MaxRecords <= 0 || c.Batch.MaxRecords > 500 {
		return fmt.Errorf("batch.max_records must be between 1 and 500, got %d", c.Batch.MaxRecords)
	}
	if c.Batch.MaxBytes <= 0 {
		return errors.New("batch.max_bytes must be positive")
	}
	if c.Batch.MaxRecordBytes <= 0 {
		return errors.New("batch.max_record_bytes must be positive")
	}
	if c.Batch.MaxRecordBytes > c.Batch.MaxBytes {
		return fmt.Errorf("batch.max_record_bytes (%d) cannot exceed batch.max_bytes (%d)", c.Batch.MaxRecordBytes, c.Batch.MaxBytes)
	}
	if c.Dispatch.MaxRetries <= 0 {
		return errors.New("dispatch.max_retries must be positive")
	}
	if c.Dispatch.BackoffBase <= 0 || c.Dispatch.BackoffCap < c.Dispatch.BackoffBase {
		return errors.New("dispatch backoff base must be positive and no greater than the cap")
	}
	if c.Dispatch.MaxInflightBatches <= 0 {
		return errors.New("dispatch.max_inflight_batches must be at least 1")
	}
	switch c.Sink.Backend {
	case "firehose":
		if c.Sink.Firehose.StreamName == "" {
			return errors.New("sink.firehose.stream_name is required")
		}
	case "bigquery":
		if c.Sink.BigQuery.ProjectID == "" || c.Sink.BigQuery.DatasetID == "" || c.Sink.BigQuery.TableID == "" {
			return errors.New("sink.bigquery requires project_id, dataset_id and table_id")
		}
	case "pubsub":
		if c.Sink.Pubsub.ProjectID == "" || c.Sink.Pubsub.TopicID == "" {
			return errors.New("sink.pubsub requires project_id and topic_id")
		}
	default:
		return fmt.Errorf("unknown sink backend %q", c.Sink.Backend)
	}
	switch c.DeadLetter.Backend {
	case "file":
		if c.DeadLetter.FilePath == "" {
			return errors.New("dead_letter.file_path is required")
		}
	case "gcs":
		if c.DeadLetter.GCS.Bucket == "" {
			return errors.New("dead_letter.gcs.bucket is required")
		}
	case "jetstream":
		if c.DeadLetter.JetStream.URL == "" {
			return errors.New("dead_letter.jetstream.url is required")
		}
	default:
		return fmt.Errorf("unknown dead-letter backend %q", c.DeadLetter.Backend)
	}
	switch c.Checkpoint.Backend {
	case "none", "inmemory", "redis":
	case "firestore":
		if c.Checkpoint.Firestore.ProjectID == "" {
			return errors.New("checkpoint.firestore.project_id is required")
		}
	default:
		return fmt.Errorf("unknown checkpoint backend %q", c.Checkpoint.Backend)
	}
	if c.Run.SourceTag == "" {
		return errors.New("run.source_tag cannot be empty")
	}
	return nil
}
