package deadletter

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// GCSWriterConfig holds configuration for the GCS dead-letter sink.
type GCSWriterConfig struct {
	BucketName   string
	ObjectPrefix string
	// RunID scopes this run's objects under one prefix for easy replay.
	RunID string
}

// GCSWriter stores dead-letter entries as compressed NDJSON objects in a
// Google Cloud Storage bucket, one object per Write call.
type GCSWriter struct {
	client GCSClient
	config GCSWriterConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGCSWriter creates a dead-letter sink backed by Cloud Storage.
func NewGCSWriter(client GCSClient, config GCSWriterConfig, logger zerolog.Logger) (*GCSWriter, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSWriter{
		client: client,
		config: config,
		logger: logger.With().Str("component", "DeadLetterGCS").Str("bucket", config.BucketName).Logger(),
	}, nil
}

// Write uploads the entries as one gzip-compressed NDJSON object named
// <prefix>/<run-id>/<uuid>.jsonl.gz.
func (w *GCSWriter) Write(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	w.wg.Add(1)
	defer w.wg.Done()

	objectName := path.Join(w.config.ObjectPrefix, w.config.RunID, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))
	objHandle := w.client.Bucket(w.config.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	// Encode and compress on a pipe so the upload streams instead of
	// buffering the whole object.
	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for i := range entries {
			if err = enc.Encode(&entries[i]); err != nil {
				err = fmt.Errorf("encoding dead-letter entry for %s: %w", objectName, err)
				return
			}
		}
	}()

	bytesWritten, pipeErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close()
	if pipeErr != nil {
		return fmt.Errorf("streaming dead-letter object %s: %w", objectName, pipeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("finalizing dead-letter object %s: %w", objectName, closeErr)
	}

	w.logger.Warn().
		Str("object_name", objectName).
		Int("count", len(entries)).
		Int64("bytes_written", bytesWritten).
		Msg("Uploaded dead-letter entries to GCS.")
	return nil
}

// Close waits for pending uploads to complete.
func (w *GCSWriter) Close() error {
	w.wg.Wait()
	return nil
}
