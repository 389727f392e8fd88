package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// FileWriter appends dead-letter entries as NDJSON lines to a local file.
// It is the default sink for single-host deployments.
type FileWriter struct {
	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	logger zerolog.Logger
}

// NewFileWriter opens (or creates) the dead-letter file in append mode.
func NewFileWriter(path string, logger zerolog.Logger) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter file %s: %w", path, err)
	}
	return &FileWriter{
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With().Str("component", "DeadLetterFile").Str("path", path).Logger(),
	}, nil
}

// Write appends each entry as one NDJSON line.
func (w *FileWriter) Write(_ context.Context, entries []Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range entries {
		if err := w.enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("appending dead-letter entry: %w", err)
		}
	}
	w.logger.Warn().Int("count", len(entries)).Msg("Appended dead-letter entries.")
	return nil
}

// Close syncs and closes the underlying file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
