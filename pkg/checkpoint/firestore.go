package checkpoint

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore checkpoint store.
type FirestoreConfig struct {
	ProjectID      string
	CollectionName string
}

// FirestoreStore keeps checkpoints in a Firestore collection, one document
// per run key. Suitable for low-volume deployments without a Redis; the
// producer writes a checkpoint at most once per page.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// checkpointDoc is the stored document shape.
type checkpointDoc struct {
	Cursor    string    `firestore:"cursor"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// NewFirestoreStore wraps an existing Firestore client; its lifecycle is
// managed by the caller.
func NewFirestoreStore(cfg FirestoreConfig, client *firestore.Client, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		cfg.CollectionName = "openalex-checkpoints"
	}
	return &FirestoreStore{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreCheckpoint").Str("collection", cfg.CollectionName).Logger(),
	}, nil
}

// Load returns the stored cursor; a missing document is not an error.
func (s *FirestoreStore) Load(ctx context.Context, runKey string) (string, error) {
	snap, err := s.client.Collection(s.collection).Doc(runKey).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", nil
		}
		return "", fmt.Errorf("loading checkpoint %s: %w", runKey, err)
	}
	var doc checkpointDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("decoding checkpoint %s: %w", runKey, err)
	}
	return doc.Cursor, nil
}

// Save stores the cursor document.
func (s *FirestoreStore) Save(ctx context.Context, runKey string, cursor string) error {
	_, err := s.client.Collection(s.collection).Doc(runKey).Set(ctx, checkpointDoc{
		Cursor:    cursor,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", runKey, err)
	}
	s.logger.Debug().Str("run_key", runKey).Msg("Saved cursor checkpoint.")
	return nil
}

// Close does not close the injected Firestore client.
func (s *FirestoreStore) Close() error { return nil }
