package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds configuration for the Redis checkpoint store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a checkpoint survives; zero means no expiry.
	TTL       time.Duration
	KeyPrefix string
}

// RedisStore keeps checkpoints in Redis, the right backend when several
// producer instances or schedulers share one cursor.
type RedisStore struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
	logger    zerolog.Logger
}

// NewRedisStore connects and pings Redis before returning the store.
func NewRedisStore(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "openalex:cursor:"
	}

	logger = logger.With().Str("component", "RedisCheckpoint").Str("redis_address", cfg.Addr).Logger()
	logger.Info().Msg("Connected to Redis checkpoint store.")

	return &RedisStore{
		client:    rdb,
		ttl:       cfg.TTL,
		keyPrefix: cfg.KeyPrefix,
		logger:    logger,
	}, nil
}

// Load returns the stored cursor; a missing key is not an error.
func (s *RedisStore) Load(ctx context.Context, runKey string) (string, error) {
	cursor, err := s.client.Get(ctx, s.keyPrefix+runKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("loading checkpoint %s: %w", runKey, err)
	}
	return cursor, nil
}

// Save stores the cursor with the configured TTL.
func (s *RedisStore) Save(ctx context.Context, runKey string, cursor string) error {
	if err := s.client.Set(ctx, s.keyPrefix+runKey, cursor, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", runKey, err)
	}
	s.logger.Debug().Str("run_key", runKey).Msg("Saved cursor checkpoint.")
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }
