package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore keeps each session as a Redis hash under "<prefix><id>".
// Every write refreshes the hash TTL, so idle sessions expire on their own.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// Ensure RedisStore implements Store interface
var _ Store = (*RedisStore)(nil)

// RedisConfig for creating a Redis store
type RedisConfig struct {
	Addr     string        // Redis address (e.g., "localhost:6379")
	Password string        // Redis password (empty for no auth)
	DB       int           // Redis database number
	Prefix   string        // Key prefix (default: "csrfgate:session:")
	TTL      time.Duration // Idle lifetime of a session (default: 24 hours)
}

// NewRedisStore creates a Redis-backed store with its own client.
func NewRedisStore(cfg RedisConfig, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisStoreWithClient(client, cfg, logger)
}

// NewRedisStoreWithClient wraps an existing client. Addr, Password and DB in
// cfg are ignored.
func NewRedisStoreWithClient(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = "csrfgate:session:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		logger: logger,
	}
}

// Open returns a handle for id. The hash itself is created by the first Set.
func (s *RedisStore) Open(_ context.Context, id string) (Session, error) {
	return &redisSession{store: s, id: id, key: s.prefix + id}, nil
}

// Destroy deletes the session hash.
func (s *RedisStore) Destroy(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("session: destroy %s: %w", id, err)
	}
	return nil
}

// Ping checks if Redis connection is alive
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSession struct {
	store *RedisStore
	id    string
	key   string
}

func (r *redisSession) ID() string { return r.id }

func (r *redisSession) Get(ctx context.Context, field string) (string, bool, error) {
	val, err := r.store.client.HGet(ctx, r.key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		r.store.logger.Error("redis session read failed", zap.String("field", field), zap.Error(err))
		return "", false, fmt.Errorf("session: get %s: %w", field, err)
	}
	return val, true, nil
}

func (r *redisSession) Set(ctx context.Context, field, value string) error {
	pipe := r.store.client.TxPipeline()
	pipe.HSet(ctx, r.key, field, value)
	pipe.Expire(ctx, r.key, r.store.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		r.store.logger.Error("redis session write failed", zap.String("field", field), zap.Error(err))
		return fmt.Errorf("session: set %s: %w", field, err)
	}
	return nil
}

func (r *redisSession) Delete(ctx context.Context, fields ...string) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	n, err := r.store.client.HDel(ctx, r.key, fields...).Result()
	if err != nil {
		r.store.logger.Error("redis session delete failed", zap.Strings("fields", fields), zap.Error(err))
		return 0, fmt.Errorf("session: delete: %w", err)
	}
	return int(n), nil
}
