package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateTTL       = 10 * time.Minute
	stateKeyPrefix = "oauth:state:"
)

// StateStore binds login-initiation state tokens to a short-lived
// server-side record so the callback can verify the round trip.
type StateStore interface {
	Save(ctx context.Context, state string) error
	Consume(ctx context.Context, state string) (bool, error)
}

// RedisStateStore stores state tokens in Redis with a TTL
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a state store backed by Redis
func NewRedisStateStore(host string, port int, password string, db int) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStateStore{client: client}, nil
}

// Close closes the Redis connection
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// Save records a freshly generated state token
func (s *RedisStateStore) Save(ctx context.Context, state string) error {
	return s.client.Set(ctx, stateKeyPrefix+state, "1", stateTTL).Err()
}

// Consume atomically removes the state token, reporting whether it existed.
// A reused or expired token reports false.
func (s *RedisStateStore) Consume(ctx context.Context, state string) (bool, error) {
	err := s.client.GetDel(ctx, stateKeyPrefix+state).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to consume oauth state: %w", err)
	}
	return true, nil
}
