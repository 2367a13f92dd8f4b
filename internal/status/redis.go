package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/riverbulk/internal/domain"
)

// keyPrefix namespaces river status keys.
const keyPrefix = "riverbulk:status:"

// RedisStore keeps river statuses in Redis so every process of a deployment
// observes the same value.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a status store on an existing client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Set records the status of the named river.
func (s *RedisStore) Set(ctx context.Context, river string, st domain.Status) error {
	if !st.IsValid() {
		return fmt.Errorf("set status %q: %w", st, ErrInvalidStatus)
	}
	if err := s.client.Set(ctx, keyPrefix+river, string(st), 0).Err(); err != nil {
		return fmt.Errorf("redis set status: %w", err)
	}
	return nil
}

// Get returns the status of the named river.
func (s *RedisStore) Get(ctx context.Context, river string) (domain.Status, error) {
	val, err := s.client.Get(ctx, keyPrefix+river).Result()
	if errors.Is(err, redis.Nil) {
		return domain.StatusUnknown, nil
	}
	if err != nil {
		return domain.StatusUnknown, fmt.Errorf("redis get status: %w", err)
	}
	return domain.Status(val), nil
}

// Ping checks whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
