package lockout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"exambridge/internal/ratelimit/models"
)

const (
	lockoutKeyPrefix = "exambridge:"
	lockedSetKey     = "exambridge:lock:active"
)

// RedisStore shares lockout records across main server replicas. Records
// expire after ttl so abandoned keys do not accumulate.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.LoginLockout, error) {
	data, err := s.client.Get(ctx, lockoutKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("load lockout: %w", err)
	}
	var rec models.LoginLockout
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal lockout: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Save(ctx context.Context, record *models.LoginLockout) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal lockout: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, lockoutKeyPrefix+record.Key, data, s.ttl)
	if record.LockedUntil != nil {
		pipe.ZAdd(ctx, lockedSetKey, redis.Z{Score: float64(record.LockedUntil.UnixMilli()), Member: record.Key})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store lockout: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, lockoutKeyPrefix+key)
	pipe.ZRem(ctx, lockedSetKey, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear lockout: %w", err)
	}
	return nil
}

// CountLocked trims expired locks from the index and counts the rest.
func (s *RedisStore) CountLocked(ctx context.Context, now time.Time) (int, error) {
	ms := fmt.Sprintf("%d", now.UnixMilli())
	if err := s.client.ZRemRangeByScore(ctx, lockedSetKey, "-inf", ms).Err(); err != nil {
		return 0, fmt.Errorf("trim lock index: %w", err)
	}
	n, err := s.client.ZCard(ctx, lockedSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count locks: %w", err)
	}
	return int(n), nil
}
