package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"exambridge/internal/paper/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

const releaseKeyPrefix = "exambridge:release:"

// RedisReleaseStore keeps sealed releases in Redis with SET EX so Redis
// enforces the TTL.
type RedisReleaseStore struct {
	client *redis.Client
}

func NewRedisReleaseStore(client *redis.Client) *RedisReleaseStore {
	return &RedisReleaseStore{client: client}
}

func releaseRedisKey(examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) string {
	return releaseKeyPrefix + examID.String() + ":" + shiftID.String() + ":" + centerID.String()
}

func (s *RedisReleaseStore) Put(ctx context.Context, release *models.KeyRelease, ttl time.Duration) error {
	data, err := json.Marshal(release)
	if err != nil {
		return fmt.Errorf("marshal key release: %w", err)
	}
	key := releaseRedisKey(release.ExamID, release.ShiftID, release.CenterID)
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("store key release: %w", err)
	}
	return nil
}

func (s *RedisReleaseStore) Get(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.KeyRelease, error) {
	data, err := s.client.Get(ctx, releaseRedisKey(examID, shiftID, centerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("load key release: %w", err)
	}
	var release models.KeyRelease
	if err := json.Unmarshal(data, &release); err != nil {
		return nil, fmt.Errorf("unmarshal key release: %w", err)
	}
	return &release, nil
}
