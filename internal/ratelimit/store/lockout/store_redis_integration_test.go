//go:build integration

package lockout_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"exambridge/internal/ratelimit/models"
	"exambridge/internal/ratelimit/store/lockout"
	"exambridge/pkg/testutil/containers"
)

type RedisLockoutStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *lockout.RedisStore
	ctx   context.Context
}

func TestRedisLockoutStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisLockoutStoreSuite))
}

func (s *RedisLockoutStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = lockout.NewRedisStore(s.redis.Client, time.Hour)
	s.ctx = context.Background()
}

func (s *RedisLockoutStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisLockoutStoreSuite) TestSaveGetClear() {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := &models.LoginLockout{Key: "lock:DEL-01:10.0.0.1"}
	rec.RecordFailure(now, time.Minute)
	rec.Lock(now, 10*time.Minute)
	s.Require().NoError(s.store.Save(s.ctx, rec))

	got, err := s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.True(got.IsLockedAt(now.Add(time.Minute)))

	n, err := s.store.CountLocked(s.ctx, now)
	s.Require().NoError(err)
	s.Equal(1, n)

	s.Require().NoError(s.store.Clear(s.ctx, rec.Key))
	got, err = s.store.Get(s.ctx, rec.Key)
	s.Require().NoError(err)
	s.Nil(got)
	n, _ = s.store.CountLocked(s.ctx, now)
	s.Zero(n)
}
