//go:build integration

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"exambridge/internal/paper/models"
	"exambridge/internal/paper/store"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/testutil/containers"
)

type RedisReleaseStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *store.RedisReleaseStore
	ctx   context.Context
}

func TestRedisReleaseStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisReleaseStoreSuite))
}

func (s *RedisReleaseStoreSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = store.NewRedisReleaseStore(s.redis.Client)
	s.ctx = context.Background()
}

func (s *RedisReleaseStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisReleaseStoreSuite) TestPutGet() {
	release := &models.KeyRelease{
		ExamID:     id.ExamID(uuid.New()),
		ShiftID:    id.ShiftID(uuid.New()),
		CenterID:   id.CenterID(uuid.New()),
		Sealed:     []byte("age-encryption.org/v1 ..."),
		PaperCount: 2,
		ReleasedAt: time.Now().UTC().Truncate(time.Second),
	}
	s.Require().NoError(s.store.Put(s.ctx, release, time.Minute))

	got, err := s.store.Get(s.ctx, release.ExamID, release.ShiftID, release.CenterID)
	s.Require().NoError(err)
	s.Equal(release.Sealed, got.Sealed)
	s.Equal(2, got.PaperCount)

	ttl, err := s.redis.Client.TTL(s.ctx, "exambridge:release:"+release.ExamID.String()+":"+release.ShiftID.String()+":"+release.CenterID.String()).Result()
	s.Require().NoError(err)
	s.Greater(ttl, 50*time.Second)

	_, err = s.store.Get(s.ctx, release.ExamID, release.ShiftID, id.CenterID(uuid.New()))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisReleaseStoreSuite) TestExpires() {
	release := &models.KeyRelease{
		ExamID:   id.ExamID(uuid.New()),
		ShiftID:  id.ShiftID(uuid.New()),
		CenterID: id.CenterID(uuid.New()),
		Sealed:   []byte("sealed"),
	}
	s.Require().NoError(s.store.Put(s.ctx, release, 50*time.Millisecond))
	s.Eventually(func() bool {
		_, err := s.store.Get(s.ctx, release.ExamID, release.ShiftID, release.CenterID)
		return err == sentinel.ErrNotFound
	}, 2*time.Second, 25*time.Millisecond)
}
