//go:build integration

package store_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"exambridge/internal/token/models"
	"exambridge/internal/token/store"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
	ctx      context.Context
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "access_tokens"))
	s.now = time.Now().UTC().Truncate(time.Microsecond)
}

func (s *PostgresStoreSuite) newToken(maxUsage int) (*models.AccessToken, string) {
	value, err := models.NewValue()
	s.Require().NoError(err)
	return &models.AccessToken{
		ID:        id.TokenID(uuid.New()),
		ExamID:    id.ExamID(uuid.New()),
		CenterID:  id.CenterID(uuid.New()),
		ShiftID:   id.ShiftID(uuid.New()),
		Digest:    models.Digest(value),
		ExpiresAt: s.now.Add(time.Hour),
		MaxUsage:  maxUsage,
		Version:   1,
		CreatedAt: s.now,
	}, value
}

// TestConcurrentConsume races validators against a single-use token.
// Justification: the conditional UPDATE is the only thing standing between
// parallel terminals and over-admission.
func (s *PostgresStoreSuite) TestConcurrentConsume() {
	tok, _ := s.newToken(1)
	s.Require().NoError(s.store.Create(s.ctx, tok))

	const workers = 32
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		exhausted atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.ConsumeIfValid(s.ctx, tok.Digest, s.now)
			if err == nil {
				succeeded.Add(1)
			} else if err == sentinel.ErrExhausted {
				exhausted.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), succeeded.Load())
	s.Equal(int32(workers-1), exhausted.Load())
	found, err := s.store.FindByID(s.ctx, tok.ID)
	s.Require().NoError(err)
	s.Equal(1, found.UsageCount)
}

func (s *PostgresStoreSuite) TestRejectionReasons() {
	tok, _ := s.newToken(0)
	s.Require().NoError(s.store.Create(s.ctx, tok))

	_, err := s.store.ConsumeIfValid(s.ctx, tok.Digest, s.now.Add(2*time.Hour))
	s.ErrorIs(err, sentinel.ErrExpired)

	_, err = s.store.ConsumeIfValid(s.ctx, models.Digest("nope"), s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestReplaceDigestAndUpsert() {
	tok, _ := s.newToken(3)
	s.Require().NoError(s.store.Create(s.ctx, tok))

	updated, err := s.store.ReplaceDigest(s.ctx, tok.ID, models.Digest("new"))
	s.Require().NoError(err)
	s.Equal(2, updated.Version)
	_, err = s.store.ConsumeIfValid(s.ctx, tok.Digest, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)

	older := *tok
	older.UsageCount = 2
	s.Require().NoError(s.store.Upsert(s.ctx, &older))
	found, err := s.store.FindByID(s.ctx, tok.ID)
	s.Require().NoError(err)
	s.Equal(models.Digest("new"), found.Digest)
	s.Equal(2, found.UsageCount)
	s.Equal(2, found.Version)
}

func (s *PostgresStoreSuite) TestRevokeExpired() {
	expired, _ := s.newToken(0)
	expired.ExpiresAt = s.now.Add(-time.Minute)
	s.Require().NoError(s.store.Create(s.ctx, expired))

	revoked, err := s.store.RevokeExpired(s.ctx, s.now)
	s.Require().NoError(err)
	s.Len(revoked, 1)
	_, err = s.store.FindByScope(s.ctx, expired.ExamID, expired.ShiftID, expired.CenterID)
	s.ErrorIs(err, sentinel.ErrNotFound)
}
