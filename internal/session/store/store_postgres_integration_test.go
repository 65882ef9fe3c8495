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

	"exambridge/internal/session/models"
	"exambridge/internal/session/store"
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
	center   id.CenterID
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
	s.Require().NoError(s.postgres.TruncateTables(s.ctx, "exam_sessions"))
	s.now = time.Now().UTC().Truncate(time.Microsecond)
	s.center = id.CenterID(uuid.New())
}

func (s *PostgresStoreSuite) newSession(candidate string) *models.Session {
	return &models.Session{
		ID:            id.SessionID(uuid.New()),
		CandidateID:   candidate,
		RollNumber:    "R-" + candidate,
		AccessTokenID: id.TokenID(uuid.New()),
		CenterID:      s.center,
		ExamID:        id.ExamID(uuid.New()),
		ShiftID:       id.ShiftID(uuid.New()),
		PackageID:     id.PackageID(uuid.New()),
		Status:        models.StatusWaiting,
		CreatedAt:     s.now,
	}
}

func (s *PostgresStoreSuite) submitted(candidate string) *models.Session {
	session := s.newSession(candidate)
	s.Require().NoError(s.store.Create(s.ctx, session))
	s.Require().NoError(session.Begin(s.now, id.PaperID(uuid.New()), time.Hour))
	s.Require().NoError(session.Submit(s.now.Add(time.Minute), map[string]string{"q1": "b"}))
	s.Require().NoError(s.store.Update(s.ctx, session))
	return session
}

func (s *PostgresStoreSuite) TestLifecycleRoundTrip() {
	session := s.submitted("c-1")

	found, err := s.store.FindByID(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, found.Status)
	s.Equal(session.PaperID, found.PaperID)
	s.Equal(map[string]string{"q1": "b"}, found.Answers)
	s.Require().NotNil(found.EndsAt)
	s.True(found.EndsAt.Equal(s.now.Add(time.Hour)))
	s.False(found.SyncedToMain)
}

func (s *PostgresStoreSuite) TestTerminalRowsAreFrozen() {
	session := s.submitted("c-1")

	session.Status = models.StatusTerminated
	err := s.store.Update(s.ctx, session)
	s.ErrorIs(err, sentinel.ErrInvalidState)

	found, err := s.store.FindByID(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, found.Status)

	missing := s.newSession("ghost")
	s.ErrorIs(s.store.Update(s.ctx, missing), sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestOneLiveSessionPerCandidate() {
	first := s.newSession("c-1")
	s.Require().NoError(s.store.Create(s.ctx, first))

	second := s.newSession("c-1")
	second.ExamID, second.ShiftID = first.ExamID, first.ShiftID
	s.ErrorIs(s.store.Create(s.ctx, second), sentinel.ErrConflict)

	s.Require().NoError(first.Terminate(s.now, models.ReasonAdminAction))
	s.Require().NoError(s.store.Update(s.ctx, first))
	s.NoError(s.store.Create(s.ctx, second))
}

// TestMarkSyncedOnce races sync passes over the same session.
func (s *PostgresStoreSuite) TestMarkSyncedOnce() {
	session := s.submitted("c-1")

	var (
		wg      sync.WaitGroup
		flipped atomic.Int32
	)
	for range 16 {
		wg.Go(func() {
			ok, err := s.store.MarkSynced(s.ctx, session.ID, s.now)
			s.NoError(err)
			if ok {
				flipped.Add(1)
			}
		})
	}
	wg.Wait()
	s.Equal(int32(1), flipped.Load())

	counts, err := s.store.CountSync(s.ctx, s.center)
	s.Require().NoError(err)
	s.Equal(models.SyncCounts{Synced: 1, Unsynced: 0}, counts)
}

func (s *PostgresStoreSuite) TestListUnsyncedHonoursLimit() {
	for _, candidate := range []string{"a", "b", "c"} {
		s.submitted(candidate)
	}
	waiting := s.newSession("d")
	s.Require().NoError(s.store.Create(s.ctx, waiting))

	batch, err := s.store.ListUnsynced(s.ctx, s.center, 2)
	s.Require().NoError(err)
	s.Len(batch, 2)

	all, err := s.store.ListUnsynced(s.ctx, s.center, 10)
	s.Require().NoError(err)
	s.Len(all, 3)

	waitingList, err := s.store.ListByStatus(s.ctx, models.StatusWaiting)
	s.Require().NoError(err)
	s.Len(waitingList, 1)
}
