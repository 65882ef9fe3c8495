package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exambridge/internal/session/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

func newSession(center id.CenterID, candidate string, created time.Time) *models.Session {
	return &models.Session{
		ID:          id.SessionID(uuid.New()),
		CandidateID: candidate,
		CenterID:    center,
		ExamID:      id.ExamID(uuid.Nil),
		ShiftID:     id.ShiftID(uuid.Nil),
		Status:      models.StatusWaiting,
		CreatedAt:   created,
	}
}

func TestInMemoryStoreSyncFlag(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	center := id.CenterID(uuid.New())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	first := newSession(center, "a", now.Add(time.Minute))
	second := newSession(center, "b", now)
	for _, session := range []*models.Session{first, second} {
		require.NoError(t, s.Create(ctx, session))
		require.NoError(t, session.Begin(now, id.PaperID(uuid.New()), time.Hour))
		require.NoError(t, session.Submit(now, nil))
		require.NoError(t, s.Update(ctx, session))
	}

	unsynced, err := s.ListUnsynced(ctx, center, 10)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, "b", unsynced[0].CandidateID, "oldest first")

	ok, err := s.MarkSynced(ctx, second.ID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.MarkSynced(ctx, second.ID, now)
	require.NoError(t, err)
	assert.False(t, ok, "second mark is a no-op")

	counts, err := s.CountSync(ctx, center)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCounts{Synced: 1, Unsynced: 1}, counts)

	_, err = s.MarkSynced(ctx, id.SessionID(uuid.New()), now)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestInMemoryStoreTerminalGuard(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()
	now := time.Now()

	session := newSession(id.CenterID(uuid.New()), "a", now)
	require.NoError(t, s.Create(ctx, session))
	assert.ErrorIs(t, s.Create(ctx, newSession(session.CenterID, "a", now)), sentinel.ErrConflict)

	require.NoError(t, session.Terminate(now, models.ReasonAdminAction))
	require.NoError(t, s.Update(ctx, session))

	session.Status = models.StatusInProgress
	assert.ErrorIs(t, s.Update(ctx, session), sentinel.ErrInvalidState)
	assert.ErrorIs(t, s.Update(ctx, newSession(session.CenterID, "z", now)), sentinel.ErrNotFound)

	stored, err := s.FindByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTerminated, stored.Status)
}
