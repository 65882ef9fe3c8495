package store

import (
	"context"
	"sync"
	"time"

	"exambridge/internal/paper/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/platform/sentinel"
)

type releaseKey struct {
	exam   id.ExamID
	shift  id.ShiftID
	center id.CenterID
}

type releaseEntry struct {
	release   models.KeyRelease
	expiresAt time.Time
}

// InMemoryReleaseStore holds sealed releases until their TTL passes.
// Expired entries are dropped lazily on read.
type InMemoryReleaseStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	releases map[releaseKey]releaseEntry
}

func NewInMemoryReleaseStore(c clock.Clock) *InMemoryReleaseStore {
	if c == nil {
		c = clock.Real()
	}
	return &InMemoryReleaseStore{clock: c, releases: make(map[releaseKey]releaseEntry)}
}

func (s *InMemoryReleaseStore) Put(_ context.Context, release *models.KeyRelease, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *release
	r.Sealed = append([]byte(nil), release.Sealed...)
	s.releases[releaseKey{release.ExamID, release.ShiftID, release.CenterID}] = releaseEntry{
		release:   r,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

func (s *InMemoryReleaseStore) Get(_ context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.KeyRelease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := releaseKey{examID, shiftID, centerID}
	e, ok := s.releases[k]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if !s.clock.Now().Before(e.expiresAt) {
		delete(s.releases, k)
		return nil, sentinel.ErrNotFound
	}
	r := e.release
	r.Sealed = append([]byte(nil), e.release.Sealed...)
	return &r, nil
}
