package store

import (
	"context"
	"sync"
	"time"

	"exambridge/internal/center/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	centers map[id.CenterID]*models.Center
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{centers: make(map[id.CenterID]*models.Center)}
}

func (s *InMemoryStore) Create(_ context.Context, center *models.Center) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.centers {
		if existing.ID == center.ID || existing.Code == center.Code {
			return sentinel.ErrConflict
		}
	}
	s.centers[center.ID] = clone(center)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, centerID id.CenterID) (*models.Center, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.centers[centerID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(c), nil
}

func (s *InMemoryStore) FindByCode(_ context.Context, code string) (*models.Center, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.centers {
		if c.Code == code {
			return clone(c), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) UpdateSyncCounters(_ context.Context, centerID id.CenterID, synced, unsynced int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.centers[centerID]
	if !ok {
		return sentinel.ErrNotFound
	}
	c.SyncedCount = synced
	c.UnsyncedCount = unsynced
	c.LastSyncAt = &at
	c.UpdatedAt = at
	return nil
}

func clone(c *models.Center) *models.Center {
	out := *c
	out.PasswordHash = append([]byte(nil), c.PasswordHash...)
	if c.LastSyncAt != nil {
		t := *c.LastSyncAt
		out.LastSyncAt = &t
	}
	return &out
}
