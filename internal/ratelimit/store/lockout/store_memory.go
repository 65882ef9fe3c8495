// Package lockout stores failed-login counters per center code and client
// IP.
package lockout

import (
	"context"
	"sync"
	"time"

	"exambridge/internal/ratelimit/models"
)

type InMemoryStore struct {
	mu      sync.Mutex
	records map[string]models.LoginLockout
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string]models.LoginLockout)}
}

// Get returns a copy of the record for key, or nil when none exists.
func (s *InMemoryStore) Get(_ context.Context, key string) (*models.LoginLockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *InMemoryStore) Save(_ context.Context, record *models.LoginLockout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = *record
	return nil
}

func (s *InMemoryStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// CountLocked returns how many keys are locked at now.
func (s *InMemoryStore) CountLocked(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.records {
		if rec.IsLockedAt(now) {
			n++
		}
	}
	return n, nil
}
