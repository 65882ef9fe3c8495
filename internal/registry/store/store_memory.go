package store

import (
	"context"
	"maps"
	"sync"

	"exambridge/internal/registry/models"
	id "exambridge/pkg/domain"
)

type statusKey struct {
	center id.CenterID
	exam   id.ExamID
	shift  id.ShiftID
}

type InMemoryStore struct {
	mu       sync.RWMutex
	records  map[id.SessionID]models.ResultRecord
	statuses map[statusKey]models.CenterStatus
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		records:  make(map[id.SessionID]models.ResultRecord),
		statuses: make(map[statusKey]models.CenterStatus),
	}
}

// Insert stores the record unless its session id is already present and
// reports whether it was new.
func (s *InMemoryStore) Insert(_ context.Context, record *models.ResultRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[record.SessionID]; ok {
		return false, nil
	}
	stored := *record
	stored.Answers = maps.Clone(record.Answers)
	s.records[record.SessionID] = stored
	return true, nil
}

func (s *InMemoryStore) Count(_ context.Context, examID id.ExamID, shiftID id.ShiftID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.ExamID == examID && r.ShiftID == shiftID {
			n++
		}
	}
	return n, nil
}

// SaveStatus replaces the center's last report for the shift.
func (s *InMemoryStore) SaveStatus(_ context.Context, status *models.CenterStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[statusKey{status.CenterID, status.ExamID, status.ShiftID}] = *status
	return nil
}

func (s *InMemoryStore) ListStatus(_ context.Context, examID id.ExamID, shiftID id.ShiftID) ([]models.CenterStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.CenterStatus
	for k, st := range s.statuses {
		if k.exam == examID && k.shift == shiftID {
			out = append(out, st)
		}
	}
	return out, nil
}
