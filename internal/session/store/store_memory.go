package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"exambridge/internal/session/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

// InMemoryStore keeps sessions in memory. Update refuses to touch terminal
// sessions and MarkSynced only flips the flag from false to true.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[id.SessionID]*models.Session
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[id.SessionID]*models.Session)}
}

// Create inserts a session. A candidate may hold only one live session per
// exam shift.
func (s *InMemoryStore) Create(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return sentinel.ErrConflict
	}
	for _, existing := range s.sessions {
		if existing.Status.IsLive() &&
			existing.ExamID == session.ExamID &&
			existing.ShiftID == session.ShiftID &&
			existing.CandidateID == session.CandidateID {
			return sentinel.ErrConflict
		}
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, sessionID id.SessionID) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return session.Clone(), nil
}

// Update writes the lifecycle fields of a live session. The sync flag is
// not written here.
func (s *InMemoryStore) Update(_ context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[session.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if existing.Status.IsTerminal() {
		return sentinel.ErrInvalidState
	}
	updated := session.Clone()
	updated.SyncedToMain = existing.SyncedToMain
	updated.SyncedAt = existing.SyncedAt
	s.sessions[session.ID] = updated
	return nil
}

func (s *InMemoryStore) ListByStatus(_ context.Context, status models.Status) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if session.Status == status {
			out = append(out, session.Clone())
		}
	}
	sortByCreated(out)
	return out, nil
}

// ListUnsynced returns up to limit SUBMITTED sessions of a center that the
// registry has not acknowledged, oldest first.
func (s *InMemoryStore) ListUnsynced(_ context.Context, centerID id.CenterID, limit int) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Session
	for _, session := range s.sessions {
		if session.CenterID == centerID && session.Status == models.StatusSubmitted && !session.SyncedToMain {
			out = append(out, session.Clone())
		}
	}
	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkSynced sets SyncedToMain on a SUBMITTED session that is not yet
// synced. It reports whether this call made the change.
func (s *InMemoryStore) MarkSynced(_ context.Context, sessionID id.SessionID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return false, sentinel.ErrNotFound
	}
	if session.Status != models.StatusSubmitted || session.SyncedToMain {
		return false, nil
	}
	session.SyncedToMain = true
	session.SyncedAt = &at
	return true, nil
}

func (s *InMemoryStore) CountSync(_ context.Context, centerID id.CenterID) (models.SyncCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts models.SyncCounts
	for _, session := range s.sessions {
		if session.CenterID != centerID || session.Status != models.StatusSubmitted {
			continue
		}
		if session.SyncedToMain {
			counts.Synced++
		} else {
			counts.Unsynced++
		}
	}
	return counts, nil
}

func sortByCreated(sessions []*models.Session) {
	slices.SortFunc(sessions, func(a, b *models.Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
}
