package store

import (
	"bytes"
	"context"
	"sync"
	"time"

	"exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

// InMemoryStore keeps tokens in a map guarded by one mutex. Every check and
// its mutation happen under the same lock acquisition.
type InMemoryStore struct {
	mu     sync.RWMutex
	tokens map[id.TokenID]*models.AccessToken
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{tokens: make(map[id.TokenID]*models.AccessToken)}
}

func (s *InMemoryStore) Create(_ context.Context, token *models.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[token.ID]; ok {
		return sentinel.ErrConflict
	}
	if s.findByDigestLocked(token.Digest) != nil {
		return sentinel.ErrConflict
	}
	s.tokens[token.ID] = clone(token)
	return nil
}

func (s *InMemoryStore) FindByID(_ context.Context, tokenID id.TokenID) (*models.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clone(t), nil
}

func (s *InMemoryStore) FindByScope(_ context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest *models.AccessToken
	for _, t := range s.tokens {
		if t.ExamID != examID || t.ShiftID != shiftID || t.CenterID != centerID || t.IsRevoked() {
			continue
		}
		if newest == nil || t.CreatedAt.After(newest.CreatedAt) {
			newest = t
		}
	}
	if newest == nil {
		return nil, sentinel.ErrNotFound
	}
	return clone(newest), nil
}

func (s *InMemoryStore) CentersForShift(_ context.Context, examID id.ExamID, shiftID id.ShiftID) ([]id.CenterID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[id.CenterID]struct{})
	var centers []id.CenterID
	for _, t := range s.tokens {
		if t.ExamID != examID || t.ShiftID != shiftID {
			continue
		}
		if _, ok := seen[t.CenterID]; ok {
			continue
		}
		seen[t.CenterID] = struct{}{}
		centers = append(centers, t.CenterID)
	}
	return centers, nil
}

// ConsumeIfValid checks and increments the usage count in one step.
func (s *InMemoryStore) ConsumeIfValid(_ context.Context, digest []byte, now time.Time) (*models.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.findByDigestLocked(digest)
	if t == nil {
		return nil, sentinel.ErrNotFound
	}
	if err := t.CanConsume(now); err != nil {
		return clone(t), err
	}
	t.ApplyConsume()
	return clone(t), nil
}

// ReplaceDigest regenerates a token. The old digest stops matching before
// the lock is released.
func (s *InMemoryStore) ReplaceDigest(_ context.Context, tokenID id.TokenID, digest []byte) (*models.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	t.ApplyRegenerate(digest)
	return clone(t), nil
}

func (s *InMemoryStore) RevokeExpired(_ context.Context, now time.Time) ([]*models.AccessToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var revoked []*models.AccessToken
	for _, t := range s.tokens {
		if t.IsRevoked() || !t.IsExpired(now) {
			continue
		}
		at := now
		t.RevokedAt = &at
		revoked = append(revoked, clone(t))
	}
	return revoked, nil
}

// Upsert imports a grant. A newer version replaces the digest; the usage
// count never moves backwards.
func (s *InMemoryStore) Upsert(_ context.Context, token *models.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tokens[token.ID]
	if !ok {
		s.tokens[token.ID] = clone(token)
		return nil
	}
	if token.Version >= existing.Version {
		existing.Digest = append([]byte(nil), token.Digest...)
		existing.Version = token.Version
		existing.ExpiresAt = token.ExpiresAt
		existing.MaxUsage = token.MaxUsage
	}
	existing.UsageCount = max(existing.UsageCount, token.UsageCount)
	return nil
}

func (s *InMemoryStore) findByDigestLocked(digest []byte) *models.AccessToken {
	for _, t := range s.tokens {
		if bytes.Equal(t.Digest, digest) {
			return t
		}
	}
	return nil
}

func clone(t *models.AccessToken) *models.AccessToken {
	c := *t
	c.Digest = append([]byte(nil), t.Digest...)
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	return &c
}
