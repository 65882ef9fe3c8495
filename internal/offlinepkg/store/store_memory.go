package store

import (
	"context"
	"sync"

	"exambridge/internal/offlinepkg/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

type shiftKey struct {
	exam  id.ExamID
	shift id.ShiftID
}

// InMemoryRosterStore keeps one roster per exam shift.
type InMemoryRosterStore struct {
	mu      sync.RWMutex
	rosters map[shiftKey][]models.Candidate
}

func NewInMemoryRosterStore() *InMemoryRosterStore {
	return &InMemoryRosterStore{rosters: make(map[shiftKey][]models.Candidate)}
}

func (s *InMemoryRosterStore) ReplaceRoster(_ context.Context, examID id.ExamID, shiftID id.ShiftID, candidates []models.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := make([]models.Candidate, len(candidates))
	for i, c := range candidates {
		c.ExamID, c.ShiftID = examID, shiftID
		roster[i] = c
	}
	s.rosters[shiftKey{examID, shiftID}] = roster
	return nil
}

func (s *InMemoryRosterStore) ListRoster(_ context.Context, examID id.ExamID, shiftID id.ShiftID) ([]models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Candidate(nil), s.rosters[shiftKey{examID, shiftID}]...), nil
}

func (s *InMemoryRosterStore) FindCandidate(_ context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*models.Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.rosters[shiftKey{examID, shiftID}] {
		if c.CandidateID == candidateID {
			return &c, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// InMemoryPackageStore keeps packages in memory. Publish assigns the next
// version and supersedes older READY versions under one lock.
type InMemoryPackageStore struct {
	mu       sync.RWMutex
	packages map[id.PackageID]*models.Package
}

func NewInMemoryPackageStore() *InMemoryPackageStore {
	return &InMemoryPackageStore{packages: make(map[id.PackageID]*models.Package)}
}

func (s *InMemoryPackageStore) Publish(_ context.Context, pkg *models.Package) (*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.packages[pkg.ID]; ok {
		return nil, sentinel.ErrConflict
	}
	next := 1
	for _, p := range s.packages {
		if p.ExamID == pkg.ExamID && p.ShiftID == pkg.ShiftID && p.Version >= next {
			next = p.Version + 1
		}
	}
	for _, p := range s.packages {
		if p.ExamID == pkg.ExamID && p.ShiftID == pkg.ShiftID && p.Status == models.StatusReady {
			p.Status = models.StatusSuperseded
		}
	}
	stored := clonePackage(pkg)
	stored.Version = next
	stored.Status = models.StatusReady
	if stored.SyncStatus == "" {
		stored.SyncStatus = models.SyncStatusNotSynced
	}
	s.packages[stored.ID] = stored
	return clonePackage(stored), nil
}

// Save upserts a package received from the main server.
func (s *InMemoryPackageStore) Save(_ context.Context, pkg *models.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[pkg.ID] = clonePackage(pkg)
	return nil
}

func (s *InMemoryPackageStore) FindByID(_ context.Context, packageID id.PackageID) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.packages[packageID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePackage(p), nil
}

// Latest returns the highest READY version for the shift.
func (s *InMemoryPackageStore) Latest(_ context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Package
	for _, p := range s.packages {
		if p.ExamID != examID || p.ShiftID != shiftID || p.Status != models.StatusReady {
			continue
		}
		if latest == nil || p.Version > latest.Version {
			latest = p
		}
	}
	if latest == nil {
		return nil, sentinel.ErrNotFound
	}
	return clonePackage(latest), nil
}

func (s *InMemoryPackageStore) IncrementDownloads(_ context.Context, packageID id.PackageID) (*models.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	p.DownloadCount++
	return clonePackage(p), nil
}

func (s *InMemoryPackageStore) MarkSynced(_ context.Context, packageID id.PackageID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[packageID]
	if !ok {
		return sentinel.ErrNotFound
	}
	p.SyncStatus = models.SyncStatusSynced
	return nil
}

func clonePackage(p *models.Package) *models.Package {
	c := *p
	c.Digest = append([]byte(nil), p.Digest...)
	c.Bundle = append([]byte(nil), p.Bundle...)
	return &c
}
