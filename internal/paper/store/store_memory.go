package store

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"exambridge/internal/paper/models"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

// InMemoryPaperStore keeps encrypted papers in memory.
type InMemoryPaperStore struct {
	mu     sync.RWMutex
	papers map[id.PaperID]*models.QuestionPaper
}

func NewInMemoryPaperStore() *InMemoryPaperStore {
	return &InMemoryPaperStore{papers: make(map[id.PaperID]*models.QuestionPaper)}
}

func (s *InMemoryPaperStore) Create(_ context.Context, paper *models.QuestionPaper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.papers[paper.ID]; ok {
		return sentinel.ErrConflict
	}
	for _, p := range s.papers {
		if p.ExamID == paper.ExamID && p.Code == paper.Code && p.Version == paper.Version && p.Language == paper.Language {
			return sentinel.ErrConflict
		}
	}
	s.papers[paper.ID] = clonePaper(paper)
	return nil
}

func (s *InMemoryPaperStore) FindByID(_ context.Context, paperID id.PaperID) (*models.QuestionPaper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.papers[paperID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return clonePaper(p), nil
}

// ListActive returns the active papers of an exam ordered by code, version
// and language.
func (s *InMemoryPaperStore) ListActive(_ context.Context, examID id.ExamID) ([]*models.QuestionPaper, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.QuestionPaper
	for _, p := range s.papers {
		if p.ExamID == examID && p.Active {
			out = append(out, clonePaper(p))
		}
	}
	slices.SortFunc(out, comparePapers)
	return out, nil
}

func (s *InMemoryPaperStore) SetActive(_ context.Context, paperID id.PaperID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.papers[paperID]
	if !ok {
		return sentinel.ErrNotFound
	}
	p.Active = active
	return nil
}

// InMemoryKeyStore keeps wrapped paper keys, separate from the papers.
type InMemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*models.WrappedKey
}

func NewInMemoryKeyStore() *InMemoryKeyStore {
	return &InMemoryKeyStore{keys: make(map[string]*models.WrappedKey)}
}

func (s *InMemoryKeyStore) Put(_ context.Context, key *models.WrappedKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.KeyRef]; ok {
		return sentinel.ErrConflict
	}
	c := *key
	c.Wrapped = append([]byte(nil), key.Wrapped...)
	s.keys[key.KeyRef] = &c
	return nil
}

func (s *InMemoryKeyStore) Get(_ context.Context, keyRef string) (*models.WrappedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[keyRef]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	c := *k
	c.Wrapped = append([]byte(nil), k.Wrapped...)
	return &c, nil
}

func clonePaper(p *models.QuestionPaper) *models.QuestionPaper {
	c := *p
	c.Ciphertext = append([]byte(nil), p.Ciphertext...)
	return &c
}

func comparePapers(a, b *models.QuestionPaper) int {
	return cmp.Or(
		strings.Compare(a.Code, b.Code),
		cmp.Compare(a.Version, b.Version),
		strings.Compare(a.Language, b.Language),
	)
}
