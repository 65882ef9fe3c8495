package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"exambridge/internal/paper/crypto"
	"exambridge/internal/paper/keyvault"
	"exambridge/internal/paper/metrics"
	"exambridge/internal/paper/models"
	"exambridge/internal/paper/sealed"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/platform/codec"
	"exambridge/pkg/platform/sentinel"
)

type PaperStore interface {
	Create(ctx context.Context, paper *models.QuestionPaper) error
	FindByID(ctx context.Context, paperID id.PaperID) (*models.QuestionPaper, error)
	ListActive(ctx context.Context, examID id.ExamID) ([]*models.QuestionPaper, error)
	SetActive(ctx context.Context, paperID id.PaperID, active bool) error
}

// KeyStore holds wrapped paper keys. It must not share a record with the
// paper ciphertext.
type KeyStore interface {
	Put(ctx context.Context, key *models.WrappedKey) error
	Get(ctx context.Context, keyRef string) (*models.WrappedKey, error)
}

// ReleaseStore holds sealed releases for a bounded time.
type ReleaseStore interface {
	Put(ctx context.Context, release *models.KeyRelease, ttl time.Duration) error
	Get(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.KeyRelease, error)
}

// CenterDirectory resolves the age recipient a center registered with.
type CenterDirectory interface {
	AgeRecipient(ctx context.Context, centerID id.CenterID) (string, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Transactor runs fn so that every store write inside it commits together.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Service encrypts papers centrally and releases their keys to centers
// shortly before a shift starts.
type Service struct {
	papers         PaperStore
	keys           KeyStore
	releases       ReleaseStore
	wrapper        keyvault.KeyWrapper
	centers        CenterDirectory
	tx             Transactor
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	releaseTTL     time.Duration
	releaseWindow  time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) {
		s.auditPublisher = publisher
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

func WithTransactor(t Transactor) Option {
	return func(s *Service) {
		s.tx = t
	}
}

// WithRelease sets how long a sealed release stays fetchable and how long
// before shift start keys may be released.
func WithRelease(ttl, window time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.releaseTTL = ttl
		}
		if window > 0 {
			s.releaseWindow = window
		}
	}
}

func New(papers PaperStore, keys KeyStore, releases ReleaseStore, wrapper keyvault.KeyWrapper, centers CenterDirectory, opts ...Option) *Service {
	s := &Service{
		papers:        papers,
		keys:          keys,
		releases:      releases,
		wrapper:       wrapper,
		centers:       centers,
		tx:            noTx{},
		clock:         clock.Real(),
		logger:        slog.Default(),
		releaseTTL:    2 * time.Hour,
		releaseWindow: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePaper encrypts the questions under a fresh key, stores the
// ciphertext and stores the wrapped key under a separate reference.
func (s *Service) CreatePaper(ctx context.Context, req models.CreatePaperRequest) (*models.QuestionPaper, error) {
	if err := validateCreate(&req); err != nil {
		return nil, err
	}

	plain, err := codec.Marshal(req.Questions)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode questions")
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate paper key")
	}

	paperID := id.PaperID(uuid.New())
	ciphertext, err := crypto.Encrypt(plain, key, paperID.String())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encrypt paper")
	}
	wrapped, err := s.wrapper.Wrap(ctx, paperID, key)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to wrap paper key", "paper_id", paperID, "wrapper", s.wrapper.Name(), "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to wrap paper key")
	}

	now := s.clock.Now()
	paper := &models.QuestionPaper{
		ID:              paperID,
		ExamID:          req.ExamID,
		Code:            req.Code,
		Version:         req.Version,
		Language:        req.Language,
		Active:          true,
		Ciphertext:      ciphertext,
		KeyRef:          "pk_" + uuid.NewString(),
		DurationMinutes: req.DurationMinutes,
		CreatedAt:       now,
	}
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.keys.Put(ctx, &models.WrappedKey{
			KeyRef:    paper.KeyRef,
			PaperID:   paper.ID,
			Wrapped:   wrapped,
			Wrapper:   s.wrapper.Name(),
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return s.papers.Create(ctx, paper)
	})
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "a paper with this code, version and language already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store paper")
	}

	s.metrics.IncrementPapersCreated()
	s.emit(ctx, audit.Event{Action: string(audit.EventPaperCreated), Subject: paper.ID.String()})
	return paper, nil
}

func validateCreate(req *models.CreatePaperRequest) error {
	req.Code = strings.TrimSpace(req.Code)
	req.Language = strings.TrimSpace(req.Language)
	if req.Language == "" {
		req.Language = "en"
	}
	if req.Version == 0 {
		req.Version = 1
	}
	switch {
	case req.ExamID.IsNil():
		return dErrors.New(dErrors.CodeValidation, "exam_id is required")
	case req.Code == "":
		return dErrors.New(dErrors.CodeValidation, "code is required")
	case req.Version < 0:
		return dErrors.New(dErrors.CodeValidation, "version must be positive")
	case req.DurationMinutes <= 0:
		return dErrors.New(dErrors.CodeValidation, "duration_minutes must be positive")
	case len(req.Questions) == 0:
		return dErrors.New(dErrors.CodeValidation, "a paper needs at least one question")
	}
	seen := make(map[string]struct{}, len(req.Questions))
	for _, q := range req.Questions {
		if q.ID == "" {
			return dErrors.New(dErrors.CodeValidation, "every question needs an id")
		}
		if _, dup := seen[q.ID]; dup {
			return dErrors.New(dErrors.CodeValidation, "duplicate question id "+q.ID)
		}
		seen[q.ID] = struct{}{}
	}
	return nil
}

// ActivePapers returns the encrypted active papers of an exam.
func (s *Service) ActivePapers(ctx context.Context, examID id.ExamID) ([]*models.QuestionPaper, error) {
	papers, err := s.papers.ListActive(ctx, examID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list papers")
	}
	return papers, nil
}

// Deactivate withdraws a paper from future packages and releases.
func (s *Service) Deactivate(ctx context.Context, paperID id.PaperID) error {
	if err := s.papers.SetActive(ctx, paperID, false); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "paper not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to deactivate paper")
	}
	return nil
}

// Release unwraps the keys of the exam's active papers and seals them to
// the center's recipient. It is refused earlier than the release window
// before the shift starts.
func (s *Service) Release(ctx context.Context, req models.ReleaseRequest) (*models.KeyRelease, error) {
	if req.ExamID.IsNil() || req.ShiftID.IsNil() || req.CenterID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "exam_id, shift_id and center_id are required")
	}
	if req.ShiftStartsAt.IsZero() {
		return nil, dErrors.New(dErrors.CodeValidation, "shift_starts_at is required")
	}
	now := s.clock.Now()
	if opensAt := req.ShiftStartsAt.Add(-s.releaseWindow); now.Before(opensAt) {
		s.metrics.IncrementRelease("too_early")
		return nil, dErrors.New(dErrors.CodeForbidden, "keys cannot be released before "+opensAt.UTC().Format(time.RFC3339))
	}

	recipient, err := s.centers.AgeRecipient(ctx, req.CenterID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) || dErrors.HasCode(err, dErrors.CodeNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "center not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve center")
	}

	papers, err := s.papers.ListActive(ctx, req.ExamID)
	if err != nil {
		s.metrics.IncrementRelease("error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list papers")
	}
	if len(papers) == 0 {
		s.metrics.IncrementRelease("no_papers")
		return nil, dErrors.New(dErrors.CodeNoActivePaper, "exam has no active paper")
	}

	released := make([]models.ReleasedKey, 0, len(papers))
	for _, p := range papers {
		key, err := s.unwrap(ctx, p)
		if err != nil {
			s.metrics.IncrementRelease("error")
			return nil, err
		}
		released = append(released, models.ReleasedKey{PaperID: p.ID, Key: key})
	}
	blob, err := sealed.Seal(released, recipient)
	if err != nil {
		s.metrics.IncrementRelease("error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to seal keys")
	}

	release := &models.KeyRelease{
		ExamID:     req.ExamID,
		ShiftID:    req.ShiftID,
		CenterID:   req.CenterID,
		Sealed:     blob,
		PaperCount: len(released),
		ReleasedAt: now,
		ExpiresAt:  now.Add(s.releaseTTL),
	}
	if err := s.releases.Put(ctx, release, s.releaseTTL); err != nil {
		s.metrics.IncrementRelease("error")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store key release")
	}

	s.metrics.IncrementRelease("released")
	s.logger.InfoContext(ctx, "paper keys released",
		"exam_id", req.ExamID,
		"shift_id", req.ShiftID,
		"center_id", req.CenterID,
		"papers", len(released),
	)
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventKeysReleased),
		CenterID: req.CenterID,
		Subject:  req.ExamID.String() + "/" + req.ShiftID.String(),
	})
	return release, nil
}

func (s *Service) unwrap(ctx context.Context, p *models.QuestionPaper) ([]byte, error) {
	wk, err := s.keys.Get(ctx, p.KeyRef)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeInvariantViolation, "paper "+p.ID.String()+" has no key")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load paper key")
	}
	if wk.PaperID != p.ID {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "key reference belongs to another paper")
	}
	key, err := s.wrapper.Unwrap(ctx, p.ID, wk.Wrapped)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to unwrap paper key", "paper_id", p.ID, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to unwrap paper key")
	}
	return key, nil
}

// FetchRelease returns the sealed release for a center. After the TTL it is
// NotFound and the center must ask for a new release.
func (s *Service) FetchRelease(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.KeyRelease, error) {
	release, err := s.releases.Get(ctx, examID, shiftID, centerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no key release for this center and shift")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load key release")
	}
	return release, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
