package service

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"exambridge/internal/offlinepkg/bundle"
	"exambridge/internal/offlinepkg/metrics"
	"exambridge/internal/offlinepkg/models"
	papermodels "exambridge/internal/paper/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/platform/sentinel"
)

var tracer = otel.Tracer("exambridge/internal/offlinepkg")

type RosterStore interface {
	ReplaceRoster(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidates []models.Candidate) error
	ListRoster(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]models.Candidate, error)
	FindCandidate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*models.Candidate, error)
}

// PackageStore persists packages. Publish must assign the next version and
// supersede older READY versions atomically.
type PackageStore interface {
	Publish(ctx context.Context, pkg *models.Package) (*models.Package, error)
	Save(ctx context.Context, pkg *models.Package) error
	FindByID(ctx context.Context, packageID id.PackageID) (*models.Package, error)
	Latest(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error)
	IncrementDownloads(ctx context.Context, packageID id.PackageID) (*models.Package, error)
	MarkSynced(ctx context.Context, packageID id.PackageID) error
}

// PaperSource lists the encrypted active papers of an exam.
type PaperSource interface {
	ActivePapers(ctx context.Context, examID id.ExamID) ([]*papermodels.QuestionPaper, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service builds packages on the main server and installs them on the
// center tier. A center-tier service is built without a PaperSource.
type Service struct {
	rosters        RosterStore
	packages       PackageStore
	papers         PaperSource
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics

	mu      sync.Mutex
	decoded map[id.PackageID]*models.Bundle
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

// WithPaperSource enables Generate.
func WithPaperSource(papers PaperSource) Option {
	return func(s *Service) {
		s.papers = papers
	}
}

func New(rosters RosterStore, packages PackageStore, opts ...Option) *Service {
	s := &Service{
		rosters:  rosters,
		packages: packages,
		clock:    clock.Real(),
		logger:   slog.Default(),
		decoded:  make(map[id.PackageID]*models.Bundle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UploadCandidates replaces the roster of a shift and returns its size.
func (s *Service) UploadCandidates(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidates []models.Candidate) (int, error) {
	if examID.IsNil() || shiftID.IsNil() {
		return 0, dErrors.New(dErrors.CodeValidation, "exam_id and shift_id are required")
	}
	if err := models.ValidateRoster(candidates); err != nil {
		return 0, err
	}
	if err := s.rosters.ReplaceRoster(ctx, examID, shiftID, candidates); err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store roster")
	}
	s.logger.InfoContext(ctx, "roster uploaded", "exam_id", examID, "shift_id", shiftID, "candidates", len(candidates))
	return len(candidates), nil
}

// Generate snapshots the roster and the encrypted active papers into a new
// READY package. Nothing is published when any step fails.
func (s *Service) Generate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error) {
	ctx, span := tracer.Start(ctx, "offlinepkg.Generate", trace.WithAttributes(
		attribute.String("exam_id", examID.String()),
		attribute.String("shift_id", shiftID.String()),
	))
	defer span.End()

	pkg, err := s.generate(ctx, examID, shiftID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, dErrors.MessageOf(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("version", pkg.Version), attribute.Int64("size_bytes", pkg.SizeBytes))
	return pkg, nil
}

func (s *Service) generate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error) {
	if s.papers == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "package generation is not available on this tier")
	}
	roster, err := s.rosters.ListRoster(ctx, examID, shiftID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load roster")
	}
	if len(roster) == 0 {
		s.metrics.IncrementGenerateFailure("no_candidates")
		return nil, dErrors.New(dErrors.CodeNoCandidates, "shift has no candidates")
	}
	papers, err := s.papers.ActivePapers(ctx, examID)
	if err != nil {
		return nil, err
	}
	if len(papers) == 0 {
		s.metrics.IncrementGenerateFailure("no_active_paper")
		return nil, dErrors.New(dErrors.CodeNoActivePaper, "exam has no active paper")
	}

	now := s.clock.Now()
	b := &models.Bundle{
		Format:      models.BundleFormat,
		ExamID:      examID,
		ShiftID:     shiftID,
		GeneratedAt: now,
		Candidates:  roster,
		Papers:      make([]papermodels.QuestionPaper, 0, len(papers)),
	}
	for _, p := range papers {
		b.Papers = append(b.Papers, *p)
	}
	data, digest, err := bundle.Encode(b)
	if err != nil {
		s.metrics.IncrementGenerateFailure("encode")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode bundle")
	}

	packageID := id.PackageID(uuid.New())
	pkg, err := s.packages.Publish(ctx, &models.Package{
		ID:         packageID,
		Code:       "PKG-" + strings.ToUpper(packageID.String()[:8]),
		ExamID:     examID,
		ShiftID:    shiftID,
		Status:     models.StatusPending,
		SizeBytes:  int64(len(data)),
		Digest:     digest,
		Bundle:     data,
		SyncStatus: models.SyncStatusNotSynced,
		CreatedAt:  now,
	})
	if err != nil {
		s.metrics.IncrementGenerateFailure("store")
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to publish package")
	}

	s.metrics.ObserveGenerated(pkg.SizeBytes)
	s.logger.InfoContext(ctx, "offline package generated",
		"package_id", pkg.ID,
		"exam_id", examID,
		"shift_id", shiftID,
		"version", pkg.Version,
		"candidates", len(roster),
		"papers", len(papers),
		"size_bytes", pkg.SizeBytes,
	)
	s.emit(ctx, audit.Event{Action: string(audit.EventPackageGenerated), Subject: pkg.ID.String()})
	return pkg, nil
}

// Download returns a package and counts the download. Superseded packages
// stay downloadable.
func (s *Service) Download(ctx context.Context, packageID id.PackageID) (*models.Package, error) {
	pkg, err := s.packages.IncrementDownloads(ctx, packageID)
	if err != nil {
		return nil, wrapPackageErr(err, "failed to download package")
	}
	s.metrics.IncrementDownloads()
	s.emit(ctx, audit.Event{Action: string(audit.EventPackageDownloaded), Subject: pkg.ID.String()})
	return pkg, nil
}

// DownloadLatest downloads the newest READY package of a shift.
func (s *Service) DownloadLatest(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error) {
	latest, err := s.Latest(ctx, examID, shiftID)
	if err != nil {
		return nil, err
	}
	return s.Download(ctx, latest.ID)
}

func (s *Service) Latest(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Package, error) {
	pkg, err := s.packages.Latest(ctx, examID, shiftID)
	if err != nil {
		return nil, wrapPackageErr(err, "failed to load package")
	}
	return pkg, nil
}

func (s *Service) MarkSynced(ctx context.Context, packageID id.PackageID) error {
	if err := s.packages.MarkSynced(ctx, packageID); err != nil {
		return wrapPackageErr(err, "failed to mark package synced")
	}
	return nil
}

// MarkShiftSynced marks the current package of a shift synced.
func (s *Service) MarkShiftSynced(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) error {
	pkg, err := s.Latest(ctx, examID, shiftID)
	if err != nil {
		return err
	}
	return s.MarkSynced(ctx, pkg.ID)
}

// DecodeBundle verifies the package digest and decodes its bundle.
func DecodeBundle(pkg *models.Package) (*models.Bundle, error) {
	b, err := bundle.Decode(pkg.Bundle, pkg.Digest)
	if err != nil {
		if errors.Is(err, bundle.ErrDigestMismatch) {
			return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation, "package digest does not match its bundle")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "package bundle is malformed")
	}
	if b.ExamID != pkg.ExamID || b.ShiftID != pkg.ShiftID {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "bundle belongs to another exam shift")
	}
	return b, nil
}

// Install verifies a downloaded package and makes it the center's roster
// and paper source.
func (s *Service) Install(ctx context.Context, pkg *models.Package) (*models.Bundle, error) {
	b, err := DecodeBundle(pkg)
	if err != nil {
		return nil, err
	}
	if err := s.rosters.ReplaceRoster(ctx, pkg.ExamID, pkg.ShiftID, b.Candidates); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to install roster")
	}
	installed := *pkg
	installed.Status = models.StatusReady
	if err := s.packages.Save(ctx, &installed); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to install package")
	}

	s.mu.Lock()
	s.decoded[pkg.ID] = b
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "offline package installed",
		"package_id", pkg.ID,
		"version", pkg.Version,
		"candidates", len(b.Candidates),
		"papers", len(b.Papers),
	)
	return b, nil
}

// Installed returns the newest installed bundle of a shift.
func (s *Service) Installed(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*models.Bundle, id.PackageID, error) {
	pkg, err := s.packages.Latest(ctx, examID, shiftID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, id.PackageID{}, dErrors.New(dErrors.CodeNotFound, "no package installed for this shift")
		}
		return nil, id.PackageID{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load installed package")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.decoded[pkg.ID]; ok {
		return b, pkg.ID, nil
	}
	b, err := DecodeBundle(pkg)
	if err != nil {
		return nil, id.PackageID{}, err
	}
	s.decoded[pkg.ID] = b
	return b, pkg.ID, nil
}

// FindCandidate looks a candidate up in the shift roster.
func (s *Service) FindCandidate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*models.Candidate, error) {
	c, err := s.rosters.FindCandidate(ctx, examID, shiftID, candidateID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeCandidateNotInRoster, "candidate is not on the roster for this shift")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to look up candidate")
	}
	return c, nil
}

// AssignPaper picks the candidate's paper from the installed bundle. The
// choice depends only on the candidate id and the bundle, so it is stable
// across restarts.
func (s *Service) AssignPaper(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*papermodels.QuestionPaper, id.PackageID, error) {
	b, packageID, err := s.Installed(ctx, examID, shiftID)
	if err != nil {
		return nil, id.PackageID{}, err
	}
	if len(b.Papers) == 0 {
		return nil, id.PackageID{}, dErrors.New(dErrors.CodeNoActivePaper, "installed package has no paper")
	}
	sum := blake3.Sum256([]byte(candidateID))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(b.Papers))
	p := b.Papers[idx]
	return &p, packageID, nil
}

// PaperByID returns a paper from the installed bundle.
func (s *Service) PaperByID(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, paperID id.PaperID) (*papermodels.QuestionPaper, error) {
	b, _, err := s.Installed(ctx, examID, shiftID)
	if err != nil {
		return nil, err
	}
	for _, p := range b.Papers {
		if p.ID == paperID {
			return &p, nil
		}
	}
	return nil, dErrors.New(dErrors.CodeNotFound, "paper is not in the installed package")
}

func wrapPackageErr(err error, msg string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "package not found")
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
