package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"exambridge/internal/registry/metrics"
	"exambridge/internal/registry/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
)

type Store interface {
	Insert(ctx context.Context, record *models.ResultRecord) (bool, error)
	Count(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (int, error)
	SaveStatus(ctx context.Context, status *models.CenterStatus) error
	ListStatus(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]models.CenterStatus, error)
}

// CenterCounters records the totals each center reports.
type CenterCounters interface {
	UpdateSyncCounters(ctx context.Context, centerID id.CenterID, synced, unsynced int, at time.Time) error
}

// PackageSync flags a shift's package once every center running it has
// nothing left to send.
type PackageSync interface {
	MarkShiftSynced(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) error
}

// ShiftGrants names the centers that were issued a token for a shift.
type ShiftGrants interface {
	CentersForShift(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]id.CenterID, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Transactor runs fn so that every insert inside it commits together.
type Transactor interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type noTx struct{}

func (noTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Service is the receiving side of center sync.
type Service struct {
	store          Store
	centers        CenterCounters
	packages       PackageSync
	grants         ShiftGrants
	tx             Transactor
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
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

func New(store Store, centers CenterCounters, packages PackageSync, grants ShiftGrants, opts ...Option) *Service {
	s := &Service{
		store:    store,
		centers:  centers,
		packages: packages,
		grants:   grants,
		tx:       noTx{},
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest stores a batch of results for centerID. A record already held is
// acknowledged as a duplicate; a record naming another center, or missing
// its identifiers, is rejected. Either the whole batch is stored or none of
// it is.
func (s *Service) Ingest(ctx context.Context, centerID id.CenterID, records []models.ResultRecord) ([]models.Ack, error) {
	if len(records) > models.MaxBatch {
		return nil, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("batch exceeds %d records", models.MaxBatch))
	}
	s.metrics.ObserveBatch(len(records))

	now := s.clock.Now()
	acks := make([]models.Ack, len(records))
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		for i := range records {
			r := records[i]
			acks[i] = models.Ack{SessionID: r.SessionID}
			if reason := rejectReason(centerID, &r); reason != "" {
				acks[i].Status, acks[i].Reason = models.AckRejected, reason
				continue
			}
			r.ReceivedAt = now
			inserted, err := s.store.Insert(ctx, &r)
			if err != nil {
				return err
			}
			acks[i].Status = models.AckDuplicate
			if inserted {
				acks[i].Status = models.AckAccepted
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to ingest results", "center_id", centerID, "records", len(records), "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store results")
	}

	var accepted, duplicate, rejected int
	for _, a := range acks {
		s.metrics.IncrementRecord(string(a.Status))
		switch a.Status {
		case models.AckAccepted:
			accepted++
		case models.AckDuplicate:
			duplicate++
		default:
			rejected++
		}
	}
	s.logger.InfoContext(ctx, "results ingested",
		"center_id", centerID,
		"accepted", accepted,
		"duplicate", duplicate,
		"rejected", rejected,
	)
	if accepted > 0 {
		s.emit(ctx, audit.Event{
			Action:   string(audit.EventResultsIngested),
			CenterID: centerID,
			Reason:   fmt.Sprintf("accepted=%d duplicate=%d", accepted, duplicate),
		})
	}
	return acks, nil
}

func rejectReason(centerID id.CenterID, r *models.ResultRecord) string {
	switch {
	case r.SessionID.IsNil():
		return "session_id is required"
	case r.CenterID != centerID:
		return "record belongs to another center"
	case r.ExamID.IsNil() || r.ShiftID.IsNil() || r.CandidateID == "":
		return "exam_id, shift_id and candidate_id are required"
	}
	return ""
}

// ReportStatus stores a center's sync counters for a shift it holds a
// grant for. The shift's package is marked SYNCED once every granted center
// has sent results and reported nothing left unsynced.
func (s *Service) ReportStatus(ctx context.Context, centerID id.CenterID, report models.StatusReport) error {
	if report.Synced < 0 || report.Unsynced < 0 {
		return dErrors.New(dErrors.CodeValidation, "sync counters cannot be negative")
	}
	if report.ExamID.IsNil() || report.ShiftID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "exam_id and shift_id are required")
	}
	granted, err := s.grants.CentersForShift(ctx, report.ExamID, report.ShiftID)
	if err != nil {
		return err
	}
	if !slices.Contains(granted, centerID) {
		s.logger.WarnContext(ctx, "sync status for a shift without grant", "center_id", centerID, "shift_id", report.ShiftID)
		return dErrors.New(dErrors.CodeForbidden, "center holds no grant for this shift")
	}

	now := s.clock.Now()
	if err := s.centers.UpdateSyncCounters(ctx, centerID, report.Synced, report.Unsynced, now); err != nil {
		return err
	}
	status := models.CenterStatus{
		CenterID:   centerID,
		ExamID:     report.ExamID,
		ShiftID:    report.ShiftID,
		Synced:     report.Synced,
		Unsynced:   report.Unsynced,
		ReportedAt: now,
	}
	if err := s.store.SaveStatus(ctx, &status); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to store sync status")
	}
	if status.Drained() {
		if err := s.closeShift(ctx, report.ExamID, report.ShiftID, granted); err != nil {
			return err
		}
	}
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventCenterSynced),
		CenterID: centerID,
		Reason:   fmt.Sprintf("synced=%d unsynced=%d", report.Synced, report.Unsynced),
	})
	return nil
}

// closeShift marks the shift's package SYNCED when every granted center is
// drained. A shift without a package is left alone.
func (s *Service) closeShift(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, granted []id.CenterID) error {
	statuses, err := s.store.ListStatus(ctx, examID, shiftID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load sync status")
	}
	drained := make(map[id.CenterID]bool, len(statuses))
	for _, st := range statuses {
		drained[st.CenterID] = st.Drained()
	}
	for _, centerID := range granted {
		if !drained[centerID] {
			return nil
		}
	}
	if err := s.packages.MarkShiftSynced(ctx, examID, shiftID); err != nil && !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return err
	}
	s.logger.InfoContext(ctx, "shift package synced", "exam_id", examID, "shift_id", shiftID, "centers", len(granted))
	return nil
}

// Count returns how many results the registry holds for a shift.
func (s *Service) Count(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (int, error) {
	n, err := s.store.Count(ctx, examID, shiftID)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to count results")
	}
	return n, nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
