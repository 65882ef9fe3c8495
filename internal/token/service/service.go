package service

//go:generate mockgen -source=service.go -destination=mocks/mocks.go -package=mocks Store,AuditPublisher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"exambridge/internal/token/metrics"
	"exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/platform/sentinel"
)

// Store persists access tokens. ConsumeIfValid and ReplaceDigest must each be
// a single atomic operation in the backing store.
type Store interface {
	Create(ctx context.Context, token *models.AccessToken) error
	FindByID(ctx context.Context, tokenID id.TokenID) (*models.AccessToken, error)
	FindByScope(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.AccessToken, error)
	CentersForShift(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]id.CenterID, error)
	ConsumeIfValid(ctx context.Context, digest []byte, now time.Time) (*models.AccessToken, error)
	ReplaceDigest(ctx context.Context, tokenID id.TokenID, digest []byte) (*models.AccessToken, error)
	RevokeExpired(ctx context.Context, now time.Time) ([]*models.AccessToken, error)
	Upsert(ctx context.Context, token *models.AccessToken) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service validates, issues and regenerates access tokens. The same service
// runs on the main server (authoritative) and on the center tier against an
// imported grant.
type Service struct {
	store          Store
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	defaultTTL     time.Duration
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

// WithDefaultTTL sets the lifetime used when an issue request has no expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.defaultTTL = ttl
	}
}

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:      store,
		clock:      clock.Real(),
		logger:     slog.Default(),
		defaultTTL: 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate admits one use of the token. Checks run in order: existence,
// expiry, revocation, usage bound. The usage increment is part of the same
// store operation as the checks.
func (s *Service) Validate(ctx context.Context, value string) (*models.CenterContext, error) {
	start := time.Now()
	defer s.metrics.ObserveValidate(start)

	if value == "" {
		s.metrics.IncrementValidation("invalid")
		return nil, dErrors.New(dErrors.CodeTokenInvalid, "access token is required")
	}

	token, err := s.store.ConsumeIfValid(ctx, models.Digest(value), s.clock.Now())
	if err != nil {
		return nil, s.rejection(ctx, token, err)
	}
	s.metrics.IncrementValidation("ok")
	return token.Context(), nil
}

func (s *Service) rejection(ctx context.Context, token *models.AccessToken, err error) error {
	var (
		code    dErrors.Code
		msg     string
		outcome string
	)
	switch {
	case errors.Is(err, sentinel.ErrNotFound), errors.Is(err, sentinel.ErrRevoked):
		code, msg, outcome = dErrors.CodeTokenInvalid, "access token is not valid", "invalid"
	case errors.Is(err, sentinel.ErrExpired):
		code, msg, outcome = dErrors.CodeTokenExpired, "access token has expired", "expired"
	case errors.Is(err, sentinel.ErrExhausted):
		code, msg, outcome = dErrors.CodeUsageExceeded, "access token usage limit reached", "exhausted"
	default:
		s.logger.ErrorContext(ctx, "failed to validate access token", "error", err)
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to validate access token")
	}
	s.metrics.IncrementValidation(outcome)

	event := audit.Event{Action: string(audit.EventTokenRejected), Reason: outcome}
	if token != nil {
		event.CenterID = token.CenterID
		event.Subject = token.ID.String()
	}
	s.emit(ctx, event)
	return dErrors.New(code, msg)
}

// Issue creates a token for one (exam, center, shift) and returns its value.
// The value is not recoverable afterwards.
func (s *Service) Issue(ctx context.Context, req models.IssueRequest) (*models.IssuedToken, error) {
	if req.ExamID.IsNil() || req.CenterID.IsNil() || req.ShiftID.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "exam_id, center_id and shift_id are required")
	}
	if req.MaxUsage < 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "max_usage cannot be negative")
	}
	now := s.clock.Now()
	expiresAt := req.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(s.defaultTTL)
	}
	if !expiresAt.After(now) {
		return nil, dErrors.New(dErrors.CodeValidation, "expires_at must be in the future")
	}

	value, err := models.NewValue()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate token")
	}
	token := &models.AccessToken{
		ID:        id.TokenID(uuid.New()),
		ExamID:    req.ExamID,
		CenterID:  req.CenterID,
		ShiftID:   req.ShiftID,
		Digest:    models.Digest(value),
		ExpiresAt: expiresAt,
		MaxUsage:  req.MaxUsage,
		Version:   1,
		CreatedAt: now,
	}
	if err := s.store.Create(ctx, token); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "token already exists")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store token")
	}

	s.emit(ctx, audit.Event{
		Action:   string(audit.EventTokenIssued),
		CenterID: token.CenterID,
		Subject:  token.ID.String(),
	})
	return &models.IssuedToken{TokenID: token.ID, Value: value, Version: token.Version, ExpiresAt: token.ExpiresAt}, nil
}

// Regenerate replaces the token value. The old value stops validating in the
// same store operation that installs the new one.
func (s *Service) Regenerate(ctx context.Context, tokenID id.TokenID) (*models.IssuedToken, error) {
	value, err := models.NewValue()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to generate token")
	}
	token, err := s.store.ReplaceDigest(ctx, tokenID, models.Digest(value))
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "token not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to regenerate token")
	}

	s.logger.InfoContext(ctx, "access token regenerated",
		"token_id", token.ID,
		"center_id", token.CenterID,
		"version", token.Version,
	)
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventTokenRegenerated),
		CenterID: token.CenterID,
		Subject:  token.ID.String(),
	})
	return &models.IssuedToken{TokenID: token.ID, Value: value, Version: token.Version, ExpiresAt: token.ExpiresAt}, nil
}

// Grant returns the digest-only token record a center imports for offline
// validation.
func (s *Service) Grant(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*models.Grant, error) {
	token, err := s.store.FindByScope(ctx, examID, shiftID, centerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "no token issued for this center and shift")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load token")
	}
	return token.Grant(), nil
}

// CentersForShift lists every center a token was ever issued to for the
// shift. Revoked tokens still count: the center ran the shift.
func (s *Service) CentersForShift(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) ([]id.CenterID, error) {
	centers, err := s.store.CentersForShift(ctx, examID, shiftID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list centers for shift")
	}
	return centers, nil
}

// Import installs or refreshes a grant on the center tier.
func (s *Service) Import(ctx context.Context, grant *models.Grant) error {
	if grant == nil || grant.TokenID.IsNil() || len(grant.Digest) == 0 {
		return dErrors.New(dErrors.CodeValidation, "grant is incomplete")
	}
	err := s.store.Upsert(ctx, &models.AccessToken{
		ID:         grant.TokenID,
		ExamID:     grant.ExamID,
		CenterID:   grant.CenterID,
		ShiftID:    grant.ShiftID,
		Digest:     grant.Digest,
		ExpiresAt:  grant.ExpiresAt,
		UsageCount: grant.UsageCount,
		MaxUsage:   grant.MaxUsage,
		Version:    grant.Version,
		CreatedAt:  s.clock.Now(),
	})
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to import token grant")
	}
	return nil
}

// SweepExpired revokes every token past its expiry and returns how many.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	revoked, err := s.store.RevokeExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, t := range revoked {
		s.emit(ctx, audit.Event{
			Action:   string(audit.EventTokenExpired),
			CenterID: t.CenterID,
			Subject:  t.ID.String(),
		})
	}
	if len(revoked) > 0 {
		s.logger.InfoContext(ctx, "expired access tokens revoked", "count", len(revoked))
	}
	s.metrics.AddExpired(len(revoked))
	return len(revoked), nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
