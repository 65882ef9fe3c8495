package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"exambridge/internal/center/models"
	"exambridge/internal/paper/sealed"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/platform/sentinel"
	"exambridge/pkg/requestcontext"
)

const minPasswordLength = 10

type Store interface {
	Create(ctx context.Context, center *models.Center) error
	FindByID(ctx context.Context, centerID id.CenterID) (*models.Center, error)
	FindByCode(ctx context.Context, code string) (*models.Center, error)
	UpdateSyncCounters(ctx context.Context, centerID id.CenterID, synced, unsynced int, at time.Time) error
}

type TokenIssuer interface {
	GenerateCenterToken(centerID id.CenterID, code string, expiresIn time.Duration) (string, time.Time, error)
}

// LoginGuard throttles repeated failed logins per center code and client
// IP.
type LoginGuard interface {
	Check(ctx context.Context, code, ip string) error
	RecordFailure(ctx context.Context, code, ip string) error
	Clear(ctx context.Context, code, ip string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service manages exam centers on the main server.
type Service struct {
	store          Store
	tokens         TokenIssuer
	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	loginGuard     LoginGuard
	tokenTTL       time.Duration
	bcryptCost     int
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

func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

func WithLoginGuard(guard LoginGuard) Option {
	return func(s *Service) {
		s.loginGuard = guard
	}
}

// WithTokenTTL sets the lifetime of center bearer tokens.
func WithTokenTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.tokenTTL = ttl
	}
}

// WithBcryptCost lowers the hashing cost in tests.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.bcryptCost = cost
	}
}

func New(store Store, tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{
		store:      store,
		tokens:     tokens,
		clock:      clock.Real(),
		logger:     slog.Default(),
		tokenTTL:   12 * time.Hour,
		bcryptCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register creates a center. The code is unique across centers.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (*models.Center, error) {
	req.Normalize()
	switch {
	case req.Code == "" || req.Name == "":
		return nil, dErrors.New(dErrors.CodeValidation, "code and name are required")
	case len(req.Password) < minPasswordLength:
		return nil, dErrors.New(dErrors.CodeValidation, "password must be at least 10 characters")
	case req.Seats < 0 || req.Computers < 0:
		return nil, dErrors.New(dErrors.CodeValidation, "seats and computers cannot be negative")
	}
	if err := sealed.ValidateRecipient(req.AgeRecipient); err != nil {
		return nil, dErrors.New(dErrors.CodeValidation, "age_recipient is not a valid X25519 recipient")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.bcryptCost)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
	}
	now := s.clock.Now()
	center := &models.Center{
		ID:           id.CenterID(uuid.New()),
		Code:         req.Code,
		Name:         req.Name,
		Location:     req.Location,
		PasswordHash: hash,
		AgeRecipient: req.AgeRecipient,
		LANAddress:   req.LANAddress,
		LANPort:      req.LANPort,
		Seats:        req.Seats,
		Computers:    req.Computers,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, center); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.New(dErrors.CodeConflict, "center code already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create center")
	}

	s.logger.InfoContext(ctx, "center registered", "center_id", center.ID, "code", center.Code)
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventCenterRegistered),
		CenterID: center.ID,
		Subject:  center.Code,
	})
	return center, nil
}

// Login checks the center admin password and issues a bearer token.
func (s *Service) Login(ctx context.Context, req models.LoginRequest) (*models.LoginResult, error) {
	code := models.RegisterRequest{Code: req.Code}
	code.Normalize()
	ip := requestcontext.ClientIP(ctx)

	if s.loginGuard != nil {
		if err := s.loginGuard.Check(ctx, code.Code, ip); err != nil {
			return nil, err
		}
	}

	center, err := s.store.FindByCode(ctx, code.Code)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load center")
	}
	if center == nil || bcrypt.CompareHashAndPassword(center.PasswordHash, []byte(req.Password)) != nil {
		event := audit.Event{Action: string(audit.EventCenterLoginFailed), Subject: code.Code}
		if center != nil {
			event.CenterID = center.ID
		}
		s.emit(ctx, event)
		if s.loginGuard != nil {
			if err := s.loginGuard.RecordFailure(ctx, code.Code, ip); err != nil {
				s.logger.WarnContext(ctx, "failed to record login failure", "center_code", code.Code, "error", err)
			}
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid center code or password")
	}
	if s.loginGuard != nil {
		if err := s.loginGuard.Clear(ctx, code.Code, ip); err != nil {
			s.logger.WarnContext(ctx, "failed to clear login failures", "center_code", code.Code, "error", err)
		}
	}

	token, expiresAt, err := s.tokens.GenerateCenterToken(center.ID, center.Code, s.tokenTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue center token")
	}
	s.emit(ctx, audit.Event{
		Action:   string(audit.EventCenterLogin),
		CenterID: center.ID,
		Subject:  center.Code,
	})
	return &models.LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		Center:      center,
	}, nil
}

func (s *Service) Get(ctx context.Context, centerID id.CenterID) (*models.Center, error) {
	center, err := s.store.FindByID(ctx, centerID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "center not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load center")
	}
	return center, nil
}

// AgeRecipient returns the public key released paper keys are sealed to.
func (s *Service) AgeRecipient(ctx context.Context, centerID id.CenterID) (string, error) {
	center, err := s.Get(ctx, centerID)
	if err != nil {
		return "", err
	}
	return center.AgeRecipient, nil
}

// UpdateSyncCounters stores the synced and unsynced totals a center reported.
func (s *Service) UpdateSyncCounters(ctx context.Context, centerID id.CenterID, synced, unsynced int, at time.Time) error {
	if synced < 0 || unsynced < 0 {
		return dErrors.New(dErrors.CodeValidation, "sync counters cannot be negative")
	}
	if err := s.store.UpdateSyncCounters(ctx, centerID, synced, unsynced, at); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "center not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to update sync counters")
	}
	return nil
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
