// Package lockout guards center admin login against password guessing. A
// center code and client IP pair is locked after repeated failures.
package lockout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"exambridge/internal/ratelimit/metrics"
	"exambridge/internal/ratelimit/models"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/requestcontext"
)

type Store interface {
	Get(ctx context.Context, key string) (*models.LoginLockout, error)
	Save(ctx context.Context, record *models.LoginLockout) error
	Clear(ctx context.Context, key string) error
	CountLocked(ctx context.Context, now time.Time) (int, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Config sets the lockout policy: Attempts failures within Window lock the
// pair for LockDuration.
type Config struct {
	Attempts     int
	Window       time.Duration
	LockDuration time.Duration
}

func DefaultConfig() Config {
	return Config{
		Attempts:     5,
		Window:       15 * time.Minute,
		LockDuration: 15 * time.Minute,
	}
}

type Service struct {
	store          Store
	config         Config
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) {
		if cfg.Attempts > 0 {
			s.config.Attempts = cfg.Attempts
		}
		if cfg.Window > 0 {
			s.config.Window = cfg.Window
		}
		if cfg.LockDuration > 0 {
			s.config.LockDuration = cfg.LockDuration
		}
	}
}

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

func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check returns a RateLimited error while the pair is locked.
func (s *Service) Check(ctx context.Context, code, ip string) error {
	rec, err := s.store.Get(ctx, models.LockoutKey(code, ip))
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load login lockout")
	}
	if rec == nil {
		return nil
	}
	now := requestcontext.Now(ctx)
	if !rec.IsLockedAt(now) {
		return nil
	}
	wait := rec.Remaining(now).Round(time.Second)
	return dErrors.New(dErrors.CodeRateLimited, fmt.Sprintf("too many failed logins; retry in %s", wait))
}

// RecordFailure counts a failed login and locks the pair once the threshold
// is reached inside the window.
func (s *Service) RecordFailure(ctx context.Context, code, ip string) error {
	key := models.LockoutKey(code, ip)
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load login lockout")
	}
	if rec == nil {
		rec = &models.LoginLockout{Key: key}
	}

	now := requestcontext.Now(ctx)
	rec.RecordFailure(now, s.config.Window)
	s.metrics.IncLoginFailures()

	locked := rec.ShouldLock(now, s.config.Attempts)
	if locked {
		rec.Lock(now, s.config.LockDuration)
	}
	if err := s.store.Save(ctx, rec); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save login lockout")
	}
	if locked {
		s.metrics.IncLockouts()
		s.logger.WarnContext(ctx, "center login locked",
			"center_code", code,
			"client_ip", ip,
			"locked_until", rec.LockedUntil,
		)
		s.emit(ctx, audit.Event{
			Action:  string(audit.EventCenterLoginLocked),
			Subject: code,
			Reason:  "too many failed logins from " + ip,
		})
		s.refreshGauge(ctx, now)
	}
	return nil
}

// Clear forgets the failures of a pair after a successful login.
func (s *Service) Clear(ctx context.Context, code, ip string) error {
	if err := s.store.Clear(ctx, models.LockoutKey(code, ip)); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to clear login lockout")
	}
	return nil
}

func (s *Service) refreshGauge(ctx context.Context, now time.Time) {
	n, err := s.store.CountLocked(ctx, now)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to count locked logins", "error", err)
		return
	}
	s.metrics.SetLocked(n)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
