// Package requestlimit applies per-client sliding-window budgets to
// endpoint classes.
package requestlimit

import (
	"context"
	"log/slog"
	"time"

	"exambridge/internal/ratelimit/metrics"
	"exambridge/internal/ratelimit/models"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/requestcontext"
)

type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
	Reset(ctx context.Context, key string) error
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Service struct {
	buckets        BucketStore
	limits         map[models.EndpointClass]models.Limit
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
}

type Option func(*Service)

// WithLimit overrides the budget of one class. Non-positive values keep the
// default.
func WithLimit(class models.EndpointClass, limit models.Limit) Option {
	return func(s *Service) {
		if limit.Requests > 0 && limit.Window > 0 {
			s.limits[class] = limit
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

func New(buckets BucketStore, opts ...Option) *Service {
	s := &Service{
		buckets: buckets,
		limits:  models.DefaultLimits(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Check spends one request of identifier's budget for class. Classes with
// no configured budget are denied.
func (s *Service) Check(ctx context.Context, class models.EndpointClass, identifier string) (*models.RateLimitResult, error) {
	limit, ok := s.limits[class]
	if !ok {
		s.logger.ErrorContext(ctx, "no rate limit configured for endpoint class", "class", class)
		return &models.RateLimitResult{
			Allowed:    false,
			ResetAt:    requestcontext.Now(ctx),
			RetryAfter: 60,
		}, nil
	}

	result, err := s.buckets.Allow(ctx, models.BucketKey(class, identifier), limit.Requests, limit.Window)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check rate limit")
	}
	if !result.Allowed {
		s.metrics.IncRejected(string(class))
		s.logger.WarnContext(ctx, "rate limit exceeded",
			"class", class,
			"client_ip", identifier,
			"limit", limit.Requests,
			"window", limit.Window,
		)
		s.emit(ctx, audit.Event{
			Action:  string(audit.EventRateLimited),
			Subject: identifier,
			Reason:  string(class),
		})
	}
	return result, nil
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
