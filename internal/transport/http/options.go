package httptransport

import (
	"net/http"

	ratelimitmodels "exambridge/internal/ratelimit/models"
)

// RateLimiter builds per-class limiting middleware.
type RateLimiter interface {
	RateLimit(class ratelimitmodels.EndpointClass) func(http.Handler) http.Handler
}

// Option configures either handler.
type Option func(*routeOptions)

type routeOptions struct {
	limiter RateLimiter
}

// WithRateLimiter limits the unauthenticated routes: token validation and
// center login on the main server, admission on the center LAN.
func WithRateLimiter(l RateLimiter) Option {
	return func(o *routeOptions) {
		o.limiter = l
	}
}

func newRouteOptions(opts []Option) routeOptions {
	var o routeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o routeOptions) limit(class ratelimitmodels.EndpointClass) func(http.Handler) http.Handler {
	if o.limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return o.limiter.RateLimit(class)
}
