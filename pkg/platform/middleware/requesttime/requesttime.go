// Package requesttime pins a single "now" per request so every timestamp a
// handler writes agrees.
package requesttime

import (
	"net/http"

	"exambridge/pkg/platform/clock"
	"exambridge/pkg/requestcontext"
)

// Middleware stores c.Now() in the request context.
func Middleware(c clock.Clock) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := requestcontext.WithTime(r.Context(), c.Now())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
