package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exambridge/internal/ratelimit/models"
	"exambridge/pkg/platform/httputil"
	"exambridge/pkg/requestcontext"
)

type stubLimiter struct {
	result *models.RateLimitResult
	err    error
	seen   string
}

func (l *stubLimiter) Check(_ context.Context, _ models.EndpointClass, identifier string) (*models.RateLimitResult, error) {
	l.seen = identifier
	return l.result, l.err
}

func serve(t *testing.T, m *Middleware) *httptest.ResponseRecorder {
	t.Helper()
	h := m.RateLimit(models.ClassAdmit)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	req := httptest.NewRequest(http.MethodPost, "/panel/v1/sessions", nil)
	req = req.WithContext(requestcontext.WithClientMetadata(req.Context(), "10.1.2.3", "SEB/3.7"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reset := time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)

	t.Run("allowed requests carry headers", func(t *testing.T) {
		limiter := &stubLimiter{result: &models.RateLimitResult{Allowed: true, Limit: 30, Remaining: 29, ResetAt: reset}}
		rec := serve(t, New(limiter, logger))
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "10.1.2.3", limiter.seen)
		assert.Equal(t, "30", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "29", rec.Header().Get("X-RateLimit-Remaining"))
		assert.Equal(t, "1772355660", rec.Header().Get("X-RateLimit-Reset"))
	})

	t.Run("denied requests get 429 and Retry-After", func(t *testing.T) {
		limiter := &stubLimiter{result: &models.RateLimitResult{Allowed: false, Limit: 30, ResetAt: reset, RetryAfter: 12}}
		rec := serve(t, New(limiter, logger))
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "12", rec.Header().Get("Retry-After"))
		var body httputil.ErrorResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "rate_limited", body.Error)
	})

	t.Run("limiter failure fails open", func(t *testing.T) {
		limiter := &stubLimiter{err: errors.New("store down")}
		rec := serve(t, New(limiter, logger))
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("disabled skips the limiter", func(t *testing.T) {
		limiter := &stubLimiter{result: &models.RateLimitResult{Allowed: false}}
		rec := serve(t, New(limiter, logger, WithDisabled(true)))
		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Empty(t, limiter.seen)
	})
}
