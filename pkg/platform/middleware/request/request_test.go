package request

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exambridge/pkg/requestcontext"
)

func newRouter(h http.HandlerFunc) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := chi.NewRouter()
	r.Use(Default(logger, nil)...)
	r.Get("/ping", h)
	return r
}

func TestRequestIDIsPropagated(t *testing.T) {
	var fromCtx string
	router := newRouter(func(w http.ResponseWriter, r *http.Request) {
		fromCtx = requestcontext.RequestID(r.Context())
		assert.False(t, requestcontext.Now(r.Context()).IsZero())
		w.WriteHeader(http.StatusOK)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.NotEmpty(t, fromCtx)
	assert.Equal(t, fromCtx, w.Header().Get(HeaderRequestID))

	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.Header.Set(HeaderRequestID, "upstream-42")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, "upstream-42", fromCtx)
}

func TestRecoveryReturns500(t *testing.T) {
	router := newRouter(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal_error"}`, w.Body.String())
}

func TestClientMetadataFromRemoteAddr(t *testing.T) {
	var ip, ua string
	router := newRouter(func(w http.ResponseWriter, r *http.Request) {
		ip = requestcontext.ClientIP(r.Context())
		ua = requestcontext.UserAgent(r.Context())
	})
	r := httptest.NewRequest(http.MethodGet, "/ping", nil)
	r.RemoteAddr = "10.0.4.17:51234"
	r.Header.Set("User-Agent", "SEB/3.7")
	router.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "10.0.4.17", ip)
	assert.Equal(t, "SEB/3.7", ua)
}
