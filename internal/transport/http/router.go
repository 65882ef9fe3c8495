// Package httptransport is the thin HTTP layer of both tiers. Handlers
// decode, delegate to a service and encode; no business rule lives here.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"exambridge/internal/platform/metrics"
	"exambridge/pkg/platform/httputil"
	request "exambridge/pkg/platform/middleware/request"
)

// Registrar mounts a handler's routes.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter builds a chi router with the shared middleware chain, the ops
// endpoints and every registrar's routes.
func NewRouter(logger *slog.Logger, m *metrics.Metrics, registrars ...Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(request.Default(logger, m)...)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	for _, reg := range registrars {
		reg.Register(r)
	}
	return r
}
