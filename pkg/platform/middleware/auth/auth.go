package auth

import (
	"log/slog"
	"net/http"
	"strings"

	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/httputil"
	request "exambridge/pkg/platform/middleware/request"
	"exambridge/pkg/requestcontext"
)

// CenterValidator validates center bearer tokens.
type CenterValidator interface {
	ValidateToken(tokenString string) (*CenterClaims, error)
}

// CenterClaims are the claims the center API needs from a bearer token.
type CenterClaims struct {
	CenterID   id.CenterID
	CenterCode string
	JTI        string
}

// RequireCenterAuth authenticates an exam center and stores its id in the
// request context.
func RequireCenterAuth(validator CenterValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" {
				logger.WarnContext(ctx, "unauthorized access - missing token",
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "missing or invalid Authorization header"))
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "unauthorized access - invalid token",
					"error", err,
					"request_id", request.GetRequestID(ctx),
				)
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}
			if claims.CenterID.IsNil() {
				httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid or expired token"))
				return
			}

			ctx = requestcontext.WithCenterID(ctx, claims.CenterID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
