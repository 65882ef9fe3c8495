package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	id "exambridge/pkg/domain"
	"exambridge/pkg/requestcontext"
)

type validatorFunc func(string) (*CenterClaims, error)

func (f validatorFunc) ValidateToken(token string) (*CenterClaims, error) { return f(token) }

func TestRequireCenterAuth(t *testing.T) {
	centerID := id.CenterID(uuid.New())
	validator := validatorFunc(func(token string) (*CenterClaims, error) {
		switch token {
		case "good":
			return &CenterClaims{CenterID: centerID, CenterCode: "DEL-01"}, nil
		case "nil-center":
			return &CenterClaims{}, nil
		default:
			return nil, errors.New("bad signature")
		}
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var seen id.CenterID
	h := RequireCenterAuth(validator, logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestcontext.CenterID(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header string
		status int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic good", http.StatusUnauthorized},
		{"invalid token", "Bearer forged", http.StatusUnauthorized},
		{"claims without center", "Bearer nil-center", http.StatusUnauthorized},
		{"valid", "Bearer good", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = id.CenterID{}
			r := httptest.NewRequest(http.MethodGet, "/center/v1/results", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusNoContent {
				assert.Equal(t, centerID, seen)
			} else {
				assert.True(t, seen.IsNil())
				assert.Contains(t, w.Body.String(), `"error":"unauthorized"`)
			}
		})
	}
}
