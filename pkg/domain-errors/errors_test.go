package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodes(t *testing.T) {
	t.Run("HasCode sees through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("validate: %w", New(CodeTokenExpired, "token expired"))
		assert.True(t, HasCode(err, CodeTokenExpired))
		assert.False(t, HasCode(err, CodeTokenInvalid))
	})

	t.Run("Wrap keeps the cause reachable", func(t *testing.T) {
		cause := errors.New("connection reset")
		err := Wrap(cause, CodeRegistryUnavailable, "registry unreachable")
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, CodeRegistryUnavailable, CodeOf(err))
	})

	t.Run("Wrap of nil is nil", func(t *testing.T) {
		assert.NoError(t, Wrap(nil, CodeInternal, "nothing"))
	})

	t.Run("internal messages are not exposed", func(t *testing.T) {
		err := Wrap(errors.New("pq: relation missing"), CodeInternal, "failed to load")
		assert.Equal(t, "internal error", MessageOf(err))
		assert.Equal(t, "internal error", MessageOf(errors.New("raw")))
	})
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeTokenInvalid:     http.StatusUnauthorized,
		CodeUsageExceeded:    http.StatusTooManyRequests,
		CodeRateLimited:      http.StatusTooManyRequests,
		CodeComplianceFailed: http.StatusForbidden,
		CodeSessionNotFound:  http.StatusNotFound,
		CodeSessionTerminal:  http.StatusConflict,
		CodeNoCandidates:     http.StatusUnprocessableEntity,
		CodeInternal:         http.StatusInternalServerError,
	}
	for code, status := range cases {
		assert.Equal(t, status, ToHTTPStatus(code), string(code))
	}
}
