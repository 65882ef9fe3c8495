// Package domainerrors defines coded errors that services return to callers.
//
// Stores speak in sentinel facts (pkg/platform/sentinel); services translate
// those facts into a Code that transports map onto a status and a stable
// machine-readable error string.
package domainerrors

import (
	"errors"
	"net/http"
)

// Code is the stable, client-visible error identifier.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_error"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvariantViolation Code = "invariant_violation"
	CodeUnavailable        Code = "unavailable"
	CodeRateLimited        Code = "rate_limited"
	CodeInternal           Code = "internal_error"

	// Admission errors. Recoverable by the candidate.
	CodeTokenInvalid         Code = "token_invalid"
	CodeTokenExpired         Code = "token_expired"
	CodeUsageExceeded        Code = "usage_exceeded"
	CodeComplianceFailed     Code = "compliance_failed"
	CodeCandidateNotInRoster Code = "candidate_not_in_roster"

	// Lifecycle errors. The client is stale.
	CodeSessionNotFound Code = "session_not_found"
	CodeSessionTerminal Code = "session_terminal"

	// Package generation preconditions.
	CodeNoCandidates  Code = "no_candidates"
	CodeNoActivePaper Code = "no_active_paper"

	// Crypto errors. Fatal to the attempt.
	CodeDecryptionFailed Code = "decryption_failed"
	CodeKeyNotReleased   Code = "key_not_released"

	// Sync errors. Operational only.
	CodeRegistryUnavailable Code = "registry_unavailable"
)

// Error carries a Code, a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a coded error without a cause.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost coded error in the chain has code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}

// Is is an alias for HasCode kept for handler readability.
func Is(err error, code Code) bool { return HasCode(err, code) }

// MessageOf returns the message of the outermost coded error, falling back
// to a generic message so internal causes never reach clients.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		if de.Code == CodeInternal {
			return "internal error"
		}
		return de.Message
	}
	return "internal error"
}

// ToHTTPStatus maps a code onto a response status.
func ToHTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInvalidInput, CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthorized, CodeTokenInvalid, CodeTokenExpired:
		return http.StatusUnauthorized
	case CodeForbidden, CodeComplianceFailed, CodeCandidateNotInRoster:
		return http.StatusForbidden
	case CodeNotFound, CodeSessionNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeSessionTerminal:
		return http.StatusConflict
	case CodeUsageExceeded, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeNoCandidates, CodeNoActivePaper, CodeInvariantViolation, CodeKeyNotReleased:
		return http.StatusUnprocessableEntity
	case CodeDecryptionFailed:
		return http.StatusUnprocessableEntity
	case CodeUnavailable, CodeRegistryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
