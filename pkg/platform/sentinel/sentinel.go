package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into coded domain errors.
//
//   - ErrNotFound: record does not exist
//   - ErrExpired: token, release or deadline has passed
//   - ErrExhausted: a bounded counter has reached its limit
//   - ErrRevoked: credential was replaced or withdrawn
//   - ErrInvalidState: record is in the wrong state for the requested change
//   - ErrConflict: uniqueness constraint violated
//   - ErrUnavailable: dependency temporarily unreachable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrExpired      = errors.New("expired")
	ErrExhausted    = errors.New("exhausted")
	ErrRevoked      = errors.New("revoked")
	ErrInvalidState = errors.New("invalid state")
	ErrUnavailable  = errors.New("unavailable")
)
