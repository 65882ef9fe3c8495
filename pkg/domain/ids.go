// Package domain holds the typed identifiers shared by every tier.
//
// Each identifier wraps a UUID so the compiler refuses to mix a center id
// with a session id. Parse functions are the trust boundary: they reject
// empty, malformed and nil UUIDs with CodeInvalidInput.
package domain

import (
	"github.com/google/uuid"

	dErrors "exambridge/pkg/domain-errors"
)

type (
	CenterID  uuid.UUID
	ExamID    uuid.UUID
	ShiftID   uuid.UUID
	SessionID uuid.UUID
	TokenID   uuid.UUID
	PaperID   uuid.UUID
	PackageID uuid.UUID
)

func parseUUID(kind, s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" is required")
	}
	if len(s) > 64 {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "invalid "+kind)
	}
	if parsed == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, kind+" cannot be nil")
	}
	return parsed, nil
}

func ParseCenterID(s string) (CenterID, error) {
	u, err := parseUUID("center id", s)
	return CenterID(u), err
}

func ParseExamID(s string) (ExamID, error) {
	u, err := parseUUID("exam id", s)
	return ExamID(u), err
}

func ParseShiftID(s string) (ShiftID, error) {
	u, err := parseUUID("shift id", s)
	return ShiftID(u), err
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := parseUUID("session id", s)
	return SessionID(u), err
}

func ParseTokenID(s string) (TokenID, error) {
	u, err := parseUUID("token id", s)
	return TokenID(u), err
}

func ParsePaperID(s string) (PaperID, error) {
	u, err := parseUUID("paper id", s)
	return PaperID(u), err
}

func ParsePackageID(s string) (PackageID, error) {
	u, err := parseUUID("package id", s)
	return PackageID(u), err
}

func (id CenterID) String() string { return uuid.UUID(id).String() }
func (id CenterID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id CenterID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *CenterID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id ExamID) String() string { return uuid.UUID(id).String() }
func (id ExamID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ExamID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *ExamID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id ShiftID) String() string { return uuid.UUID(id).String() }
func (id ShiftID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id ShiftID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *ShiftID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id SessionID) String() string { return uuid.UUID(id).String() }
func (id SessionID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id SessionID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *SessionID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id TokenID) String() string { return uuid.UUID(id).String() }
func (id TokenID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id TokenID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *TokenID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id PaperID) String() string { return uuid.UUID(id).String() }
func (id PaperID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id PaperID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *PaperID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}

func (id PackageID) String() string { return uuid.UUID(id).String() }
func (id PackageID) IsNil() bool    { return uuid.UUID(id) == uuid.Nil }
func (id PackageID) MarshalText() ([]byte, error) {
	return uuid.UUID(id).MarshalText()
}
func (id *PackageID) UnmarshalText(b []byte) error {
	return (*uuid.UUID)(id).UnmarshalText(b)
}
