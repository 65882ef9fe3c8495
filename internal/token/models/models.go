package models

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/zeebo/blake3"

	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

// AccessToken is the bounded-use credential binding one center and shift to
// permission to admit candidates. Only the BLAKE3 digest of the token value
// is stored.
type AccessToken struct {
	ID         id.TokenID
	ExamID     id.ExamID
	CenterID   id.CenterID
	ShiftID    id.ShiftID
	Digest     []byte
	ExpiresAt  time.Time
	UsageCount int
	// MaxUsage of zero means unbounded.
	MaxUsage  int
	Version   int
	RevokedAt *time.Time
	CreatedAt time.Time
}

func (t *AccessToken) IsExpired(now time.Time) bool { return now.After(t.ExpiresAt) }

func (t *AccessToken) IsRevoked() bool { return t.RevokedAt != nil }

func (t *AccessToken) IsExhausted() bool {
	return t.MaxUsage > 0 && t.UsageCount >= t.MaxUsage
}

// CanConsume reports why the token cannot admit another candidate, checking
// expiry, then revocation, then the usage bound.
func (t *AccessToken) CanConsume(now time.Time) error {
	switch {
	case t.IsExpired(now):
		return sentinel.ErrExpired
	case t.IsRevoked():
		return sentinel.ErrRevoked
	case t.IsExhausted():
		return sentinel.ErrExhausted
	}
	return nil
}

// ApplyConsume records one admission. Callers must hold exclusive access and
// have checked CanConsume.
func (t *AccessToken) ApplyConsume() {
	t.UsageCount++
}

// ApplyRegenerate swaps the digest and bumps the version.
func (t *AccessToken) ApplyRegenerate(digest []byte) {
	t.Digest = digest
	t.Version++
}

// CenterContext is returned by a successful validation.
type CenterContext struct {
	TokenID    id.TokenID  `json:"token_id"`
	CenterID   id.CenterID `json:"center_id"`
	ExamID     id.ExamID   `json:"exam_id"`
	ShiftID    id.ShiftID  `json:"shift_id"`
	UsageCount int         `json:"usage_count"`
	MaxUsage   int         `json:"max_usage"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

func (t *AccessToken) Context() *CenterContext {
	return &CenterContext{
		TokenID:    t.ID,
		CenterID:   t.CenterID,
		ExamID:     t.ExamID,
		ShiftID:    t.ShiftID,
		UsageCount: t.UsageCount,
		MaxUsage:   t.MaxUsage,
		ExpiresAt:  t.ExpiresAt,
	}
}

// IssueRequest asks for a new token for one (exam, center, shift).
type IssueRequest struct {
	ExamID    id.ExamID   `json:"exam_id"`
	CenterID  id.CenterID `json:"center_id"`
	ShiftID   id.ShiftID  `json:"shift_id"`
	ExpiresAt time.Time   `json:"expires_at"`
	MaxUsage  int         `json:"max_usage"`
}

// IssuedToken carries the cleartext value. It is only ever returned by
// Issue and Regenerate.
type IssuedToken struct {
	TokenID   id.TokenID `json:"token_id"`
	Value     string     `json:"token"`
	Version   int        `json:"version"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// Grant is the digest-only view of a token that the center imports so it can
// validate while offline.
type Grant struct {
	TokenID    id.TokenID  `json:"token_id"`
	ExamID     id.ExamID   `json:"exam_id"`
	CenterID   id.CenterID `json:"center_id"`
	ShiftID    id.ShiftID  `json:"shift_id"`
	Digest     []byte      `json:"digest"`
	ExpiresAt  time.Time   `json:"expires_at"`
	UsageCount int         `json:"usage_count"`
	MaxUsage   int         `json:"max_usage"`
	Version    int         `json:"version"`
}

func (t *AccessToken) Grant() *Grant {
	return &Grant{
		TokenID:    t.ID,
		ExamID:     t.ExamID,
		CenterID:   t.CenterID,
		ShiftID:    t.ShiftID,
		Digest:     append([]byte(nil), t.Digest...),
		ExpiresAt:  t.ExpiresAt,
		UsageCount: t.UsageCount,
		MaxUsage:   t.MaxUsage,
		Version:    t.Version,
	}
}

// Digest hashes a token value for storage and lookup.
func Digest(value string) []byte {
	sum := blake3.Sum256([]byte(value))
	return sum[:]
}

// NewValue generates a fresh 256-bit token value.
func NewValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
