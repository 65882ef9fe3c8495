package models

import (
	"time"

	id "exambridge/pkg/domain"
)

// Question is one item of a paper. Questions only exist in plaintext inside
// the service that encrypts them and the opener that decrypts them.
type Question struct {
	ID      string   `json:"id" cbor:"id"`
	Prompt  string   `json:"prompt" cbor:"prompt"`
	Options []string `json:"options,omitempty" cbor:"options,omitempty"`
	Marks   int      `json:"marks" cbor:"marks"`
}

// QuestionPaper is the encrypted form of a paper. The key that opens
// Ciphertext is held in the key vault under KeyRef, never alongside it.
type QuestionPaper struct {
	ID              id.PaperID `json:"id" cbor:"id"`
	ExamID          id.ExamID  `json:"exam_id" cbor:"exam_id"`
	Code            string     `json:"code" cbor:"code"`
	Version         int        `json:"version" cbor:"version"`
	Language        string     `json:"language" cbor:"language"`
	Active          bool       `json:"active" cbor:"active"`
	Ciphertext      []byte     `json:"-" cbor:"ciphertext"`
	KeyRef          string     `json:"-" cbor:"-"`
	DurationMinutes int        `json:"duration_minutes" cbor:"duration_minutes"`
	CreatedAt       time.Time  `json:"created_at" cbor:"created_at"`
}

func (p *QuestionPaper) Duration() time.Duration {
	return time.Duration(p.DurationMinutes) * time.Minute
}

type CreatePaperRequest struct {
	ExamID          id.ExamID  `json:"exam_id"`
	Code            string     `json:"code"`
	Version         int        `json:"version"`
	Language        string     `json:"language"`
	DurationMinutes int        `json:"duration_minutes"`
	Questions       []Question `json:"questions"`
}

// WrappedKey is a paper key encrypted by a KeyWrapper.
type WrappedKey struct {
	KeyRef    string
	PaperID   id.PaperID
	Wrapped   []byte
	Wrapper   string
	CreatedAt time.Time
}

// ReleasedKey is one plaintext paper key inside a sealed release.
type ReleasedKey struct {
	PaperID id.PaperID `cbor:"paper_id"`
	Key     []byte     `cbor:"key"`
}

// KeyRelease carries the keys for one exam shift, sealed to one center's
// age recipient. It expires shortly after release.
type KeyRelease struct {
	ExamID     id.ExamID   `json:"exam_id"`
	ShiftID    id.ShiftID  `json:"shift_id"`
	CenterID   id.CenterID `json:"center_id"`
	Sealed     []byte      `json:"sealed"`
	PaperCount int         `json:"paper_count"`
	ReleasedAt time.Time   `json:"released_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

type ReleaseRequest struct {
	ExamID        id.ExamID   `json:"exam_id"`
	ShiftID       id.ShiftID  `json:"shift_id"`
	CenterID      id.CenterID `json:"center_id"`
	ShiftStartsAt time.Time   `json:"shift_starts_at"`
}
