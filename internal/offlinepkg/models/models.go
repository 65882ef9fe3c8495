package models

import (
	"strings"
	"time"

	papermodels "exambridge/internal/paper/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
)

// Candidate is one roster entry for an exam shift.
type Candidate struct {
	ExamID      id.ExamID  `json:"exam_id" cbor:"exam_id"`
	ShiftID     id.ShiftID `json:"shift_id" cbor:"shift_id"`
	CandidateID string     `json:"candidate_id" cbor:"candidate_id"`
	RollNumber  string     `json:"roll_number" cbor:"roll_number"`
	Name        string     `json:"name" cbor:"name"`
}

// ValidateRoster trims and checks a roster upload. Candidate ids must be
// unique within the upload.
func ValidateRoster(candidates []Candidate) error {
	if len(candidates) == 0 {
		return dErrors.New(dErrors.CodeValidation, "roster is empty")
	}
	seen := make(map[string]struct{}, len(candidates))
	for i := range candidates {
		c := &candidates[i]
		c.CandidateID = strings.TrimSpace(c.CandidateID)
		c.RollNumber = strings.TrimSpace(c.RollNumber)
		c.Name = strings.TrimSpace(c.Name)
		if c.CandidateID == "" || c.RollNumber == "" {
			return dErrors.New(dErrors.CodeValidation, "every candidate needs candidate_id and roll_number")
		}
		if _, dup := seen[c.CandidateID]; dup {
			return dErrors.New(dErrors.CodeValidation, "duplicate candidate_id "+c.CandidateID)
		}
		seen[c.CandidateID] = struct{}{}
	}
	return nil
}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusReady      Status = "READY"
	StatusSuperseded Status = "SUPERSEDED"
)

type SyncStatus string

const (
	SyncStatusNotSynced SyncStatus = "NOT_SYNCED"
	SyncStatusSynced    SyncStatus = "SYNCED"
)

// Package is a versioned, immutable offline bundle for one exam shift.
// Only Status (READY to SUPERSEDED), DownloadCount and SyncStatus change
// after publication.
type Package struct {
	ID            id.PackageID `json:"id"`
	Code          string       `json:"code"`
	ExamID        id.ExamID    `json:"exam_id"`
	ShiftID       id.ShiftID   `json:"shift_id"`
	Version       int          `json:"version"`
	Status        Status       `json:"status"`
	SizeBytes     int64        `json:"size_bytes"`
	Digest        []byte       `json:"digest"`
	Bundle        []byte       `json:"bundle,omitempty"`
	DownloadCount int          `json:"download_count"`
	SyncStatus    SyncStatus   `json:"sync_status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// BundleFormat is bumped whenever Bundle changes incompatibly.
const BundleFormat = 1

// Bundle is the decoded content of a package: the roster snapshot and the
// encrypted papers. Keys are never part of a bundle.
type Bundle struct {
	Format      int                         `cbor:"format"`
	ExamID      id.ExamID                   `cbor:"exam_id"`
	ShiftID     id.ShiftID                  `cbor:"shift_id"`
	GeneratedAt time.Time                   `cbor:"generated_at"`
	Candidates  []Candidate                 `cbor:"candidates"`
	Papers      []papermodels.QuestionPaper `cbor:"papers"`
}
