package models

import (
	"time"

	id "exambridge/pkg/domain"
)

// MaxBatch bounds the records accepted in one ingest call.
const MaxBatch = 500

// ResultRecord is one submitted session as the main server stores it. The
// session id is the idempotency key.
type ResultRecord struct {
	SessionID   id.SessionID      `json:"session_id"`
	CenterID    id.CenterID       `json:"center_id"`
	ExamID      id.ExamID         `json:"exam_id"`
	ShiftID     id.ShiftID        `json:"shift_id"`
	CandidateID string            `json:"candidate_id"`
	RollNumber  string            `json:"roll_number"`
	Answers     map[string]string `json:"answers,omitempty"`
	Status      string            `json:"status"`
	SubmittedAt time.Time         `json:"submitted_at"`
	ReceivedAt  time.Time         `json:"received_at"`
}

type AckStatus string

const (
	AckAccepted  AckStatus = "accepted"
	AckDuplicate AckStatus = "duplicate"
	AckRejected  AckStatus = "rejected"
)

// Ack is the per-record outcome of an ingest. Accepted and duplicate both
// mean the registry holds the record.
type Ack struct {
	SessionID id.SessionID `json:"session_id"`
	Status    AckStatus    `json:"status"`
	Reason    string       `json:"reason,omitempty"`
}

func (a Ack) Stored() bool {
	return a.Status == AckAccepted || a.Status == AckDuplicate
}

type IngestRequest struct {
	Records []ResultRecord `json:"records"`
}

type IngestResponse struct {
	Acks []Ack `json:"acks"`
}

// StatusReport is what a center sends after a sync pass.
type StatusReport struct {
	ExamID   id.ExamID  `json:"exam_id"`
	ShiftID  id.ShiftID `json:"shift_id"`
	Synced   int        `json:"synced"`
	Unsynced int        `json:"unsynced"`
}

// CenterStatus is the latest report one center sent for a shift.
type CenterStatus struct {
	CenterID   id.CenterID
	ExamID     id.ExamID
	ShiftID    id.ShiftID
	Synced     int
	Unsynced   int
	ReportedAt time.Time
}

// Drained reports whether the center has sent results and holds none back.
func (c CenterStatus) Drained() bool {
	return c.Synced > 0 && c.Unsynced == 0
}
