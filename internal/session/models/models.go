package models

import (
	"maps"
	"time"

	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/sentinel"
)

type Status string

const (
	StatusWaiting    Status = "WAITING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSubmitted  Status = "SUBMITTED"
	StatusTerminated Status = "TERMINATED"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSubmitted || s == StatusTerminated
}

func (s Status) IsLive() bool {
	return s == StatusWaiting || s == StatusInProgress
}

type TerminationReason string

const (
	ReasonNone                 TerminationReason = ""
	ReasonHeartbeatTimeout     TerminationReason = "HEARTBEAT_TIMEOUT"
	ReasonAdminAction          TerminationReason = "ADMIN_ACTION"
	ReasonEnvironmentViolation TerminationReason = "ENVIRONMENT_VIOLATION"
	ReasonClientEnded          TerminationReason = "CLIENT_ENDED"
	ReasonDurationElapsed      TerminationReason = "DURATION_ELAPSED"
)

// Session is one candidate's exam attempt at a center. Once SUBMITTED or
// TERMINATED only SyncedToMain and SyncedAt may change.
type Session struct {
	ID                id.SessionID      `json:"id"`
	CandidateID       string            `json:"candidate_id"`
	RollNumber        string            `json:"roll_number"`
	AccessTokenID     id.TokenID        `json:"access_token_id"`
	CenterID          id.CenterID       `json:"center_id"`
	ExamID            id.ExamID         `json:"exam_id"`
	ShiftID           id.ShiftID        `json:"shift_id"`
	PackageID         id.PackageID      `json:"package_id"`
	PaperID           id.PaperID        `json:"paper_id"`
	Status            Status            `json:"status"`
	TerminationReason TerminationReason `json:"termination_reason,omitempty"`
	Answers           map[string]string `json:"answers,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	EndsAt            *time.Time        `json:"ends_at,omitempty"`
	EndedAt           *time.Time        `json:"ended_at,omitempty"`
	LastHeartbeatAt   *time.Time        `json:"last_heartbeat_at,omitempty"`
	// LastHeartbeatSentAt is the terminal's own timestamp of the last
	// accepted heartbeat. It orders heartbeats only; liveness is measured
	// by LastHeartbeatAt on the center clock.
	LastHeartbeatSentAt *time.Time `json:"last_heartbeat_sent_at,omitempty"`
	SyncedToMain      bool              `json:"synced_to_main"`
	SyncedAt          *time.Time        `json:"synced_at,omitempty"`
}

// Begin moves a WAITING session to IN_PROGRESS.
func (s *Session) Begin(now time.Time, paperID id.PaperID, duration time.Duration) error {
	if s.Status != StatusWaiting {
		return sentinel.ErrInvalidState
	}
	endsAt := now.Add(duration)
	s.Status = StatusInProgress
	s.PaperID = paperID
	s.StartedAt = &now
	s.EndsAt = &endsAt
	s.LastHeartbeatAt = &now
	return nil
}

// Submit moves an IN_PROGRESS session to SUBMITTED. A nil answers map
// keeps the answers saved so far.
func (s *Session) Submit(now time.Time, answers map[string]string) error {
	if s.Status != StatusInProgress {
		return sentinel.ErrInvalidState
	}
	if answers != nil {
		s.Answers = maps.Clone(answers)
	}
	s.Status = StatusSubmitted
	s.EndedAt = &now
	return nil
}

// Terminate ends a live session with a reason.
func (s *Session) Terminate(now time.Time, reason TerminationReason) error {
	if !s.Status.IsLive() {
		return sentinel.ErrInvalidState
	}
	s.Status = StatusTerminated
	s.TerminationReason = reason
	s.EndedAt = &now
	return nil
}

// RecordHeartbeat applies a heartbeat the terminal stamped sentAt and the
// center received at receivedAt. A sentAt not after the last accepted one is
// stale and reported as false. A zero sentAt carries no ordering and always
// counts as liveness.
func (s *Session) RecordHeartbeat(sentAt, receivedAt time.Time) bool {
	if !sentAt.IsZero() {
		if s.LastHeartbeatSentAt != nil && !sentAt.After(*s.LastHeartbeatSentAt) {
			return false
		}
		s.LastHeartbeatSentAt = &sentAt
	}
	s.LastHeartbeatAt = &receivedAt
	return true
}

// SaveAnswers replaces the in-progress answers.
func (s *Session) SaveAnswers(answers map[string]string) error {
	if s.Status != StatusInProgress {
		return sentinel.ErrInvalidState
	}
	s.Answers = maps.Clone(answers)
	return nil
}

// HeartbeatExpired reports whether the session has been silent for at
// least grace.
func (s *Session) HeartbeatExpired(now time.Time, grace time.Duration) bool {
	last := s.LastHeartbeatAt
	if last == nil {
		last = s.StartedAt
	}
	if last == nil {
		return false
	}
	return !now.Before(last.Add(grace))
}

// DurationElapsed reports whether the exam time is over.
func (s *Session) DurationElapsed(now time.Time) bool {
	return s.EndsAt != nil && !now.Before(*s.EndsAt)
}

func (s *Session) Clone() *Session {
	c := *s
	c.Answers = maps.Clone(s.Answers)
	for _, p := range []**time.Time{&c.StartedAt, &c.EndsAt, &c.EndedAt, &c.LastHeartbeatAt, &c.LastHeartbeatSentAt, &c.SyncedAt} {
		if *p != nil {
			t := **p
			*p = &t
		}
	}
	return &c
}

// EnvironmentEvent is a runtime signal from the student panel.
type EnvironmentEvent struct {
	Kind EnvironmentKind `json:"kind"`
	At   time.Time       `json:"at"`
}

type EnvironmentKind string

const (
	EnvFullscreenExit  EnvironmentKind = "fullscreen_exit"
	EnvFullscreenEnter EnvironmentKind = "fullscreen_enter"
	EnvVisibilityLost  EnvironmentKind = "visibility_lost"
	EnvFocusLost       EnvironmentKind = "focus_lost"
)

// SyncCounts are the per-center totals of submitted sessions.
type SyncCounts struct {
	Synced   int `json:"synced"`
	Unsynced int `json:"unsynced"`
}
