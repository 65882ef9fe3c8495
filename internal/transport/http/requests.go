package httptransport

import (
	"strings"
	"time"

	centermodels "exambridge/internal/center/models"
	"exambridge/internal/compliance"
	pkgmodels "exambridge/internal/offlinepkg/models"
	papermodels "exambridge/internal/paper/models"
	registrymodels "exambridge/internal/registry/models"
	sessionmodels "exambridge/internal/session/models"
	sessionservice "exambridge/internal/session/service"
	tokenmodels "exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
)

// Request bodies. Each implements httputil.Validatable; the services run
// the full domain validation.

type ValidateTokenRequest struct {
	Token string `json:"token"`
}

func (r *ValidateTokenRequest) Validate() error {
	r.Token = strings.TrimSpace(r.Token)
	if r.Token == "" {
		return dErrors.New(dErrors.CodeValidation, "token is required")
	}
	return nil
}

type RegisterCenterRequest struct {
	centermodels.RegisterRequest
}

func (r *RegisterCenterRequest) Validate() error {
	r.Normalize()
	if r.Code == "" || r.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "code and name are required")
	}
	return nil
}

type IssueTokenRequest struct {
	tokenmodels.IssueRequest
}

func (r *IssueTokenRequest) Validate() error {
	if r.ExamID.IsNil() || r.CenterID.IsNil() || r.ShiftID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "exam_id, center_id and shift_id are required")
	}
	return nil
}

type RosterRequest struct {
	Candidates []pkgmodels.Candidate `json:"candidates"`
}

func (r *RosterRequest) Validate() error {
	if len(r.Candidates) == 0 {
		return dErrors.New(dErrors.CodeValidation, "candidates are required")
	}
	return nil
}

type CreatePaperRequest struct {
	papermodels.CreatePaperRequest
}

func (r *CreatePaperRequest) Validate() error {
	if r.ExamID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "exam_id is required")
	}
	if len(r.Questions) == 0 {
		return dErrors.New(dErrors.CodeValidation, "questions are required")
	}
	return nil
}

type ReleaseKeysRequest struct {
	CenterID      id.CenterID `json:"center_id"`
	ShiftStartsAt time.Time   `json:"shift_starts_at"`
}

func (r *ReleaseKeysRequest) Validate() error {
	if r.CenterID.IsNil() {
		return dErrors.New(dErrors.CodeValidation, "center_id is required")
	}
	if r.ShiftStartsAt.IsZero() {
		return dErrors.New(dErrors.CodeValidation, "shift_starts_at is required")
	}
	return nil
}

type LoginRequest struct {
	centermodels.LoginRequest
}

func (r *LoginRequest) Validate() error {
	r.Code = strings.ToUpper(strings.TrimSpace(r.Code))
	if r.Code == "" || r.Password == "" {
		return dErrors.New(dErrors.CodeValidation, "code and password are required")
	}
	return nil
}

type IngestRequest struct {
	registrymodels.IngestRequest
}

func (r *IngestRequest) Validate() error {
	if len(r.Records) > registrymodels.MaxBatch {
		return dErrors.New(dErrors.CodeValidation, "batch is too large")
	}
	return nil
}

type StatusReportRequest struct {
	registrymodels.StatusReport
}

func (r *StatusReportRequest) Validate() error {
	if r.Synced < 0 || r.Unsynced < 0 {
		return dErrors.New(dErrors.CodeValidation, "sync counters cannot be negative")
	}
	return nil
}

// AdmitRequest is the panel's session start. The User-Agent comes from the
// request header, never the body.
type AdmitRequest struct {
	sessionservice.AdmitRequest
}

func (r *AdmitRequest) Validate() error {
	r.Token = strings.TrimSpace(r.Token)
	r.CandidateID = strings.TrimSpace(r.CandidateID)
	r.RollNumber = strings.TrimSpace(r.RollNumber)
	if r.Token == "" || r.CandidateID == "" {
		return dErrors.New(dErrors.CodeValidation, "token and candidate_id are required")
	}
	return nil
}

type ComplianceRequest struct {
	Report compliance.Report `json:"compliance"`
}

func (r *ComplianceRequest) Validate() error { return nil }

type HeartbeatRequest struct {
	SentAt time.Time `json:"sent_at"`
}

func (r *HeartbeatRequest) Validate() error { return nil }

type AnswersRequest struct {
	Answers map[string]string `json:"answers"`
}

func (r *AnswersRequest) Validate() error {
	if len(r.Answers) > 1000 {
		return dErrors.New(dErrors.CodeValidation, "too many answers")
	}
	return nil
}

type EnvironmentRequest struct {
	sessionmodels.EnvironmentEvent
}

func (r *EnvironmentRequest) Validate() error {
	switch r.Kind {
	case sessionmodels.EnvFullscreenExit, sessionmodels.EnvFullscreenEnter,
		sessionmodels.EnvVisibilityLost, sessionmodels.EnvFocusLost:
		return nil
	default:
		return dErrors.New(dErrors.CodeValidation, "unknown environment event kind")
	}
}

type TerminateRequest struct {
	ActorID string `json:"actor_id"`
}

func (r *TerminateRequest) Validate() error {
	r.ActorID = strings.TrimSpace(r.ActorID)
	if r.ActorID == "" {
		return dErrors.New(dErrors.CodeValidation, "actor_id is required")
	}
	return nil
}
