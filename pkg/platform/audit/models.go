package audit

import (
	"context"
	"time"

	id "exambridge/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose.
type EventCategory string

const (
	// CategoryCompliance covers exam-integrity events with regulatory
	// significance: admissions, submissions, key releases.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers rejected credentials, environment violations
	// and invigilator terminations.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine activity such as package downloads
	// and sync runs.
	CategoryOperations EventCategory = "operations"
)

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category  EventCategory
	Timestamp time.Time
	CenterID  id.CenterID
	Subject   string
	Action    string
	Reason    string
	RequestID string
	// ActorID is set when someone other than the subject performed the
	// action, e.g. an invigilator terminating a session.
	ActorID string
}

type AuditEvent string

const (
	EventTokenIssued      AuditEvent = "token_issued"
	EventTokenRegenerated AuditEvent = "token_regenerated"
	EventTokenRejected    AuditEvent = "token_rejected"
	EventTokenExpired     AuditEvent = "token_expired"

	EventCenterRegistered  AuditEvent = "center_registered"
	EventCenterLogin       AuditEvent = "center_login"
	EventCenterLoginFailed AuditEvent = "center_login_failed"
	EventCenterLoginLocked AuditEvent = "center_login_locked"
	EventRateLimited       AuditEvent = "rate_limited"

	EventPaperCreated      AuditEvent = "paper_created"
	EventKeysReleased      AuditEvent = "keys_released"
	EventPackageGenerated  AuditEvent = "package_generated"
	EventPackageDownloaded AuditEvent = "package_downloaded"

	EventSessionAdmitted   AuditEvent = "session_admitted"
	EventAdmissionDenied   AuditEvent = "admission_denied"
	EventSessionStarted    AuditEvent = "session_started"
	EventSessionSubmitted  AuditEvent = "session_submitted"
	EventSessionTerminated AuditEvent = "session_terminated"
	EventPaperOpenFailed   AuditEvent = "paper_open_failed"

	EventResultsIngested AuditEvent = "results_ingested"
	EventCenterSynced    AuditEvent = "center_synced"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventKeysReleased:     CategoryCompliance,
	EventSessionAdmitted:  CategoryCompliance,
	EventSessionStarted:   CategoryCompliance,
	EventSessionSubmitted: CategoryCompliance,
	EventResultsIngested:  CategoryCompliance,
	EventPaperCreated:     CategoryCompliance,

	EventTokenRejected:     CategorySecurity,
	EventTokenRegenerated:  CategorySecurity,
	EventCenterLoginFailed: CategorySecurity,
	EventCenterLoginLocked: CategorySecurity,
	EventRateLimited:       CategorySecurity,
	EventAdmissionDenied:   CategorySecurity,
	EventSessionTerminated: CategorySecurity,
	EventPaperOpenFailed:   CategorySecurity,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, event Event) error
}

// Reader is implemented by stores that can be queried back.
type Reader interface {
	ListByCenter(ctx context.Context, centerID id.CenterID) ([]Event, error)
	ListAll(ctx context.Context) ([]Event, error)
}
