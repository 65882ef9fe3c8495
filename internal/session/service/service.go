package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"exambridge/internal/compliance"
	pkgmodels "exambridge/internal/offlinepkg/models"
	papermodels "exambridge/internal/paper/models"
	"exambridge/internal/platform/config"
	"exambridge/internal/session/metrics"
	"exambridge/internal/session/models"
	tokenmodels "exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/platform/sentinel"
)

// Store persists sessions. Update must refuse to overwrite a terminal
// session with sentinel.ErrInvalidState.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	FindByID(ctx context.Context, sessionID id.SessionID) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	ListByStatus(ctx context.Context, status models.Status) ([]*models.Session, error)
}

type TokenValidator interface {
	Validate(ctx context.Context, value string) (*tokenmodels.CenterContext, error)
}

// PackageSource is the installed offline package on this center.
type PackageSource interface {
	FindCandidate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*pkgmodels.Candidate, error)
	AssignPaper(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidateID string) (*papermodels.QuestionPaper, id.PackageID, error)
	PaperByID(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, paperID id.PaperID) (*papermodels.QuestionPaper, error)
}

type PaperOpener interface {
	Open(ctx context.Context, paper *papermodels.QuestionPaper) ([]papermodels.Question, error)
}

type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// AdmitRequest is what the student panel sends to start a session.
type AdmitRequest struct {
	Token       string            `json:"token"`
	CandidateID string            `json:"candidate_id"`
	RollNumber  string            `json:"roll_number"`
	Report      compliance.Report `json:"compliance"`
	UserAgent   string            `json:"-"`
}

// Manager owns the session state machine on the center tier. Every
// transition of a session runs under that session's entry lock and
// re-reads the stored session first, so timer callbacks and panel
// requests observe each other's effects.
type Manager struct {
	store    Store
	tokens   TokenValidator
	packages PackageSource
	opener   PaperOpener
	lockdown config.Lockdown

	clock          clock.Clock
	logger         *slog.Logger
	auditPublisher AuditPublisher
	metrics        *metrics.Metrics

	registry *registry
	live     atomic.Int64
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(m *Manager) {
		m.auditPublisher = publisher
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

func WithLockdown(l config.Lockdown) Option {
	return func(m *Manager) {
		m.lockdown = l
	}
}

func New(store Store, tokens TokenValidator, packages PackageSource, opener PaperOpener, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		tokens:   tokens,
		packages: packages,
		opener:   opener,
		lockdown: config.DefaultLockdown(),
		clock:    clock.Real(),
		logger:   slog.Default(),
		registry: newRegistry(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Admit runs the compliance gate, validates the access token and checks the
// roster, in that order, and creates a WAITING session. A roster failure
// happens after the token use has been consumed.
func (m *Manager) Admit(ctx context.Context, req AdmitRequest) (*models.Session, error) {
	if req.CandidateID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "candidate_id is required")
	}

	result := compliance.Evaluate(req.Report, m.lockdown, req.UserAgent)
	if !result.Admitted {
		m.metrics.IncrementAdmission("compliance_failed")
		m.emit(ctx, audit.Event{
			Action:  string(audit.EventAdmissionDenied),
			Subject: req.CandidateID,
			Reason:  result.Summary(),
		})
		return nil, dErrors.New(dErrors.CodeComplianceFailed, result.Summary())
	}

	cc, err := m.tokens.Validate(ctx, req.Token)
	if err != nil {
		m.metrics.IncrementAdmission("token_rejected")
		return nil, err
	}

	candidate, err := m.packages.FindCandidate(ctx, cc.ExamID, cc.ShiftID, req.CandidateID)
	if err == nil && req.RollNumber != "" && candidate.RollNumber != req.RollNumber {
		err = dErrors.New(dErrors.CodeCandidateNotInRoster, "roll number does not match the roster")
	}
	if err != nil {
		m.metrics.IncrementAdmission("not_in_roster")
		m.emit(ctx, audit.Event{
			Action:   string(audit.EventAdmissionDenied),
			CenterID: cc.CenterID,
			Subject:  req.CandidateID,
			Reason:   dErrors.MessageOf(err),
		})
		return nil, err
	}

	_, packageID, err := m.packages.AssignPaper(ctx, cc.ExamID, cc.ShiftID, candidate.CandidateID)
	if err != nil {
		m.metrics.IncrementAdmission("no_paper")
		return nil, err
	}

	session := &models.Session{
		ID:            id.SessionID(uuid.New()),
		CandidateID:   candidate.CandidateID,
		RollNumber:    candidate.RollNumber,
		AccessTokenID: cc.TokenID,
		CenterID:      cc.CenterID,
		ExamID:        cc.ExamID,
		ShiftID:       cc.ShiftID,
		PackageID:     packageID,
		Status:        models.StatusWaiting,
		CreatedAt:     m.clock.Now(),
	}
	if err := m.store.Create(ctx, session); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			m.metrics.IncrementAdmission("conflict")
			return nil, dErrors.New(dErrors.CodeConflict, "candidate already has a live session")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create session")
	}

	m.metrics.IncrementAdmission("admitted")
	m.logger.InfoContext(ctx, "session admitted",
		"session_id", session.ID,
		"candidate_id", session.CandidateID,
		"center_id", session.CenterID,
	)
	m.emit(ctx, audit.Event{
		Action:   string(audit.EventSessionAdmitted),
		CenterID: session.CenterID,
		Subject:  session.ID.String(),
	})
	return session.Clone(), nil
}

// Begin opens the candidate's paper and moves the session to IN_PROGRESS.
// If the paper cannot be opened the session stays WAITING. Calling Begin on
// a session already in progress returns the same paper without touching
// its timers.
func (m *Manager) Begin(ctx context.Context, sessionID id.SessionID) (*models.Session, []papermodels.Question, error) {
	var (
		out       *models.Session
		questions []papermodels.Question
	)
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		switch session.Status {
		case models.StatusInProgress:
			paper, err := m.packages.PaperByID(ctx, session.ExamID, session.ShiftID, session.PaperID)
			if err != nil {
				return err
			}
			if questions, err = m.opener.Open(ctx, paper); err != nil {
				return err
			}
			out = session
			return nil
		case models.StatusWaiting:
		default:
			return terminalError()
		}

		paper, _, err := m.packages.AssignPaper(ctx, session.ExamID, session.ShiftID, session.CandidateID)
		if err != nil {
			return err
		}
		questions, err = m.opener.Open(ctx, paper)
		if err != nil {
			m.logger.WarnContext(ctx, "paper could not be opened", "session_id", session.ID, "paper_id", paper.ID, "error", err)
			m.emit(ctx, audit.Event{
				Action:   string(audit.EventPaperOpenFailed),
				CenterID: session.CenterID,
				Subject:  session.ID.String(),
				Reason:   string(dErrors.CodeOf(err)),
			})
			return err
		}

		now := m.clock.Now()
		if err := session.Begin(now, paper.ID, paper.Duration()); err != nil {
			return dErrors.New(dErrors.CodeConflict, "session cannot begin")
		}
		if err := m.save(ctx, session); err != nil {
			return err
		}
		m.arm(e, session, now)

		m.metrics.IncrementTransition(string(session.Status), "")
		m.logger.InfoContext(ctx, "session started",
			"session_id", session.ID,
			"paper_id", paper.ID,
			"ends_at", session.EndsAt,
		)
		m.emit(ctx, audit.Event{
			Action:   string(audit.EventSessionStarted),
			CenterID: session.CenterID,
			Subject:  session.ID.String(),
		})
		out = session
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return out.Clone(), questions, nil
}

// Heartbeat records liveness at the center's receive time. sentAt comes
// from the terminal's clock, which may drift, so it only orders heartbeats:
// one not after the last accepted sentAt is ignored.
func (m *Manager) Heartbeat(ctx context.Context, sessionID id.SessionID, sentAt time.Time) error {
	return m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status.IsTerminal() {
			return terminalError()
		}
		now := m.clock.Now()
		applied := session.RecordHeartbeat(sentAt, now)
		m.metrics.IncrementHeartbeat(applied)
		if !applied {
			return nil
		}
		if err := m.save(ctx, session); err != nil {
			return err
		}
		if session.Status == models.StatusInProgress {
			m.armHeartbeat(e, session, now)
		}
		return nil
	})
}

// SaveAnswers replaces the answers of a session in progress.
func (m *Manager) SaveAnswers(ctx context.Context, sessionID id.SessionID, answers map[string]string) error {
	return m.withSession(ctx, sessionID, func(_ *entry, session *models.Session) error {
		if session.Status.IsTerminal() {
			return terminalError()
		}
		if err := session.SaveAnswers(answers); err != nil {
			return dErrors.New(dErrors.CodeConflict, "session has not begun")
		}
		return m.save(ctx, session)
	})
}

// Submit records the final answers and moves the session to SUBMITTED.
func (m *Manager) Submit(ctx context.Context, sessionID id.SessionID, answers map[string]string) (*models.Session, error) {
	var out *models.Session
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status.IsTerminal() {
			return terminalError()
		}
		if err := session.Submit(m.clock.Now(), answers); err != nil {
			return dErrors.New(dErrors.CodeConflict, "session has not begun")
		}
		if err := m.finish(ctx, e, session); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// End is the panel's unload hint. It never fails from the caller's point
// of view; a live session is terminated as CLIENT_ENDED.
func (m *Manager) End(ctx context.Context, sessionID id.SessionID) {
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status.IsTerminal() {
			return nil
		}
		return m.terminate(ctx, e, session, models.ReasonClientEnded, "")
	})
	if err != nil {
		m.logger.DebugContext(ctx, "end hint ignored", "session_id", sessionID, "error", err)
	}
}

// Terminate is the invigilator action.
func (m *Manager) Terminate(ctx context.Context, sessionID id.SessionID, actorID string) (*models.Session, error) {
	var out *models.Session
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status.IsTerminal() {
			return terminalError()
		}
		if err := m.terminate(ctx, e, session, models.ReasonAdminAction, actorID); err != nil {
			return err
		}
		out = session
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// ReportEnvironment applies a runtime environment signal. Leaving
// fullscreen terminates the session when the lockdown requires fullscreen;
// other signals are only logged.
func (m *Manager) ReportEnvironment(ctx context.Context, sessionID id.SessionID, event models.EnvironmentEvent) (*models.Session, error) {
	var out *models.Session
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status.IsTerminal() {
			return terminalError()
		}
		out = session
		if event.Kind == models.EnvFullscreenExit && m.lockdown.RequireFullscreen {
			return m.terminate(ctx, e, session, models.ReasonEnvironmentViolation, "")
		}
		m.logger.WarnContext(ctx, "environment event",
			"session_id", session.ID,
			"kind", event.Kind,
			"at", event.At,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Recover re-arms timers for sessions that were in progress when the
// center stopped, finishing those whose deadline passed in the meantime.
// It returns how many sessions were re-armed.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	sessions, err := m.store.ListByStatus(ctx, models.StatusInProgress)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list sessions in progress")
	}
	rearmed := 0
	for _, listed := range sessions {
		err := m.withSession(ctx, listed.ID, func(e *entry, session *models.Session) error {
			if session.Status != models.StatusInProgress {
				return nil
			}
			expired, err := m.expire(ctx, e, session)
			if err != nil || expired {
				return err
			}
			m.arm(e, session, m.clock.Now())
			rearmed++
			return nil
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to recover session", "session_id", listed.ID, "error", err)
		}
	}
	m.logger.InfoContext(ctx, "sessions recovered", "rearmed", rearmed, "listed", len(sessions))
	return rearmed, nil
}

// Sweep finishes in-progress sessions whose heartbeat or duration deadline
// has passed. It backs up the per-session timers and returns how many
// sessions it ended.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	sessions, err := m.store.ListByStatus(ctx, models.StatusInProgress)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list sessions in progress")
	}
	ended := 0
	for _, listed := range sessions {
		if ctx.Err() != nil {
			return ended, ctx.Err()
		}
		err := m.withSession(ctx, listed.ID, func(e *entry, session *models.Session) error {
			if session.Status != models.StatusInProgress {
				return nil
			}
			expired, err := m.expire(ctx, e, session)
			if expired {
				ended++
			}
			return err
		})
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to sweep session", "session_id", listed.ID, "error", err)
		}
	}
	return ended, nil
}

// Run sweeps on every interval tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.logger.WarnContext(ctx, "session sweep failed", "error", err)
			} else if n > 0 {
				m.logger.InfoContext(ctx, "session sweep ended sessions", "count", n)
			}
		}
	}
}

// Stop disarms every timer. Stored sessions are untouched so Recover can
// pick them up again.
func (m *Manager) Stop() {
	for _, e := range m.registry.drain() {
		e.mu.Lock()
		m.disarm(e)
		e.mu.Unlock()
	}
}

// withSession runs fn under the session's entry lock with a fresh copy of
// the stored session.
func (m *Manager) withSession(ctx context.Context, sessionID id.SessionID, fn func(e *entry, session *models.Session) error) error {
	e := m.registry.acquire(sessionID)
	defer m.registry.release(sessionID, e)

	session, err := m.store.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			e.done = true
			return dErrors.New(dErrors.CodeSessionNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load session")
	}
	if session.Status.IsTerminal() {
		e.done = true
		m.disarm(e)
	}
	return fn(e, session)
}

func (m *Manager) save(ctx context.Context, session *models.Session) error {
	if err := m.store.Update(ctx, session); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			return terminalError()
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeSessionNotFound, "session not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save session")
	}
	return nil
}

func (m *Manager) terminate(ctx context.Context, e *entry, session *models.Session, reason models.TerminationReason, actorID string) error {
	if err := session.Terminate(m.clock.Now(), reason); err != nil {
		return terminalError()
	}
	if err := m.finish(ctx, e, session); err != nil {
		return err
	}
	m.emitTermination(ctx, session, actorID)
	return nil
}

// finish persists a terminal session and releases its timers.
func (m *Manager) finish(ctx context.Context, e *entry, session *models.Session) error {
	if err := m.save(ctx, session); err != nil {
		return err
	}
	m.disarm(e)
	e.done = true

	m.metrics.IncrementTransition(string(session.Status), string(session.TerminationReason))
	m.logger.InfoContext(ctx, "session ended",
		"session_id", session.ID,
		"status", session.Status,
		"reason", session.TerminationReason,
	)
	if session.Status == models.StatusSubmitted {
		m.emit(ctx, audit.Event{
			Action:   string(audit.EventSessionSubmitted),
			CenterID: session.CenterID,
			Subject:  session.ID.String(),
		})
	}
	return nil
}

// expire ends an in-progress session whose duration or heartbeat deadline
// has passed. The duration check runs first so a candidate who ran out of
// time is submitted rather than timed out.
func (m *Manager) expire(ctx context.Context, e *entry, session *models.Session) (bool, error) {
	now := m.clock.Now()
	switch {
	case session.DurationElapsed(now):
		return true, m.timeUp(ctx, e, session)
	case session.HeartbeatExpired(now, m.lockdown.GraceWindow()):
		return true, m.terminate(ctx, e, session, models.ReasonHeartbeatTimeout, "")
	}
	return false, nil
}

func (m *Manager) timeUp(ctx context.Context, e *entry, session *models.Session) error {
	if !m.lockdown.AutoSubmitOnTimeout {
		return m.terminate(ctx, e, session, models.ReasonDurationElapsed, "")
	}
	if err := session.Submit(m.clock.Now(), nil); err != nil {
		return terminalError()
	}
	return m.finish(ctx, e, session)
}

func (m *Manager) arm(e *entry, session *models.Session, now time.Time) {
	m.armHeartbeat(e, session, now)
	if session.EndsAt == nil {
		return
	}
	d := max(session.EndsAt.Sub(now), 0)
	if e.duration == nil {
		sessionID := session.ID
		e.duration = m.clock.AfterFunc(d, func() { m.onDurationElapsed(sessionID) })
		m.track(e)
		return
	}
	e.duration.Reset(d)
}

func (m *Manager) armHeartbeat(e *entry, session *models.Session, now time.Time) {
	last := session.LastHeartbeatAt
	if last == nil {
		last = &now
	}
	d := max(last.Add(m.lockdown.GraceWindow()).Sub(now), 0)
	if e.heartbeat == nil {
		sessionID := session.ID
		e.heartbeat = m.clock.AfterFunc(d, func() { m.onHeartbeatDeadline(sessionID) })
		m.track(e)
		return
	}
	e.heartbeat.Reset(d)
}

func (m *Manager) disarm(e *entry) {
	for _, t := range []**clock.Timer{&e.heartbeat, &e.duration} {
		if *t != nil {
			(*t).Stop()
			*t = nil
			m.metrics.AddTimers(-1)
		}
	}
	if e.tracked {
		e.tracked = false
		m.metrics.SetLive(int(m.live.Add(-1)))
	}
}

func (m *Manager) track(e *entry) {
	m.metrics.AddTimers(1)
	if !e.tracked {
		e.tracked = true
		m.metrics.SetLive(int(m.live.Add(1)))
	}
}

func (m *Manager) onHeartbeatDeadline(sessionID id.SessionID) {
	ctx := context.Background()
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status != models.StatusInProgress {
			return nil
		}
		now := m.clock.Now()
		if !session.HeartbeatExpired(now, m.lockdown.GraceWindow()) {
			m.armHeartbeat(e, session, now)
			return nil
		}
		m.logger.WarnContext(ctx, "heartbeat lost", "session_id", session.ID, "last_heartbeat_at", session.LastHeartbeatAt)
		return m.terminate(ctx, e, session, models.ReasonHeartbeatTimeout, "")
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "heartbeat deadline handling failed", "session_id", sessionID, "error", err)
	}
}

func (m *Manager) onDurationElapsed(sessionID id.SessionID) {
	ctx := context.Background()
	err := m.withSession(ctx, sessionID, func(e *entry, session *models.Session) error {
		if session.Status != models.StatusInProgress || !session.DurationElapsed(m.clock.Now()) {
			return nil
		}
		return m.timeUp(ctx, e, session)
	})
	if err != nil {
		m.logger.ErrorContext(ctx, "duration deadline handling failed", "session_id", sessionID, "error", err)
	}
}

func terminalError() error {
	return dErrors.New(dErrors.CodeSessionTerminal, "session has already ended")
}

func (m *Manager) emitTermination(ctx context.Context, session *models.Session, actorID string) {
	m.emit(ctx, audit.Event{
		Action:   string(audit.EventSessionTerminated),
		CenterID: session.CenterID,
		Subject:  session.ID.String(),
		Reason:   string(session.TerminationReason),
		ActorID:  actorID,
	})
}

func (m *Manager) emit(ctx context.Context, event audit.Event) {
	if m.auditPublisher == nil {
		return
	}
	if err := m.auditPublisher.Emit(ctx, event); err != nil {
		m.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}
