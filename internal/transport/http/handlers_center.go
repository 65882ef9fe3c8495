package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"exambridge/internal/compliance"
	papermodels "exambridge/internal/paper/models"
	"exambridge/internal/platform/config"
	ratelimitmodels "exambridge/internal/ratelimit/models"
	sessionmodels "exambridge/internal/session/models"
	sessionservice "exambridge/internal/session/service"
	syncservice "exambridge/internal/sync/service"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/httputil"
	"exambridge/pkg/platform/middleware/admin"
	request "exambridge/pkg/platform/middleware/request"
	"exambridge/pkg/requestcontext"
)

type SessionService interface {
	Admit(ctx context.Context, req sessionservice.AdmitRequest) (*sessionmodels.Session, error)
	Begin(ctx context.Context, sessionID id.SessionID) (*sessionmodels.Session, []papermodels.Question, error)
	Heartbeat(ctx context.Context, sessionID id.SessionID, sentAt time.Time) error
	SaveAnswers(ctx context.Context, sessionID id.SessionID, answers map[string]string) error
	Submit(ctx context.Context, sessionID id.SessionID, answers map[string]string) (*sessionmodels.Session, error)
	End(ctx context.Context, sessionID id.SessionID)
	Terminate(ctx context.Context, sessionID id.SessionID, actorID string) (*sessionmodels.Session, error)
	ReportEnvironment(ctx context.Context, sessionID id.SessionID, event sessionmodels.EnvironmentEvent) (*sessionmodels.Session, error)
}

type SyncService interface {
	Sync(ctx context.Context, centerID id.CenterID) (syncservice.Result, error)
}

// CenterHandler serves the center admin's LAN API: the student panel and
// the invigilator console.
type CenterHandler struct {
	logger       *slog.Logger
	sessions     SessionService
	syncer       SyncService
	lockdown     config.Lockdown
	centerID     id.CenterID
	consoleToken string
	syncTimeout  time.Duration
	routes       routeOptions
}

func NewCenterHandler(
	sessions SessionService,
	syncer SyncService,
	lockdown config.Lockdown,
	centerID id.CenterID,
	consoleToken string,
	logger *slog.Logger,
	opts ...Option,
) *CenterHandler {
	return &CenterHandler{
		logger:       logger,
		sessions:     sessions,
		syncer:       syncer,
		lockdown:     lockdown,
		centerID:     centerID,
		consoleToken: consoleToken,
		syncTimeout:  2 * time.Minute,
		routes:       newRouteOptions(opts),
	}
}

// Register mounts the LAN routes.
func (h *CenterHandler) Register(r chi.Router) {
	r.Route("/panel/v1", func(r chi.Router) {
		r.Post("/compliance", h.handleCompliance)
		r.With(h.routes.limit(ratelimitmodels.ClassAdmit)).Post("/sessions", h.handleAdmit)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Post("/begin", h.handleBegin)
			r.Post("/heartbeat", h.handleHeartbeat)
			r.Put("/answers", h.handleSaveAnswers)
			r.Post("/submit", h.handleSubmit)
			r.Post("/end", h.handleEnd)
			r.Post("/environment", h.handleEnvironment)
		})
	})
	r.Route("/console/v1", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(h.consoleToken, h.logger))
		r.Post("/sessions/{sessionID}/terminate", h.handleTerminate)
		r.Post("/sync", h.handleSync)
	})
}

func (h *CenterHandler) handleCompliance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ComplianceRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	httputil.WriteJSON(w, http.StatusOK, compliance.Evaluate(req.Report, h.lockdown, requestcontext.UserAgent(ctx)))
}

func (h *CenterHandler) handleAdmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[AdmitRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	admit := req.AdmitRequest
	admit.UserAgent = requestcontext.UserAgent(ctx)

	session, err := h.sessions.Admit(ctx, admit)
	if err != nil {
		h.logger.WarnContext(ctx, "admission refused",
			"request_id", requestID,
			"candidate_id", admit.CandidateID,
			"client_ip", requestcontext.ClientIP(ctx),
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, session)
}

// BeginResponse carries the opened paper. It is the only response that
// contains plaintext questions.
type BeginResponse struct {
	Session   *sessionmodels.Session  `json:"session"`
	Questions []papermodels.Question  `json:"questions"`
	Heartbeat HeartbeatPolicyResponse `json:"heartbeat"`
}

type HeartbeatPolicyResponse struct {
	IntervalSeconds int `json:"interval_seconds"`
	GraceSeconds    int `json:"grace_seconds"`
}

func (h *CenterHandler) handleBegin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	session, questions, err := h.sessions.Begin(ctx, sessionID)
	if err != nil {
		logError(ctx, h.logger, "failed to begin session", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, BeginResponse{
		Session:   session,
		Questions: questions,
		Heartbeat: HeartbeatPolicyResponse{
			IntervalSeconds: int(h.lockdown.HeartbeatInterval() / time.Second),
			GraceSeconds:    int(h.lockdown.GraceWindow() / time.Second),
		},
	})
}

func (h *CenterHandler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[HeartbeatRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	if err := h.sessions.Heartbeat(ctx, sessionID, req.SentAt); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CenterHandler) handleSaveAnswers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AnswersRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	if err := h.sessions.SaveAnswers(ctx, sessionID, req.Answers); err != nil {
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CenterHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[AnswersRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	session, err := h.sessions.Submit(ctx, sessionID, req.Answers)
	if err != nil {
		logError(ctx, h.logger, "failed to submit session", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// handleEnd is the page-unload hint. The browser does not read the
// response, so it is always 202 and the body is ignored.
func (h *CenterHandler) handleEnd(w http.ResponseWriter, r *http.Request) {
	if sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID")); err == nil {
		h.sessions.End(context.WithoutCancel(r.Context()), sessionID)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *CenterHandler) handleEnvironment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[EnvironmentRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	session, err := h.sessions.ReportEnvironment(ctx, sessionID, req.EnvironmentEvent)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *CenterHandler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID, ok := sessionParam(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[TerminateRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	session, err := h.sessions.Terminate(ctx, sessionID, req.ActorID)
	if err != nil {
		logError(ctx, h.logger, "failed to terminate session", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *CenterHandler) handleSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.syncTimeout)
	defer cancel()
	res, err := h.syncer.Sync(ctx, h.centerID)
	if err != nil {
		logError(ctx, h.logger, "manual sync failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func sessionParam(w http.ResponseWriter, r *http.Request) (id.SessionID, bool) {
	sessionID, err := id.ParseSessionID(chi.URLParam(r, "sessionID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.SessionID{}, false
	}
	return sessionID, true
}
