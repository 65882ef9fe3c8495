package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	centermodels "exambridge/internal/center/models"
	pkgmodels "exambridge/internal/offlinepkg/models"
	papermodels "exambridge/internal/paper/models"
	ratelimitmodels "exambridge/internal/ratelimit/models"
	registrymodels "exambridge/internal/registry/models"
	tokenmodels "exambridge/internal/token/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/httputil"
	"exambridge/pkg/platform/middleware/admin"
	"exambridge/pkg/platform/middleware/auth"
	request "exambridge/pkg/platform/middleware/request"
	"exambridge/pkg/requestcontext"
)

type TokenService interface {
	Validate(ctx context.Context, value string) (*tokenmodels.CenterContext, error)
	Issue(ctx context.Context, req tokenmodels.IssueRequest) (*tokenmodels.IssuedToken, error)
	Regenerate(ctx context.Context, tokenID id.TokenID) (*tokenmodels.IssuedToken, error)
	Grant(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*tokenmodels.Grant, error)
}

type CenterService interface {
	Register(ctx context.Context, req centermodels.RegisterRequest) (*centermodels.Center, error)
	Login(ctx context.Context, req centermodels.LoginRequest) (*centermodels.LoginResult, error)
}

type PaperService interface {
	CreatePaper(ctx context.Context, req papermodels.CreatePaperRequest) (*papermodels.QuestionPaper, error)
	Release(ctx context.Context, req papermodels.ReleaseRequest) (*papermodels.KeyRelease, error)
	FetchRelease(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, centerID id.CenterID) (*papermodels.KeyRelease, error)
}

type PackageService interface {
	UploadCandidates(ctx context.Context, examID id.ExamID, shiftID id.ShiftID, candidates []pkgmodels.Candidate) (int, error)
	Generate(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*pkgmodels.Package, error)
	DownloadLatest(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (*pkgmodels.Package, error)
}

type RegistryService interface {
	Ingest(ctx context.Context, centerID id.CenterID, records []registrymodels.ResultRecord) ([]registrymodels.Ack, error)
	ReportStatus(ctx context.Context, centerID id.CenterID, report registrymodels.StatusReport) error
	Count(ctx context.Context, examID id.ExamID, shiftID id.ShiftID) (int, error)
}

// MainHandler serves the main server: the exam authority's admin API and
// the API exam centers call.
type MainHandler struct {
	logger     *slog.Logger
	tokens     TokenService
	centers    CenterService
	papers     PaperService
	packages   PackageService
	registry   RegistryService
	validator  auth.CenterValidator
	adminToken string
	routes     routeOptions
}

func NewMainHandler(
	tokens TokenService,
	centers CenterService,
	papers PaperService,
	packages PackageService,
	registry RegistryService,
	validator auth.CenterValidator,
	adminToken string,
	logger *slog.Logger,
	opts ...Option,
) *MainHandler {
	return &MainHandler{
		logger:     logger,
		tokens:     tokens,
		centers:    centers,
		papers:     papers,
		packages:   packages,
		registry:   registry,
		validator:  validator,
		adminToken: adminToken,
		routes:     newRouteOptions(opts),
	}
}

// Register mounts the main server routes.
func (h *MainHandler) Register(r chi.Router) {
	r.With(h.routes.limit(ratelimitmodels.ClassValidate)).Post("/v1/tokens/validate", h.handleValidateToken)

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(admin.RequireAdminToken(h.adminToken, h.logger))
		r.Use(request.Timeout(30 * time.Second))
		r.Post("/centers", h.handleRegisterCenter)
		r.Post("/tokens", h.handleIssueToken)
		r.Post("/tokens/{tokenID}/regenerate", h.handleRegenerateToken)
		r.Post("/papers", h.handleCreatePaper)
		r.Route("/exams/{examID}/shifts/{shiftID}", func(r chi.Router) {
			r.Put("/candidates", h.handleUploadRoster)
			r.Post("/packages", h.handleGeneratePackage)
			r.Post("/release", h.handleReleaseKeys)
			r.Get("/results/count", h.handleCountResults)
		})
	})

	r.Route("/center/v1", func(r chi.Router) {
		r.With(h.routes.limit(ratelimitmodels.ClassLogin)).Post("/login", h.handleCenterLogin)
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireCenterAuth(h.validator, h.logger))
			r.Route("/exams/{examID}/shifts/{shiftID}", func(r chi.Router) {
				r.Get("/package", h.handleDownloadPackage)
				r.Get("/token", h.handleFetchGrant)
				r.Get("/keys", h.handleFetchRelease)
			})
			r.Post("/results", h.handleIngestResults)
			r.Put("/sync-status", h.handleSyncStatus)
		})
	})
}

func (h *MainHandler) handleValidateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[ValidateTokenRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	cc, err := h.tokens.Validate(ctx, req.Token)
	if err != nil {
		h.logger.WarnContext(ctx, "access token rejected", "request_id", requestID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cc)
}

func (h *MainHandler) handleRegisterCenter(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[RegisterCenterRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	center, err := h.centers.Register(ctx, req.RegisterRequest)
	if err != nil {
		h.fail(ctx, w, "failed to register center", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, center)
}

func (h *MainHandler) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[IssueTokenRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	issued, err := h.tokens.Issue(ctx, req.IssueRequest)
	if err != nil {
		h.fail(ctx, w, "failed to issue token", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, issued)
}

func (h *MainHandler) handleRegenerateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenID, err := id.ParseTokenID(chi.URLParam(r, "tokenID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	issued, err := h.tokens.Regenerate(ctx, tokenID)
	if err != nil {
		h.fail(ctx, w, "failed to regenerate token", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, issued)
}

func (h *MainHandler) handleCreatePaper(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[CreatePaperRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	paper, err := h.papers.CreatePaper(ctx, req.CreatePaperRequest)
	if err != nil {
		h.fail(ctx, w, "failed to create paper", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, paper)
}

func (h *MainHandler) handleUploadRoster(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[RosterRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	n, err := h.packages.UploadCandidates(ctx, examID, shiftID, req.Candidates)
	if err != nil {
		h.fail(ctx, w, "failed to upload roster", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"candidates": n})
}

func (h *MainHandler) handleGeneratePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	pkg, err := h.packages.Generate(ctx, examID, shiftID)
	if err != nil {
		h.fail(ctx, w, "failed to generate package", err)
		return
	}
	summary := *pkg
	summary.Bundle = nil
	httputil.WriteJSON(w, http.StatusCreated, summary)
}

func (h *MainHandler) handleReleaseKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReleaseKeysRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	release, err := h.papers.Release(ctx, papermodels.ReleaseRequest{
		ExamID:        examID,
		ShiftID:       shiftID,
		CenterID:      req.CenterID,
		ShiftStartsAt: req.ShiftStartsAt,
	})
	if err != nil {
		h.fail(ctx, w, "failed to release keys", err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]any{
		"center_id":   release.CenterID,
		"paper_count": release.PaperCount,
		"released_at": release.ReleasedAt,
		"expires_at":  release.ExpiresAt,
	})
}

func (h *MainHandler) handleCountResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	n, err := h.registry.Count(ctx, examID, shiftID)
	if err != nil {
		h.fail(ctx, w, "failed to count results", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"results": n})
}

func (h *MainHandler) handleCenterLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := request.GetRequestID(ctx)
	req, ok := httputil.DecodeAndPrepare[LoginRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	res, err := h.centers.Login(ctx, req.LoginRequest)
	if err != nil {
		h.logger.WarnContext(ctx, "center login failed",
			"request_id", requestID,
			"center_code", req.Code,
			"client_ip", requestcontext.ClientIP(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *MainHandler) handleDownloadPackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	pkg, err := h.packages.DownloadLatest(ctx, examID, shiftID)
	if err != nil {
		h.fail(ctx, w, "failed to download package", err)
		return
	}
	h.logger.InfoContext(ctx, "package downloaded",
		"request_id", request.GetRequestID(ctx),
		"center_id", requestcontext.CenterID(ctx),
		"package_id", pkg.ID,
		"version", pkg.Version,
	)
	httputil.WriteJSON(w, http.StatusOK, pkg)
}

func (h *MainHandler) handleFetchGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	grant, err := h.tokens.Grant(ctx, examID, shiftID, requestcontext.CenterID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to fetch token grant", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, grant)
}

func (h *MainHandler) handleFetchRelease(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	examID, shiftID, ok := shiftParams(w, r)
	if !ok {
		return
	}
	release, err := h.papers.FetchRelease(ctx, examID, shiftID, requestcontext.CenterID(ctx))
	if err != nil {
		h.fail(ctx, w, "failed to fetch key release", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, release)
}

func (h *MainHandler) handleIngestResults(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[IngestRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	acks, err := h.registry.Ingest(ctx, requestcontext.CenterID(ctx), req.Records)
	if err != nil {
		h.fail(ctx, w, "failed to ingest results", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, registrymodels.IngestResponse{Acks: acks})
}

func (h *MainHandler) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[StatusReportRequest](w, r, h.logger, ctx, request.GetRequestID(ctx))
	if !ok {
		return
	}
	if err := h.registry.ReportStatus(ctx, requestcontext.CenterID(ctx), req.StatusReport); err != nil {
		h.fail(ctx, w, "failed to store sync status", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// fail logs at a level matching the error class and writes the envelope.
func (h *MainHandler) fail(ctx context.Context, w http.ResponseWriter, msg string, err error) {
	logError(ctx, h.logger, msg, err)
	httputil.WriteError(w, err)
}

func logError(ctx context.Context, logger *slog.Logger, msg string, err error) {
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	logger.Log(ctx, level, msg, "request_id", request.GetRequestID(ctx), "error", err)
}

func shiftParams(w http.ResponseWriter, r *http.Request) (id.ExamID, id.ShiftID, bool) {
	examID, err := id.ParseExamID(chi.URLParam(r, "examID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.ExamID{}, id.ShiftID{}, false
	}
	shiftID, err := id.ParseShiftID(chi.URLParam(r, "shiftID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.ExamID{}, id.ShiftID{}, false
	}
	return examID, shiftID, true
}
