package httptransport_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	centermodels "exambridge/internal/center/models"
	centerservice "exambridge/internal/center/service"
	centerstore "exambridge/internal/center/store"
	"exambridge/internal/centerclient"
	jwttoken "exambridge/internal/jwt_token"
	pkgmodels "exambridge/internal/offlinepkg/models"
	pkgservice "exambridge/internal/offlinepkg/service"
	pkgstore "exambridge/internal/offlinepkg/store"
	"exambridge/internal/paper/keyvault"
	"exambridge/internal/paper/opener"
	"exambridge/internal/paper/sealed"
	paperservice "exambridge/internal/paper/service"
	paperstore "exambridge/internal/paper/store"
	"exambridge/internal/platform/config"
	registryservice "exambridge/internal/registry/service"
	registrystore "exambridge/internal/registry/store"
	sessionmodels "exambridge/internal/session/models"
	sessionservice "exambridge/internal/session/service"
	sessionstore "exambridge/internal/session/store"
	syncservice "exambridge/internal/sync/service"
	tokenmodels "exambridge/internal/token/models"
	tokenservice "exambridge/internal/token/service"
	tokenstore "exambridge/internal/token/store"
	httptransport "exambridge/internal/transport/http"
	id "exambridge/pkg/domain"
	"exambridge/pkg/platform/clock"
)

const (
	adminToken   = "admin-secret"
	consoleToken = "console-secret"
	centerCode   = "DEL-01"
	centerPass   = "correct horse battery"
	sebUA        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 SEB/3.7.1"
)

// FlowSuite runs one exam shift across both tiers: the authority prepares
// it on the main server, the center pulls everything over the center API,
// a candidate sits the exam on the LAN API and the result syncs back.
type FlowSuite struct {
	suite.Suite
	ctx    context.Context
	logger *slog.Logger

	main     *httptest.Server
	centers  *centerservice.Service
	packages *pkgservice.Service

	exam     id.ExamID
	shift    id.ShiftID
	identity string
	center   centermodels.Center
}

func TestFlowSuite(t *testing.T) {
	suite.Run(t, new(FlowSuite))
}

func (s *FlowSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s.exam = id.ExamID(uuid.New())
	s.shift = id.ShiftID(uuid.New())

	jwtSvc := jwttoken.NewJWTService("test-signing-key-0123456789abcdef", "exambridge", "exambridge-centers")
	s.centers = centerservice.New(centerstore.NewInMemory(), jwtSvc, centerservice.WithBcryptCost(bcrypt.MinCost))
	tokens := tokenservice.New(tokenstore.NewInMemory())

	kek := make([]byte, 32)
	_, _ = rand.Read(kek)
	wrapper, err := keyvault.NewLocal(kek)
	s.Require().NoError(err)
	papers := paperservice.New(
		paperstore.NewInMemoryPaperStore(),
		paperstore.NewInMemoryKeyStore(),
		paperstore.NewInMemoryReleaseStore(clock.Real()),
		wrapper,
		s.centers,
	)
	s.packages = pkgservice.New(pkgstore.NewInMemoryRosterStore(), pkgstore.NewInMemoryPackageStore(), pkgservice.WithPaperSource(papers))
	registry := registryservice.New(registrystore.NewInMemory(), s.centers, s.packages, tokens)

	handler := httptransport.NewMainHandler(tokens, s.centers, papers, s.packages, registry,
		jwttoken.NewJWTServiceAdapter(jwtSvc), adminToken, s.logger)
	s.main = httptest.NewServer(httptransport.NewRouter(s.logger, nil, handler))
}

func (s *FlowSuite) TearDownTest() {
	s.main.Close()
}

func (s *FlowSuite) call(h http.Handler, method, path string, body any, header map[string]string, out any) int {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	r := httptest.NewRequest(method, path, &buf)
	r.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if out != nil && w.Code < 300 {
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	}
	return w.Code
}

func (s *FlowSuite) admin(method, path string, body, out any) int {
	return s.call(s.main.Config.Handler, method, path, body, map[string]string{"X-Admin-Token": adminToken}, out)
}

func (s *FlowSuite) shiftPath(leaf string) string {
	return "/admin/v1/exams/" + s.exam.String() + "/shifts/" + s.shift.String() + "/" + leaf
}

// prepare registers the center and readies the shift on the main server.
// It returns the candidate's access token value.
func (s *FlowSuite) prepare() string {
	identity, recipient, err := sealed.GenerateIdentity()
	s.Require().NoError(err)
	s.identity = identity

	s.Require().Equal(http.StatusCreated, s.admin(http.MethodPost, "/admin/v1/centers", map[string]any{
		"code": "del-01", "name": "Delhi Public Hall", "password": centerPass,
		"age_recipient": recipient, "seats": 40, "computers": 42,
	}, &s.center))
	s.Equal(centerCode, s.center.Code)

	var issued tokenmodels.IssuedToken
	s.Require().Equal(http.StatusCreated, s.admin(http.MethodPost, "/admin/v1/tokens", map[string]any{
		"exam_id": s.exam, "center_id": s.center.ID, "shift_id": s.shift, "max_usage": 5,
	}, &issued))
	s.Require().NotEmpty(issued.Value)

	s.Require().Equal(http.StatusOK, s.admin(http.MethodPut, s.shiftPath("candidates"), map[string]any{
		"candidates": []map[string]string{
			{"candidate_id": "C-1", "roll_number": "R-1", "name": "Asha"},
			{"candidate_id": "C-2", "roll_number": "R-2", "name": "Ravi"},
		},
	}, nil))

	s.Require().Equal(http.StatusCreated, s.admin(http.MethodPost, "/admin/v1/papers", map[string]any{
		"exam_id": s.exam, "code": "SET-A", "duration_minutes": 90,
		"questions": []map[string]any{
			{"id": "q1", "prompt": "2 + 2 = ?", "options": []string{"3", "4"}, "marks": 1},
		},
	}, nil))

	var pkg pkgmodels.Package
	s.Require().Equal(http.StatusCreated, s.admin(http.MethodPost, s.shiftPath("packages"), nil, &pkg))
	s.Equal(1, pkg.Version)
	s.Empty(pkg.Bundle)

	s.Require().Equal(http.StatusCreated, s.admin(http.MethodPost, s.shiftPath("release"), map[string]any{
		"center_id": s.center.ID, "shift_starts_at": time.Now().Add(10 * time.Minute),
	}, nil))
	return issued.Value
}

func (s *FlowSuite) TestAdminRoutesNeedToken() {
	code := s.call(s.main.Config.Handler, http.MethodPost, "/admin/v1/centers", map[string]any{"code": "X"}, nil, nil)
	s.Equal(http.StatusUnauthorized, code)

	resp, err := s.main.Client().Get(s.main.URL + "/center/v1/exams/" + s.exam.String() + "/shifts/" + s.shift.String() + "/package")
	s.Require().NoError(err)
	resp.Body.Close()
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
}

func (s *FlowSuite) TestExamShiftEndToEnd() {
	tokenValue := s.prepare()

	// Center admin pulls the shift over the center API.
	client := centerclient.New(s.main.URL,
		centerclient.WithCredentials(centerCode, centerPass),
		centerclient.WithHTTPClient(s.main.Client()),
		centerclient.WithLogger(s.logger),
	)
	pkg, err := client.DownloadPackage(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	grant, err := client.FetchGrant(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	release, err := client.FetchRelease(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	s.Equal(1, release.PaperCount)

	centerPackages := pkgservice.New(pkgstore.NewInMemoryRosterStore(), pkgstore.NewInMemoryPackageStore())
	_, err = centerPackages.Install(s.ctx, pkg)
	s.Require().NoError(err)
	centerTokens := tokenservice.New(tokenstore.NewInMemory())
	s.Require().NoError(centerTokens.Import(s.ctx, grant))
	papers := opener.New(s.identity)
	n, err := papers.Install(s.ctx, release)
	s.Require().NoError(err)
	s.Equal(1, n)

	sessions := sessionstore.NewInMemory()
	manager := sessionservice.New(sessions, centerTokens, centerPackages, papers, sessionservice.WithLogger(s.logger))
	defer manager.Stop()
	engine := syncservice.New(sessions, client, syncservice.WithShift(s.exam, s.shift), syncservice.WithLogger(s.logger))
	lan := httptransport.NewRouter(s.logger, nil,
		httptransport.NewCenterHandler(manager, engine, config.DefaultLockdown(), s.center.ID, consoleToken, s.logger))

	// A candidate sits the exam on the LAN.
	panel := map[string]string{"User-Agent": sebUA}
	var session sessionmodels.Session
	s.Require().Equal(http.StatusCreated, s.call(lan, http.MethodPost, "/panel/v1/sessions", map[string]any{
		"token": tokenValue, "candidate_id": "C-1", "roll_number": "R-1",
		"compliance": map[string]any{
			"secure_browser": true, "cookies_enabled": true, "screen_width": 1920, "screen_height": 1080,
			"camera_available": true, "fullscreen": true,
		},
	}, panel, &session))
	s.Equal(sessionmodels.StatusWaiting, session.Status)

	base := "/panel/v1/sessions/" + session.ID.String()
	var begun httptransport.BeginResponse
	s.Require().Equal(http.StatusOK, s.call(lan, http.MethodPost, base+"/begin", nil, panel, &begun))
	s.Require().Len(begun.Questions, 1)
	s.Equal("2 + 2 = ?", begun.Questions[0].Prompt)
	s.Equal(30, begun.Heartbeat.IntervalSeconds)

	s.Equal(http.StatusNoContent, s.call(lan, http.MethodPost, base+"/heartbeat",
		map[string]any{"sent_at": time.Now()}, panel, nil))

	var submitted sessionmodels.Session
	s.Require().Equal(http.StatusOK, s.call(lan, http.MethodPost, base+"/submit",
		map[string]any{"answers": map[string]string{"q1": "4"}}, panel, &submitted))
	s.Equal(sessionmodels.StatusSubmitted, submitted.Status)

	// Late hints and heartbeats after submission do not reopen anything.
	s.Equal(http.StatusAccepted, s.call(lan, http.MethodPost, base+"/end", nil, panel, nil))
	s.Equal(http.StatusConflict, s.call(lan, http.MethodPost, base+"/heartbeat",
		map[string]any{"sent_at": time.Now()}, panel, nil))

	// The invigilator triggers a sync.
	console := map[string]string{"X-Admin-Token": consoleToken}
	var res syncservice.Result
	s.Require().Equal(http.StatusOK, s.call(lan, http.MethodPost, "/console/v1/sync", nil, console, &res))
	s.Equal(syncservice.Result{Synced: 1}, res)

	var count map[string]int
	s.Require().Equal(http.StatusOK, s.admin(http.MethodGet, s.shiftPath("results/count"), nil, &count))
	s.Equal(1, count["results"])

	center, err := s.centers.Get(s.ctx, s.center.ID)
	s.Require().NoError(err)
	s.Equal(1, center.SyncedCount)
	s.Equal(0, center.UnsyncedCount)
	latest, err := s.packages.Latest(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	s.Equal(pkgmodels.SyncStatusSynced, latest.SyncStatus)

	// A second pass has nothing to send.
	s.Require().Equal(http.StatusOK, s.call(lan, http.MethodPost, "/console/v1/sync", nil, console, &res))
	s.Equal(syncservice.Result{}, res)
}

func (s *FlowSuite) TestPanelRejections() {
	tokenValue := s.prepare()
	client := centerclient.New(s.main.URL,
		centerclient.WithCredentials(centerCode, centerPass),
		centerclient.WithHTTPClient(s.main.Client()),
	)
	pkg, err := client.DownloadPackage(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	grant, err := client.FetchGrant(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)

	centerPackages := pkgservice.New(pkgstore.NewInMemoryRosterStore(), pkgstore.NewInMemoryPackageStore())
	_, err = centerPackages.Install(s.ctx, pkg)
	s.Require().NoError(err)
	centerTokens := tokenservice.New(tokenstore.NewInMemory())
	s.Require().NoError(centerTokens.Import(s.ctx, grant))

	// Keys were never installed on this center.
	manager := sessionservice.New(sessionstore.NewInMemory(), centerTokens, centerPackages, opener.New(s.identity),
		sessionservice.WithLogger(s.logger))
	defer manager.Stop()
	lan := httptransport.NewRouter(s.logger, nil,
		httptransport.NewCenterHandler(manager, nil, config.DefaultLockdown(), s.center.ID, consoleToken, s.logger))

	compliant := map[string]any{
		"secure_browser": true, "cookies_enabled": true, "screen_width": 1920, "screen_height": 1080,
		"camera_available": true, "fullscreen": true,
	}
	admit := func(ua, candidate, roll string) int {
		return s.call(lan, http.MethodPost, "/panel/v1/sessions", map[string]any{
			"token": tokenValue, "candidate_id": candidate, "roll_number": roll, "compliance": compliant,
		}, map[string]string{"User-Agent": ua}, nil)
	}

	// Self-reported SEB without the SEB user agent is not corroborated.
	s.Equal(http.StatusForbidden, admit("Mozilla/5.0 Chrome/120.0", "C-1", "R-1"))
	s.Equal(http.StatusForbidden, admit(sebUA, "C-9", "R-9"))
	s.Equal(http.StatusBadRequest, s.call(lan, http.MethodPost, "/panel/v1/sessions", map[string]any{
		"candidate_id": "C-1",
	}, nil, nil))

	var session sessionmodels.Session
	s.Require().Equal(http.StatusCreated, s.call(lan, http.MethodPost, "/panel/v1/sessions", map[string]any{
		"token": tokenValue, "candidate_id": "C-2", "roll_number": "R-2", "compliance": compliant,
	}, map[string]string{"User-Agent": sebUA}, &session))

	// Without released keys the paper does not open and the session waits.
	s.Equal(http.StatusUnprocessableEntity, s.call(lan, http.MethodPost,
		"/panel/v1/sessions/"+session.ID.String()+"/begin", nil, nil, nil))

	s.Equal(http.StatusUnauthorized, s.call(lan, http.MethodPost,
		"/console/v1/sessions/"+session.ID.String()+"/terminate", map[string]string{"actor_id": "inv-7"}, nil, nil))
	var terminated sessionmodels.Session
	s.Require().Equal(http.StatusOK, s.call(lan, http.MethodPost,
		"/console/v1/sessions/"+session.ID.String()+"/terminate", map[string]string{"actor_id": "inv-7"},
		map[string]string{"X-Admin-Token": consoleToken}, &terminated))
	s.Equal(sessionmodels.StatusTerminated, terminated.Status)
	s.Equal(sessionmodels.ReasonAdminAction, terminated.TerminationReason)

	s.Equal(http.StatusNotFound, s.call(lan, http.MethodPost,
		"/panel/v1/sessions/"+uuid.NewString()+"/heartbeat", map[string]any{"sent_at": time.Now()}, nil, nil))
	s.Equal(http.StatusAccepted, s.call(lan, http.MethodPost, "/panel/v1/sessions/not-a-uuid/end", nil, nil, nil))

	var gate struct {
		Admitted bool `json:"admitted"`
	}
	s.Require().Equal(http.StatusOK, s.call(lan, http.MethodPost, "/panel/v1/compliance",
		map[string]any{"compliance": compliant}, map[string]string{"User-Agent": sebUA}, &gate))
	s.True(gate.Admitted)
}
