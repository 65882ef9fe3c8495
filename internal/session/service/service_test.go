package service

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"exambridge/internal/compliance"
	pkgmodels "exambridge/internal/offlinepkg/models"
	papermodels "exambridge/internal/paper/models"
	"exambridge/internal/platform/config"
	"exambridge/internal/session/models"
	"exambridge/internal/session/store"
	tokenmodels "exambridge/internal/token/models"
	tokenservice "exambridge/internal/token/service"
	tokenstore "exambridge/internal/token/store"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	auditmemory "exambridge/pkg/platform/audit/store/memory"
	"exambridge/pkg/platform/clock"
)

const sebUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 SEB/3.7.1"

var shiftStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type ManagerSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.FakeClock
	store    *store.InMemoryStore
	audit    *auditmemory.InMemoryStore
	tokens   *tokenservice.Service
	packages *installed
	opener   *fakeOpener
	lockdown config.Lockdown
	manager  *Manager
	token    string
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.Fake(shiftStart)
	s.store = store.NewInMemory()
	s.audit = auditmemory.NewInMemoryStore()
	s.tokens = tokenservice.New(tokenstore.NewInMemory(), tokenservice.WithClock(s.clock))
	s.lockdown = config.DefaultLockdown()

	exam, shift, center := id.ExamID(uuid.New()), id.ShiftID(uuid.New()), id.CenterID(uuid.New())
	issued, err := s.tokens.Issue(s.ctx, tokenmodels.IssueRequest{
		ExamID:    exam,
		CenterID:  center,
		ShiftID:   shift,
		ExpiresAt: shiftStart.Add(6 * time.Hour),
		MaxUsage:  0,
	})
	s.Require().NoError(err)
	s.token = issued.Value

	s.packages = &installed{
		packageID: id.PackageID(uuid.New()),
		paper: papermodels.QuestionPaper{
			ID:              id.PaperID(uuid.New()),
			ExamID:          exam,
			DurationMinutes: 180,
		},
		roster: map[string]pkgmodels.Candidate{},
	}
	for _, c := range []string{"cand-1", "cand-2", "cand-3", "cand-4"} {
		s.packages.roster[c] = pkgmodels.Candidate{ExamID: exam, ShiftID: shift, CandidateID: c, RollNumber: "R-" + c}
	}
	s.opener = &fakeOpener{}
	s.newManager()
}

func (s *ManagerSuite) TearDownTest() {
	s.manager.Stop()
}

func (s *ManagerSuite) newManager() {
	s.manager = New(s.store, s.tokens, s.packages, s.opener,
		WithClock(s.clock),
		WithLockdown(s.lockdown),
		WithAuditPublisher(publisherFunc(s.audit.Append)),
	)
}

type publisherFunc func(ctx context.Context, event audit.Event) error

func (f publisherFunc) Emit(ctx context.Context, event audit.Event) error { return f(ctx, event) }

type installed struct {
	packageID id.PackageID
	paper     papermodels.QuestionPaper
	roster    map[string]pkgmodels.Candidate
}

func (p *installed) FindCandidate(_ context.Context, _ id.ExamID, _ id.ShiftID, candidateID string) (*pkgmodels.Candidate, error) {
	c, ok := p.roster[candidateID]
	if !ok {
		return nil, dErrors.New(dErrors.CodeCandidateNotInRoster, "candidate is not on the roster for this shift")
	}
	return &c, nil
}

func (p *installed) AssignPaper(context.Context, id.ExamID, id.ShiftID, string) (*papermodels.QuestionPaper, id.PackageID, error) {
	paper := p.paper
	return &paper, p.packageID, nil
}

func (p *installed) PaperByID(_ context.Context, _ id.ExamID, _ id.ShiftID, paperID id.PaperID) (*papermodels.QuestionPaper, error) {
	if paperID != p.paper.ID {
		return nil, dErrors.New(dErrors.CodeNotFound, "paper is not in the installed package")
	}
	paper := p.paper
	return &paper, nil
}

type fakeOpener struct {
	fail  atomic.Bool
	opens atomic.Int32
}

func (o *fakeOpener) Open(context.Context, *papermodels.QuestionPaper) ([]papermodels.Question, error) {
	o.opens.Add(1)
	if o.fail.Load() {
		return nil, dErrors.New(dErrors.CodeDecryptionFailed, "paper could not be decrypted")
	}
	return []papermodels.Question{{ID: "q1", Prompt: "2+2", Options: []string{"3", "4"}, Marks: 1}}, nil
}

func goodReport() compliance.Report {
	return compliance.Report{
		SecureBrowser:   true,
		CookiesEnabled:  true,
		ScreenWidth:     1920,
		ScreenHeight:    1080,
		CameraAvailable: true,
		Fullscreen:      true,
	}
}

func (s *ManagerSuite) admit(candidate string) *models.Session {
	session, err := s.manager.Admit(s.ctx, AdmitRequest{
		Token:       s.token,
		CandidateID: candidate,
		RollNumber:  "R-" + candidate,
		Report:      goodReport(),
		UserAgent:   sebUA,
	})
	s.Require().NoError(err)
	return session
}

func (s *ManagerSuite) begin(candidate string) *models.Session {
	session := s.admit(candidate)
	started, questions, err := s.manager.Begin(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Require().Len(questions, 1)
	return started
}

func (s *ManagerSuite) stored(sessionID id.SessionID) *models.Session {
	session, err := s.store.FindByID(s.ctx, sessionID)
	s.Require().NoError(err)
	return session
}

func (s *ManagerSuite) requireCode(err error, code dErrors.Code) {
	s.Require().Error(err)
	s.Equal(code, dErrors.CodeOf(err), "unexpected error: %v", err)
}

func (s *ManagerSuite) TestAdmit() {
	s.Run("creates a waiting session bound to the token scope", func() {
		session := s.admit("cand-1")
		s.Equal(models.StatusWaiting, session.Status)
		s.Equal(s.packages.packageID, session.PackageID)
		s.Equal("R-cand-1", session.RollNumber)
		s.False(session.CenterID.IsNil())
	})

	s.Run("compliance is checked before the token", func() {
		report := goodReport()
		report.CookiesEnabled = false
		_, err := s.manager.Admit(s.ctx, AdmitRequest{Token: "garbage", CandidateID: "cand-2", Report: report, UserAgent: sebUA})
		s.requireCode(err, dErrors.CodeComplianceFailed)
	})

	s.Run("secure browser claim without matching user agent", func() {
		_, err := s.manager.Admit(s.ctx, AdmitRequest{Token: s.token, CandidateID: "cand-2", Report: goodReport(), UserAgent: "curl/8.0"})
		s.requireCode(err, dErrors.CodeComplianceFailed)
	})

	s.Run("unknown token", func() {
		_, err := s.manager.Admit(s.ctx, AdmitRequest{Token: "garbage", CandidateID: "cand-2", Report: goodReport(), UserAgent: sebUA})
		s.requireCode(err, dErrors.CodeTokenInvalid)
	})

	s.Run("candidate outside the roster", func() {
		_, err := s.manager.Admit(s.ctx, AdmitRequest{Token: s.token, CandidateID: "stranger", Report: goodReport(), UserAgent: sebUA})
		s.requireCode(err, dErrors.CodeCandidateNotInRoster)
	})

	s.Run("roll number mismatch", func() {
		_, err := s.manager.Admit(s.ctx, AdmitRequest{Token: s.token, CandidateID: "cand-2", RollNumber: "R-999", Report: goodReport(), UserAgent: sebUA})
		s.requireCode(err, dErrors.CodeCandidateNotInRoster)
	})

	s.Run("one live session per candidate", func() {
		_, err := s.manager.Admit(s.ctx, AdmitRequest{Token: s.token, CandidateID: "cand-1", Report: goodReport(), UserAgent: sebUA})
		s.requireCode(err, dErrors.CodeConflict)
	})
}

func (s *ManagerSuite) TestBegin() {
	s.Run("fails closed when the paper cannot be opened", func() {
		session := s.admit("cand-1")
		s.opener.fail.Store(true)
		defer s.opener.fail.Store(false)

		_, _, err := s.manager.Begin(s.ctx, session.ID)
		s.requireCode(err, dErrors.CodeDecryptionFailed)
		s.Equal(models.StatusWaiting, s.stored(session.ID).Status)
		s.Zero(s.clock.PendingCount())
	})

	s.Run("arms timers and records the end time", func() {
		session := s.begin("cand-2")
		s.Equal(models.StatusInProgress, session.Status)
		s.Require().NotNil(session.EndsAt)
		s.True(session.EndsAt.Equal(s.clock.Now().Add(180 * time.Minute)))
		s.Equal(s.packages.paper.ID, session.PaperID)
	})

	s.Run("repeat begin returns the paper again", func() {
		session := s.begin("cand-3")
		pending := s.clock.PendingCount()

		again, questions, err := s.manager.Begin(s.ctx, session.ID)
		s.Require().NoError(err)
		s.Len(questions, 1)
		s.Equal(session.StartedAt, again.StartedAt)
		s.Equal(pending, s.clock.PendingCount())
	})

	s.Run("unknown session", func() {
		_, _, err := s.manager.Begin(s.ctx, id.SessionID(uuid.New()))
		s.requireCode(err, dErrors.CodeSessionNotFound)
	})
}

func (s *ManagerSuite) TestHeartbeatTimeout() {
	session := s.begin("cand-1")

	s.clock.Advance(s.lockdown.GraceWindow() - time.Second)
	s.Equal(models.StatusInProgress, s.stored(session.ID).Status)

	s.clock.Advance(time.Second)
	ended := s.stored(session.ID)
	s.Equal(models.StatusTerminated, ended.Status)
	s.Equal(models.ReasonHeartbeatTimeout, ended.TerminationReason)
	s.Zero(s.clock.PendingCount())

	_, err := s.manager.Submit(s.ctx, session.ID, map[string]string{"q1": "4"})
	s.requireCode(err, dErrors.CodeSessionTerminal)
	s.requireCode(s.manager.Heartbeat(s.ctx, session.ID, s.clock.Now()), dErrors.CodeSessionTerminal)
}

// TestSteadyHeartbeatsThenSubmit runs five minutes of ten-second heartbeats.
// The session must never time out and must end SUBMITTED.
func (s *ManagerSuite) TestSteadyHeartbeatsThenSubmit() {
	session := s.begin("cand-1")

	for range 30 {
		s.clock.Advance(10 * time.Second)
		s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, s.clock.Now()))
		s.Require().Equal(models.StatusInProgress, s.stored(session.ID).Status)
	}

	submitted, err := s.manager.Submit(s.ctx, session.ID, map[string]string{"q1": "4"})
	s.Require().NoError(err)
	s.Equal(models.StatusSubmitted, submitted.Status)
	s.Equal(models.ReasonNone, submitted.TerminationReason)
	s.Equal(map[string]string{"q1": "4"}, submitted.Answers)

	s.clock.Advance(time.Hour)
	s.Equal(models.StatusSubmitted, s.stored(session.ID).Status)
}

func (s *ManagerSuite) TestHeartbeatIsMonotonic() {
	session := s.begin("cand-1")

	s.clock.Advance(20 * time.Second)
	sent := s.clock.Now()
	s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, sent))
	received := *s.stored(session.ID).LastHeartbeatAt

	s.clock.Advance(time.Second)
	s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, sent.Add(-5*time.Second)))
	s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, sent))
	s.True(s.stored(session.ID).LastHeartbeatAt.Equal(received), "stale heartbeats are ignored")

	ahead := sent.Add(time.Hour)
	s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, ahead))
	stored := s.stored(session.ID)
	s.True(stored.LastHeartbeatAt.Equal(s.clock.Now()), "liveness uses the receive time")
	s.True(stored.LastHeartbeatSentAt.Equal(ahead))

	// A stale heartbeat does not extend the deadline.
	s.clock.Advance(s.lockdown.GraceWindow() - time.Second)
	s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, ahead.Add(-time.Minute)))
	s.clock.Advance(time.Second)
	s.Equal(models.StatusTerminated, s.stored(session.ID).Status)
}

// TestHeartbeatWithSkewedTerminalClock sends steady heartbeats from terminals
// whose clocks are minutes off the center's. Neither may time out.
func (s *ManagerSuite) TestHeartbeatWithSkewedTerminalClock() {
	for name, skew := range map[string]time.Duration{
		"terminal clock behind": -2 * time.Minute,
		"terminal clock ahead":  2 * time.Minute,
	} {
		s.Run(name, func() {
			s.TearDownTest()
			s.SetupTest()
			session := s.begin("cand-1")

			for range 30 {
				s.clock.Advance(10 * time.Second)
				s.Require().NoError(s.manager.Heartbeat(s.ctx, session.ID, s.clock.Now().Add(skew)))
				s.Require().Equal(models.StatusInProgress, s.stored(session.ID).Status)
			}
			s.True(s.stored(session.ID).LastHeartbeatAt.Equal(s.clock.Now()))

			s.clock.Advance(s.lockdown.GraceWindow())
			ended := s.stored(session.ID)
			s.Equal(models.StatusTerminated, ended.Status)
			s.Equal(models.ReasonHeartbeatTimeout, ended.TerminationReason)
		})
	}
}

func (s *ManagerSuite) TestDurationElapsed() {
	s.packages.paper.DurationMinutes = 1

	s.Run("auto-submits with the saved answers", func() {
		session := s.begin("cand-1")
		s.Require().NoError(s.manager.SaveAnswers(s.ctx, session.ID, map[string]string{"q1": "4"}))

		s.clock.Advance(time.Minute)
		ended := s.stored(session.ID)
		s.Equal(models.StatusSubmitted, ended.Status)
		s.Equal(map[string]string{"q1": "4"}, ended.Answers)
	})

	s.Run("terminates when auto-submit is off", func() {
		s.lockdown.AutoSubmitOnTimeout = false
		s.newManager()
		session := s.begin("cand-2")

		s.clock.Advance(time.Minute)
		ended := s.stored(session.ID)
		s.Equal(models.StatusTerminated, ended.Status)
		s.Equal(models.ReasonDurationElapsed, ended.TerminationReason)
	})
}

func (s *ManagerSuite) TestEnvironmentViolation() {
	session := s.begin("cand-1")

	updated, err := s.manager.ReportEnvironment(s.ctx, session.ID, models.EnvironmentEvent{Kind: models.EnvFocusLost, At: s.clock.Now()})
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, updated.Status)

	updated, err = s.manager.ReportEnvironment(s.ctx, session.ID, models.EnvironmentEvent{Kind: models.EnvFullscreenExit, At: s.clock.Now()})
	s.Require().NoError(err)
	s.Equal(models.StatusTerminated, updated.Status)
	s.Equal(models.ReasonEnvironmentViolation, updated.TerminationReason)

	events, err := s.audit.ListAll(s.ctx)
	s.Require().NoError(err)
	var terminated []audit.Event
	for _, e := range events {
		if e.Action == string(audit.EventSessionTerminated) {
			terminated = append(terminated, e)
		}
	}
	s.Require().Len(terminated, 1)
	s.Equal(string(models.ReasonEnvironmentViolation), terminated[0].Reason)
}

func (s *ManagerSuite) TestEndAndTerminate() {
	s.Run("end hint terminates a live session", func() {
		session := s.begin("cand-1")
		s.manager.End(s.ctx, session.ID)
		ended := s.stored(session.ID)
		s.Equal(models.StatusTerminated, ended.Status)
		s.Equal(models.ReasonClientEnded, ended.TerminationReason)
	})

	s.Run("end hint on unknown or ended sessions is silent", func() {
		s.manager.End(s.ctx, id.SessionID(uuid.New()))
		session := s.begin("cand-2")
		_, err := s.manager.Submit(s.ctx, session.ID, nil)
		s.Require().NoError(err)
		s.manager.End(s.ctx, session.ID)
		s.Equal(models.StatusSubmitted, s.stored(session.ID).Status)
	})

	s.Run("invigilator terminates a waiting session", func() {
		session := s.admit("cand-3")
		ended, err := s.manager.Terminate(s.ctx, session.ID, "invigilator-7")
		s.Require().NoError(err)
		s.Equal(models.ReasonAdminAction, ended.TerminationReason)

		_, err = s.manager.Terminate(s.ctx, session.ID, "invigilator-7")
		s.requireCode(err, dErrors.CodeSessionTerminal)

		again := s.admit("cand-3")
		s.NotEqual(session.ID, again.ID)
	})

	s.Run("submit before begin", func() {
		session := s.admit("cand-4")
		_, err := s.manager.Submit(s.ctx, session.ID, nil)
		s.requireCode(err, dErrors.CodeConflict)
	})
}

func (s *ManagerSuite) TestRecover() {
	fresh := s.begin("cand-1")
	stale := s.begin("cand-2")
	s.manager.Stop()
	s.Zero(s.clock.PendingCount())

	// cand-1 kept heartbeating right up to the restart.
	s.clock.Advance(time.Minute)
	current := s.stored(fresh.ID)
	now := s.clock.Now()
	current.LastHeartbeatAt = &now
	s.Require().NoError(s.store.Update(s.ctx, current))
	s.clock.Advance(time.Minute)

	s.newManager()
	rearmed, err := s.manager.Recover(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, rearmed)

	s.Equal(models.StatusTerminated, s.stored(stale.ID).Status)
	s.Equal(models.StatusInProgress, s.stored(fresh.ID).Status)

	s.clock.Advance(s.lockdown.GraceWindow())
	ended := s.stored(fresh.ID)
	s.Equal(models.StatusTerminated, ended.Status)
	s.Equal(models.ReasonHeartbeatTimeout, ended.TerminationReason)
}

func (s *ManagerSuite) TestSweepBacksUpTimers() {
	session := s.begin("cand-1")
	s.manager.Stop()

	s.clock.Advance(s.lockdown.GraceWindow())
	s.Equal(models.StatusInProgress, s.stored(session.ID).Status)

	ended, err := s.manager.Sweep(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, ended)
	s.Equal(models.ReasonHeartbeatTimeout, s.stored(session.ID).TerminationReason)
}

func (s *ManagerSuite) TestRunSweepsOnTicks() {
	session := s.begin("cand-1")
	s.manager.Stop()
	s.clock.Advance(s.lockdown.GraceWindow())

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.manager.Run(ctx, 5*time.Second) }()

	s.clock.WaitForTimers(1)
	s.clock.Advance(5 * time.Second)
	s.Eventually(func() bool {
		return s.stored(session.ID).Status == models.StatusTerminated
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

// TestRacingTransitionsEndOnce submits and terminates the same sessions
// from many goroutines; exactly one transition wins per session.
func (s *ManagerSuite) TestRacingTransitionsEndOnce() {
	sessions := []*models.Session{s.begin("cand-1"), s.begin("cand-2"), s.begin("cand-3")}

	for _, session := range sessions {
		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		for i := range 20 {
			wg.Go(func() {
				var err error
				switch i % 3 {
				case 0:
					_, err = s.manager.Submit(s.ctx, session.ID, map[string]string{"q1": "4"})
				case 1:
					_, err = s.manager.Terminate(s.ctx, session.ID, "invigilator")
				default:
					err = s.manager.Heartbeat(s.ctx, session.ID, s.clock.Now())
					if err == nil {
						return
					}
				}
				if err == nil {
					wins.Add(1)
					return
				}
				s.Equal(dErrors.CodeSessionTerminal, dErrors.CodeOf(err))
			})
		}
		wg.Wait()
		s.Equal(int32(1), wins.Load())
		s.True(s.stored(session.ID).Status.IsTerminal())
	}
	s.Zero(s.clock.PendingCount())
}

// TestTerminalStatesAbsorb drives random operation sequences and checks
// that a session never leaves SUBMITTED or TERMINATED.
func (s *ManagerSuite) TestTerminalStatesAbsorb() {
	rng := rand.New(rand.NewPCG(7, 11))
	candidates := []string{"cand-1", "cand-2", "cand-3", "cand-4"}

	for round := range 25 {
		candidate := candidates[round%len(candidates)]
		session := s.admit(candidate)
		var terminal models.Status

		for range 12 {
			switch rng.IntN(7) {
			case 0:
				_, _, _ = s.manager.Begin(s.ctx, session.ID)
			case 1:
				_ = s.manager.Heartbeat(s.ctx, session.ID, s.clock.Now())
			case 2:
				_, _ = s.manager.Submit(s.ctx, session.ID, nil)
			case 3:
				_, _ = s.manager.Terminate(s.ctx, session.ID, "invigilator")
			case 4:
				s.manager.End(s.ctx, session.ID)
			case 5:
				_, _ = s.manager.ReportEnvironment(s.ctx, session.ID, models.EnvironmentEvent{Kind: models.EnvFullscreenExit})
			default:
				s.clock.Advance(time.Duration(rng.IntN(120)) * time.Second)
			}

			status := s.stored(session.ID).Status
			if terminal != "" {
				s.Require().Equal(terminal, status, "round %d left a terminal state", round)
			} else if status.IsTerminal() {
				terminal = status
			}
		}
		if terminal == "" {
			_, _ = s.manager.Terminate(s.ctx, session.ID, "invigilator")
		}
	}
}
