package lockout

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	lockoutstore "exambridge/internal/ratelimit/store/lockout"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	"exambridge/pkg/requestcontext"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []audit.Event
}

func (p *recordingPublisher) Emit(_ context.Context, e audit.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

type LockoutServiceSuite struct {
	suite.Suite
	audit   *recordingPublisher
	service *Service
	now     time.Time
}

func TestLockoutServiceSuite(t *testing.T) {
	suite.Run(t, new(LockoutServiceSuite))
}

func (s *LockoutServiceSuite) SetupTest() {
	s.audit = &recordingPublisher{}
	s.now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.service = New(lockoutstore.NewInMemoryStore(),
		WithConfig(Config{Attempts: 3, Window: 10 * time.Minute, LockDuration: 5 * time.Minute}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithAuditPublisher(s.audit),
	)
}

func (s *LockoutServiceSuite) at(offset time.Duration) context.Context {
	return requestcontext.WithTime(context.Background(), s.now.Add(offset))
}

func (s *LockoutServiceSuite) TestLocksAfterThreshold() {
	for i := range 3 {
		s.Require().NoError(s.service.Check(s.at(time.Duration(i)*time.Second), "DEL-01", "10.0.0.1"))
		s.Require().NoError(s.service.RecordFailure(s.at(time.Duration(i)*time.Second), "DEL-01", "10.0.0.1"))
	}

	err := s.service.Check(s.at(time.Minute), "del-01", "10.0.0.1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))
	s.Equal("too many failed logins; retry in 4m2s", dErrors.MessageOf(err))

	s.Require().Len(s.audit.events, 1)
	s.Equal(string(audit.EventCenterLoginLocked), s.audit.events[0].Action)
	s.Equal("DEL-01", s.audit.events[0].Subject)
}

func (s *LockoutServiceSuite) TestLockIsScopedToCodeAndIP() {
	for range 3 {
		s.Require().NoError(s.service.RecordFailure(s.at(0), "DEL-01", "10.0.0.1"))
	}
	s.NoError(s.service.Check(s.at(0), "DEL-01", "10.0.0.2"))
	s.NoError(s.service.Check(s.at(0), "DEL-02", "10.0.0.1"))
}

func (s *LockoutServiceSuite) TestLockExpires() {
	for range 3 {
		s.Require().NoError(s.service.RecordFailure(s.at(0), "DEL-01", "10.0.0.1"))
	}
	s.Error(s.service.Check(s.at(4*time.Minute), "DEL-01", "10.0.0.1"))
	s.NoError(s.service.Check(s.at(5*time.Minute), "DEL-01", "10.0.0.1"))
}

func (s *LockoutServiceSuite) TestFailuresOutsideWindowDoNotLock() {
	s.Require().NoError(s.service.RecordFailure(s.at(0), "DEL-01", "10.0.0.1"))
	s.Require().NoError(s.service.RecordFailure(s.at(time.Minute), "DEL-01", "10.0.0.1"))
	s.Require().NoError(s.service.RecordFailure(s.at(11*time.Minute), "DEL-01", "10.0.0.1"))
	s.NoError(s.service.Check(s.at(11*time.Minute), "DEL-01", "10.0.0.1"))
	s.Empty(s.audit.events)
}

func (s *LockoutServiceSuite) TestClearResetsFailures() {
	s.Require().NoError(s.service.RecordFailure(s.at(0), "DEL-01", "10.0.0.1"))
	s.Require().NoError(s.service.RecordFailure(s.at(0), "DEL-01", "10.0.0.1"))
	s.Require().NoError(s.service.Clear(s.at(0), "DEL-01", "10.0.0.1"))
	s.Require().NoError(s.service.RecordFailure(s.at(0), "DEL-01", "10.0.0.1"))
	s.NoError(s.service.Check(s.at(0), "DEL-01", "10.0.0.1"))
}
