package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/crypto/bcrypt"

	"exambridge/internal/center/models"
	"exambridge/internal/center/store"
	jwttoken "exambridge/internal/jwt_token"
	"exambridge/internal/paper/sealed"
	"exambridge/internal/ratelimit/service/lockout"
	lockoutstore "exambridge/internal/ratelimit/store/lockout"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/audit"
	auditmemory "exambridge/pkg/platform/audit/store/memory"
	"exambridge/pkg/platform/clock"
	"exambridge/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	ctx       context.Context
	clock     *clock.FakeClock
	audit     *auditmemory.InMemoryStore
	jwt       *jwttoken.JWTService
	svc       *Service
	recipient string
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.Fake(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))
	s.audit = auditmemory.NewInMemoryStore()
	s.jwt = jwttoken.NewJWTService("center-signing-key", "exambridge", "center-api").WithNow(s.clock.Now)
	s.svc = New(store.NewInMemory(), s.jwt,
		WithClock(s.clock),
		WithBcryptCost(bcrypt.MinCost),
		WithAuditPublisher(publisherFunc(s.audit.Append)),
	)
	_, recipient, err := sealed.GenerateIdentity()
	s.Require().NoError(err)
	s.recipient = recipient
}

type publisherFunc func(ctx context.Context, event audit.Event) error

func (f publisherFunc) Emit(ctx context.Context, event audit.Event) error { return f(ctx, event) }

func (s *ServiceSuite) register(code string) *models.Center {
	center, err := s.svc.Register(s.ctx, models.RegisterRequest{
		Code:         code,
		Name:         "Government College " + code,
		Password:     "correct horse battery",
		AgeRecipient: s.recipient,
		Seats:        120,
		Computers:    110,
	})
	s.Require().NoError(err)
	return center
}

func (s *ServiceSuite) TestRegister() {
	s.Run("normalizes the code and hashes the password", func() {
		center := s.register(" del-01 ")
		s.Equal("DEL-01", center.Code)
		s.NotContains(string(center.PasswordHash), "correct horse")
		s.NoError(bcrypt.CompareHashAndPassword(center.PasswordHash, []byte("correct horse battery")))
	})

	s.Run("duplicate code", func() {
		_, err := s.svc.Register(s.ctx, models.RegisterRequest{
			Code: "DEL-01", Name: "Other", Password: "another password", AgeRecipient: s.recipient,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})

	s.Run("validation", func() {
		cases := map[string]models.RegisterRequest{
			"short password": {Code: "X", Name: "X", Password: "short", AgeRecipient: s.recipient},
			"bad recipient":  {Code: "X", Name: "X", Password: "long enough pw", AgeRecipient: "age1nope"},
			"missing name":   {Code: "X", Password: "long enough pw", AgeRecipient: s.recipient},
		}
		for name, req := range cases {
			_, err := s.svc.Register(s.ctx, req)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), name)
		}
	})
}

func (s *ServiceSuite) TestLogin() {
	center := s.register("BOM-02")

	s.Run("issues a token naming the center", func() {
		result, err := s.svc.Login(s.ctx, models.LoginRequest{Code: "bom-02", Password: "correct horse battery"})
		s.Require().NoError(err)
		s.Equal("Bearer", result.TokenType)
		s.Equal(s.clock.Now().Add(12*time.Hour), result.ExpiresAt)

		claims, err := s.jwt.ValidateToken(result.AccessToken)
		s.Require().NoError(err)
		s.Equal(center.ID.String(), claims.CenterID)
	})

	s.Run("wrong password and unknown code look the same", func() {
		_, errWrong := s.svc.Login(s.ctx, models.LoginRequest{Code: "BOM-02", Password: "nope"})
		_, errUnknown := s.svc.Login(s.ctx, models.LoginRequest{Code: "ZZZ", Password: "nope"})
		s.True(dErrors.HasCode(errWrong, dErrors.CodeUnauthorized))
		s.Equal(dErrors.MessageOf(errWrong), dErrors.MessageOf(errUnknown))
	})

	s.Run("token expires with the clock", func() {
		result, err := s.svc.Login(s.ctx, models.LoginRequest{Code: "BOM-02", Password: "correct horse battery"})
		s.Require().NoError(err)
		s.clock.Advance(13 * time.Hour)
		_, err = s.jwt.ValidateToken(result.AccessToken)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	events, err := s.audit.ListByCenter(s.ctx, center.ID)
	s.Require().NoError(err)
	var failed int
	for _, e := range events {
		if e.Action == string(audit.EventCenterLoginFailed) {
			failed++
		}
	}
	s.Equal(1, failed)
}

func (s *ServiceSuite) TestLoginLockout() {
	guard := lockout.New(lockoutstore.NewInMemoryStore(),
		lockout.WithConfig(lockout.Config{Attempts: 2, Window: time.Minute, LockDuration: 10 * time.Minute}),
	)
	s.svc = New(store.NewInMemory(), s.jwt,
		WithClock(s.clock),
		WithBcryptCost(bcrypt.MinCost),
		WithLoginGuard(guard),
	)
	s.register("CCU-04")

	now := s.clock.Now()
	from := func(ip string, offset time.Duration) context.Context {
		ctx := requestcontext.WithClientMetadata(s.ctx, ip, "")
		return requestcontext.WithTime(ctx, now.Add(offset))
	}
	good := models.LoginRequest{Code: "CCU-04", Password: "correct horse battery"}
	bad := models.LoginRequest{Code: "CCU-04", Password: "guess"}

	s.Run("success clears earlier failures", func() {
		_, err := s.svc.Login(from("10.0.0.1", 0), bad)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		_, err = s.svc.Login(from("10.0.0.1", 0), good)
		s.Require().NoError(err)
		_, err = s.svc.Login(from("10.0.0.1", 0), bad)
		s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		_, err = s.svc.Login(from("10.0.0.1", 0), good)
		s.Require().NoError(err)
	})

	s.Run("locked pair is refused even with the right password", func() {
		for range 2 {
			_, err := s.svc.Login(from("10.0.0.2", 0), bad)
			s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		}
		_, err := s.svc.Login(from("10.0.0.2", time.Minute), good)
		s.True(dErrors.HasCode(err, dErrors.CodeRateLimited))

		_, err = s.svc.Login(from("10.0.0.3", time.Minute), good)
		s.NoError(err, "other clients are not affected")

		_, err = s.svc.Login(from("10.0.0.2", 10*time.Minute), good)
		s.NoError(err)
	})
}

func (s *ServiceSuite) TestSyncCountersAndRecipient() {
	center := s.register("MAA-03")

	recipient, err := s.svc.AgeRecipient(s.ctx, center.ID)
	s.Require().NoError(err)
	s.Equal(s.recipient, recipient)

	at := s.clock.Now()
	s.Require().NoError(s.svc.UpdateSyncCounters(s.ctx, center.ID, 40, 2, at))
	got, err := s.svc.Get(s.ctx, center.ID)
	s.Require().NoError(err)
	s.Equal(40, got.SyncedCount)
	s.Equal(2, got.UnsyncedCount)
	s.Require().NotNil(got.LastSyncAt)

	err = s.svc.UpdateSyncCounters(s.ctx, id.CenterID(uuid.New()), 1, 0, at)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.svc.AgeRecipient(s.ctx, id.CenterID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
