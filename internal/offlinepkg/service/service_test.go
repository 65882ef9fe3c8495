package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"exambridge/internal/offlinepkg/models"
	"exambridge/internal/offlinepkg/store"
	papermodels "exambridge/internal/paper/models"
	id "exambridge/pkg/domain"
	dErrors "exambridge/pkg/domain-errors"
	"exambridge/pkg/platform/clock"
)

type paperList []*papermodels.QuestionPaper

func (p paperList) ActivePapers(_ context.Context, examID id.ExamID) ([]*papermodels.QuestionPaper, error) {
	var out []*papermodels.QuestionPaper
	for _, paper := range p {
		if paper.ExamID == examID {
			out = append(out, paper)
		}
	}
	return out, nil
}

type ServiceSuite struct {
	suite.Suite
	ctx      context.Context
	clock    *clock.FakeClock
	packages *store.InMemoryPackageStore
	papers   paperList
	svc      *Service
	exam     id.ExamID
	shift    id.ShiftID
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = clock.Fake(time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC))
	s.packages = store.NewInMemoryPackageStore()
	s.exam = id.ExamID(uuid.New())
	s.shift = id.ShiftID(uuid.New())
	s.papers = paperList{
		{ID: id.PaperID(uuid.New()), ExamID: s.exam, Code: "A", Version: 1, Language: "en", Active: true, Ciphertext: []byte("ct-a"), DurationMinutes: 60},
		{ID: id.PaperID(uuid.New()), ExamID: s.exam, Code: "B", Version: 1, Language: "en", Active: true, Ciphertext: []byte("ct-b"), DurationMinutes: 60},
	}
	s.svc = New(store.NewInMemoryRosterStore(), s.packages, WithClock(s.clock), WithPaperSource(s.papers))
}

func (s *ServiceSuite) roster(n int) []models.Candidate {
	out := make([]models.Candidate, n)
	for i := range out {
		out[i] = models.Candidate{CandidateID: uuid.NewString(), RollNumber: uuid.NewString()[:8]}
	}
	return out
}

func (s *ServiceSuite) TestGeneratePreconditions() {
	s.Run("empty roster", func() {
		_, err := s.svc.Generate(s.ctx, s.exam, s.shift)
		s.True(dErrors.HasCode(err, dErrors.CodeNoCandidates))
	})

	s.Run("no active paper", func() {
		otherExam := id.ExamID(uuid.New())
		_, err := s.svc.UploadCandidates(s.ctx, otherExam, s.shift, s.roster(3))
		s.Require().NoError(err)
		_, err = s.svc.Generate(s.ctx, otherExam, s.shift)
		s.True(dErrors.HasCode(err, dErrors.CodeNoActivePaper))

		_, err = s.packages.Latest(s.ctx, otherExam, s.shift)
		s.Error(err, "a failed generation publishes nothing")
	})

	s.Run("roster validation", func() {
		_, err := s.svc.UploadCandidates(s.ctx, s.exam, s.shift, []models.Candidate{
			{CandidateID: "C1", RollNumber: "R1"}, {CandidateID: "C1", RollNumber: "R2"},
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *ServiceSuite) TestGenerateVersions() {
	_, err := s.svc.UploadCandidates(s.ctx, s.exam, s.shift, s.roster(30))
	s.Require().NoError(err)

	first, err := s.svc.Generate(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	s.Equal(1, first.Version)
	s.Equal(models.StatusReady, first.Status)
	s.Equal(models.SyncStatusNotSynced, first.SyncStatus)
	s.Equal(int64(len(first.Bundle)), first.SizeBytes)

	s.clock.Advance(time.Minute)
	second, err := s.svc.Generate(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	s.Equal(2, second.Version)

	old, err := s.packages.FindByID(s.ctx, first.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusSuperseded, old.Status)
	s.Equal(first.Digest, old.Digest, "superseded packages keep their content")

	latest, err := s.svc.Latest(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)
	s.Equal(second.ID, latest.ID)

	_, err = s.svc.Download(s.ctx, first.ID)
	s.NoError(err, "superseded packages stay downloadable")

	b, err := DecodeBundle(second)
	s.Require().NoError(err)
	s.Len(b.Candidates, 30)
	s.Len(b.Papers, 2)
}

func (s *ServiceSuite) TestConcurrentDownloadsAreCounted() {
	_, err := s.svc.UploadCandidates(s.ctx, s.exam, s.shift, s.roster(1))
	s.Require().NoError(err)
	pkg, err := s.svc.Generate(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)

	var wg sync.WaitGroup
	for range 40 {
		wg.Go(func() {
			_, err := s.svc.DownloadLatest(s.ctx, s.exam, s.shift)
			s.NoError(err)
		})
	}
	wg.Wait()

	got, err := s.packages.FindByID(s.ctx, pkg.ID)
	s.Require().NoError(err)
	s.Equal(40, got.DownloadCount)
}

func (s *ServiceSuite) TestMarkShiftSynced() {
	_, err := s.svc.UploadCandidates(s.ctx, s.exam, s.shift, s.roster(1))
	s.Require().NoError(err)
	pkg, err := s.svc.Generate(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)

	s.Require().NoError(s.svc.MarkShiftSynced(s.ctx, s.exam, s.shift))
	got, err := s.packages.FindByID(s.ctx, pkg.ID)
	s.Require().NoError(err)
	s.Equal(models.SyncStatusSynced, got.SyncStatus)

	err = s.svc.MarkShiftSynced(s.ctx, s.exam, id.ShiftID(uuid.New()))
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

// TestInstallOnCenter moves a package from the main server to a fresh
// center-tier service.
func (s *ServiceSuite) TestInstallOnCenter() {
	roster := s.roster(5)
	_, err := s.svc.UploadCandidates(s.ctx, s.exam, s.shift, roster)
	s.Require().NoError(err)
	pkg, err := s.svc.Generate(s.ctx, s.exam, s.shift)
	s.Require().NoError(err)

	center := New(store.NewInMemoryRosterStore(), store.NewInMemoryPackageStore())
	_, _, err = center.Installed(s.ctx, s.exam, s.shift)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))

	_, err = center.Install(s.ctx, pkg)
	s.Require().NoError(err)

	c, err := center.FindCandidate(s.ctx, s.exam, s.shift, roster[2].CandidateID)
	s.Require().NoError(err)
	s.Equal(roster[2].RollNumber, c.RollNumber)

	_, err = center.FindCandidate(s.ctx, s.exam, s.shift, "walk-in")
	s.True(dErrors.HasCode(err, dErrors.CodeCandidateNotInRoster))

	paper, packageID, err := center.AssignPaper(s.ctx, s.exam, s.shift, roster[0].CandidateID)
	s.Require().NoError(err)
	s.Equal(pkg.ID, packageID)
	again, _, err := center.AssignPaper(s.ctx, s.exam, s.shift, roster[0].CandidateID)
	s.Require().NoError(err)
	s.Equal(paper.ID, again.ID)

	byID, err := center.PaperByID(s.ctx, s.exam, s.shift, paper.ID)
	s.Require().NoError(err)
	s.Equal(paper.Ciphertext, byID.Ciphertext)

	s.Run("tampered package is refused", func() {
		tampered := *pkg
		tampered.Bundle = append([]byte(nil), pkg.Bundle...)
		tampered.Bundle[0] ^= 0xff
		_, err := center.Install(s.ctx, &tampered)
		s.True(dErrors.HasCode(err, dErrors.CodeInvariantViolation))
	})
}
