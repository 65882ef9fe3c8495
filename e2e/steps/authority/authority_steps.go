package authority

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cucumber/godog"
	"github.com/google/uuid"
)

// testRecipient is a well-formed age recipient. The e2e suite never opens
// papers, so nothing needs the matching identity.
const testRecipient = "age1ra90w8eta8ueu2sl0j6dyv0dtnpj2kggpzn2s9m7l43pgwzq3mhsd5ctyc"

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any, headers map[string]string) error
	PUT(path string, body any, headers map[string]string) error
	Status() int
	StringField(name string) (string, error)
	Body() string
	Set(key, value string)
	Get(key string) string
	AdminToken() string
}

// RegisterSteps registers exam authority admin steps
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &authoritySteps{tc: tc}

	ctx.Step(`^a new exam shift$`, steps.newExamShift)
	ctx.Step(`^I register center "([^"]*)" with password "([^"]*)"$`, steps.registerCenter)
	ctx.Step(`^I issue an access token for the center with max usage (\d+)$`, steps.issueToken)
	ctx.Step(`^I upload a roster of (\d+) candidates$`, steps.uploadRoster)
	ctx.Step(`^I create paper "([^"]*)" with (\d+) questions$`, steps.createPaper)
	ctx.Step(`^I generate the offline package$`, steps.generatePackage)
	ctx.Step(`^I release the paper keys for a shift starting in (\d+) minutes$`, steps.releaseKeys)
	ctx.Step(`^I request a package without admin credentials$`, steps.generateWithoutAdmin)
}

type authoritySteps struct {
	tc TestContext
}

func (s *authoritySteps) admin() map[string]string {
	return map[string]string{"X-Admin-Token": s.tc.AdminToken()}
}

func (s *authoritySteps) shiftPath(leaf string) string {
	return "/admin/v1/exams/" + s.tc.Get("exam_id") + "/shifts/" + s.tc.Get("shift_id") + "/" + leaf
}

func (s *authoritySteps) newExamShift(context.Context) error {
	s.tc.Set("exam_id", uuid.NewString())
	s.tc.Set("shift_id", uuid.NewString())
	return nil
}

func (s *authoritySteps) registerCenter(_ context.Context, code, password string) error {
	// Codes are unique per deployment, so every scenario gets its own.
	code = fmt.Sprintf("%s-%s", code, strings.ToUpper(uuid.NewString()[:6]))
	err := s.tc.POST("/admin/v1/centers", map[string]any{
		"code":          code,
		"name":          "E2E Hall " + code,
		"password":      password,
		"age_recipient": testRecipient,
		"seats":         30,
		"computers":     32,
	}, s.admin())
	if err != nil {
		return err
	}
	if s.tc.Status() != 201 {
		return fmt.Errorf("register center: status %d: %s", s.tc.Status(), s.tc.Body())
	}
	centerID, err := s.tc.StringField("id")
	if err != nil {
		return err
	}
	s.tc.Set("center_id", centerID)
	s.tc.Set("center_code", strings.ToUpper(code))
	s.tc.Set("center_password", password)
	return nil
}

func (s *authoritySteps) issueToken(_ context.Context, maxUsage int) error {
	err := s.tc.POST("/admin/v1/tokens", map[string]any{
		"exam_id":   s.tc.Get("exam_id"),
		"center_id": s.tc.Get("center_id"),
		"shift_id":  s.tc.Get("shift_id"),
		"max_usage": maxUsage,
	}, s.admin())
	if err != nil {
		return err
	}
	if s.tc.Status() == 201 {
		value, err := s.tc.StringField("token")
		if err != nil {
			return err
		}
		s.tc.Set("access_token", value)
	}
	return nil
}

func (s *authoritySteps) uploadRoster(_ context.Context, n int) error {
	candidates := make([]map[string]string, n)
	for i := range candidates {
		candidates[i] = map[string]string{
			"candidate_id": fmt.Sprintf("C-%03d", i+1),
			"roll_number":  fmt.Sprintf("R-%03d", i+1),
			"name":         fmt.Sprintf("Candidate %d", i+1),
		}
	}
	return s.tc.PUT(s.shiftPath("candidates"), map[string]any{"candidates": candidates}, s.admin())
}

func (s *authoritySteps) createPaper(_ context.Context, code string, n int) error {
	questions := make([]map[string]any, n)
	for i := range questions {
		questions[i] = map[string]any{
			"id":      fmt.Sprintf("q%d", i+1),
			"prompt":  fmt.Sprintf("Question %d", i+1),
			"options": []string{"A", "B", "C", "D"},
			"marks":   1,
		}
	}
	return s.tc.POST("/admin/v1/papers", map[string]any{
		"exam_id":          s.tc.Get("exam_id"),
		"code":             code,
		"duration_minutes": 60,
		"questions":        questions,
	}, s.admin())
}

func (s *authoritySteps) generatePackage(context.Context) error {
	return s.tc.POST(s.shiftPath("packages"), nil, s.admin())
}

func (s *authoritySteps) releaseKeys(_ context.Context, minutes int) error {
	return s.tc.POST(s.shiftPath("release"), map[string]any{
		"center_id":       s.tc.Get("center_id"),
		"shift_starts_at": time.Now().Add(time.Duration(minutes) * time.Minute).UTC().Format(time.RFC3339),
	}, s.admin())
}

func (s *authoritySteps) generateWithoutAdmin(context.Context) error {
	return s.tc.POST(s.shiftPath("packages"), nil, nil)
}
