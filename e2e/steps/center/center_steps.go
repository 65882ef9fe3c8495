package center

import (
	"context"
	"fmt"

	"github.com/cucumber/godog"
)

// TestContext interface defines the methods needed from the main test context
type TestContext interface {
	POST(path string, body any, headers map[string]string) error
	GET(path string, headers map[string]string) error
	Status() int
	StringField(name string) (string, error)
	Body() string
	Set(key, value string)
	Get(key string) string
}

// RegisterSteps registers steps a center admin performs against the main
// server
func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &centerSteps{tc: tc}

	ctx.Step(`^the center logs in$`, steps.login)
	ctx.Step(`^the center logs in with password "([^"]*)"$`, steps.loginWithPassword)
	ctx.Step(`^the center downloads the package$`, steps.downloadPackage)
	ctx.Step(`^the center fetches the token grant$`, steps.fetchGrant)
	ctx.Step(`^the center fetches the key release$`, steps.fetchRelease)
	ctx.Step(`^the center downloads the package without logging in$`, steps.downloadWithoutLogin)
	ctx.Step(`^I validate the issued access token$`, steps.validateToken)
	ctx.Step(`^the response field "([^"]*)" should equal the registered center$`, steps.fieldIsCenter)
}

type centerSteps struct {
	tc TestContext
}

func (s *centerSteps) bearer() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.tc.Get("center_bearer")}
}

func (s *centerSteps) shiftPath(leaf string) string {
	return "/center/v1/exams/" + s.tc.Get("exam_id") + "/shifts/" + s.tc.Get("shift_id") + "/" + leaf
}

func (s *centerSteps) login(ctx context.Context) error {
	if err := s.loginWithPassword(ctx, s.tc.Get("center_password")); err != nil {
		return err
	}
	if s.tc.Status() != 200 {
		return fmt.Errorf("center login: status %d: %s", s.tc.Status(), s.tc.Body())
	}
	return nil
}

func (s *centerSteps) loginWithPassword(_ context.Context, password string) error {
	err := s.tc.POST("/center/v1/login", map[string]string{
		"code":     s.tc.Get("center_code"),
		"password": password,
	}, nil)
	if err != nil {
		return err
	}
	if s.tc.Status() == 200 {
		token, err := s.tc.StringField("access_token")
		if err != nil {
			return err
		}
		s.tc.Set("center_bearer", token)
	}
	return nil
}

func (s *centerSteps) downloadPackage(context.Context) error {
	return s.tc.GET(s.shiftPath("package"), s.bearer())
}

func (s *centerSteps) fetchGrant(context.Context) error {
	return s.tc.GET(s.shiftPath("token"), s.bearer())
}

func (s *centerSteps) fetchRelease(context.Context) error {
	return s.tc.GET(s.shiftPath("keys"), s.bearer())
}

func (s *centerSteps) downloadWithoutLogin(context.Context) error {
	return s.tc.GET(s.shiftPath("package"), nil)
}

func (s *centerSteps) validateToken(context.Context) error {
	return s.tc.POST("/v1/tokens/validate", map[string]string{"token": s.tc.Get("access_token")}, nil)
}

func (s *centerSteps) fieldIsCenter(_ context.Context, field string) error {
	got, err := s.tc.StringField(field)
	if err != nil {
		return err
	}
	if want := s.tc.Get("center_id"); got != want {
		return fmt.Errorf("expected %s=%q, got %q", field, want, got)
	}
	return nil
}
