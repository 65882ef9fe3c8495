package compliance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"exambridge/internal/platform/config"
)

const (
	sebUA    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 SEB/3.7.1"
	chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

func goodReport() Report {
	return Report{
		SecureBrowser:   true,
		CookiesEnabled:  true,
		ScreenWidth:     1920,
		ScreenHeight:    1080,
		CameraAvailable: true,
		Fullscreen:      true,
	}
}

func statusOf(r Result, f Fact) Status {
	for _, c := range r.Checks {
		if c.Fact == f {
			return c.Status
		}
	}
	return ""
}

func TestEvaluate(t *testing.T) {
	policy := config.DefaultLockdown()

	t.Run("clean environment passes everything", func(t *testing.T) {
		r := Evaluate(goodReport(), policy, sebUA)
		assert.True(t, r.Admitted)
		for _, c := range r.Checks {
			assert.Equal(t, Passed, c.Status, c.Fact)
		}
	})

	t.Run("secure browser claim without matching user agent fails", func(t *testing.T) {
		r := Evaluate(goodReport(), policy, chromeUA)
		assert.False(t, r.Admitted)
		assert.Equal(t, Failed, statusOf(r, FactSecureBrowser))
		assert.Contains(t, r.Failures()[0].Message, "not corroborated")
	})

	t.Run("missing secure browser fails when required", func(t *testing.T) {
		rep := goodReport()
		rep.SecureBrowser = false
		r := Evaluate(rep, policy, chromeUA)
		assert.False(t, r.Admitted)
		assert.Equal(t, "secure_browser", r.Summary())
	})

	t.Run("missing secure browser is a warning when optional", func(t *testing.T) {
		relaxed := policy
		relaxed.RequireSecureBrowser = false
		rep := goodReport()
		rep.SecureBrowser = false
		r := Evaluate(rep, relaxed, chromeUA)
		assert.True(t, r.Admitted)
		assert.Equal(t, Warning, statusOf(r, FactSecureBrowser))
	})

	t.Run("cookies disabled fails", func(t *testing.T) {
		rep := goodReport()
		rep.CookiesEnabled = false
		r := Evaluate(rep, policy, sebUA)
		assert.False(t, r.Admitted)
		assert.Equal(t, Failed, statusOf(r, FactCookies))
	})

	t.Run("small screen is only a warning", func(t *testing.T) {
		rep := goodReport()
		rep.ScreenWidth, rep.ScreenHeight = 800, 600
		r := Evaluate(rep, policy, sebUA)
		assert.True(t, r.Admitted)
		assert.Equal(t, Warning, statusOf(r, FactResolution))
	})

	t.Run("camera absence depends on proctoring policy", func(t *testing.T) {
		rep := goodReport()
		rep.CameraAvailable = false

		r := Evaluate(rep, policy, sebUA)
		assert.True(t, r.Admitted)
		assert.Equal(t, Warning, statusOf(r, FactCamera))

		proctored := policy
		proctored.RequireWebcam = true
		r = Evaluate(rep, proctored, sebUA)
		assert.False(t, r.Admitted)
		assert.Equal(t, Failed, statusOf(r, FactCamera))
	})

	t.Run("fullscreen is advisory at admission", func(t *testing.T) {
		rep := goodReport()
		rep.Fullscreen = false
		r := Evaluate(rep, policy, sebUA)
		assert.True(t, r.Admitted)
		assert.Equal(t, Warning, statusOf(r, FactFullscreen))
	})

	t.Run("evaluation is repeatable", func(t *testing.T) {
		rep := goodReport()
		rep.CameraAvailable = false
		assert.Equal(t, Evaluate(rep, policy, chromeUA), Evaluate(rep, policy, chromeUA))
	})
}
