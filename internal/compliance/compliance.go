// Package compliance classifies the client-reported exam environment.
//
// Evaluate is a pure function: the same report, policy and user agent always
// give the same result, so a candidate can fix an issue and re-run the gate.
// Client facts are treated as evidence. The secure-browser claim must be
// corroborated by the request User-Agent, and fullscreen is only advisory
// here because the session manager enforces it at runtime.
package compliance

import (
	"fmt"
	"strings"

	"github.com/mssola/useragent"

	"exambridge/internal/platform/config"
)

type Status string

const (
	Passed  Status = "passed"
	Warning Status = "warning"
	Failed  Status = "failed"
)

type Fact string

const (
	FactSecureBrowser Fact = "secure_browser"
	FactCookies       Fact = "cookies"
	FactResolution    Fact = "screen_resolution"
	FactCamera        Fact = "camera"
	FactFullscreen    Fact = "fullscreen"
)

// sebMarker appears in every Safe Exam Browser user agent, e.g.
// "Mozilla/5.0 (Windows NT 10.0; Win64; x64) ... SEB/3.7.1".
const sebMarker = "SEB/"

// Report is what the student panel says about its environment.
type Report struct {
	SecureBrowser   bool `json:"secure_browser"`
	CookiesEnabled  bool `json:"cookies_enabled"`
	ScreenWidth     int  `json:"screen_width"`
	ScreenHeight    int  `json:"screen_height"`
	CameraAvailable bool `json:"camera_available"`
	Fullscreen      bool `json:"fullscreen"`
}

type Check struct {
	Fact    Fact   `json:"fact"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type Result struct {
	Checks []Check `json:"checks"`
	// Admitted is true iff no check failed. Warnings are advisory.
	Admitted bool `json:"admitted"`
}

// Failures returns the failed checks.
func (r Result) Failures() []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Status == Failed {
			out = append(out, c)
		}
	}
	return out
}

// Summary joins the failed facts for error messages.
func (r Result) Summary() string {
	var facts []string
	for _, c := range r.Failures() {
		facts = append(facts, string(c.Fact))
	}
	return strings.Join(facts, ", ")
}

// Evaluate classifies each fact of report under the lockdown policy.
func Evaluate(report Report, policy config.Lockdown, userAgent string) Result {
	checks := []Check{
		secureBrowser(report, policy, userAgent),
		cookies(report),
		resolution(report, policy),
		camera(report, policy),
		fullscreen(report, policy),
	}
	admitted := true
	for _, c := range checks {
		if c.Status == Failed {
			admitted = false
		}
	}
	return Result{Checks: checks, Admitted: admitted}
}

func secureBrowser(report Report, policy config.Lockdown, raw string) Check {
	ua := useragent.New(raw)
	corroborated := strings.Contains(raw, sebMarker) && !ua.Bot()

	switch {
	case report.SecureBrowser && corroborated:
		return Check{Fact: FactSecureBrowser, Status: Passed}
	case !policy.RequireSecureBrowser:
		return Check{Fact: FactSecureBrowser, Status: Warning, Message: "secure exam browser not detected"}
	case report.SecureBrowser:
		browser, _ := ua.Browser()
		return Check{
			Fact:    FactSecureBrowser,
			Status:  Failed,
			Message: fmt.Sprintf("secure exam browser claim not corroborated by user agent (%s on %s)", orUnknown(browser), orUnknown(ua.OS())),
		}
	default:
		return Check{Fact: FactSecureBrowser, Status: Failed, Message: "secure exam browser is required"}
	}
}

func cookies(report Report) Check {
	if !report.CookiesEnabled {
		return Check{Fact: FactCookies, Status: Failed, Message: "cookies must be enabled"}
	}
	return Check{Fact: FactCookies, Status: Passed}
}

func resolution(report Report, policy config.Lockdown) Check {
	if report.ScreenWidth < policy.MinScreenWidth || report.ScreenHeight < policy.MinScreenHeight {
		return Check{
			Fact:   FactResolution,
			Status: Warning,
			Message: fmt.Sprintf("screen %dx%d is below the recommended %dx%d",
				report.ScreenWidth, report.ScreenHeight, policy.MinScreenWidth, policy.MinScreenHeight),
		}
	}
	return Check{Fact: FactResolution, Status: Passed}
}

func camera(report Report, policy config.Lockdown) Check {
	switch {
	case report.CameraAvailable:
		return Check{Fact: FactCamera, Status: Passed}
	case policy.RequireWebcam:
		return Check{Fact: FactCamera, Status: Failed, Message: "webcam proctoring is required"}
	default:
		return Check{Fact: FactCamera, Status: Warning, Message: "no camera detected"}
	}
}

func fullscreen(report Report, policy config.Lockdown) Check {
	if !report.Fullscreen && policy.RequireFullscreen {
		return Check{Fact: FactFullscreen, Status: Warning, Message: "fullscreen is required once the exam starts"}
	}
	return Check{Fact: FactFullscreen, Status: Passed}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
