package e2e

import (
	"github.com/cucumber/godog"

	"exambridge/e2e/steps/authority"
	"exambridge/e2e/steps/center"
	"exambridge/e2e/steps/common"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	// Background, health and response assertions
	common.RegisterSteps(ctx, tc)

	// Exam authority admin API
	authority.RegisterSteps(ctx, tc)

	// Center API as called by a center admin
	center.RegisterSteps(ctx, tc)
}
