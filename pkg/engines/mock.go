package engines

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// MockAdapter is an in-memory adapter used for dry runs and tests. It
// never performs network I/O.
type MockAdapter struct {
	logger *zap.Logger
}

// NewMockAdapter creates a mock adapter.
func NewMockAdapter(logger *zap.Logger) *MockAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MockAdapter{logger: logger}
}

// EngineType returns the engine type this adapter serves.
func (a *MockAdapter) EngineType() models.EngineType {
	return models.MOCK
}

// Translate returns a stable placeholder for the rule.
func (a *MockAdapter) Translate(rule *models.Rule, target models.DeploymentTarget) (interface{}, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("cannot translate invalid rule: %w", err)
	}
	return fmt.Sprintf("mock-rule:%s", rule.RuleID), nil
}

// Probe always succeeds.
func (a *MockAdapter) Probe(ctx context.Context, target models.DeploymentTarget) bool {
	return true
}

// Deploy records a successful deployment without side effects. A deployed
// rule ID is reported only when the target has an endpoint, mirroring the
// validation-only contract of the real adapters.
func (a *MockAdapter) Deploy(ctx context.Context, rule *models.Rule, target models.DeploymentTarget) models.DeploymentResult {
	start := time.Now()
	result := models.DeploymentResult{
		RuleID:         rule.RuleID,
		TargetName:     target.Name,
		DeploymentTime: start,
	}

	converted, err := a.Translate(rule, target)
	if err != nil {
		result.ErrorMessage = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.ConvertedRule = converted
	result.Success = true
	if !target.IsDryRun() {
		result.DeployedRuleID = "mock-" + rule.RuleID
	}
	result.Duration = time.Since(start)

	return result
}
