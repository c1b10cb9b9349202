package models

import (
	"strings"
	"time"
)

// DeploymentTarget represents a configured detection engine destination.
// Targets are static configuration: created at startup, never mutated by
// the core.
type DeploymentTarget struct {
	// Identity
	Name       string     `json:"name" yaml:"name"`
	EngineType EngineType `json:"engine_type" yaml:"engine_type"`

	// Connection. An empty endpoint means dry-run: probe and deploy both
	// succeed without any network call.
	Endpoint string `json:"endpoint" yaml:"endpoint"`
	Username string `json:"username,omitempty" yaml:"username"`
	Password string `json:"-" yaml:"password"`

	// Behavior
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	RuleFormat string `json:"rule_format,omitempty" yaml:"rule_format"`
}

// Validate validates the deployment target
func (dt DeploymentTarget) Validate() error {
	var errors ValidationErrors

	errors.AddIf(dt.Name == "", "Name", dt.Name, "name cannot be empty")
	errors.AddIf(!dt.EngineType.IsValid(), "EngineType", dt.EngineType, "unknown engine type")

	if dt.Endpoint != "" {
		errors.AddIf(!strings.HasPrefix(dt.Endpoint, "http://") && !strings.HasPrefix(dt.Endpoint, "https://"),
			"Endpoint", dt.Endpoint, "endpoint must be an http(s) URL")
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// IsDryRun returns true when the target has no endpoint and deployments
// run in validation-only mode.
func (dt DeploymentTarget) IsDryRun() bool {
	return dt.Endpoint == ""
}

// DeploymentResult is the immutable record of a single (rule, target)
// push attempt.
type DeploymentResult struct {
	RuleID         string        `json:"rule_id"`
	TargetName     string        `json:"target_name"`
	Success        bool          `json:"success"`
	DeployedRuleID string        `json:"deployed_rule_id,omitempty"`
	DeploymentTime time.Time     `json:"deployment_time"`
	Duration       time.Duration `json:"duration"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	ConvertedRule  interface{}   `json:"converted_rule,omitempty"`
}
