package models

import (
	"fmt"
)

// EngineType represents the kind of detection engine a target runs
type EngineType string

const (
	ELASTICSEARCH EngineType = "elasticsearch"
	SPLUNK        EngineType = "splunk"
	MOCK          EngineType = "mock"
)

// RuleLevel represents the severity level of a detection rule
type RuleLevel string

const (
	LEVEL_INFORMATIONAL RuleLevel = "informational"
	LEVEL_LOW           RuleLevel = "low"
	LEVEL_MEDIUM        RuleLevel = "medium"
	LEVEL_HIGH          RuleLevel = "high"
	LEVEL_CRITICAL      RuleLevel = "critical"
)

// RuleStatus represents the lifecycle state of a detection rule
type RuleStatus string

const (
	RULE_EXPERIMENTAL RuleStatus = "experimental"
	RULE_STABLE       RuleStatus = "stable"
	RULE_DISABLED     RuleStatus = "disabled"
)

// FeedbackKind represents the classification an analyst or automation
// assigned to an individual alert
type FeedbackKind string

const (
	TRUE_POSITIVE     FeedbackKind = "true_positive"
	FALSE_POSITIVE    FeedbackKind = "false_positive"
	BENIGN_POSITIVE   FeedbackKind = "benign_positive"
	MISSED_DETECTION  FeedbackKind = "missed_detection"
	PERFORMANCE_ISSUE FeedbackKind = "performance_issue"
)

// CycleStatus represents the state of a detection cycle
type CycleStatus string

const (
	RUNNING   CycleStatus = "running"
	COMPLETED CycleStatus = "completed"
	FAILED    CycleStatus = "failed"
)

// PerformanceTrend represents the direction of a rule's precision series
type PerformanceTrend string

const (
	IMPROVING PerformanceTrend = "improving"
	STABLE    PerformanceTrend = "stable"
	DECLINING PerformanceTrend = "declining"
	VOLATILE  PerformanceTrend = "volatile"
)

// TuningStrategy represents how a tuning recommendation proposes to change a rule
type TuningStrategy string

const (
	THRESHOLD_ADJUSTMENT     TuningStrategy = "threshold_adjustment"
	FIELD_REFINEMENT         TuningStrategy = "field_refinement"
	TIMEFRAME_OPTIMIZATION   TuningStrategy = "timeframe_optimization"
	CONDITION_SIMPLIFICATION TuningStrategy = "condition_simplification"
	CORRELATION_ENHANCEMENT  TuningStrategy = "correlation_enhancement"
	NOISE_REDUCTION          TuningStrategy = "noise_reduction"
)

// TuningActionType represents the operation a recommendation performs on a rule
type TuningActionType string

const (
	MODIFY_RULE     TuningActionType = "modify_rule"
	DISABLE_RULE    TuningActionType = "disable_rule"
	CREATE_VARIANT  TuningActionType = "create_variant"
	ADD_WHITELIST   TuningActionType = "add_whitelist"
	ADJUST_SEVERITY TuningActionType = "adjust_severity"
)

// RiskLevel represents the risk class of applying a recommendation
type RiskLevel string

const (
	RISK_LOW    RiskLevel = "low"
	RISK_MEDIUM RiskLevel = "medium"
	RISK_HIGH   RiskLevel = "high"
)

// AlertSeverity represents the severity of a health alert
type AlertSeverity string

const (
	SEVERITY_INFO     AlertSeverity = "info"
	SEVERITY_LOW      AlertSeverity = "low"
	SEVERITY_MEDIUM   AlertSeverity = "medium"
	SEVERITY_HIGH     AlertSeverity = "high"
	SEVERITY_CRITICAL AlertSeverity = "critical"
)

// ValidEngineTypes returns all engine types with a built-in adapter
func ValidEngineTypes() []EngineType {
	return []EngineType{ELASTICSEARCH, SPLUNK, MOCK}
}

// IsValid checks if an EngineType is valid
func (et EngineType) IsValid() bool {
	for _, valid := range ValidEngineTypes() {
		if et == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of EngineType
func (et EngineType) String() string {
	return string(et)
}

// ValidRuleLevels returns all valid rule severity levels
func ValidRuleLevels() []RuleLevel {
	return []RuleLevel{LEVEL_INFORMATIONAL, LEVEL_LOW, LEVEL_MEDIUM, LEVEL_HIGH, LEVEL_CRITICAL}
}

// IsValid checks if a RuleLevel is valid
func (rl RuleLevel) IsValid() bool {
	for _, valid := range ValidRuleLevels() {
		if rl == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of RuleLevel
func (rl RuleLevel) String() string {
	return string(rl)
}

// IsValid checks if a RuleStatus is valid
func (rs RuleStatus) IsValid() bool {
	return rs == RULE_EXPERIMENTAL || rs == RULE_STABLE || rs == RULE_DISABLED
}

// String returns the string representation of RuleStatus
func (rs RuleStatus) String() string {
	return string(rs)
}

// ValidFeedbackKinds returns all valid feedback classifications
func ValidFeedbackKinds() []FeedbackKind {
	return []FeedbackKind{TRUE_POSITIVE, FALSE_POSITIVE, BENIGN_POSITIVE, MISSED_DETECTION, PERFORMANCE_ISSUE}
}

// IsValid checks if a FeedbackKind is valid
func (fk FeedbackKind) IsValid() bool {
	for _, valid := range ValidFeedbackKinds() {
		if fk == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of FeedbackKind
func (fk FeedbackKind) String() string {
	return string(fk)
}

// IsValid checks if a CycleStatus is valid
func (cs CycleStatus) IsValid() bool {
	return cs == RUNNING || cs == COMPLETED || cs == FAILED
}

// CanTransitionTo checks if a cycle can transition from current status to target status
func (cs CycleStatus) CanTransitionTo(target CycleStatus) bool {
	transitions := map[CycleStatus][]CycleStatus{
		RUNNING:   {COMPLETED, FAILED},
		COMPLETED: {}, // Terminal state
		FAILED:    {}, // Terminal state
	}

	allowedTransitions, exists := transitions[cs]
	if !exists {
		return false
	}

	for _, allowed := range allowedTransitions {
		if target == allowed {
			return true
		}
	}

	return false
}

// String returns the string representation of CycleStatus
func (cs CycleStatus) String() string {
	return string(cs)
}

// String returns the string representation of PerformanceTrend
func (pt PerformanceTrend) String() string {
	return string(pt)
}

// ValidTuningStrategies returns all valid tuning strategies
func ValidTuningStrategies() []TuningStrategy {
	return []TuningStrategy{
		THRESHOLD_ADJUSTMENT, FIELD_REFINEMENT, TIMEFRAME_OPTIMIZATION,
		CONDITION_SIMPLIFICATION, CORRELATION_ENHANCEMENT, NOISE_REDUCTION,
	}
}

// IsValid checks if a TuningStrategy is valid
func (ts TuningStrategy) IsValid() bool {
	for _, valid := range ValidTuningStrategies() {
		if ts == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of TuningStrategy
func (ts TuningStrategy) String() string {
	return string(ts)
}

// ValidTuningActions returns all valid tuning actions
func ValidTuningActions() []TuningActionType {
	return []TuningActionType{MODIFY_RULE, DISABLE_RULE, CREATE_VARIANT, ADD_WHITELIST, ADJUST_SEVERITY}
}

// IsValid checks if a TuningActionType is valid
func (ta TuningActionType) IsValid() bool {
	for _, valid := range ValidTuningActions() {
		if ta == valid {
			return true
		}
	}
	return false
}

// String returns the string representation of TuningActionType
func (ta TuningActionType) String() string {
	return string(ta)
}

// IsValid checks if a RiskLevel is valid
func (rl RiskLevel) IsValid() bool {
	return rl == RISK_LOW || rl == RISK_MEDIUM || rl == RISK_HIGH
}

// String returns the string representation of RiskLevel
func (rl RiskLevel) String() string {
	return string(rl)
}

// String returns the string representation of AlertSeverity
func (as AlertSeverity) String() string {
	return string(as)
}

// Confidence represents confidence level (0.0-1.0)
type Confidence float64

// IsValid checks if a Confidence is valid
func (c Confidence) IsValid() bool {
	return c >= 0.0 && c <= 1.0
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s",
		ve.Field, ve.Value, ve.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return "no validation errors"
	}
	if len(ve) == 1 {
		return ve[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", ve[0].Error(), len(ve)-1)
}

// HasErrors returns true if there are validation errors
func (ve ValidationErrors) HasErrors() bool {
	return len(ve) > 0
}

// Add adds a validation error
func (ve *ValidationErrors) Add(field string, value interface{}, message string) {
	*ve = append(*ve, ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	})
}

// AddIf adds a validation error if the condition is true
func (ve *ValidationErrors) AddIf(condition bool, field string, value interface{}, message string) {
	if condition {
		ve.Add(field, value, message)
	}
}
