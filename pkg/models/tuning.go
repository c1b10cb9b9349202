package models

import (
	"time"
)

// TuningRecommendation is a proposed mutation of a rule, produced by
// diagnosis. Recommendations are born from diagnosis and die on apply or
// rejection.
type TuningRecommendation struct {
	// Identity
	RecommendationID string `json:"recommendation_id"`
	RuleID           string `json:"rule_id"`

	// What and how
	Strategy TuningStrategy   `json:"strategy"`
	Action   TuningActionType `json:"action"`

	// Why
	Confidence  Confidence `json:"confidence"`
	Description string     `json:"description"`
	Rationale   string     `json:"rationale"`

	// Strategy-specific structured diff and expected metric deltas
	ProposedChanges map[string]interface{} `json:"proposed_changes"`
	EstimatedImpact map[string]float64     `json:"estimated_impact"`

	// Gating
	RiskAssessment   RiskLevel `json:"risk_assessment"`
	RequiresApproval bool      `json:"requires_approval"`

	CreatedAt time.Time `json:"created_at"`
}

// AutoApplicable returns true when the recommendation qualifies for
// unattended application.
func (tr TuningRecommendation) AutoApplicable() bool {
	return tr.RiskAssessment == RISK_LOW && !tr.RequiresApproval
}

// TuningResult is the outcome of applying one recommendation.
type TuningResult struct {
	Success        bool      `json:"success"`
	RuleID         string    `json:"rule_id"`
	NewRuleID      string    `json:"new_rule_id,omitempty"`
	AppliedChanges []string  `json:"applied_changes,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// PendingRecommendation is a recommendation waiting in the approval queue.
type PendingRecommendation struct {
	Recommendation TuningRecommendation `json:"recommendation"`
	EnqueuedAt     time.Time            `json:"enqueued_at"`
}

// TuningRecord is one bounded-history entry for an applied recommendation.
type TuningRecord struct {
	RuleID           string           `json:"rule_id"`
	RecommendationID string           `json:"recommendation_id"`
	Strategy         TuningStrategy   `json:"strategy"`
	Action           TuningActionType `json:"action"`
	Mode             string           `json:"mode"` // auto or approved
	Result           TuningResult     `json:"result"`
	AppliedAt        time.Time        `json:"applied_at"`
}

// WhitelistEntry is an auxiliary noise filter recorded by an
// add_whitelist recommendation. The rule body itself is left unchanged.
type WhitelistEntry struct {
	RuleID    string            `json:"rule_id"`
	Pattern   map[string]string `json:"pattern"`
	Reason    string            `json:"reason"`
	CreatedAt time.Time         `json:"created_at"`
}
