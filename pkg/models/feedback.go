package models

import (
	"time"
)

// FeedbackItem is a single analyst or automation judgment on an alert
// produced by a deployed rule. Items are append-only and never mutated.
type FeedbackItem struct {
	// Identity
	FeedbackID string       `json:"feedback_id"`
	RuleID     string       `json:"rule_id" binding:"required"`
	Kind       FeedbackKind `json:"kind" binding:"required"`

	// Provenance
	Timestamp  time.Time  `json:"timestamp"`
	Source     string     `json:"source"` // analyst, automated, user, ...
	Confidence Confidence `json:"confidence"`

	// Optional context
	AlertID      string                 `json:"alert_id,omitempty"`
	IncidentID   string                 `json:"incident_id,omitempty"`
	AnalystNotes string                 `json:"analyst_notes,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// Validate validates the feedback item
func (fi FeedbackItem) Validate() error {
	var errors ValidationErrors

	errors.AddIf(fi.RuleID == "", "RuleID", fi.RuleID, "rule ID cannot be empty")
	errors.AddIf(!fi.Kind.IsValid(), "Kind", fi.Kind, "unknown feedback kind")
	errors.AddIf(!fi.Confidence.IsValid(), "Confidence", fi.Confidence,
		"confidence must be in range [0.0, 1.0]")
	errors.AddIf(fi.Source == "", "Source", fi.Source, "source cannot be empty")

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// RulePerformance is the derived accuracy/volume projection for one rule
// over an evaluation window. Recomputed on demand and cached.
type RulePerformance struct {
	RuleID           string `json:"rule_id"`
	EvaluationPeriod string `json:"evaluation_period"`

	// Counts by feedback kind within the window
	TotalAlerts       int `json:"total_alerts"`
	TruePositives     int `json:"true_positives"`
	FalsePositives    int `json:"false_positives"`
	BenignPositives   int `json:"benign_positives"`
	MissedDetections  int `json:"missed_detections"`
	PerformanceIssues int `json:"performance_issues"`

	// Derived scores. Recall has no ground truth: it is estimated as
	// TP / max(TP + missed_detections, 1) and degrades to the naive TP
	// ratio when no missed-detection feedback exists.
	Precision        float64 `json:"precision"`
	Recall           float64 `json:"recall"`
	F1Score          float64 `json:"f1_score"`
	AlertVolumeScore float64 `json:"alert_volume_score"`
	PerformanceScore float64 `json:"performance_score"`

	LastUpdated     time.Time `json:"last_updated"`
	FeedbackSources []string  `json:"feedback_sources"`
}

// ReportSummary aggregates the per-rule performances in a FeedbackReport.
type ReportSummary struct {
	TotalRules     int            `json:"total_rules"`
	TotalFeedback  int            `json:"total_feedback"`
	CountsByKind   map[string]int `json:"counts_by_kind"`
	CountsBySource map[string]int `json:"counts_by_source"`
	HighPerformers []string       `json:"high_performers"` // performance score > 0.8
	PoorPerformers []string       `json:"poor_performers"` // performance score < 0.5
	AverageScore   float64        `json:"average_score"`
}

// FeedbackReport is a point-in-time aggregation across rules.
type FeedbackReport struct {
	GeneratedAt     time.Time                   `json:"generated_at"`
	RulePerformance map[string]*RulePerformance `json:"rule_performance"`
	Summary         ReportSummary               `json:"summary"`
}
