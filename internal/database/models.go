package database

import (
	"time"
)

// RuleRecord is the durable form of a detection rule. The body is stored
// as its YAML text so tooling outside the service can read it directly.
type RuleRecord struct {
	RuleID           string    `json:"rule_id" gorm:"primaryKey"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	Level            string    `json:"level"`
	Body             string    `json:"body"` // YAML rule body
	SourceIncident   string    `json:"source_incident" gorm:"index"`
	IncidentSeverity string    `json:"incident_severity"`
	GeneratedAt      time.Time `json:"generated_at"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IncidentRecord is an incident queued for the coordinator, with its
// analyst findings serialized as JSON.
type IncidentRecord struct {
	IncidentID string    `json:"incident_id" gorm:"primaryKey"`
	Severity   string    `json:"severity"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	Findings   string    `json:"findings"` // JSON analyst findings
	CreatedAt  time.Time `json:"created_at"`
}

// FeedbackRecord is one durable feedback item
type FeedbackRecord struct {
	FeedbackID string    `json:"feedback_id" gorm:"primaryKey"`
	RuleID     string    `json:"rule_id" gorm:"index"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp" gorm:"index"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`

	AlertID      string `json:"alert_id"`
	IncidentID   string `json:"incident_id"`
	AnalystNotes string `json:"analyst_notes"`
	Details      string `json:"details"` // JSON for additional data

	CreatedAt time.Time `json:"created_at"`
}

// AlertStatRecord is one hourly alert bucket for a rule
type AlertStatRecord struct {
	ID     uint      `json:"id" gorm:"primaryKey"`
	RuleID string    `json:"rule_id" gorm:"index"`
	Hour   time.Time `json:"hour" gorm:"index"`

	AlertCount       int     `json:"alert_count"`
	TruePositives    int     `json:"true_positives"`
	FalsePositives   int     `json:"false_positives"`
	AvgConfidence    float64 `json:"avg_confidence"`
	ProcessingTimeMS float64 `json:"processing_time_ms"`

	CreatedAt time.Time `json:"created_at"`
}

// ResourceUsageRecord is one hourly resource sample for a rule
type ResourceUsageRecord struct {
	ID     uint      `json:"id" gorm:"primaryKey"`
	RuleID string    `json:"rule_id" gorm:"index"`
	Hour   time.Time `json:"hour" gorm:"index"`

	CPUPercent      float64 `json:"cpu_percent"`
	MemoryMB        float64 `json:"memory_mb"`
	QueryDurationMS float64 `json:"query_duration_ms"`

	CreatedAt time.Time `json:"created_at"`
}

// CycleNodeRecord links an incident to a detection cycle, forming the
// persisted slice of the knowledge graph.
type CycleNodeRecord struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	IncidentID string    `json:"incident_id" gorm:"index:idx_cycle_incident,unique"`
	CycleID    string    `json:"cycle_id" gorm:"index:idx_cycle_incident,unique"`
	RulesCount int       `json:"rules_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// RuleScoreRecord is the latest performance score known for a rule
type RuleScoreRecord struct {
	RuleID    string    `json:"rule_id" gorm:"primaryKey"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WhitelistRecord is a durable noise-filter entry produced by tuning
type WhitelistRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	RuleID    string    `json:"rule_id" gorm:"index"`
	Pattern   string    `json:"pattern"` // JSON field=value map
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// TuningActionRecord is an audit entry for an applied recommendation
type TuningActionRecord struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	RuleID           string    `json:"rule_id" gorm:"index"`
	RecommendationID string    `json:"recommendation_id"`
	Strategy         string    `json:"strategy"`
	Action           string    `json:"action"`
	Mode             string    `json:"mode"` // auto, approved
	Success          bool      `json:"success"`
	ErrorMsg         string    `json:"error_msg"`
	AppliedAt        time.Time `json:"applied_at" gorm:"index"`
	CreatedAt        time.Time `json:"created_at"`
}
