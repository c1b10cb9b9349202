package models

import (
	"time"
)

// TimeSeriesPoint is one observation in a per-rule rolling metric series.
type TimeSeriesPoint struct {
	Timestamp time.Time              `json:"timestamp"`
	Value     float64                `json:"value"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// AlertStat is one hourly bucket of alert activity for a rule, as
// reported by the alerting collaborator.
type AlertStat struct {
	RuleID           string    `json:"rule_id"`
	Hour             time.Time `json:"hour"`
	AlertCount       int       `json:"alert_count"`
	TruePositives    int       `json:"true_positives"`
	FalsePositives   int       `json:"false_positives"`
	AvgConfidence    float64   `json:"avg_confidence"`
	ProcessingTimeMS float64   `json:"processing_time_ms"`
}

// ResourceUsage is an optional hourly resource sample for a rule.
type ResourceUsage struct {
	RuleID          string    `json:"rule_id"`
	Hour            time.Time `json:"hour"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryMB        float64   `json:"memory_mb"`
	QueryDurationMS float64   `json:"query_duration_ms"`
}

// TrendAnalysis is the least-squares classification of a metric series.
type TrendAnalysis struct {
	Trend       PerformanceTrend `json:"trend"`
	Slope       float64          `json:"slope"`
	Strength    float64          `json:"strength"`
	Confidence  float64          `json:"confidence"`
	Volatility  float64          `json:"volatility"`
	SampleCount int              `json:"sample_count"`
}

// HealthAlert records one threshold violation found during health scoring.
type HealthAlert struct {
	Severity  AlertSeverity `json:"severity"`
	Type      string        `json:"type"`
	Metric    string        `json:"metric"`
	Value     float64       `json:"value"`
	Threshold float64       `json:"threshold"`
	Message   string        `json:"message"`
}

// RuleHealth is the derived composite health projection for one rule.
type RuleHealth struct {
	RuleID string `json:"rule_id"`

	// Composite and component scores, all in [0.0, 1.0]
	OverallHealthScore float64 `json:"overall_health_score"`
	PerformanceScore   float64 `json:"performance_score"`
	ReliabilityScore   float64 `json:"reliability_score"`
	EfficiencyScore    float64 `json:"efficiency_score"`
	CoverageScore      float64 `json:"coverage_score"`

	// Operational measurements
	AlertFrequency      float64 `json:"alert_frequency"` // alerts per hour
	FalsePositiveRate   float64 `json:"false_positive_rate"`
	TruePositiveRate    float64 `json:"true_positive_rate"`
	MeanTimeToDetection float64 `json:"mean_time_to_detection"` // seconds

	// Trend of the precision series
	PerformanceTrend PerformanceTrend `json:"performance_trend"`
	TrendConfidence  float64          `json:"trend_confidence"`

	HealthAlerts []HealthAlert `json:"health_alerts,omitempty"`
	LastUpdated  time.Time     `json:"last_updated"`
}

// HealthThresholds is the configurable table health alerts are generated
// against. The monitor swaps it atomically on config reload.
type HealthThresholds struct {
	MinPerformanceScore  float64 `json:"min_performance_score" yaml:"min_performance_score"`
	MaxFalsePositiveRate float64 `json:"max_false_positive_rate" yaml:"max_false_positive_rate"`
	MinTruePositiveRate  float64 `json:"min_true_positive_rate" yaml:"min_true_positive_rate"`
	MaxAlertFrequency    float64 `json:"max_alert_frequency" yaml:"max_alert_frequency"`
	MinReliabilityScore  float64 `json:"min_reliability_score" yaml:"min_reliability_score"`
	MaxVolatility        float64 `json:"max_volatility" yaml:"max_volatility"`
}

// DefaultHealthThresholds returns the default alerting thresholds.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MinPerformanceScore:  0.6,
		MaxFalsePositiveRate: 0.2,
		MinTruePositiveRate:  0.8,
		MaxAlertFrequency:    10.0,
		MinReliabilityScore:  0.7,
		MaxVolatility:        0.3,
	}
}

// Validate validates the threshold table
func (ht HealthThresholds) Validate() error {
	var errors ValidationErrors

	errors.AddIf(ht.MinPerformanceScore < 0.0 || ht.MinPerformanceScore > 1.0,
		"MinPerformanceScore", ht.MinPerformanceScore, "must be in range [0.0, 1.0]")
	errors.AddIf(ht.MaxFalsePositiveRate < 0.0 || ht.MaxFalsePositiveRate > 1.0,
		"MaxFalsePositiveRate", ht.MaxFalsePositiveRate, "must be in range [0.0, 1.0]")
	errors.AddIf(ht.MinTruePositiveRate < 0.0 || ht.MinTruePositiveRate > 1.0,
		"MinTruePositiveRate", ht.MinTruePositiveRate, "must be in range [0.0, 1.0]")
	errors.AddIf(ht.MaxAlertFrequency <= 0, "MaxAlertFrequency", ht.MaxAlertFrequency,
		"must be positive")
	errors.AddIf(ht.MinReliabilityScore < 0.0 || ht.MinReliabilityScore > 1.0,
		"MinReliabilityScore", ht.MinReliabilityScore, "must be in range [0.0, 1.0]")
	errors.AddIf(ht.MaxVolatility < 0.0 || ht.MaxVolatility > 1.0,
		"MaxVolatility", ht.MaxVolatility, "must be in range [0.0, 1.0]")

	if errors.HasErrors() {
		return errors
	}

	return nil
}
