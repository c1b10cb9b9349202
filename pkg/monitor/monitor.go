package monitor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// Metric names of the per-rule rolling series.
const (
	MetricAlertFrequency = "alert_frequency"
	MetricPrecision      = "precision"
	MetricProcessingTime = "processing_time"
	MetricEfficiency     = "efficiency"
)

// seriesCap bounds every rolling series to one week of hourly buckets.
const seriesCap = 168

// Health score weights. overall = 0.30*performance + 0.25*reliability +
// 0.20*efficiency + 0.25*coverage.
const (
	weightPerformance = 0.30
	weightReliability = 0.25
	weightEfficiency  = 0.20
	weightCoverage    = 0.25
)

// Neutral defaults used when a series has no samples.
const (
	neutralPrecision  = 0.5
	defaultEfficiency = 0.8
	defaultMTTD       = 300.0 // seconds
)

// Healthy alert frequency band: coverage is full inside it and decays
// linearly outside, floored at 0.1.
const (
	coverageLowFreq  = 0.5
	coverageHighFreq = 5.0
	coverageFloor    = 0.1
)

// minReliabilitySamples is the precision sample count below which the
// reliability score stays neutral.
const minReliabilitySamples = 5

// AlertSource is the collaborator providing hourly-bucketed alert
// statistics and optional resource usage rows.
type AlertSource interface {
	ReadAlertStats(ctx context.Context, since time.Time, ruleIDs []string) ([]models.AlertStat, error)
	ReadResourceUsage(ctx context.Context, since time.Time, ruleIDs []string) ([]models.ResourceUsage, error)
}

// ruleSeries holds the rolling metric series of one rule behind its own
// lock, keeping series writes from contending across rules.
type ruleSeries struct {
	mu     sync.Mutex
	series map[string][]models.TimeSeriesPoint
}

func newRuleSeries() *ruleSeries {
	return &ruleSeries{series: make(map[string][]models.TimeSeriesPoint)}
}

// upsert records one observation. A point with the same timestamp
// replaces the existing value: Collect replays the full lookback window
// every cycle, so re-read buckets must update in place, not duplicate.
func (rs *ruleSeries) upsert(metric string, point models.TimeSeriesPoint) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	points := rs.series[metric]
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Timestamp.Equal(point.Timestamp) {
			points[i].Value = point.Value
			return
		}
	}

	points = append(points, point)
	if overflow := len(points) - seriesCap; overflow > 0 {
		points = points[overflow:]
	}
	rs.series[metric] = points
}

// snapshot returns a copy of one metric series.
func (rs *ruleSeries) snapshot(metric string) []models.TimeSeriesPoint {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]models.TimeSeriesPoint(nil), rs.series[metric]...)
}

// Monitor maintains per-rule rolling metric series and derives health
// scores, trends and threshold alerts from them.
type Monitor struct {
	mu          sync.RWMutex
	rules       map[string]*ruleSeries
	healthCache map[string]*models.RuleHealth
	thresholds  models.HealthThresholds

	source AlertSource
	clock  models.Clock
	logger *zap.Logger
}

// NewMonitor creates a monitor. The source may be nil when series are fed
// directly through Record.
func NewMonitor(source AlertSource, clock models.Clock, logger *zap.Logger) *Monitor {
	if clock == nil {
		clock = models.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Monitor{
		rules:       make(map[string]*ruleSeries),
		healthCache: make(map[string]*models.RuleHealth),
		thresholds:  models.DefaultHealthThresholds(),
		source:      source,
		clock:       clock,
		logger:      logger,
	}
}

// SetThresholds swaps the health alert threshold table. Invalid tables
// are rejected.
func (m *Monitor) SetThresholds(thresholds models.HealthThresholds) error {
	if err := thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid health thresholds: %w", err)
	}

	m.mu.Lock()
	m.thresholds = thresholds
	m.mu.Unlock()

	return nil
}

// Thresholds returns the active threshold table.
func (m *Monitor) Thresholds() models.HealthThresholds {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.thresholds
}

// Record adds one observation to a rule's metric series, replacing any
// existing point at the same timestamp.
func (m *Monitor) Record(ruleID, metric string, point models.TimeSeriesPoint) {
	m.seriesFor(ruleID).upsert(metric, point)
}

// Collect ingests hourly alert buckets and resource rows from the alert
// source into the rolling series. Buckets already present keep their
// series slot and only update the value. Returns the number of bucket
// rows read.
func (m *Monitor) Collect(ctx context.Context, ruleIDs []string, windowHours int) (int, error) {
	if m.source == nil {
		return 0, nil
	}

	since := m.clock.Now().Add(-time.Duration(windowHours) * time.Hour)

	stats, err := m.source.ReadAlertStats(ctx, since, ruleIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to read alert stats: %w", err)
	}

	for _, stat := range stats {
		series := m.seriesFor(stat.RuleID)

		series.upsert(MetricAlertFrequency, models.TimeSeriesPoint{
			Timestamp: stat.Hour,
			Value:     float64(stat.AlertCount),
		})

		classified := stat.TruePositives + stat.FalsePositives
		if classified > 0 {
			series.upsert(MetricPrecision, models.TimeSeriesPoint{
				Timestamp: stat.Hour,
				Value:     float64(stat.TruePositives) / float64(classified),
			})
		}

		if stat.ProcessingTimeMS > 0 {
			series.upsert(MetricProcessingTime, models.TimeSeriesPoint{
				Timestamp: stat.Hour,
				Value:     stat.ProcessingTimeMS,
			})
		}
	}

	usage, err := m.source.ReadResourceUsage(ctx, since, ruleIDs)
	if err != nil {
		// Resource rows are optional: keep the alert buckets.
		m.logger.Warn("failed to read resource usage", zap.Error(err))
	}
	for _, row := range usage {
		m.seriesFor(row.RuleID).upsert(MetricEfficiency, models.TimeSeriesPoint{
			Timestamp: row.Hour,
			Value:     efficiencyFromUsage(row),
		})
	}

	return len(stats), nil
}

// efficiencyFromUsage scores one resource sample into [0,1]: low CPU and
// fast queries score high.
func efficiencyFromUsage(row models.ResourceUsage) float64 {
	cpuLoad := row.CPUPercent / 100.0
	queryLoad := row.QueryDurationMS / 5000.0
	if queryLoad > 1 {
		queryLoad = 1
	}

	efficiency := 1.0 - (cpuLoad+queryLoad)/2.0
	if efficiency < 0 {
		return 0
	}
	return efficiency
}

// AnalyzeRules derives the health record of each rule over the window and
// caches the results.
func (m *Monitor) AnalyzeRules(ruleIDs []string, windowHours int) map[string]*models.RuleHealth {
	healths := make(map[string]*models.RuleHealth, len(ruleIDs))
	for _, ruleID := range ruleIDs {
		healths[ruleID] = m.analyzeRule(ruleID, windowHours)
	}

	m.mu.Lock()
	for ruleID, health := range healths {
		cached := *health
		m.healthCache[ruleID] = &cached
	}
	m.mu.Unlock()

	return healths
}

// Health returns the cached health record of a rule, or nil when the rule
// has not been analyzed yet.
func (m *Monitor) Health(ruleID string) *models.RuleHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cached, exists := m.healthCache[ruleID]
	if !exists {
		return nil
	}

	copied := *cached
	copied.HealthAlerts = append([]models.HealthAlert(nil), cached.HealthAlerts...)

	return &copied
}

// analyzeRule computes one rule's health record from its rolling series.
func (m *Monitor) analyzeRule(ruleID string, windowHours int) *models.RuleHealth {
	series := m.seriesFor(ruleID)

	frequency := series.snapshot(MetricAlertFrequency)
	precision := series.snapshot(MetricPrecision)
	processing := series.snapshot(MetricProcessingTime)
	efficiency := series.snapshot(MetricEfficiency)

	if len(frequency) > windowHours {
		frequency = frequency[len(frequency)-windowHours:]
	}
	if len(precision) > windowHours {
		precision = precision[len(precision)-windowHours:]
	}

	health := &models.RuleHealth{
		RuleID:      ruleID,
		LastUpdated: m.clock.Now(),
	}

	health.AlertFrequency = mean(frequency, 0, 0)

	// The precision series proxies both rates: without alert-level ground
	// truth, TPR ~ mean precision and FPR its complement.
	recentPrecision := mean(precision, 24, neutralPrecision)
	health.TruePositiveRate = recentPrecision
	health.FalsePositiveRate = 1 - recentPrecision

	health.MeanTimeToDetection = defaultMTTD
	if len(processing) > 0 {
		health.MeanTimeToDetection = mean(processing, 24, 0) / 1000.0
	}

	health.PerformanceScore = mean(precision, 0, neutralPrecision)
	health.ReliabilityScore = reliabilityScore(precision)
	health.EfficiencyScore = mean(efficiency, 24, defaultEfficiency)
	health.CoverageScore = coverageScore(health.AlertFrequency)

	health.OverallHealthScore = weightPerformance*health.PerformanceScore +
		weightReliability*health.ReliabilityScore +
		weightEfficiency*health.EfficiencyScore +
		weightCoverage*health.CoverageScore

	trend := AnalyzeTrend(precision)
	health.PerformanceTrend = trend.Trend
	health.TrendConfidence = trend.Confidence

	health.HealthAlerts = m.generateAlerts(health, trend)

	return health
}

// reliabilityScore scores precision stability: max(0, 1 - 2*sigma),
// neutral 0.5 below the minimum sample count.
func reliabilityScore(precision []models.TimeSeriesPoint) float64 {
	if len(precision) < minReliabilitySamples {
		return 0.5
	}

	values := make([]float64, len(precision))
	for i, point := range precision {
		values[i] = point.Value
	}

	return math.Max(0, 1-2*standardDeviation(values))
}

// coverageScore scores the alert frequency against the healthy band.
func coverageScore(frequency float64) float64 {
	switch {
	case frequency >= coverageLowFreq && frequency <= coverageHighFreq:
		return 1.0
	case frequency < coverageLowFreq:
		return math.Max(coverageFloor, frequency/coverageLowFreq)
	default:
		return math.Max(coverageFloor, coverageHighFreq/frequency)
	}
}

// generateAlerts checks the health record against the threshold table.
func (m *Monitor) generateAlerts(health *models.RuleHealth, trend models.TrendAnalysis) []models.HealthAlert {
	thresholds := m.Thresholds()
	alerts := make([]models.HealthAlert, 0)

	if health.PerformanceScore < thresholds.MinPerformanceScore {
		severity := models.SEVERITY_MEDIUM
		if health.PerformanceScore < thresholds.MinPerformanceScore/2 {
			severity = models.SEVERITY_HIGH
		}
		alerts = append(alerts, models.HealthAlert{
			Severity:  severity,
			Type:      "low_performance",
			Metric:    "performance_score",
			Value:     health.PerformanceScore,
			Threshold: thresholds.MinPerformanceScore,
			Message: fmt.Sprintf("performance score %.2f below minimum %.2f",
				health.PerformanceScore, thresholds.MinPerformanceScore),
		})
	}

	if health.FalsePositiveRate > thresholds.MaxFalsePositiveRate {
		alerts = append(alerts, models.HealthAlert{
			Severity:  models.SEVERITY_HIGH,
			Type:      "high_false_positive_rate",
			Metric:    "false_positive_rate",
			Value:     health.FalsePositiveRate,
			Threshold: thresholds.MaxFalsePositiveRate,
			Message: fmt.Sprintf("false positive rate %.2f above maximum %.2f",
				health.FalsePositiveRate, thresholds.MaxFalsePositiveRate),
		})
	}

	if health.TruePositiveRate < thresholds.MinTruePositiveRate {
		alerts = append(alerts, models.HealthAlert{
			Severity:  models.SEVERITY_MEDIUM,
			Type:      "low_true_positive_rate",
			Metric:    "true_positive_rate",
			Value:     health.TruePositiveRate,
			Threshold: thresholds.MinTruePositiveRate,
			Message: fmt.Sprintf("true positive rate %.2f below minimum %.2f",
				health.TruePositiveRate, thresholds.MinTruePositiveRate),
		})
	}

	if health.AlertFrequency > thresholds.MaxAlertFrequency {
		alerts = append(alerts, models.HealthAlert{
			Severity:  models.SEVERITY_MEDIUM,
			Type:      "high_alert_frequency",
			Metric:    "alert_frequency",
			Value:     health.AlertFrequency,
			Threshold: thresholds.MaxAlertFrequency,
			Message: fmt.Sprintf("alert frequency %.1f/h above maximum %.1f/h",
				health.AlertFrequency, thresholds.MaxAlertFrequency),
		})
	}

	if health.ReliabilityScore < thresholds.MinReliabilityScore {
		alerts = append(alerts, models.HealthAlert{
			Severity:  models.SEVERITY_MEDIUM,
			Type:      "low_reliability",
			Metric:    "reliability_score",
			Value:     health.ReliabilityScore,
			Threshold: thresholds.MinReliabilityScore,
			Message: fmt.Sprintf("reliability score %.2f below minimum %.2f",
				health.ReliabilityScore, thresholds.MinReliabilityScore),
		})
	}

	if trend.Volatility > thresholds.MaxVolatility {
		alerts = append(alerts, models.HealthAlert{
			Severity:  models.SEVERITY_LOW,
			Type:      "volatile_performance",
			Metric:    "volatility",
			Value:     trend.Volatility,
			Threshold: thresholds.MaxVolatility,
			Message: fmt.Sprintf("precision volatility %.2f above maximum %.2f",
				trend.Volatility, thresholds.MaxVolatility),
		})
	}

	return alerts
}

// seriesFor returns the series holder of a rule, creating it on first use.
func (m *Monitor) seriesFor(ruleID string) *ruleSeries {
	m.mu.RLock()
	series, exists := m.rules[ruleID]
	m.mu.RUnlock()
	if exists {
		return series
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if series, exists = m.rules[ruleID]; exists {
		return series
	}

	series = newRuleSeries()
	m.rules[ruleID] = series

	return series
}
