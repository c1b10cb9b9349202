package monitor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

var monitorBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// scriptedAlerts is an AlertSource stub serving fixed rows.
type scriptedAlerts struct {
	stats    []models.AlertStat
	usage    []models.ResourceUsage
	usageErr error
}

func (s *scriptedAlerts) ReadAlertStats(_ context.Context, _ time.Time, _ []string) ([]models.AlertStat, error) {
	return s.stats, nil
}

func (s *scriptedAlerts) ReadResourceUsage(_ context.Context, _ time.Time, _ []string) ([]models.ResourceUsage, error) {
	return s.usage, s.usageErr
}

func recordPrecision(m *Monitor, ruleID string, values []float64) {
	for i, v := range values {
		m.Record(ruleID, MetricPrecision, models.TimeSeriesPoint{
			Timestamp: monitorBase.Add(time.Duration(i) * time.Hour),
			Value:     v,
		})
	}
}

func recordFrequency(m *Monitor, ruleID string, values []float64) {
	for i, v := range values {
		m.Record(ruleID, MetricAlertFrequency, models.TimeSeriesPoint{
			Timestamp: monitorBase.Add(time.Duration(i) * time.Hour),
			Value:     v,
		})
	}
}

func TestCollectBucketsPrecision(t *testing.T) {
	source := &scriptedAlerts{
		stats: []models.AlertStat{
			{RuleID: "rule-1", Hour: monitorBase, AlertCount: 10, TruePositives: 6, FalsePositives: 2, ProcessingTimeMS: 150},
			{RuleID: "rule-1", Hour: monitorBase.Add(time.Hour), AlertCount: 4},
		},
	}
	m := NewMonitor(source, models.NewFixedClock(monitorBase), nil)

	ingested, err := m.Collect(context.Background(), []string{"rule-1"}, 24)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if ingested != 2 {
		t.Errorf("Expected 2 buckets ingested, got %d", ingested)
	}

	series := m.seriesFor("rule-1")
	if got := len(series.snapshot(MetricAlertFrequency)); got != 2 {
		t.Errorf("Expected 2 frequency points, got %d", got)
	}

	// The unclassified bucket contributes no precision point.
	precision := series.snapshot(MetricPrecision)
	if len(precision) != 1 {
		t.Fatalf("Expected 1 precision point, got %d", len(precision))
	}
	if math.Abs(precision[0].Value-0.75) > 1e-9 {
		t.Errorf("Expected precision 6/8 = 0.75, got %f", precision[0].Value)
	}
}

func TestCollectResourceFailureKeepsAlertBuckets(t *testing.T) {
	source := &scriptedAlerts{
		stats:    []models.AlertStat{{RuleID: "rule-1", Hour: monitorBase, AlertCount: 3}},
		usageErr: errors.New("resource backend down"),
	}
	m := NewMonitor(source, models.NewFixedClock(monitorBase), nil)

	ingested, err := m.Collect(context.Background(), []string{"rule-1"}, 24)
	if err != nil {
		t.Fatalf("Collect must not fail on resource errors: %v", err)
	}
	if ingested != 1 {
		t.Errorf("Expected 1 bucket ingested, got %d", ingested)
	}
}

func TestCollectRepeatedWindowIsIdempotent(t *testing.T) {
	quiet := make([]models.AlertStat, 0, 20)
	for i := 0; i < 20; i++ {
		quiet = append(quiet, models.AlertStat{
			RuleID:     "rule-1",
			Hour:       monitorBase.Add(time.Duration(i) * time.Hour),
			AlertCount: 4,
		})
	}
	source := &scriptedAlerts{stats: quiet}
	m := NewMonitor(source, models.NewFixedClock(monitorBase.Add(21*time.Hour)), nil)

	// Two cycles replay the same quiet window, then a burst hour shows up.
	for i := 0; i < 2; i++ {
		if _, err := m.Collect(context.Background(), []string{"rule-1"}, 168); err != nil {
			t.Fatalf("Collect failed: %v", err)
		}
	}
	source.stats = append(quiet, models.AlertStat{
		RuleID:     "rule-1",
		Hour:       monitorBase.Add(20 * time.Hour),
		AlertCount: 200,
	})
	if _, err := m.Collect(context.Background(), []string{"rule-1"}, 168); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	points := m.seriesFor("rule-1").snapshot(MetricAlertFrequency)
	if len(points) != 21 {
		t.Fatalf("Expected 21 frequency points after repeated collects, got %d", len(points))
	}

	health := m.AnalyzeRules([]string{"rule-1"}, 168)["rule-1"]
	expected := (20.0*4 + 200) / 21.0
	if math.Abs(health.AlertFrequency-expected) > 1e-9 {
		t.Errorf("Expected frequency %.2f, got %.2f", expected, health.AlertFrequency)
	}

	// Duplicated quiet hours would dilute the burst below the threshold.
	types := make(map[string]bool)
	for _, alert := range health.HealthAlerts {
		types[alert.Type] = true
	}
	if !types["high_alert_frequency"] {
		t.Errorf("Expected high_alert_frequency alert at %.2f/h, got %v", health.AlertFrequency, types)
	}
}

func TestCollectUpdatesPartialHourBucket(t *testing.T) {
	source := &scriptedAlerts{stats: []models.AlertStat{
		{RuleID: "rule-1", Hour: monitorBase, AlertCount: 3, TruePositives: 1, FalsePositives: 1},
	}}
	m := NewMonitor(source, models.NewFixedClock(monitorBase), nil)

	if _, err := m.Collect(context.Background(), []string{"rule-1"}, 24); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	// The same hour is re-read later with more alerts classified.
	source.stats = []models.AlertStat{
		{RuleID: "rule-1", Hour: monitorBase, AlertCount: 9, TruePositives: 6, FalsePositives: 2},
	}
	if _, err := m.Collect(context.Background(), []string{"rule-1"}, 24); err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	series := m.seriesFor("rule-1")
	frequency := series.snapshot(MetricAlertFrequency)
	if len(frequency) != 1 || frequency[0].Value != 9 {
		t.Errorf("Expected single updated frequency point of 9, got %+v", frequency)
	}
	precision := series.snapshot(MetricPrecision)
	if len(precision) != 1 || math.Abs(precision[0].Value-0.75) > 1e-9 {
		t.Errorf("Expected single updated precision point of 0.75, got %+v", precision)
	}
}

func TestEfficiencyFromUsage(t *testing.T) {
	testCases := []struct {
		cpu      float64
		queryMS  float64
		expected float64
	}{
		{0, 0, 1.0},
		{50, 2500, 0.5},
		{100, 5000, 0.0},
		{100, 50000, 0.0}, // query load clamps at 1
		{20, 1000, 0.8},
	}

	for _, tc := range testCases {
		got := efficiencyFromUsage(models.ResourceUsage{CPUPercent: tc.cpu, QueryDurationMS: tc.queryMS})
		if math.Abs(got-tc.expected) > 1e-9 {
			t.Errorf("efficiencyFromUsage(cpu=%v, query=%v) = %f, expected %f",
				tc.cpu, tc.queryMS, got, tc.expected)
		}
	}
}

func TestSeriesCapped(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	for i := 0; i < seriesCap+50; i++ {
		m.Record("rule-1", MetricAlertFrequency, models.TimeSeriesPoint{
			Timestamp: monitorBase.Add(time.Duration(i) * time.Hour),
			Value:     float64(i),
		})
	}

	points := m.seriesFor("rule-1").snapshot(MetricAlertFrequency)
	if len(points) != seriesCap {
		t.Fatalf("Expected series capped at %d, got %d", seriesCap, len(points))
	}
	// Oldest points are evicted first.
	if points[0].Value != 50 {
		t.Errorf("Expected oldest surviving value 50, got %f", points[0].Value)
	}
}

func TestHealthWeightedSum(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	recordPrecision(m, "rule-1", []float64{0.8, 0.85, 0.9, 0.8, 0.85, 0.9, 0.85, 0.8})
	recordFrequency(m, "rule-1", []float64{2, 3, 2, 4, 3, 2, 3, 2})

	health := m.AnalyzeRules([]string{"rule-1"}, 168)["rule-1"]
	if health == nil {
		t.Fatal("Expected health record")
	}

	expected := 0.30*health.PerformanceScore +
		0.25*health.ReliabilityScore +
		0.20*health.EfficiencyScore +
		0.25*health.CoverageScore
	if math.Abs(health.OverallHealthScore-expected) > 1e-9 {
		t.Errorf("Overall score %f does not match weighted sum %f",
			health.OverallHealthScore, expected)
	}

	for name, score := range map[string]float64{
		"overall":     health.OverallHealthScore,
		"performance": health.PerformanceScore,
		"reliability": health.ReliabilityScore,
		"efficiency":  health.EfficiencyScore,
		"coverage":    health.CoverageScore,
	} {
		if score < 0 || score > 1 {
			t.Errorf("%s score out of bounds: %f", name, score)
		}
	}
}

func TestHealthDefaultsWithoutSeries(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	health := m.AnalyzeRules([]string{"rule-empty"}, 168)["rule-empty"]
	if health == nil {
		t.Fatal("Expected health record")
	}

	if health.PerformanceScore != 0.5 {
		t.Errorf("Expected neutral performance 0.5, got %f", health.PerformanceScore)
	}
	if health.ReliabilityScore != 0.5 {
		t.Errorf("Expected neutral reliability 0.5, got %f", health.ReliabilityScore)
	}
	if health.EfficiencyScore != 0.8 {
		t.Errorf("Expected default efficiency 0.8, got %f", health.EfficiencyScore)
	}
	if health.MeanTimeToDetection != 300 {
		t.Errorf("Expected default MTTD 300s, got %f", health.MeanTimeToDetection)
	}
	if health.AlertFrequency != 0 {
		t.Errorf("Expected zero alert frequency, got %f", health.AlertFrequency)
	}
}

func TestCoverageScoreEdges(t *testing.T) {
	testCases := []struct {
		frequency float64
		expected  float64
	}{
		{0.5, 1.0}, // band edges are healthy
		{5.0, 1.0},
		{2.0, 1.0},
		{0.25, 0.5},  // half of the lower edge
		{10.0, 0.5},  // double the upper edge
		{0.0, 0.1},   // floor
		{1000, 0.1},  // floor
	}

	for _, tc := range testCases {
		got := coverageScore(tc.frequency)
		if math.Abs(got-tc.expected) > 1e-9 {
			t.Errorf("coverageScore(%v) = %f, expected %f", tc.frequency, got, tc.expected)
		}
	}
}

func TestReliabilityNeutralBelowMinSamples(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)
	recordPrecision(m, "rule-1", []float64{0.9, 0.9, 0.9, 0.9}) // 4 < 5 samples

	health := m.AnalyzeRules([]string{"rule-1"}, 168)["rule-1"]
	if health.ReliabilityScore != 0.5 {
		t.Errorf("Expected neutral reliability below sample minimum, got %f", health.ReliabilityScore)
	}
}

func TestThresholdAlerts(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	// Noisy and inaccurate: precision 0.2, frequency 20/h.
	recordPrecision(m, "rule-bad", []float64{0.2, 0.2, 0.2, 0.2, 0.2, 0.2})
	recordFrequency(m, "rule-bad", []float64{20, 20, 20, 20, 20, 20})

	health := m.AnalyzeRules([]string{"rule-bad"}, 168)["rule-bad"]

	types := make(map[string]bool)
	for _, alert := range health.HealthAlerts {
		types[alert.Type] = true
	}

	for _, expected := range []string{
		"low_performance",
		"high_false_positive_rate",
		"low_true_positive_rate",
		"high_alert_frequency",
	} {
		if !types[expected] {
			t.Errorf("Expected %s alert, got %v", expected, types)
		}
	}
}

func TestHealthImprovingScenario(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	// Precision climbing steadily across a day.
	values := make([]float64, 24)
	for i := range values {
		values[i] = 0.5 + float64(i)*0.015
	}
	recordPrecision(m, "rule-up", values)
	recordFrequency(m, "rule-up", []float64{2, 2, 3, 2, 3, 2})

	health := m.AnalyzeRules([]string{"rule-up"}, 168)["rule-up"]
	if health.PerformanceTrend != models.IMPROVING {
		t.Errorf("Expected improving trend, got %s", health.PerformanceTrend)
	}
	if health.TrendConfidence <= 0 {
		t.Errorf("Expected positive trend confidence, got %f", health.TrendConfidence)
	}
}

func TestHealthCachedCopy(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	if m.Health("rule-1") != nil {
		t.Error("Expected nil health before analysis")
	}

	recordPrecision(m, "rule-1", []float64{0.9, 0.9, 0.9, 0.9, 0.9, 0.9})
	m.AnalyzeRules([]string{"rule-1"}, 168)

	first := m.Health("rule-1")
	if first == nil {
		t.Fatal("Expected cached health after analysis")
	}

	// Mutating the returned record must not leak into the cache.
	first.PerformanceScore = -42
	second := m.Health("rule-1")
	if second.PerformanceScore == -42 {
		t.Error("Health returned a shared record instead of a copy")
	}
}

func TestSetThresholdsRejectsInvalid(t *testing.T) {
	m := NewMonitor(nil, models.NewFixedClock(monitorBase), nil)

	bad := models.DefaultHealthThresholds()
	bad.MinPerformanceScore = 1.5
	if err := m.SetThresholds(bad); err == nil {
		t.Error("Expected rejection of out-of-range thresholds")
	}

	good := models.DefaultHealthThresholds()
	good.MaxAlertFrequency = 25
	if err := m.SetThresholds(good); err != nil {
		t.Fatalf("SetThresholds failed: %v", err)
	}
	if m.Thresholds().MaxAlertFrequency != 25 {
		t.Errorf("Threshold swap not applied: %+v", m.Thresholds())
	}
}
