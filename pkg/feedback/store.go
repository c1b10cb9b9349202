package feedback

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// Score boundaries used by the feedback report.
const (
	highPerformerScore = 0.8
	poorPerformerScore = 0.5
)

// Sink is the optional durable store feedback is mirrored to and
// collected from.
type Sink interface {
	// ReadFeedback returns items newer than since, optionally filtered
	// by rule IDs (nil or empty means all rules).
	ReadFeedback(ctx context.Context, since time.Time, ruleIDs []string) ([]models.FeedbackItem, error)

	// WriteFeedback persists one item.
	WriteFeedback(ctx context.Context, item models.FeedbackItem) error
}

// Store is the append-only per-rule feedback log with derived rolling
// performance. Submissions are linearizable per rule: a Performance call
// after Submit returns observes the submitted item.
type Store struct {
	mu        sync.Mutex
	logs      map[string][]models.FeedbackItem
	seen      map[string]bool
	perfCache map[string]perfCacheEntry

	sink   Sink
	clock  models.Clock
	logger *zap.Logger
}

// perfCacheEntry pins a cached performance record to its compute time.
// The window cutoff moves with the clock, so an entry is only served
// within the hour it was computed in; after that items may have aged
// out and the record is recomputed.
type perfCacheEntry struct {
	perf       models.RulePerformance
	computedAt time.Time
}

// NewStore creates a feedback store. The sink may be nil for a purely
// in-memory store.
func NewStore(sink Sink, clock models.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = models.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Store{
		logs:      make(map[string][]models.FeedbackItem),
		seen:      make(map[string]bool),
		perfCache: make(map[string]perfCacheEntry),
		sink:      sink,
		clock:     clock,
		logger:    logger,
	}
}

// Submit validates and appends one feedback item. Duplicates are accepted;
// dedup is the caller's responsibility. The item is mirrored to the sink
// best-effort: a sink failure is logged and never rejects the append.
func (s *Store) Submit(ctx context.Context, item models.FeedbackItem) error {
	if item.FeedbackID == "" {
		item.FeedbackID = uuid.New().String()
	}
	if item.Timestamp.IsZero() {
		item.Timestamp = s.clock.Now()
	}

	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid feedback: %w", err)
	}

	s.mu.Lock()
	s.logs[item.RuleID] = append(s.logs[item.RuleID], item)
	s.seen[item.FeedbackID] = true
	s.invalidateLocked(item.RuleID)
	s.mu.Unlock()

	if s.sink != nil {
		if err := s.sink.WriteFeedback(ctx, item); err != nil {
			s.logger.Warn("failed to mirror feedback to sink",
				zap.String("feedback_id", item.FeedbackID),
				zap.String("rule_id", item.RuleID),
				zap.Error(err))
		}
	}

	return nil
}

// Collect pulls feedback newer than the lookback window from the sink
// into the in-memory log. Items already seen are skipped so repeated
// cycles do not double-count. Returns the number of items added.
func (s *Store) Collect(ctx context.Context, ruleIDs []string, lookbackHours int) (int, error) {
	if s.sink == nil {
		return 0, nil
	}

	since := s.clock.Now().Add(-time.Duration(lookbackHours) * time.Hour)
	items, err := s.sink.ReadFeedback(ctx, since, ruleIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to collect feedback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, item := range items {
		if item.FeedbackID != "" && s.seen[item.FeedbackID] {
			continue
		}
		if err := item.Validate(); err != nil {
			s.logger.Warn("skipping invalid feedback from sink",
				zap.String("feedback_id", item.FeedbackID), zap.Error(err))
			continue
		}

		s.logs[item.RuleID] = append(s.logs[item.RuleID], item)
		if item.FeedbackID != "" {
			s.seen[item.FeedbackID] = true
		}
		s.invalidateLocked(item.RuleID)
		added++
	}

	return added, nil
}

// Items returns the feedback for a rule within the window, oldest first.
func (s *Store) Items(ruleID string, windowHours int) []models.FeedbackItem {
	cutoff := s.clock.Now().Add(-time.Duration(windowHours) * time.Hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]models.FeedbackItem, 0)
	for _, item := range s.logs[ruleID] {
		if !item.Timestamp.Before(cutoff) {
			items = append(items, item)
		}
	}

	return items
}

// Performance returns the derived performance of a rule over the
// evaluation window, or nil when the rule has no feedback in the window:
// with no feedback, performance is undefined, not zero.
func (s *Store) Performance(ruleID string, evaluationHours int) *models.RulePerformance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.performanceLocked(ruleID, evaluationHours)
}

func (s *Store) performanceLocked(ruleID string, evaluationHours int) *models.RulePerformance {
	now := s.clock.Now()

	cacheKey := fmt.Sprintf("%s/%dh", ruleID, evaluationHours)
	if entry, exists := s.perfCache[cacheKey]; exists {
		age := now.Sub(entry.computedAt)
		if age >= 0 && age < time.Hour {
			copied := entry.perf
			return &copied
		}
		delete(s.perfCache, cacheKey)
	}

	cutoff := now.Add(-time.Duration(evaluationHours) * time.Hour)

	perf := &models.RulePerformance{
		RuleID:           ruleID,
		EvaluationPeriod: fmt.Sprintf("%dh", evaluationHours),
		LastUpdated:      now,
	}

	sources := make(map[string]bool)
	total := 0
	for _, item := range s.logs[ruleID] {
		if item.Timestamp.Before(cutoff) {
			continue
		}
		total++
		sources[item.Source] = true

		switch item.Kind {
		case models.TRUE_POSITIVE:
			perf.TruePositives++
		case models.FALSE_POSITIVE:
			perf.FalsePositives++
		case models.BENIGN_POSITIVE:
			perf.BenignPositives++
		case models.MISSED_DETECTION:
			perf.MissedDetections++
		case models.PERFORMANCE_ISSUE:
			perf.PerformanceIssues++
		}
	}

	if total == 0 {
		return nil
	}

	perf.TotalAlerts = perf.TruePositives + perf.FalsePositives + perf.BenignPositives

	if perf.TotalAlerts > 0 {
		perf.Precision = float64(perf.TruePositives) / float64(perf.TotalAlerts)
	}

	// Recall estimator: ground truth is unavailable, so recall is
	// TP / max(TP + missed_detections, 1). Without missed-detection
	// feedback this degrades to the naive TP ratio.
	perf.Recall = float64(perf.TruePositives) /
		float64(maxInt(perf.TruePositives+perf.MissedDetections, 1))

	if perf.Precision+perf.Recall > 0 {
		perf.F1Score = 2 * perf.Precision * perf.Recall / (perf.Precision + perf.Recall)
	}

	perf.AlertVolumeScore = alertVolumeScore(perf.TotalAlerts, evaluationHours)

	perf.PerformanceScore = 0.40*perf.Precision +
		0.30*perf.Recall +
		0.20*perf.F1Score +
		0.10*perf.AlertVolumeScore

	for source := range sources {
		perf.FeedbackSources = append(perf.FeedbackSources, source)
	}
	sort.Strings(perf.FeedbackSources)

	s.perfCache[cacheKey] = perfCacheEntry{perf: *perf, computedAt: now}

	return perf
}

// alertVolumeScore scores the classified alert volume over a window:
// near-silent rules and very noisy rules are both penalized.
func alertVolumeScore(totalClassified, windowHours int) float64 {
	days := float64(windowHours) / 24.0
	if days < 1 {
		days = 1
	}
	alertsPerDay := float64(totalClassified) / days

	switch {
	case alertsPerDay < 0.1:
		return alertsPerDay * 10
	case alertsPerDay > 50:
		score := 50 / alertsPerDay
		if score < 0.1 {
			return 0.1
		}
		return score
	default:
		return 1.0
	}
}

// Report aggregates per-rule performance over the window with a summary.
// With nil ruleIDs every rule with feedback is included.
func (s *Store) Report(ruleIDs []string, evaluationHours int) *models.FeedbackReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ruleIDs == nil {
		for ruleID := range s.logs {
			ruleIDs = append(ruleIDs, ruleID)
		}
		sort.Strings(ruleIDs)
	}

	now := s.clock.Now()
	cutoff := now.Add(-time.Duration(evaluationHours) * time.Hour)

	report := &models.FeedbackReport{
		GeneratedAt:     now,
		RulePerformance: make(map[string]*models.RulePerformance),
		Summary: models.ReportSummary{
			CountsByKind:   make(map[string]int),
			CountsBySource: make(map[string]int),
		},
	}

	scoreSum := 0.0
	for _, ruleID := range ruleIDs {
		perf := s.performanceLocked(ruleID, evaluationHours)
		if perf == nil {
			continue
		}

		report.RulePerformance[ruleID] = perf
		report.Summary.TotalRules++
		scoreSum += perf.PerformanceScore

		if perf.PerformanceScore > highPerformerScore {
			report.Summary.HighPerformers = append(report.Summary.HighPerformers, ruleID)
		}
		if perf.PerformanceScore < poorPerformerScore {
			report.Summary.PoorPerformers = append(report.Summary.PoorPerformers, ruleID)
		}

		for _, item := range s.logs[ruleID] {
			if item.Timestamp.Before(cutoff) {
				continue
			}
			report.Summary.TotalFeedback++
			report.Summary.CountsByKind[item.Kind.String()]++
			report.Summary.CountsBySource[item.Source]++
		}
	}

	if report.Summary.TotalRules > 0 {
		report.Summary.AverageScore = scoreSum / float64(report.Summary.TotalRules)
	}
	sort.Strings(report.Summary.HighPerformers)
	sort.Strings(report.Summary.PoorPerformers)

	return report
}

// IdentifyProblematic returns the rules whose performance score is below
// minScore with at least minAlerts classified alerts, sorted by ID.
func (s *Store) IdentifyProblematic(minScore float64, minAlerts, evaluationHours int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	problematic := make([]string, 0)
	for ruleID := range s.logs {
		perf := s.performanceLocked(ruleID, evaluationHours)
		if perf == nil {
			continue
		}
		if perf.PerformanceScore < minScore && perf.TotalAlerts >= minAlerts {
			problematic = append(problematic, ruleID)
		}
	}
	sort.Strings(problematic)

	return problematic
}

// invalidateLocked drops the cached performance entries for a rule.
func (s *Store) invalidateLocked(ruleID string) {
	prefix := ruleID + "/"
	for key := range s.perfCache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.perfCache, key)
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
