package tuning

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// Diagnosis boundaries. Each rule fires independently and contributes one
// recommendation (the whitelist rule contributes up to two).
const (
	noisyFalsePositiveRate = 0.30
	highAlertFrequency     = 10.0
	poorPerformanceScore   = 0.5
	whitelistFeedbackCount = 5

	patternSimilarityThreshold = 0.7
	maxNegatedPatterns         = 3
	maxWhitelistPatterns       = 2
	maxCountThreshold          = 20
	introducedCountThreshold   = 5

	tunedTitleMarker = " [tuned]"
)

// Optimizer diagnoses under-performing rules from their metrics and
// feedback, emits typed recommendations and applies them to the rule
// body. All mutations are deterministic given (rule, recommendation).
type Optimizer struct {
	maxRecommendations int
	clock              models.Clock
	logger             *zap.Logger

	mu         sync.Mutex
	whitelists map[string][]models.WhitelistEntry
}

// NewOptimizer creates an optimizer emitting at most maxRecommendations
// recommendations per diagnosis.
func NewOptimizer(maxRecommendations int, clock models.Clock, logger *zap.Logger) *Optimizer {
	if maxRecommendations <= 0 {
		maxRecommendations = 3
	}
	if clock == nil {
		clock = models.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Optimizer{
		maxRecommendations: maxRecommendations,
		clock:              clock,
		logger:             logger,
		whitelists:         make(map[string][]models.WhitelistEntry),
	}
}

// Recommend diagnoses a rule from its health, performance and feedback
// and returns a bounded list of recommendations.
func (o *Optimizer) Recommend(rule *models.Rule, health *models.RuleHealth, perf *models.RulePerformance, feedback []models.FeedbackItem) []models.TuningRecommendation {
	recommendations := make([]models.TuningRecommendation, 0)

	if rec, ok := o.diagnoseNoise(rule, perf, feedback); ok {
		recommendations = append(recommendations, rec)
	}
	if rec, ok := o.diagnoseFrequency(rule, health); ok {
		recommendations = append(recommendations, rec)
	}
	if rec, ok := o.diagnosePerformance(rule, health, perf, feedback); ok {
		recommendations = append(recommendations, rec)
	}
	recommendations = append(recommendations, o.diagnoseWhitelists(rule, feedback)...)

	if len(recommendations) > o.maxRecommendations {
		recommendations = recommendations[:o.maxRecommendations]
	}

	return recommendations
}

// diagnoseNoise fires when the false-positive rate exceeds 30%: the top
// recurring false-positive patterns become negated filter selections.
func (o *Optimizer) diagnoseNoise(rule *models.Rule, perf *models.RulePerformance, feedback []models.FeedbackItem) (models.TuningRecommendation, bool) {
	if perf == nil || perf.TotalAlerts == 0 {
		return models.TuningRecommendation{}, false
	}

	fpRate := float64(perf.FalsePositives) / float64(perf.TotalAlerts)
	if fpRate <= noisyFalsePositiveRate {
		return models.TuningRecommendation{}, false
	}

	groups := minePatterns(feedback, models.FALSE_POSITIVE, watchedPatternFields, patternSimilarityThreshold)
	if len(groups) > maxNegatedPatterns {
		groups = groups[:maxNegatedPatterns]
	}

	negated := make([]map[string]string, 0, len(groups))
	for _, group := range groups {
		negated = append(negated, group.Fields)
	}
	// Detail-less feedback mines no patterns; without them there is
	// nothing to negate and the mutation could never apply.
	if len(negated) == 0 {
		return models.TuningRecommendation{}, false
	}

	rec := models.TuningRecommendation{
		RuleID:   rule.RuleID,
		Strategy: models.NOISE_REDUCTION,
		Action:   models.MODIFY_RULE,
		Confidence: models.Confidence(
			minFloat(0.9, fpRate)),
		Description: fmt.Sprintf("Negate %d recurring false-positive pattern(s)", len(negated)),
		Rationale: fmt.Sprintf("false positive rate %.2f exceeds %.2f (%d of %d classified alerts)",
			fpRate, noisyFalsePositiveRate, perf.FalsePositives, perf.TotalAlerts),
		ProposedChanges: map[string]interface{}{
			"negated_patterns": negated,
		},
		EstimatedImpact: map[string]float64{
			"false_positive_rate": -0.3,
			"alert_frequency":     -0.2,
			"precision":           0.2,
		},
		RiskAssessment:   models.RISK_LOW,
		RequiresApproval: false,
	}

	return rec, true
}

// diagnoseFrequency fires above 10 alerts/hour: double an existing count
// threshold (capped at 20) or introduce a count aggregation.
func (o *Optimizer) diagnoseFrequency(rule *models.Rule, health *models.RuleHealth) (models.TuningRecommendation, bool) {
	if health == nil || health.AlertFrequency <= highAlertFrequency {
		return models.TuningRecommendation{}, false
	}

	changes := map[string]interface{}{}
	description := ""
	if current, ok := rule.CountThreshold(); ok {
		next := current * 2
		if next > maxCountThreshold {
			next = maxCountThreshold
		}
		changes["count_threshold"] = next
		description = fmt.Sprintf("Raise count threshold from %d to %d", current, next)
	} else {
		changes["count_threshold"] = introducedCountThreshold
		changes["timeframe"] = "5m"
		description = fmt.Sprintf("Introduce count() > %d aggregation over 5m", introducedCountThreshold)
	}

	rec := models.TuningRecommendation{
		RuleID:      rule.RuleID,
		Strategy:    models.THRESHOLD_ADJUSTMENT,
		Action:      models.MODIFY_RULE,
		Confidence:  0.8,
		Description: description,
		Rationale: fmt.Sprintf("alert frequency %.1f/h exceeds %.1f/h",
			health.AlertFrequency, highAlertFrequency),
		ProposedChanges: changes,
		EstimatedImpact: map[string]float64{
			"alert_frequency": -0.5,
			"precision":       0.1,
		},
		RiskAssessment:   models.RISK_LOW,
		RequiresApproval: false,
	}

	return rec, true
}

// diagnosePerformance fires below a 0.5 performance score: fields shared
// by true-positive feedback become selection candidates and wildcard
// values are tightened. Medium risk, requires approval.
func (o *Optimizer) diagnosePerformance(rule *models.Rule, health *models.RuleHealth, perf *models.RulePerformance, feedback []models.FeedbackItem) (models.TuningRecommendation, bool) {
	score := poorPerformanceScore
	switch {
	case perf != nil:
		score = perf.PerformanceScore
	case health != nil:
		score = health.PerformanceScore
	}
	if score >= poorPerformanceScore {
		return models.TuningRecommendation{}, false
	}

	addFields := fieldCandidates(feedback, rule, 2)
	tightenWildcards := ruleHasWildcards(rule)
	if len(addFields) == 0 && !tightenWildcards {
		return models.TuningRecommendation{}, false
	}

	rec := models.TuningRecommendation{
		RuleID:      rule.RuleID,
		Strategy:    models.FIELD_REFINEMENT,
		Action:      models.MODIFY_RULE,
		Confidence:  0.6,
		Description: fmt.Sprintf("Refine selection with %d field(s) from confirmed detections", len(addFields)),
		Rationale: fmt.Sprintf("performance score %.2f below %.2f",
			score, poorPerformanceScore),
		ProposedChanges: map[string]interface{}{
			"add_fields":        addFields,
			"tighten_wildcards": tightenWildcards,
		},
		EstimatedImpact: map[string]float64{
			"precision":           0.15,
			"false_positive_rate": -0.1,
		},
		RiskAssessment:   models.RISK_MEDIUM,
		RequiresApproval: true,
	}

	return rec, true
}

// diagnoseWhitelists fires at five or more false-positive items: the top
// recurring patterns each become a whitelist recommendation.
func (o *Optimizer) diagnoseWhitelists(rule *models.Rule, feedback []models.FeedbackItem) []models.TuningRecommendation {
	fpCount := 0
	for _, item := range feedback {
		if item.Kind == models.FALSE_POSITIVE {
			fpCount++
		}
	}
	if fpCount < whitelistFeedbackCount {
		return nil
	}

	groups := minePatterns(feedback, models.FALSE_POSITIVE, watchedPatternFields, patternSimilarityThreshold)
	if len(groups) > maxWhitelistPatterns {
		groups = groups[:maxWhitelistPatterns]
	}

	recommendations := make([]models.TuningRecommendation, 0, len(groups))
	for _, group := range groups {
		recommendations = append(recommendations, models.TuningRecommendation{
			RuleID:      rule.RuleID,
			Strategy:    models.NOISE_REDUCTION,
			Action:      models.ADD_WHITELIST,
			Confidence:  0.7,
			Description: fmt.Sprintf("Whitelist recurring benign pattern %s", patternKey(group.Fields)),
			Rationale: fmt.Sprintf("pattern matched %d false positives out of %d",
				group.Count, fpCount),
			ProposedChanges: map[string]interface{}{
				"pattern":     group.Fields,
				"match_count": group.Count,
			},
			EstimatedImpact: map[string]float64{
				"false_positive_rate": -0.2,
			},
			RiskAssessment:   models.RISK_LOW,
			RequiresApproval: false,
		})
	}

	return recommendations
}

// Apply applies a recommendation. Rule mutations happen on a deep copy
// that is re-validated before being returned; on failure nothing is
// retained and the returned rule is nil. Whitelist recommendations leave
// the rule body untouched.
func (o *Optimizer) Apply(rule *models.Rule, rec models.TuningRecommendation) (models.TuningResult, *models.Rule) {
	result := models.TuningResult{
		RuleID:    rule.RuleID,
		Timestamp: o.clock.Now(),
	}

	switch rec.Action {
	case models.MODIFY_RULE, models.CREATE_VARIANT:
		copied := rule.DeepCopy()
		if rec.Action == models.CREATE_VARIANT {
			copied.RuleID = fmt.Sprintf("%s_variant_%s", rule.RuleID, rec.Strategy)
			result.NewRuleID = copied.RuleID
		}

		changes, err := o.applyStrategy(copied, rec)
		if err != nil {
			result.ErrorMessage = err.Error()
			return result, nil
		}
		if err := copied.Validate(); err != nil {
			result.ErrorMessage = fmt.Sprintf("tuned rule failed validation: %v", err)
			return result, nil
		}

		if !strings.HasSuffix(copied.Title, tunedTitleMarker) {
			copied.Title += tunedTitleMarker
		}
		copied.GeneratedAt = o.clock.Now()

		result.Success = true
		result.AppliedChanges = changes
		return result, copied

	case models.ADD_WHITELIST:
		pattern, ok := rec.ProposedChanges["pattern"].(map[string]string)
		if !ok || len(pattern) == 0 {
			result.ErrorMessage = "whitelist recommendation carries no pattern"
			return result, nil
		}

		entry := models.WhitelistEntry{
			RuleID:    rule.RuleID,
			Pattern:   pattern,
			Reason:    rec.Rationale,
			CreatedAt: o.clock.Now(),
		}
		o.mu.Lock()
		o.whitelists[rule.RuleID] = append(o.whitelists[rule.RuleID], entry)
		o.mu.Unlock()

		result.Success = true
		result.AppliedChanges = []string{fmt.Sprintf("whitelisted pattern %s", patternKey(pattern))}
		return result, nil

	case models.DISABLE_RULE:
		copied := rule.DeepCopy()
		copied.Status = models.RULE_DISABLED

		result.Success = true
		result.AppliedChanges = []string{"disabled rule"}
		return result, copied

	case models.ADJUST_SEVERITY:
		level, _ := rec.ProposedChanges["level"].(string)
		newLevel := models.RuleLevel(level)
		if !newLevel.IsValid() {
			result.ErrorMessage = fmt.Sprintf("invalid severity level '%s'", level)
			return result, nil
		}

		copied := rule.DeepCopy()
		copied.Level = newLevel

		result.Success = true
		result.AppliedChanges = []string{fmt.Sprintf("severity set to %s", newLevel)}
		return result, copied

	default:
		result.ErrorMessage = fmt.Sprintf("unknown tuning action '%s'", rec.Action)
		return result, nil
	}
}

// applyStrategy performs the strategy-specific mutation on the copy.
// Mutations are written to be idempotent: applying the same
// recommendation to the already-tuned rule leaves the body unchanged.
func (o *Optimizer) applyStrategy(rule *models.Rule, rec models.TuningRecommendation) ([]string, error) {
	switch rec.Strategy {
	case models.NOISE_REDUCTION:
		return applyNoiseReduction(rule, rec)
	case models.THRESHOLD_ADJUSTMENT:
		return applyThresholdAdjustment(rule, rec)
	case models.FIELD_REFINEMENT:
		return applyFieldRefinement(rule, rec)
	default:
		return nil, fmt.Errorf("strategy '%s' has no rule mutation", rec.Strategy)
	}
}

// applyNoiseReduction adds a negated filter selection per recurring
// false-positive pattern.
func applyNoiseReduction(rule *models.Rule, rec models.TuningRecommendation) ([]string, error) {
	negated, ok := rec.ProposedChanges["negated_patterns"].([]map[string]string)
	if !ok || len(negated) == 0 {
		return nil, fmt.Errorf("noise reduction recommendation carries no patterns")
	}

	changes := make([]string, 0, len(negated))
	for i, pattern := range negated {
		name := fmt.Sprintf("filter_fp_%d", i+1)

		if _, exists := rule.Detection.Selections[name]; !exists {
			selection := make(models.Selection, len(pattern))
			for field, value := range pattern {
				selection[field] = value
			}
			rule.Detection.Selections[name] = selection
		}

		negation := "not " + name
		if !strings.Contains(rule.Detection.Condition, negation) {
			rule.Detection.Condition = rule.Detection.Condition + " and " + negation
		}
		changes = append(changes, fmt.Sprintf("negated pattern %s as %s", patternKey(pattern), name))
	}

	return changes, nil
}

// applyThresholdAdjustment rewrites or introduces the count aggregation.
func applyThresholdAdjustment(rule *models.Rule, rec models.TuningRecommendation) ([]string, error) {
	threshold, ok := intChange(rec.ProposedChanges, "count_threshold")
	if !ok {
		return nil, fmt.Errorf("threshold adjustment recommendation carries no count threshold")
	}

	if rule.HasCountAggregation() {
		rule.SetCountThreshold(threshold)
		return []string{fmt.Sprintf("count threshold set to %d", threshold)}, nil
	}

	rule.Detection.Condition = fmt.Sprintf("%s | count() > %d", rule.Detection.Condition, threshold)
	timeframe, _ := rec.ProposedChanges["timeframe"].(string)
	if timeframe == "" {
		timeframe = "5m"
	}
	rule.Detection.Timeframe = timeframe

	return []string{fmt.Sprintf("introduced count() > %d over %s", threshold, timeframe)}, nil
}

// applyFieldRefinement adds candidate fields to the primary selection and
// tightens wildcard values to their literal prefix.
func applyFieldRefinement(rule *models.Rule, rec models.TuningRecommendation) ([]string, error) {
	changes := make([]string, 0)

	if addFields, ok := rec.ProposedChanges["add_fields"].(map[string]string); ok && len(addFields) > 0 {
		primary := primarySelectionName(rule)
		if primary == "" {
			return nil, fmt.Errorf("rule has no selection to refine")
		}
		selection := rule.Detection.Selections[primary]

		fields := make([]string, 0, len(addFields))
		for field := range addFields {
			fields = append(fields, field)
		}
		sort.Strings(fields)

		for _, field := range fields {
			if _, exists := selection[field]; exists {
				continue
			}
			selection[field] = addFields[field]
			changes = append(changes, fmt.Sprintf("added %s: %s to %s", field, addFields[field], primary))
		}
	}

	if tighten, _ := rec.ProposedChanges["tighten_wildcards"].(bool); tighten {
		changes = append(changes, tightenWildcards(rule)...)
	}

	return changes, nil
}

// tightenWildcards replaces wildcard-suffixed string values with the
// non-wildcard literal across every selection.
func tightenWildcards(rule *models.Rule) []string {
	changes := make([]string, 0)

	names := make([]string, 0, len(rule.Detection.Selections))
	for name := range rule.Detection.Selections {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		selection := rule.Detection.Selections[name]
		for _, field := range selection.SortedSelectionFields() {
			value, ok := selection[field].(string)
			if !ok || !strings.HasSuffix(value, "*") {
				continue
			}
			literal := strings.TrimRight(value, "*")
			if literal == "" {
				continue
			}
			selection[field] = literal
			changes = append(changes, fmt.Sprintf("tightened %s.%s from %s to %s", name, field, value, literal))
		}
	}

	return changes
}

// Whitelists returns the recorded whitelist entries for a rule.
func (o *Optimizer) Whitelists(ruleID string) []models.WhitelistEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]models.WhitelistEntry(nil), o.whitelists[ruleID]...)
}

// ruleHasWildcards reports whether any selection carries a
// wildcard-suffixed string value.
func ruleHasWildcards(rule *models.Rule) bool {
	for _, selection := range rule.Detection.Selections {
		for _, value := range selection {
			if s, ok := value.(string); ok && strings.HasSuffix(s, "*") && strings.TrimRight(s, "*") != "" {
				return true
			}
		}
	}
	return false
}

// primarySelectionName returns the first non-filter selection name in
// sorted order, falling back to the first selection.
func primarySelectionName(rule *models.Rule) string {
	names := make([]string, 0, len(rule.Detection.Selections))
	for name := range rule.Detection.Selections {
		names = append(names, name)
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	for _, name := range names {
		if !strings.HasPrefix(name, "filter_") {
			return name
		}
	}
	return names[0]
}

// intChange reads an int-valued proposed change.
func intChange(changes map[string]interface{}, key string) (int, bool) {
	switch v := changes[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
