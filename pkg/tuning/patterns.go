package tuning

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// watchedPatternFields are the detail fields considered when grouping
// false-positive feedback into recurring patterns.
var watchedPatternFields = []string{"host.name", "process.name", "source.ip", "user.name"}

// patternGroup is a cluster of similar feedback patterns.
type patternGroup struct {
	Fields map[string]string
	Count  int
}

// extractPattern pulls a field→value map from one feedback item's
// details. With a non-nil field filter only those fields are kept;
// otherwise every string-valued detail field participates.
func extractPattern(item models.FeedbackItem, fields []string) map[string]string {
	pattern := make(map[string]string)

	if fields != nil {
		for _, field := range fields {
			if value, ok := item.Details[field].(string); ok && value != "" {
				pattern[field] = value
			}
		}
		return pattern
	}

	for field, raw := range item.Details {
		if value, ok := raw.(string); ok && value != "" {
			pattern[field] = value
		}
	}

	return pattern
}

// patternKey renders a pattern as a canonical sorted string so grouping
// and ordering are deterministic.
func patternKey(pattern map[string]string) string {
	parts := make([]string, 0, len(pattern))
	for field, value := range pattern {
		parts = append(parts, fmt.Sprintf("%s=%s", field, value))
	}
	sort.Strings(parts)

	return strings.Join(parts, ";")
}

// patternSimilarity computes the Jaccard similarity of two patterns over
// their field=value pairs.
func patternSimilarity(a, b map[string]string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	shared := 0
	for field, value := range a {
		if b[field] == value {
			shared++
		}
	}
	union := len(a) + len(b) - shared

	return float64(shared) / float64(union)
}

// minePatterns groups the feedback items of one kind into recurring
// patterns by greedy clustering at the similarity threshold. Groups are
// ordered by count descending, then by canonical key, so the mining is
// deterministic for identical input.
func minePatterns(items []models.FeedbackItem, kind models.FeedbackKind, fields []string, minSimilarity float64) []patternGroup {
	counts := make(map[string]int)
	patterns := make(map[string]map[string]string)

	for _, item := range items {
		if item.Kind != kind {
			continue
		}
		pattern := extractPattern(item, fields)
		if len(pattern) == 0 {
			continue
		}
		key := patternKey(pattern)
		counts[key]++
		patterns[key] = pattern
	}

	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([]patternGroup, 0)
	for _, key := range keys {
		pattern := patterns[key]

		merged := false
		for i := range groups {
			if patternSimilarity(groups[i].Fields, pattern) >= minSimilarity {
				groups[i].Count += counts[key]
				merged = true
				break
			}
		}
		if !merged {
			groups = append(groups, patternGroup{Fields: pattern, Count: counts[key]})
		}
	}

	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return patternKey(groups[i].Fields) < patternKey(groups[j].Fields)
	})

	return groups
}

// fieldCandidates finds detail fields recurring in at least minOccurrences
// true-positive patterns that the rule does not match on yet. For each
// candidate the most frequent value wins, ties broken lexicographically.
func fieldCandidates(items []models.FeedbackItem, rule *models.Rule, minOccurrences int) map[string]string {
	valueCounts := make(map[string]map[string]int)
	for _, item := range items {
		if item.Kind != models.TRUE_POSITIVE {
			continue
		}
		for field, value := range extractPattern(item, nil) {
			if valueCounts[field] == nil {
				valueCounts[field] = make(map[string]int)
			}
			valueCounts[field][value]++
		}
	}

	candidates := make(map[string]string)
	for field, values := range valueCounts {
		if ruleMatchesField(rule, field) {
			continue
		}

		bestValue := ""
		bestCount := 0
		for value, count := range values {
			if count > bestCount || (count == bestCount && value < bestValue) {
				bestValue = value
				bestCount = count
			}
		}
		if bestCount >= minOccurrences {
			candidates[field] = bestValue
		}
	}

	return candidates
}

// ruleMatchesField reports whether any selection of the rule already
// matches on a field.
func ruleMatchesField(rule *models.Rule, field string) bool {
	for _, selection := range rule.Detection.Selections {
		if _, exists := selection[field]; exists {
			return true
		}
	}
	return false
}
