package models

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Selection maps field names to a matched value or list of values.
// A string value containing '*' is treated as a glob by the engine adapters.
type Selection map[string]interface{}

// Detection is the matching part of a rule body: one or more named
// selections, a condition expression over their names, and an optional
// aggregation timeframe.
type Detection struct {
	Selections map[string]Selection `json:"selections"`
	Condition  string               `json:"condition"`
	Timeframe  string               `json:"timeframe,omitempty"`
}

// Rule represents a detection rule as exchanged with the rule repository.
// The core reads rules, mutates them during tuning, and writes them back;
// it never creates rules from scratch.
type Rule struct {
	// Identity
	RuleID      string     `json:"rule_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      RuleStatus `json:"status,omitempty"`
	Level       RuleLevel  `json:"level"`

	// Matching logic
	Detection Detection `json:"detection"`

	// Context carried through to engines
	Tags           []string `json:"tags,omitempty"`
	References     []string `json:"references,omitempty"`
	FalsePositives []string `json:"falsepositives,omitempty"`
	Author         string   `json:"author,omitempty"`

	// Provenance set by the coordinator when the rule is ingested
	SourceIncident   string    `json:"source_incident,omitempty"`
	GeneratedAt      time.Time `json:"generated_at,omitempty"`
	IncidentSeverity string    `json:"incident_severity,omitempty"`
}

// RuleValidation is the validation verdict attached to a candidate rule
// by the upstream analysis.
type RuleValidation struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// CandidateRule is a rule proposed by upstream analysis, not yet deployed.
type CandidateRule struct {
	Rule
	Validation RuleValidation `json:"validation"`
}

// AnalystFindings carries the candidate rules attached to an incident.
type AnalystFindings struct {
	SigmaRules []CandidateRule `json:"sigma_rules"`
}

// Incident is the unit the coordinator pulls from the upstream source.
type Incident struct {
	IncidentID      string                 `json:"incident_id"`
	AnalystFindings AnalystFindings        `json:"analyst_findings"`
	ResponderPlan   map[string]interface{} `json:"responder_plan,omitempty"`
	Timestamp       time.Time              `json:"timestamp"`
	Severity        string                 `json:"severity"`
}

// countPattern matches the count aggregation suffix of a condition,
// e.g. "selection | count() > 5".
var countPattern = regexp.MustCompile(`count\(\)\s*>\s*(\d+)`)

// ruleDoc is the YAML text form of a rule body. Field order here is the
// serialization order.
type ruleDoc struct {
	Title          string    `yaml:"title"`
	ID             string    `yaml:"id"`
	Status         string    `yaml:"status,omitempty"`
	Description    string    `yaml:"description,omitempty"`
	Author         string    `yaml:"author,omitempty"`
	References     []string  `yaml:"references,omitempty"`
	Tags           []string  `yaml:"tags,omitempty"`
	Level          string    `yaml:"level,omitempty"`
	Detection      Detection `yaml:"detection"`
	FalsePositives []string  `yaml:"falsepositives,omitempty"`
}

// UnmarshalYAML decodes a detection mapping, treating "condition" and
// "timeframe" as reserved keys and everything else as a named selection.
func (d *Detection) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("detection must be a mapping")
	}

	d.Selections = make(map[string]Selection)
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		switch keyNode.Value {
		case "condition":
			if err := valNode.Decode(&d.Condition); err != nil {
				return fmt.Errorf("failed to decode condition: %w", err)
			}
		case "timeframe":
			if err := valNode.Decode(&d.Timeframe); err != nil {
				return fmt.Errorf("failed to decode timeframe: %w", err)
			}
		default:
			var sel Selection
			if err := valNode.Decode(&sel); err != nil {
				return fmt.Errorf("failed to decode selection '%s': %w", keyNode.Value, err)
			}
			d.Selections[keyNode.Value] = sel
		}
	}

	return nil
}

// MarshalYAML encodes the detection with selections in sorted name order,
// then timeframe, then condition, so the text form is deterministic.
func (d Detection) MarshalYAML() (interface{}, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	names := make([]string, 0, len(d.Selections))
	for name := range d.Selections {
		names = append(names, name)
	}
	sort.Strings(names)

	appendEntry := func(key string, value interface{}) error {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		valNode := &yaml.Node{}
		if err := valNode.Encode(value); err != nil {
			return fmt.Errorf("failed to encode '%s': %w", key, err)
		}
		root.Content = append(root.Content, keyNode, valNode)
		return nil
	}

	for _, name := range names {
		if err := appendEntry(name, d.Selections[name]); err != nil {
			return nil, err
		}
	}
	if d.Timeframe != "" {
		if err := appendEntry("timeframe", d.Timeframe); err != nil {
			return nil, err
		}
	}
	if err := appendEntry("condition", d.Condition); err != nil {
		return nil, err
	}

	return root, nil
}

// ParseRule parses the YAML text form of a rule body.
func ParseRule(text string) (*Rule, error) {
	var doc ruleDoc
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rule body: %w", err)
	}

	rule := &Rule{
		RuleID:         doc.ID,
		Title:          doc.Title,
		Description:    doc.Description,
		Status:         RuleStatus(doc.Status),
		Level:          RuleLevel(doc.Level),
		Detection:      doc.Detection,
		Tags:           doc.Tags,
		References:     doc.References,
		FalsePositives: doc.FalsePositives,
		Author:         doc.Author,
	}
	if rule.Detection.Selections == nil {
		rule.Detection.Selections = make(map[string]Selection)
	}

	return rule, nil
}

// BodyText serializes the rule back to its YAML text form.
func (r *Rule) BodyText() (string, error) {
	doc := ruleDoc{
		Title:          r.Title,
		ID:             r.RuleID,
		Status:         string(r.Status),
		Description:    r.Description,
		Author:         r.Author,
		References:     r.References,
		Tags:           r.Tags,
		Level:          string(r.Level),
		Detection:      r.Detection,
		FalsePositives: r.FalsePositives,
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("failed to serialize rule body: %w", err)
	}

	return string(out), nil
}

// Validate validates the rule body. A rule is usable when it has an ID,
// at least one non-empty selection and a non-empty condition.
func (r *Rule) Validate() error {
	var errors ValidationErrors

	errors.AddIf(r.RuleID == "", "RuleID", r.RuleID, "rule ID cannot be empty")
	errors.AddIf(r.Title == "", "Title", r.Title, "title cannot be empty")
	errors.AddIf(len(r.Detection.Selections) == 0, "Detection.Selections",
		len(r.Detection.Selections), "rule must define at least one selection")
	errors.AddIf(strings.TrimSpace(r.Detection.Condition) == "", "Detection.Condition",
		r.Detection.Condition, "rule must define a condition")

	for name, sel := range r.Detection.Selections {
		errors.AddIf(len(sel) == 0, "Detection.Selections", name,
			fmt.Sprintf("selection '%s' cannot be empty", name))
	}

	if r.Level != "" && !r.Level.IsValid() {
		errors.Add("Level", r.Level, "unknown severity level")
	}
	if r.Status != "" && !r.Status.IsValid() {
		errors.Add("Status", r.Status, "unknown rule status")
	}

	if errors.HasErrors() {
		return errors
	}

	return nil
}

// HasCountAggregation returns true if the condition carries a count threshold.
func (r *Rule) HasCountAggregation() bool {
	return countPattern.MatchString(r.Detection.Condition)
}

// CountThreshold extracts N from a "count() > N" aggregation suffix.
func (r *Rule) CountThreshold() (int, bool) {
	match := countPattern.FindStringSubmatch(r.Detection.Condition)
	if match == nil {
		return 0, false
	}

	n, err := strconv.Atoi(match[1])
	if err != nil {
		return 0, false
	}

	return n, true
}

// SetCountThreshold rewrites the count threshold in the condition.
func (r *Rule) SetCountThreshold(n int) {
	r.Detection.Condition = countPattern.ReplaceAllString(
		r.Detection.Condition, fmt.Sprintf("count() > %d", n))
}

// IsDisabled returns true when tuning has disabled the rule.
func (r *Rule) IsDisabled() bool {
	return r.Status == RULE_DISABLED
}

// DeepCopy returns an independent copy of the rule. Tuning mutates the
// copy and swaps it in only after re-validation succeeds.
func (r *Rule) DeepCopy() *Rule {
	if r == nil {
		return nil
	}

	copied := *r
	copied.Detection = Detection{
		Condition:  r.Detection.Condition,
		Timeframe:  r.Detection.Timeframe,
		Selections: make(map[string]Selection, len(r.Detection.Selections)),
	}

	for name, sel := range r.Detection.Selections {
		copiedSel := make(Selection, len(sel))
		for field, value := range sel {
			copiedSel[field] = copyValue(value)
		}
		copied.Detection.Selections[name] = copiedSel
	}

	copied.Tags = append([]string(nil), r.Tags...)
	copied.References = append([]string(nil), r.References...)
	copied.FalsePositives = append([]string(nil), r.FalsePositives...)

	return &copied
}

func copyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []interface{}:
		copied := make([]interface{}, len(v))
		for i, item := range v {
			copied[i] = copyValue(item)
		}
		return copied
	case map[string]interface{}:
		copied := make(map[string]interface{}, len(v))
		for k, item := range v {
			copied[k] = copyValue(item)
		}
		return copied
	default:
		return v
	}
}

// SortedSelectionFields returns the field names of a selection in sorted
// order. Adapters iterate selections through this so translated output is
// deterministic.
func (s Selection) SortedSelectionFields() []string {
	fields := make([]string, 0, len(s))
	for field := range s {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return fields
}
