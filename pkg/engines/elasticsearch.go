package engines

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// ElasticRule is the Elastic Security detection rule envelope pushed to
// the Kibana detection engine API.
type ElasticRule struct {
	RuleID         string                 `json:"rule_id"`
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	Severity       string                 `json:"severity"`
	RiskScore      int                    `json:"risk_score"`
	Query          map[string]interface{} `json:"query"`
	Language       string                 `json:"language"`
	Type           string                 `json:"type"`
	Enabled        bool                   `json:"enabled"`
	Interval       string                 `json:"interval"`
	Tags           []string               `json:"tags,omitempty"`
	References     []string               `json:"references,omitempty"`
	FalsePositives []string               `json:"false_positives,omitempty"`
	Author         []string               `json:"author,omitempty"`
}

// elasticSeverity maps rule levels to Elastic Security severities.
var elasticSeverity = map[models.RuleLevel]string{
	models.LEVEL_INFORMATIONAL: "low",
	models.LEVEL_LOW:           "low",
	models.LEVEL_MEDIUM:        "medium",
	models.LEVEL_HIGH:          "high",
	models.LEVEL_CRITICAL:      "critical",
}

// elasticRiskScore maps rule levels to Elastic risk scores.
var elasticRiskScore = map[models.RuleLevel]int{
	models.LEVEL_INFORMATIONAL: 25,
	models.LEVEL_LOW:           25,
	models.LEVEL_MEDIUM:        47,
	models.LEVEL_HIGH:          73,
	models.LEVEL_CRITICAL:      99,
}

// ElasticsearchAdapter deploys rules to an Elastic Security instance via
// the Kibana detection engine API.
type ElasticsearchAdapter struct {
	client *http.Client
	logger *zap.Logger
}

// NewElasticsearchAdapter creates an Elasticsearch adapter.
func NewElasticsearchAdapter(logger *zap.Logger) *ElasticsearchAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElasticsearchAdapter{
		client: newHTTPClient(),
		logger: logger,
	}
}

// EngineType returns the engine type this adapter serves.
func (a *ElasticsearchAdapter) EngineType() models.EngineType {
	return models.ELASTICSEARCH
}

// Translate converts a rule into an Elastic Security rule envelope. Each
// selection field becomes a boolean-must clause: lists become terms
// matches, strings containing '*' become wildcard matches, other values
// become exact term matches.
func (a *ElasticsearchAdapter) Translate(rule *models.Rule, target models.DeploymentTarget) (interface{}, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("cannot translate invalid rule: %w", err)
	}

	must := make([]map[string]interface{}, 0)

	selectionNames := make([]string, 0, len(rule.Detection.Selections))
	for name := range rule.Detection.Selections {
		selectionNames = append(selectionNames, name)
	}
	sort.Strings(selectionNames)

	for _, name := range selectionNames {
		selection := rule.Detection.Selections[name]
		for _, field := range selection.SortedSelectionFields() {
			must = append(must, elasticClause(field, selection[field]))
		}
	}

	level := rule.Level
	if level == "" {
		level = models.LEVEL_MEDIUM
	}

	tags := append([]string{}, rule.Tags...)
	tags = append(tags, "sigma", "cybersentinel")

	elasticRule := &ElasticRule{
		RuleID:      rule.RuleID,
		Name:        rule.Title,
		Description: rule.Description,
		Severity:    elasticSeverity[level],
		RiskScore:   elasticRiskScore[level],
		Query: map[string]interface{}{
			"bool": map[string]interface{}{
				"must": must,
			},
		},
		Language:       "kuery",
		Type:           "query",
		Enabled:        true,
		Interval:       "5m",
		Tags:           tags,
		References:     rule.References,
		FalsePositives: rule.FalsePositives,
	}
	if rule.Author != "" {
		elasticRule.Author = []string{rule.Author}
	}

	return elasticRule, nil
}

// elasticClause builds a single boolean-must clause for one selection field.
func elasticClause(field string, value interface{}) map[string]interface{} {
	switch v := value.(type) {
	case []interface{}:
		return map[string]interface{}{"terms": map[string]interface{}{field: v}}
	case string:
		if strings.Contains(v, "*") {
			return map[string]interface{}{"wildcard": map[string]interface{}{field: v}}
		}
		return map[string]interface{}{"term": map[string]interface{}{field: v}}
	default:
		return map[string]interface{}{"term": map[string]interface{}{field: v}}
	}
}

// Probe checks cluster health. An empty endpoint means dry-run success.
func (a *ElasticsearchAdapter) Probe(ctx context.Context, target models.DeploymentTarget) bool {
	if target.IsDryRun() {
		return true
	}
	return probeRequest(ctx, a.client, target,
		strings.TrimSuffix(target.Endpoint, "/")+"/_cluster/health", a.logger)
}

// Deploy pushes the translated rule to the detection engine API.
func (a *ElasticsearchAdapter) Deploy(ctx context.Context, rule *models.Rule, target models.DeploymentTarget) models.DeploymentResult {
	start := time.Now()
	result := models.DeploymentResult{
		RuleID:         rule.RuleID,
		TargetName:     target.Name,
		DeploymentTime: start,
	}

	converted, err := a.Translate(rule, target)
	if err != nil {
		result.ErrorMessage = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	result.ConvertedRule = converted

	// Validation-only mode: no push, no deployed rule ID.
	if target.IsDryRun() {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	body, err := json.Marshal(converted)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to encode rule: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	ctx, cancel := context.WithTimeout(ctx, DeployTimeout)
	defer cancel()

	url := strings.TrimSuffix(target.Endpoint, "/") + "/api/detection_engine/rules"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to build deploy request: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("kbn-xsrf", "true")
	if target.Username != "" {
		req.SetBasicAuth(target.Username, target.Password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("deploy request failed: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	defer resp.Body.Close()

	if !deployAccepted(resp.StatusCode) {
		result.ErrorMessage = fmt.Sprintf("engine returned status %d", resp.StatusCode)
		result.Duration = time.Since(start)
		a.logger.Warn("elasticsearch deploy rejected",
			zap.String("rule_id", rule.RuleID),
			zap.String("target", target.Name),
			zap.Int("status", resp.StatusCode))
		return result
	}

	result.Success = true
	result.DeployedRuleID = rule.RuleID
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err == nil && created.ID != "" {
		result.DeployedRuleID = created.ID
	}
	result.Duration = time.Since(start)

	return result
}
