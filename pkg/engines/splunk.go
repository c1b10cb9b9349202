package engines

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// SplunkAdapter deploys rules as Splunk saved searches.
type SplunkAdapter struct {
	client *http.Client
	logger *zap.Logger
}

// NewSplunkAdapter creates a Splunk adapter.
func NewSplunkAdapter(logger *zap.Logger) *SplunkAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SplunkAdapter{
		client: newHTTPClient(),
		logger: logger,
	}
}

// EngineType returns the engine type this adapter serves.
func (a *SplunkAdapter) EngineType() models.EngineType {
	return models.SPLUNK
}

// Translate converts a rule into an SPL search string. Selection clauses
// are joined with AND, lists become OR groups, and the event stream is
// enriched with the rule identity and severity. The lookback comes from
// the rule timeframe, defaulting to 1h.
func (a *SplunkAdapter) Translate(rule *models.Rule, target models.DeploymentTarget) (interface{}, error) {
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("cannot translate invalid rule: %w", err)
	}

	clauses := make([]string, 0)

	selectionNames := make([]string, 0, len(rule.Detection.Selections))
	for name := range rule.Detection.Selections {
		selectionNames = append(selectionNames, name)
	}
	sort.Strings(selectionNames)

	for _, name := range selectionNames {
		selection := rule.Detection.Selections[name]
		for _, field := range selection.SortedSelectionFields() {
			clauses = append(clauses, splunkClause(field, selection[field]))
		}
	}

	timeframe := rule.Detection.Timeframe
	if timeframe == "" {
		timeframe = "1h"
	}

	level := rule.Level
	if level == "" {
		level = models.LEVEL_MEDIUM
	}

	search := fmt.Sprintf("search earliest=-%s %s | eval rule_id=\"%s\", rule_title=\"%s\", severity=\"%s\"",
		timeframe,
		strings.Join(clauses, " AND "),
		rule.RuleID,
		rule.Title,
		level)

	return search, nil
}

// splunkClause builds one SPL clause for a selection field.
func splunkClause(field string, value interface{}) string {
	switch v := value.(type) {
	case []interface{}:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprintf("%s=\"%v\"", field, item))
		}
		return "(" + strings.Join(parts, " OR ") + ")"
	default:
		return fmt.Sprintf("%s=\"%v\"", field, v)
	}
}

// Probe checks the server info endpoint. An empty endpoint means dry-run
// success.
func (a *SplunkAdapter) Probe(ctx context.Context, target models.DeploymentTarget) bool {
	if target.IsDryRun() {
		return true
	}
	return probeRequest(ctx, a.client, target,
		strings.TrimSuffix(target.Endpoint, "/")+"/services/server/info", a.logger)
}

// Deploy pushes the translated search as a saved search.
func (a *SplunkAdapter) Deploy(ctx context.Context, rule *models.Rule, target models.DeploymentTarget) models.DeploymentResult {
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

	if target.IsDryRun() {
		result.Success = true
		result.Duration = time.Since(start)
		return result
	}

	search, _ := converted.(string)
	savedSearchName := "cybersentinel_" + rule.RuleID

	form := url.Values{}
	form.Set("name", savedSearchName)
	form.Set("search", search)
	form.Set("description", rule.Description)
	form.Set("disabled", "0")

	ctx, cancel := context.WithTimeout(ctx, DeployTimeout)
	defer cancel()

	endpoint := strings.TrimSuffix(target.Endpoint, "/") + "/services/saved/searches"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to build deploy request: %v", err)
		result.Duration = time.Since(start)
		return result
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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
		a.logger.Warn("splunk deploy rejected",
			zap.String("rule_id", rule.RuleID),
			zap.String("target", target.Name),
			zap.Int("status", resp.StatusCode))
		return result
	}

	result.Success = true
	result.DeployedRuleID = savedSearchName
	result.Duration = time.Since(start)

	return result
}
