package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// Repository provides data access methods. It backs the in-memory cores:
// the feedback sink, the monitor's alert source, the tuner's rule
// repository and whitelist sink, and the coordinator's incident source
// and knowledge graph.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// WriteFeedback persists one feedback item
func (r *Repository) WriteFeedback(ctx context.Context, item models.FeedbackItem) error {
	details := ""
	if len(item.Details) > 0 {
		raw, err := json.Marshal(item.Details)
		if err != nil {
			return fmt.Errorf("failed to encode feedback details: %w", err)
		}
		details = string(raw)
	}

	record := FeedbackRecord{
		FeedbackID:   item.FeedbackID,
		RuleID:       item.RuleID,
		Kind:         item.Kind.String(),
		Timestamp:    item.Timestamp,
		Source:       item.Source,
		Confidence:   float64(item.Confidence),
		AlertID:      item.AlertID,
		IncidentID:   item.IncidentID,
		AnalystNotes: item.AnalystNotes,
		Details:      details,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
}

// ReadFeedback returns items newer than since, optionally filtered by rule IDs
func (r *Repository) ReadFeedback(ctx context.Context, since time.Time, ruleIDs []string) ([]models.FeedbackItem, error) {
	query := r.db.WithContext(ctx).Where("timestamp > ?", since)
	if len(ruleIDs) > 0 {
		query = query.Where("rule_id IN ?", ruleIDs)
	}

	var records []FeedbackRecord
	if err := query.Order("timestamp ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to read feedback: %w", err)
	}

	items := make([]models.FeedbackItem, 0, len(records))
	for _, record := range records {
		item := models.FeedbackItem{
			FeedbackID:   record.FeedbackID,
			RuleID:       record.RuleID,
			Kind:         models.FeedbackKind(record.Kind),
			Timestamp:    record.Timestamp,
			Source:       record.Source,
			Confidence:   models.Confidence(record.Confidence),
			AlertID:      record.AlertID,
			IncidentID:   record.IncidentID,
			AnalystNotes: record.AnalystNotes,
		}
		if record.Details != "" {
			if err := json.Unmarshal([]byte(record.Details), &item.Details); err != nil {
				return nil, fmt.Errorf("failed to decode feedback details for %s: %w", record.FeedbackID, err)
			}
		}
		items = append(items, item)
	}

	return items, nil
}

// SaveAlertStats saves hourly alert buckets efficiently
func (r *Repository) SaveAlertStats(ctx context.Context, stats []models.AlertStat) error {
	if len(stats) == 0 {
		return nil
	}

	records := make([]AlertStatRecord, len(stats))
	for i, stat := range stats {
		records[i] = AlertStatRecord{
			RuleID:           stat.RuleID,
			Hour:             stat.Hour,
			AlertCount:       stat.AlertCount,
			TruePositives:    stat.TruePositives,
			FalsePositives:   stat.FalsePositives,
			AvgConfidence:    stat.AvgConfidence,
			ProcessingTimeMS: stat.ProcessingTimeMS,
		}
	}

	// Use batch insert for efficiency
	return r.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

// ReadAlertStats returns hourly alert buckets newer than since
func (r *Repository) ReadAlertStats(ctx context.Context, since time.Time, ruleIDs []string) ([]models.AlertStat, error) {
	query := r.db.WithContext(ctx).Where("hour > ?", since)
	if len(ruleIDs) > 0 {
		query = query.Where("rule_id IN ?", ruleIDs)
	}

	var records []AlertStatRecord
	if err := query.Order("hour ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to read alert stats: %w", err)
	}

	stats := make([]models.AlertStat, len(records))
	for i, record := range records {
		stats[i] = models.AlertStat{
			RuleID:           record.RuleID,
			Hour:             record.Hour,
			AlertCount:       record.AlertCount,
			TruePositives:    record.TruePositives,
			FalsePositives:   record.FalsePositives,
			AvgConfidence:    record.AvgConfidence,
			ProcessingTimeMS: record.ProcessingTimeMS,
		}
	}

	return stats, nil
}

// SaveResourceUsage saves hourly resource samples
func (r *Repository) SaveResourceUsage(ctx context.Context, usage []models.ResourceUsage) error {
	if len(usage) == 0 {
		return nil
	}

	records := make([]ResourceUsageRecord, len(usage))
	for i, sample := range usage {
		records[i] = ResourceUsageRecord{
			RuleID:          sample.RuleID,
			Hour:            sample.Hour,
			CPUPercent:      sample.CPUPercent,
			MemoryMB:        sample.MemoryMB,
			QueryDurationMS: sample.QueryDurationMS,
		}
	}

	return r.db.WithContext(ctx).CreateInBatches(records, 100).Error
}

// ReadResourceUsage returns resource samples newer than since
func (r *Repository) ReadResourceUsage(ctx context.Context, since time.Time, ruleIDs []string) ([]models.ResourceUsage, error) {
	query := r.db.WithContext(ctx).Where("hour > ?", since)
	if len(ruleIDs) > 0 {
		query = query.Where("rule_id IN ?", ruleIDs)
	}

	var records []ResourceUsageRecord
	if err := query.Order("hour ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to read resource usage: %w", err)
	}

	usage := make([]models.ResourceUsage, len(records))
	for i, record := range records {
		usage[i] = models.ResourceUsage{
			RuleID:          record.RuleID,
			Hour:            record.Hour,
			CPUPercent:      record.CPUPercent,
			MemoryMB:        record.MemoryMB,
			QueryDurationMS: record.QueryDurationMS,
		}
	}

	return usage, nil
}

// PutRule persists a rule, body serialized to its YAML text form
func (r *Repository) PutRule(ctx context.Context, rule *models.Rule) error {
	body, err := rule.BodyText()
	if err != nil {
		return fmt.Errorf("failed to serialize rule %s: %w", rule.RuleID, err)
	}

	record := RuleRecord{
		RuleID:           rule.RuleID,
		Title:            rule.Title,
		Status:           rule.Status.String(),
		Level:            string(rule.Level),
		Body:             body,
		SourceIncident:   rule.SourceIncident,
		IncidentSeverity: rule.IncidentSeverity,
		GeneratedAt:      rule.GeneratedAt,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "rule_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

// GetRule retrieves a rule by ID, parsing it back from its YAML body
func (r *Repository) GetRule(ctx context.Context, ruleID string) (*models.Rule, error) {
	var record RuleRecord
	if err := r.db.WithContext(ctx).First(&record, "rule_id = ?", ruleID).Error; err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}

	rule, err := models.ParseRule(record.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored rule %s: %w", ruleID, err)
	}
	rule.SourceIncident = record.SourceIncident
	rule.IncidentSeverity = record.IncidentSeverity
	rule.GeneratedAt = record.GeneratedAt

	return rule, nil
}

// ListRules lists stored rules, newest first
func (r *Repository) ListRules(ctx context.Context) ([]RuleRecord, error) {
	var records []RuleRecord
	err := r.db.WithContext(ctx).Order("updated_at DESC").Find(&records).Error
	return records, err
}

// SaveIncident queues an incident for the coordinator
func (r *Repository) SaveIncident(ctx context.Context, incident models.Incident) error {
	findings, err := json.Marshal(incident.AnalystFindings)
	if err != nil {
		return fmt.Errorf("failed to encode analyst findings: %w", err)
	}

	record := IncidentRecord{
		IncidentID: incident.IncidentID,
		Severity:   incident.Severity,
		Timestamp:  incident.Timestamp,
		Findings:   string(findings),
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
}

// FetchIncidents returns incidents newer than since
func (r *Repository) FetchIncidents(ctx context.Context, since time.Time) ([]models.Incident, error) {
	var records []IncidentRecord
	err := r.db.WithContext(ctx).
		Where("timestamp > ?", since).
		Order("timestamp ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to fetch incidents: %w", err)
	}

	incidents := make([]models.Incident, 0, len(records))
	for _, record := range records {
		incident := models.Incident{
			IncidentID: record.IncidentID,
			Severity:   record.Severity,
			Timestamp:  record.Timestamp,
		}
		if record.Findings != "" {
			if err := json.Unmarshal([]byte(record.Findings), &incident.AnalystFindings); err != nil {
				return nil, fmt.Errorf("failed to decode findings for %s: %w", record.IncidentID, err)
			}
		}
		incidents = append(incidents, incident)
	}

	return incidents, nil
}

// UpsertCycle links an incident to a detection cycle
func (r *Repository) UpsertCycle(ctx context.Context, incidentID, cycleID string, rulesCount int) error {
	record := CycleNodeRecord{
		IncidentID: incidentID,
		CycleID:    cycleID,
		RulesCount: rulesCount,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "incident_id"}, {Name: "cycle_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rules_count"}),
		}).
		Create(&record).Error
}

// UpsertRuleScore records the latest performance score for a rule
func (r *Repository) UpsertRuleScore(ctx context.Context, ruleID string, score float64) error {
	record := RuleScoreRecord{
		RuleID:    ruleID,
		Score:     score,
		UpdatedAt: time.Now(),
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "rule_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"score", "updated_at"}),
		}).
		Create(&record).Error
}

// WriteWhitelist persists one whitelist entry
func (r *Repository) WriteWhitelist(ctx context.Context, entry models.WhitelistEntry) error {
	pattern, err := json.Marshal(entry.Pattern)
	if err != nil {
		return fmt.Errorf("failed to encode whitelist pattern: %w", err)
	}

	record := WhitelistRecord{
		RuleID:    entry.RuleID,
		Pattern:   string(pattern),
		Reason:    entry.Reason,
		CreatedAt: entry.CreatedAt,
	}

	return r.db.WithContext(ctx).Create(&record).Error
}

// GetWhitelists retrieves the whitelist entries for a rule
func (r *Repository) GetWhitelists(ctx context.Context, ruleID string) ([]models.WhitelistEntry, error) {
	var records []WhitelistRecord
	err := r.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get whitelists: %w", err)
	}

	entries := make([]models.WhitelistEntry, 0, len(records))
	for _, record := range records {
		entry := models.WhitelistEntry{
			RuleID:    record.RuleID,
			Reason:    record.Reason,
			CreatedAt: record.CreatedAt,
		}
		if record.Pattern != "" {
			if err := json.Unmarshal([]byte(record.Pattern), &entry.Pattern); err != nil {
				return nil, fmt.Errorf("failed to decode whitelist pattern: %w", err)
			}
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// SaveTuningAction records an applied recommendation for audit
func (r *Repository) SaveTuningAction(ctx context.Context, record models.TuningRecord) error {
	row := TuningActionRecord{
		RuleID:           record.RuleID,
		RecommendationID: record.RecommendationID,
		Strategy:         record.Strategy.String(),
		Action:           string(record.Action),
		Mode:             record.Mode,
		Success:          record.Result.Success,
		ErrorMsg:         record.Result.ErrorMessage,
		AppliedAt:        record.AppliedAt,
	}

	return r.db.WithContext(ctx).Create(&row).Error
}

// GetTuningActions retrieves the tuning audit trail for a rule
func (r *Repository) GetTuningActions(ctx context.Context, ruleID string, limit int) ([]TuningActionRecord, error) {
	query := r.db.WithContext(ctx).Order("applied_at DESC")
	if ruleID != "" {
		query = query.Where("rule_id = ?", ruleID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var records []TuningActionRecord
	err := query.Find(&records).Error
	return records, err
}
