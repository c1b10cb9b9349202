package tuning

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// historyCap bounds the tuning history ring.
const historyCap = 100

// RuleRepository is the collaborator owning the rule documents.
type RuleRepository interface {
	GetRule(ctx context.Context, ruleID string) (*models.Rule, error)
	PutRule(ctx context.Context, rule *models.Rule) error
}

// FeedbackSource provides the feedback view the tuner diagnoses from.
type FeedbackSource interface {
	Performance(ruleID string, evaluationHours int) *models.RulePerformance
	Items(ruleID string, windowHours int) []models.FeedbackItem
}

// HealthSource provides the monitor's health view of a rule.
type HealthSource interface {
	Health(ruleID string) *models.RuleHealth
}

// WhitelistSink durably records whitelist entries, so noise filters
// survive restarts. Optional and best-effort.
type WhitelistSink interface {
	WriteWhitelist(ctx context.Context, entry models.WhitelistEntry) error
}

// Observer is notified of generated recommendations and applied tunings.
type Observer interface {
	ObserveRecommendation(strategy, risk string)
	ObserveTuning(mode string)
}

// Config holds the tuning engine gates.
type Config struct {
	ScoreThreshold            float64 `json:"score_threshold" yaml:"score_threshold"`
	MinFeedbackSamples        int     `json:"min_feedback_samples" yaml:"min_feedback_samples"`
	MaxRecommendationsPerRule int     `json:"max_recommendations_per_rule" yaml:"max_recommendations_per_rule"`
	AutoApplyLowRisk          bool    `json:"auto_apply_low_risk" yaml:"auto_apply_low_risk"`
	WindowHours               int     `json:"window_hours" yaml:"window_hours"`
}

// DefaultConfig returns the default tuning gates.
func DefaultConfig() Config {
	return Config{
		ScoreThreshold:            0.7,
		MinFeedbackSamples:        10,
		MaxRecommendationsPerRule: 3,
		AutoApplyLowRisk:          true,
		WindowHours:               168,
	}
}

// Engine selects recommendations to auto-apply versus enqueue for
// approval, and maintains the pending queue and the bounded history.
type Engine struct {
	cfg       Config
	optimizer *Optimizer
	repo      RuleRepository
	feedback  FeedbackSource
	health    HealthSource

	whitelistSink WhitelistSink
	observer      Observer

	clock  models.Clock
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string][]models.PendingRecommendation
	history []models.TuningRecord
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWhitelistSink mirrors applied whitelist entries durably.
func WithWhitelistSink(sink WhitelistSink) EngineOption {
	return func(e *Engine) { e.whitelistSink = sink }
}

// WithObserver registers a tuning observer.
func WithObserver(observer Observer) EngineOption {
	return func(e *Engine) { e.observer = observer }
}

// NewEngine creates a tuning engine.
func NewEngine(cfg Config, optimizer *Optimizer, repo RuleRepository, feedback FeedbackSource, health HealthSource, clock models.Clock, logger *zap.Logger, opts ...EngineOption) *Engine {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = DefaultConfig().ScoreThreshold
	}
	if cfg.MinFeedbackSamples <= 0 {
		cfg.MinFeedbackSamples = DefaultConfig().MinFeedbackSamples
	}
	if cfg.MaxRecommendationsPerRule <= 0 {
		cfg.MaxRecommendationsPerRule = DefaultConfig().MaxRecommendationsPerRule
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = DefaultConfig().WindowHours
	}
	if clock == nil {
		clock = models.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		cfg:       cfg,
		optimizer: optimizer,
		repo:      repo,
		feedback:  feedback,
		health:    health,
		clock:     clock,
		logger:    logger,
		pending:   make(map[string][]models.PendingRecommendation),
	}
	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

// SetAutoApplyLowRisk toggles unattended application of low-risk
// recommendations, used by config hot-reload.
func (e *Engine) SetAutoApplyLowRisk(enabled bool) {
	e.mu.Lock()
	e.cfg.AutoApplyLowRisk = enabled
	e.mu.Unlock()
}

// TuneRules diagnoses the rules whose score falls below the threshold,
// enqueues every recommendation and auto-applies the low-risk ones.
// Returns the number of recommendations applied automatically.
//
// With a non-nil deployedRules the scores are filtered to that set.
// Recommendations for a single rule apply sequentially, each observing
// the rule state left by the previous one.
func (e *Engine) TuneRules(ctx context.Context, scores map[string]float64, deployedRules []string) (int, error) {
	candidates := e.selectCandidates(scores, deployedRules)
	if len(candidates) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	autoApply := e.cfg.AutoApplyLowRisk
	e.mu.Unlock()

	applied := 0
	for _, ruleID := range candidates {
		rule, err := e.repo.GetRule(ctx, ruleID)
		if err != nil {
			e.logger.Warn("failed to fetch rule for tuning",
				zap.String("rule_id", ruleID), zap.Error(err))
			continue
		}

		items := e.feedback.Items(ruleID, e.cfg.WindowHours)
		if len(items) < e.cfg.MinFeedbackSamples {
			e.logger.Debug("skipping rule with insufficient feedback",
				zap.String("rule_id", ruleID), zap.Int("samples", len(items)))
			continue
		}

		perf := e.feedback.Performance(ruleID, e.cfg.WindowHours)
		var health *models.RuleHealth
		if e.health != nil {
			health = e.health.Health(ruleID)
		}

		recommendations := e.optimizer.Recommend(rule, health, perf, items)
		if len(recommendations) > e.cfg.MaxRecommendationsPerRule {
			recommendations = recommendations[:e.cfg.MaxRecommendationsPerRule]
		}

		for i := range recommendations {
			recommendations[i].RecommendationID = uuid.New().String()
			recommendations[i].CreatedAt = e.clock.Now()
			e.enqueue(recommendations[i])

			if e.observer != nil {
				e.observer.ObserveRecommendation(
					recommendations[i].Strategy.String(),
					recommendations[i].RiskAssessment.String())
			}
		}

		if !autoApply {
			continue
		}

		current := rule
		for _, rec := range recommendations {
			if !rec.AutoApplicable() {
				continue
			}

			result, tuned := e.applyAndRecord(ctx, current, rec, "auto")
			if result.Success {
				e.removePending(rec.RuleID, rec.RecommendationID)
				applied++
				if tuned != nil && tuned.RuleID == current.RuleID {
					current = tuned
				}
			}
		}
	}

	return applied, nil
}

// Approve applies a pending recommendation and removes it from the
// queue. Returns false when the recommendation is unknown or the apply
// fails; a failed apply leaves the recommendation pending.
func (e *Engine) Approve(ctx context.Context, ruleID, recommendationID string) bool {
	rec, found := e.findPending(ruleID, recommendationID)
	if !found {
		return false
	}

	rule, err := e.repo.GetRule(ctx, ruleID)
	if err != nil {
		e.logger.Warn("failed to fetch rule for approval",
			zap.String("rule_id", ruleID), zap.Error(err))
		return false
	}

	result, _ := e.applyAndRecord(ctx, rule, rec, "approved")
	if !result.Success {
		return false
	}

	e.removePending(ruleID, recommendationID)
	return true
}

// PendingRecommendations returns the approval queue ordered by rule ID,
// then enqueue time.
func (e *Engine) PendingRecommendations() []models.PendingRecommendation {
	e.mu.Lock()
	defer e.mu.Unlock()

	ruleIDs := make([]string, 0, len(e.pending))
	for ruleID := range e.pending {
		ruleIDs = append(ruleIDs, ruleID)
	}
	sort.Strings(ruleIDs)

	queue := make([]models.PendingRecommendation, 0)
	for _, ruleID := range ruleIDs {
		queue = append(queue, e.pending[ruleID]...)
	}

	return queue
}

// History returns the bounded record of applied recommendations, newest
// first.
func (e *Engine) History() []models.TuningRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	history := make([]models.TuningRecord, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		history = append(history, e.history[i])
	}

	return history
}

// applyAndRecord applies one recommendation, persists the tuned rule and
// the whitelist entry, and appends to the bounded history.
func (e *Engine) applyAndRecord(ctx context.Context, rule *models.Rule, rec models.TuningRecommendation, mode string) (models.TuningResult, *models.Rule) {
	result, tuned := e.optimizer.Apply(rule, rec)

	if result.Success && tuned != nil {
		if err := e.repo.PutRule(ctx, tuned); err != nil {
			result.Success = false
			result.ErrorMessage = fmt.Sprintf("failed to persist tuned rule: %v", err)
			tuned = nil
		}
	}

	if result.Success && rec.Action == models.ADD_WHITELIST && e.whitelistSink != nil {
		entries := e.optimizer.Whitelists(rule.RuleID)
		if len(entries) > 0 {
			latest := entries[len(entries)-1]
			if err := e.whitelistSink.WriteWhitelist(ctx, latest); err != nil {
				e.logger.Warn("failed to persist whitelist entry",
					zap.String("rule_id", rule.RuleID), zap.Error(err))
			}
		}
	}

	record := models.TuningRecord{
		RuleID:           rec.RuleID,
		RecommendationID: rec.RecommendationID,
		Strategy:         rec.Strategy,
		Action:           rec.Action,
		Mode:             mode,
		Result:           result,
		AppliedAt:        e.clock.Now(),
	}

	e.mu.Lock()
	e.history = append(e.history, record)
	if overflow := len(e.history) - historyCap; overflow > 0 {
		e.history = e.history[overflow:]
	}
	e.mu.Unlock()

	if e.observer != nil && result.Success {
		e.observer.ObserveTuning(mode)
	}

	e.logger.Info("tuning recommendation applied",
		zap.String("rule_id", rec.RuleID),
		zap.String("strategy", rec.Strategy.String()),
		zap.String("mode", mode),
		zap.Bool("success", result.Success))

	return result, tuned
}

// selectCandidates returns the rule IDs whose score falls below the
// threshold, filtered to the deployed set when given, in sorted order.
func (e *Engine) selectCandidates(scores map[string]float64, deployedRules []string) []string {
	var deployed map[string]bool
	if deployedRules != nil {
		deployed = make(map[string]bool, len(deployedRules))
		for _, ruleID := range deployedRules {
			deployed[ruleID] = true
		}
	}

	candidates := make([]string, 0)
	for ruleID, score := range scores {
		if deployed != nil && !deployed[ruleID] {
			continue
		}
		if score < e.cfg.ScoreThreshold {
			candidates = append(candidates, ruleID)
		}
	}
	sort.Strings(candidates)

	return candidates
}

func (e *Engine) enqueue(rec models.TuningRecommendation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending[rec.RuleID] = append(e.pending[rec.RuleID], models.PendingRecommendation{
		Recommendation: rec,
		EnqueuedAt:     e.clock.Now(),
	})
}

func (e *Engine) findPending(ruleID, recommendationID string) (models.TuningRecommendation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, pending := range e.pending[ruleID] {
		if pending.Recommendation.RecommendationID == recommendationID {
			return pending.Recommendation, true
		}
	}

	return models.TuningRecommendation{}, false
}

func (e *Engine) removePending(ruleID, recommendationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	queue := e.pending[ruleID]
	remaining := queue[:0]
	for _, pending := range queue {
		if pending.Recommendation.RecommendationID != recommendationID {
			remaining = append(remaining, pending)
		}
	}

	if len(remaining) == 0 {
		delete(e.pending, ruleID)
	} else {
		e.pending[ruleID] = remaining
	}
}
