package coordinator

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

// cycleHistoryCap bounds the cycle history ring.
const cycleHistoryCap = 100

// IncidentSource is the upstream collaborator producing incidents with
// candidate rules.
type IncidentSource interface {
	FetchIncidents(ctx context.Context, since time.Time) ([]models.Incident, error)
}

// KnowledgeGraph is the best-effort sink linking incidents, cycles and
// rule scores. Failures never fail a cycle.
type KnowledgeGraph interface {
	UpsertCycle(ctx context.Context, incidentID, cycleID string, rulesCount int) error
	UpsertRuleScore(ctx context.Context, ruleID string, score float64) error
}

// RuleDeployer pushes one rule across the configured engines.
type RuleDeployer interface {
	DeployRule(ctx context.Context, rule *models.Rule, engines []string, autoDeploy bool) bool
}

// FeedbackCollector pulls feedback for the deployed set.
type FeedbackCollector interface {
	Collect(ctx context.Context, ruleIDs []string, lookbackHours int) (int, error)
}

// PerformanceAnalyzer ingests alert statistics and derives rule health.
type PerformanceAnalyzer interface {
	Collect(ctx context.Context, ruleIDs []string, windowHours int) (int, error)
	AnalyzeRules(ruleIDs []string, windowHours int) map[string]*models.RuleHealth
}

// RuleTuner tunes under-performing rules from the cycle's scores.
type RuleTuner interface {
	TuneRules(ctx context.Context, scores map[string]float64, deployedRules []string) (int, error)
}

// Observer is notified when a cycle closes.
type Observer interface {
	ObserveCycle(cycle *models.DetectionCycle)
}

// Config holds the coordinator's cycle parameters.
type Config struct {
	CycleIntervalMinutes   int      `json:"cycle_interval_minutes" yaml:"cycle_interval_minutes"`
	LookbackHours          int      `json:"lookback_hours" yaml:"lookback_hours"`
	MinConfidenceThreshold float64  `json:"min_confidence_threshold" yaml:"min_confidence_threshold"` // reserved, not yet used in gating
	MaxRulesPerCycle       int      `json:"max_rules_per_cycle" yaml:"max_rules_per_cycle"`
	PerformanceWindowHours int      `json:"performance_window_hours" yaml:"performance_window_hours"`
	TuningEnabled          bool     `json:"tuning_enabled" yaml:"tuning_enabled"`
	AutoDeploymentEnabled  bool     `json:"auto_deployment_enabled" yaml:"auto_deployment_enabled"`
	DetectionEngines       []string `json:"detection_engines" yaml:"detection_engines"`
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		CycleIntervalMinutes:   60,
		LookbackHours:          24,
		MinConfidenceThreshold: 0.7,
		MaxRulesPerCycle:       10,
		PerformanceWindowHours: 168,
		TuningEnabled:          true,
		AutoDeploymentEnabled:  false,
		DetectionEngines:       []string{"elasticsearch", "splunk", "qradar"},
	}
}

// Status is the coordinator's point-in-time status snapshot.
type Status struct {
	Running            bool                   `json:"running"`
	CurrentCycle       *models.DetectionCycle `json:"current_cycle,omitempty"`
	TotalCycles        int                    `json:"total_cycles"`
	DeployedRules      int                    `json:"deployed_rules"`
	Config             Config                 `json:"config"`
	AveragePerformance float64                `json:"average_performance"`
	RecentPerformance  map[string]float64     `json:"recent_performance,omitempty"`
}

// Coordinator runs the detection improvement loop: each cycle collects
// candidate rules, deploys the qualifying ones, aggregates feedback,
// derives scores and tunes under-performers. Steps are failure-isolated;
// a step error is recorded on the cycle and the cycle continues.
type Coordinator struct {
	cfg Config

	incidents IncidentSource
	deployer  RuleDeployer
	feedback  FeedbackCollector
	monitor   PerformanceAnalyzer
	tuner     RuleTuner
	graph     KnowledgeGraph
	observer  Observer

	clock  models.Clock
	logger *zap.Logger

	mu       sync.Mutex
	running  bool
	current  *models.DetectionCycle
	cycles   []*models.DetectionCycle
	deployed map[string]time.Time
	total    int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithKnowledgeGraph wires the best-effort knowledge graph sink.
func WithKnowledgeGraph(graph KnowledgeGraph) Option {
	return func(c *Coordinator) { c.graph = graph }
}

// WithObserver registers a cycle observer.
func WithObserver(observer Observer) Option {
	return func(c *Coordinator) { c.observer = observer }
}

// New creates a coordinator.
func New(cfg Config, incidents IncidentSource, deployer RuleDeployer, feedback FeedbackCollector, monitor PerformanceAnalyzer, tuner RuleTuner, clock models.Clock, logger *zap.Logger, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if cfg.CycleIntervalMinutes <= 0 {
		cfg.CycleIntervalMinutes = defaults.CycleIntervalMinutes
	}
	if cfg.LookbackHours <= 0 {
		cfg.LookbackHours = defaults.LookbackHours
	}
	if cfg.MaxRulesPerCycle <= 0 {
		cfg.MaxRulesPerCycle = defaults.MaxRulesPerCycle
	}
	if cfg.PerformanceWindowHours <= 0 {
		cfg.PerformanceWindowHours = defaults.PerformanceWindowHours
	}
	if len(cfg.DetectionEngines) == 0 {
		cfg.DetectionEngines = defaults.DetectionEngines
	}
	if clock == nil {
		clock = models.SystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	coordinator := &Coordinator{
		cfg:       cfg,
		incidents: incidents,
		deployer:  deployer,
		feedback:  feedback,
		monitor:   monitor,
		tuner:     tuner,
		clock:     clock,
		logger:    logger,
		deployed:  make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(coordinator)
	}

	return coordinator
}

// Start launches the cycle scheduler. Idempotent: starting a running
// coordinator is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	c.logger.Info("detection loop started",
		zap.Int("cycle_interval_minutes", c.cfg.CycleIntervalMinutes))

	c.wg.Add(1)
	go c.schedule(stopCh)
}

// Stop halts the scheduler. The inter-cycle sleep is released promptly;
// an in-flight cycle runs to completion before Stop returns.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("detection loop stopped")
}

// schedule runs cycles until the stop signal, sleeping the configured
// interval between them.
func (c *Coordinator) schedule(stopCh chan struct{}) {
	defer c.wg.Done()

	interval := time.Duration(c.cfg.CycleIntervalMinutes) * time.Minute
	for {
		// The scheduler never stops on a failed cycle; the failure is
		// recorded on the cycle itself.
		if _, err := c.RunSingleCycle(context.Background()); err != nil {
			c.logger.Error("detection cycle could not run", zap.Error(err))
		}

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-stopCh:
			timer.Stop()
			return
		}
	}
}

// RunSingleCycle executes one detection cycle. Only one cycle may be
// active per coordinator; starting a second is an invariant violation.
func (c *Coordinator) RunSingleCycle(ctx context.Context) (*models.DetectionCycle, error) {
	cycle := &models.DetectionCycle{
		CycleID:   uuid.New().String(),
		StartTime: c.clock.Now(),
		Status:    models.RUNNING,
	}

	c.mu.Lock()
	if c.current != nil && c.current.Status == models.RUNNING {
		c.mu.Unlock()
		return nil, fmt.Errorf("cycle %s is already running", c.current.CycleID)
	}
	c.current = cycle
	c.mu.Unlock()

	c.logger.Info("detection cycle started", zap.String("cycle_id", cycle.CycleID))

	var incidents []models.Incident
	var deployedIDs []string

	failed := false
	steps := []struct {
		name string
		run  func() error
	}{
		{"collect_detections", func() error {
			var err error
			incidents, err = c.collectDetections(ctx, cycle)
			return err
		}},
		{"evaluate_and_deploy", func() error {
			c.evaluateAndDeploy(ctx, cycle, incidents)
			deployedIDs = c.DeployedRuleIDs()
			return nil
		}},
		{"collect_feedback", func() error {
			count, err := c.feedback.Collect(ctx, deployedIDs, c.cfg.PerformanceWindowHours)
			cycle.FeedbackCollected = count
			return err
		}},
		{"monitor_performance", func() error {
			return c.monitorPerformance(ctx, cycle, deployedIDs)
		}},
		{"tune_rules", func() error {
			if !c.cfg.TuningEnabled {
				return nil
			}
			count, err := c.tuner.TuneRules(ctx, cycle.PerformanceScores, deployedIDs)
			cycle.RulesTuned = count
			return err
		}},
		{"update_knowledge_graph", func() error {
			c.updateKnowledgeGraph(ctx, cycle, incidents)
			return nil
		}},
	}

	for _, step := range steps {
		if err := c.runStep(step.name, step.run, cycle); err != nil {
			// A panic inside a step marks the cycle failed and aborts
			// the remaining steps. Ordinary step errors are recorded and
			// the cycle continues.
			failed = true
			break
		}
	}

	status := models.COMPLETED
	if failed {
		status = models.FAILED
	}
	if err := cycle.Close(status, c.clock.Now()); err != nil {
		c.logger.Error("failed to close cycle", zap.Error(err))
	}

	c.mu.Lock()
	c.cycles = append(c.cycles, cycle)
	if overflow := len(c.cycles) - cycleHistoryCap; overflow > 0 {
		c.cycles = c.cycles[overflow:]
	}
	c.total++
	c.current = nil
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.ObserveCycle(cycle.Copy())
	}

	c.logger.Info("detection cycle finished",
		zap.String("cycle_id", cycle.CycleID),
		zap.String("status", cycle.Status.String()),
		zap.Int("incidents", cycle.IncidentsProcessed),
		zap.Int("rules_deployed", cycle.RulesDeployed),
		zap.Int("rules_tuned", cycle.RulesTuned),
		zap.Int("feedback_collected", cycle.FeedbackCollected),
		zap.Int("errors", len(cycle.Errors)))

	return cycle, nil
}

// runStep executes one cycle step with failure isolation. A returned
// error is recorded on the cycle and the cycle continues; a panic is
// converted into a cycle failure.
func (c *Coordinator) runStep(name string, run func() error, cycle *models.DetectionCycle) (failure error) {
	defer func() {
		if r := recover(); r != nil {
			failure = fmt.Errorf("panic: %v", r)
			cycle.AddError(name, failure)
			c.logger.Error("cycle step panicked",
				zap.String("step", name), zap.Any("panic", r))
		}
	}()

	if err := run(); err != nil {
		cycle.AddError(name, err)
		c.logger.Warn("cycle step failed",
			zap.String("step", name), zap.Error(err))
	}

	return nil
}

// collectDetections fetches recent incidents and counts them on the
// cycle. An unreachable source yields an empty result.
func (c *Coordinator) collectDetections(ctx context.Context, cycle *models.DetectionCycle) ([]models.Incident, error) {
	since := c.clock.Now().Add(-time.Duration(c.cfg.LookbackHours) * time.Hour)

	incidents, err := c.incidents.FetchIncidents(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch incidents: %w", err)
	}

	cycle.IncidentsProcessed = len(incidents)
	return incidents, nil
}

// evaluateAndDeploy extracts valid candidate rules from the incidents,
// keeps the high-severity ones not yet deployed, caps the batch and
// deploys each through the rule deployer.
func (c *Coordinator) evaluateAndDeploy(ctx context.Context, cycle *models.DetectionCycle, incidents []models.Incident) {
	candidates := make([]*models.Rule, 0)
	for _, incident := range incidents {
		for _, candidate := range incident.AnalystFindings.SigmaRules {
			if !candidate.Validation.Valid {
				continue
			}

			rule := candidate.Rule.DeepCopy()
			if err := rule.Validate(); err != nil {
				continue
			}

			rule.SourceIncident = incident.IncidentID
			rule.GeneratedAt = c.clock.Now()
			rule.IncidentSeverity = incident.Severity
			candidates = append(candidates, rule)
		}
	}

	qualifying := make([]*models.Rule, 0, len(candidates))
	for _, rule := range candidates {
		if c.isDeployed(rule.RuleID) {
			continue
		}
		if rule.IncidentSeverity != "high" && rule.IncidentSeverity != "critical" {
			continue
		}
		qualifying = append(qualifying, rule)
	}
	if len(qualifying) > c.cfg.MaxRulesPerCycle {
		qualifying = qualifying[:c.cfg.MaxRulesPerCycle]
	}

	for _, rule := range qualifying {
		if c.deployer.DeployRule(ctx, rule, c.cfg.DetectionEngines, c.cfg.AutoDeploymentEnabled) {
			c.markDeployed(rule.RuleID)
			cycle.RulesDeployed++
		}
	}
}

// monitorPerformance ingests the latest alert statistics and snapshots
// the per-rule performance scores onto the cycle.
func (c *Coordinator) monitorPerformance(ctx context.Context, cycle *models.DetectionCycle, deployedIDs []string) error {
	cycle.PerformanceScores = make(map[string]float64)
	if len(deployedIDs) == 0 {
		return nil
	}

	if _, err := c.monitor.Collect(ctx, deployedIDs, c.cfg.PerformanceWindowHours); err != nil {
		return err
	}

	healths := c.monitor.AnalyzeRules(deployedIDs, c.cfg.PerformanceWindowHours)
	for ruleID, health := range healths {
		if health == nil {
			continue
		}
		cycle.PerformanceScores[ruleID] = health.PerformanceScore
	}

	return nil
}

// updateKnowledgeGraph links incidents to this cycle and records rule
// scores. Best-effort: failures are logged and never fail the cycle.
func (c *Coordinator) updateKnowledgeGraph(ctx context.Context, cycle *models.DetectionCycle, incidents []models.Incident) {
	if c.graph == nil {
		return
	}

	for _, incident := range incidents {
		if err := c.graph.UpsertCycle(ctx, incident.IncidentID, cycle.CycleID, cycle.RulesDeployed); err != nil {
			c.logger.Debug("knowledge graph cycle upsert failed",
				zap.String("incident_id", incident.IncidentID), zap.Error(err))
		}
	}

	for ruleID, score := range cycle.PerformanceScores {
		if err := c.graph.UpsertRuleScore(ctx, ruleID, score); err != nil {
			c.logger.Debug("knowledge graph score upsert failed",
				zap.String("rule_id", ruleID), zap.Error(err))
		}
	}
}

// Status returns a snapshot of the coordinator state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Running:       c.running,
		CurrentCycle:  c.current.Copy(),
		TotalCycles:   c.total,
		DeployedRules: len(c.deployed),
		Config:        c.cfg,
	}

	for i := len(c.cycles) - 1; i >= 0; i-- {
		if len(c.cycles[i].PerformanceScores) == 0 {
			continue
		}
		status.RecentPerformance = make(map[string]float64, len(c.cycles[i].PerformanceScores))
		sum := 0.0
		for ruleID, score := range c.cycles[i].PerformanceScores {
			status.RecentPerformance[ruleID] = score
			sum += score
		}
		status.AveragePerformance = sum / float64(len(status.RecentPerformance))
		break
	}

	return status
}

// CycleHistory returns the newest cycles, most recent first.
func (c *Coordinator) CycleHistory(limit int) []*models.DetectionCycle {
	c.mu.Lock()
	defer c.mu.Unlock()

	if limit <= 0 || limit > len(c.cycles) {
		limit = len(c.cycles)
	}

	history := make([]*models.DetectionCycle, 0, limit)
	for i := len(c.cycles) - 1; i >= len(c.cycles)-limit; i-- {
		history = append(history, c.cycles[i].Copy())
	}

	return history
}

// DeployedRuleIDs returns the deployed set in sorted order. Rules
// disabled by tuning remain in the set.
func (c *Coordinator) DeployedRuleIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ruleIDs := make([]string, 0, len(c.deployed))
	for ruleID := range c.deployed {
		ruleIDs = append(ruleIDs, ruleID)
	}
	sort.Strings(ruleIDs)

	return ruleIDs
}

// MarkDeployed seeds the deployed set, used when restoring state at
// startup.
func (c *Coordinator) MarkDeployed(ruleIDs ...string) {
	for _, ruleID := range ruleIDs {
		c.markDeployed(ruleID)
	}
}

func (c *Coordinator) markDeployed(ruleID string) {
	c.mu.Lock()
	c.deployed[ruleID] = c.clock.Now()
	c.mu.Unlock()
}

func (c *Coordinator) isDeployed(ruleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.deployed[ruleID]
	return exists
}
