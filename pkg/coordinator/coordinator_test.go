package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

var cycleBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type stubIncidents struct {
	incidents []models.Incident
	err       error
}

func (s *stubIncidents) FetchIncidents(_ context.Context, _ time.Time) ([]models.Incident, error) {
	return s.incidents, s.err
}

type deployCall struct {
	ruleID     string
	engines    []string
	autoDeploy bool
}

type stubDeployer struct {
	fail  map[string]bool
	calls []deployCall
}

func (s *stubDeployer) DeployRule(_ context.Context, rule *models.Rule, engines []string, autoDeploy bool) bool {
	s.calls = append(s.calls, deployCall{rule.RuleID, engines, autoDeploy})
	return !s.fail[rule.RuleID]
}

type stubFeedback struct {
	count int
	err   error
	hook  func()
	calls [][]string
}

func (s *stubFeedback) Collect(_ context.Context, ruleIDs []string, _ int) (int, error) {
	s.calls = append(s.calls, ruleIDs)
	if s.hook != nil {
		s.hook()
	}
	return s.count, s.err
}

type stubMonitor struct {
	healths      map[string]*models.RuleHealth
	collectPanic bool
	collects     int
}

func (s *stubMonitor) Collect(_ context.Context, _ []string, _ int) (int, error) {
	if s.collectPanic {
		panic("monitor store corrupted")
	}
	s.collects++
	return len(s.healths), nil
}

func (s *stubMonitor) AnalyzeRules(ruleIDs []string, _ int) map[string]*models.RuleHealth {
	out := make(map[string]*models.RuleHealth)
	for _, ruleID := range ruleIDs {
		out[ruleID] = s.healths[ruleID]
	}
	return out
}

type stubTuner struct {
	tuned    int
	err      error
	scores   map[string]float64
	deployed []string
	calls    int
}

func (s *stubTuner) TuneRules(_ context.Context, scores map[string]float64, deployedRules []string) (int, error) {
	s.calls++
	s.scores = scores
	s.deployed = deployedRules
	return s.tuned, s.err
}

type stubGraph struct {
	cycleUpserts map[string]string
	scoreUpserts map[string]float64
	err          error
}

func (s *stubGraph) UpsertCycle(_ context.Context, incidentID, cycleID string, _ int) error {
	if s.err != nil {
		return s.err
	}
	if s.cycleUpserts == nil {
		s.cycleUpserts = make(map[string]string)
	}
	s.cycleUpserts[incidentID] = cycleID
	return nil
}

func (s *stubGraph) UpsertRuleScore(_ context.Context, ruleID string, score float64) error {
	if s.err != nil {
		return s.err
	}
	if s.scoreUpserts == nil {
		s.scoreUpserts = make(map[string]float64)
	}
	s.scoreUpserts[ruleID] = score
	return nil
}

type stubObserver struct {
	cycles []*models.DetectionCycle
}

func (s *stubObserver) ObserveCycle(cycle *models.DetectionCycle) {
	s.cycles = append(s.cycles, cycle)
}

func candidate(ruleID string, valid bool) models.CandidateRule {
	return models.CandidateRule{
		Rule: models.Rule{
			RuleID: ruleID,
			Title:  "candidate " + ruleID,
			Detection: models.Detection{
				Selections: map[string]models.Selection{"selection": {"process.name": "psexesvc.exe"}},
				Condition:  "selection",
			},
		},
		Validation: models.RuleValidation{Valid: valid},
	}
}

func incidentWith(incidentID, severity string, rules ...models.CandidateRule) models.Incident {
	return models.Incident{
		IncidentID: incidentID,
		Severity:   severity,
		Timestamp:  cycleBase,
		AnalystFindings: models.AnalystFindings{
			SigmaRules: rules,
		},
	}
}

type fixture struct {
	incidents *stubIncidents
	deployer  *stubDeployer
	feedback  *stubFeedback
	monitor   *stubMonitor
	tuner     *stubTuner
	graph     *stubGraph
	observer  *stubObserver
}

func newFixture() *fixture {
	return &fixture{
		incidents: &stubIncidents{},
		deployer:  &stubDeployer{},
		feedback:  &stubFeedback{},
		monitor:   &stubMonitor{healths: make(map[string]*models.RuleHealth)},
		tuner:     &stubTuner{},
		graph:     &stubGraph{},
		observer:  &stubObserver{},
	}
}

func (f *fixture) coordinator(cfg Config) *Coordinator {
	return New(cfg, f.incidents, f.deployer, f.feedback, f.monitor, f.tuner,
		models.NewFixedClock(cycleBase), nil,
		WithKnowledgeGraph(f.graph), WithObserver(f.observer))
}

func TestRunSingleCycleClean(t *testing.T) {
	f := newFixture()
	f.incidents.incidents = []models.Incident{
		incidentWith("inc-1", "high", candidate("rule-1", true)),
	}
	f.feedback.count = 7
	f.monitor.healths["rule-1"] = &models.RuleHealth{RuleID: "rule-1", PerformanceScore: 0.9}
	f.tuner.tuned = 1

	cfg := DefaultConfig()
	cfg.TuningEnabled = true
	coordinator := f.coordinator(cfg)

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	if cycle.Status != models.COMPLETED {
		t.Errorf("Expected completed cycle, got %s", cycle.Status)
	}
	if cycle.IncidentsProcessed != 1 || cycle.RulesDeployed != 1 ||
		cycle.FeedbackCollected != 7 || cycle.RulesTuned != 1 {
		t.Errorf("Unexpected counters: %+v", cycle)
	}
	if len(cycle.Errors) != 0 {
		t.Errorf("Expected no step errors, got %v", cycle.Errors)
	}
	if cycle.EndTime == nil {
		t.Error("Expected a closed cycle with an end time")
	}
	if cycle.PerformanceScores["rule-1"] != 0.9 {
		t.Errorf("Expected snapshotted score 0.9, got %v", cycle.PerformanceScores)
	}

	if len(f.deployer.calls) != 1 || f.deployer.calls[0].ruleID != "rule-1" {
		t.Fatalf("Unexpected deploy calls: %+v", f.deployer.calls)
	}
	if f.deployer.calls[0].autoDeploy {
		t.Error("Default config must not auto-deploy")
	}

	if f.tuner.calls != 1 {
		t.Fatalf("Expected one tuning pass, got %d", f.tuner.calls)
	}
	if f.tuner.scores["rule-1"] != 0.9 {
		t.Errorf("Tuner saw wrong scores: %v", f.tuner.scores)
	}
	if len(f.tuner.deployed) != 1 || f.tuner.deployed[0] != "rule-1" {
		t.Errorf("Tuner saw wrong deployed set: %v", f.tuner.deployed)
	}

	if f.graph.cycleUpserts["inc-1"] != cycle.CycleID {
		t.Errorf("Expected incident linked to the cycle, got %v", f.graph.cycleUpserts)
	}
	if f.graph.scoreUpserts["rule-1"] != 0.9 {
		t.Errorf("Expected rule score upserted, got %v", f.graph.scoreUpserts)
	}

	if len(f.observer.cycles) != 1 || f.observer.cycles[0].CycleID != cycle.CycleID {
		t.Errorf("Expected observer notified once, got %d", len(f.observer.cycles))
	}
}

func TestRunSingleCycleEmptyDeployedSet(t *testing.T) {
	f := newFixture()
	cfg := DefaultConfig()
	cfg.TuningEnabled = true
	coordinator := f.coordinator(cfg)

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	if cycle.Status != models.COMPLETED {
		t.Errorf("Expected completed cycle, got %s", cycle.Status)
	}
	if cycle.RulesDeployed != 0 || cycle.IncidentsProcessed != 0 {
		t.Errorf("Expected zero counters, got %+v", cycle)
	}
	if len(cycle.PerformanceScores) != 0 {
		t.Errorf("Expected empty score snapshot, got %v", cycle.PerformanceScores)
	}
	// The monitor is never consulted with nothing deployed.
	if f.monitor.collects != 0 {
		t.Errorf("Expected no monitor collection, got %d", f.monitor.collects)
	}
}

func TestRunSingleCycleRejectsConcurrentCycle(t *testing.T) {
	f := newFixture()
	coordinator := f.coordinator(DefaultConfig())

	var concurrentErr error
	f.feedback.hook = func() {
		_, concurrentErr = coordinator.RunSingleCycle(context.Background())
	}

	if _, err := coordinator.RunSingleCycle(context.Background()); err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}
	if concurrentErr == nil {
		t.Error("Expected the nested cycle to be rejected")
	}
}

func TestStepFailureIsRecordedAndIsolated(t *testing.T) {
	f := newFixture()
	f.incidents.err = errors.New("upstream unreachable")
	f.feedback.count = 3

	cfg := DefaultConfig()
	cfg.TuningEnabled = true
	coordinator := f.coordinator(cfg)

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	// The failed step is recorded; the cycle still completes and the
	// later steps still run.
	if cycle.Status != models.COMPLETED {
		t.Errorf("Expected completed cycle despite a step error, got %s", cycle.Status)
	}
	if len(cycle.Errors) != 1 {
		t.Fatalf("Expected 1 recorded error, got %v", cycle.Errors)
	}
	if len(f.feedback.calls) != 1 {
		t.Errorf("Expected feedback collection to still run, got %d calls", len(f.feedback.calls))
	}
	if cycle.FeedbackCollected != 3 {
		t.Errorf("Expected feedback counter 3, got %d", cycle.FeedbackCollected)
	}
	if f.tuner.calls != 1 {
		t.Errorf("Expected tuning to still run, got %d calls", f.tuner.calls)
	}
}

func TestStepPanicFailsCycle(t *testing.T) {
	f := newFixture()
	f.monitor.collectPanic = true

	cfg := DefaultConfig()
	cfg.TuningEnabled = true
	coordinator := f.coordinator(cfg)
	coordinator.MarkDeployed("rule-1")

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	if cycle.Status != models.FAILED {
		t.Errorf("Expected failed cycle after a panic, got %s", cycle.Status)
	}
	if len(cycle.Errors) != 1 {
		t.Errorf("Expected the panic recorded as an error, got %v", cycle.Errors)
	}
	// Steps after the panic are skipped.
	if f.tuner.calls != 0 {
		t.Errorf("Expected tuning skipped after a panic, got %d calls", f.tuner.calls)
	}
	// A new cycle can run afterwards.
	f.monitor.collectPanic = false
	if _, err := coordinator.RunSingleCycle(context.Background()); err != nil {
		t.Errorf("Expected the coordinator usable after a failed cycle: %v", err)
	}
}

func TestEvaluateAndDeployFilters(t *testing.T) {
	f := newFixture()
	f.incidents.incidents = []models.Incident{
		incidentWith("inc-1", "high",
			candidate("rule-invalid", false),
			candidate("rule-known", true),
			candidate("rule-new", true)),
		incidentWith("inc-2", "low", candidate("rule-lowsev", true)),
	}
	coordinator := f.coordinator(DefaultConfig())
	coordinator.MarkDeployed("rule-known")

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	if len(f.deployer.calls) != 1 || f.deployer.calls[0].ruleID != "rule-new" {
		t.Fatalf("Expected only the new high-severity rule deployed, got %+v", f.deployer.calls)
	}
	if cycle.RulesDeployed != 1 {
		t.Errorf("Expected 1 rule deployed, got %d", cycle.RulesDeployed)
	}
}

func TestEvaluateAndDeployTruncatesBatch(t *testing.T) {
	f := newFixture()
	f.incidents.incidents = []models.Incident{
		incidentWith("inc-1", "critical",
			candidate("rule-a", true),
			candidate("rule-b", true),
			candidate("rule-c", true)),
	}

	cfg := DefaultConfig()
	cfg.MaxRulesPerCycle = 2
	coordinator := f.coordinator(cfg)

	if _, err := coordinator.RunSingleCycle(context.Background()); err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}
	if len(f.deployer.calls) != 2 {
		t.Errorf("Expected batch truncated to 2, got %d deploys", len(f.deployer.calls))
	}
}

func TestFailedDeployNotMarkedDeployed(t *testing.T) {
	f := newFixture()
	f.incidents.incidents = []models.Incident{
		incidentWith("inc-1", "high", candidate("rule-1", true)),
	}
	f.deployer.fail = map[string]bool{"rule-1": true}
	coordinator := f.coordinator(DefaultConfig())

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	if cycle.RulesDeployed != 0 {
		t.Errorf("Expected no deployments counted, got %d", cycle.RulesDeployed)
	}
	if len(coordinator.DeployedRuleIDs()) != 0 {
		t.Errorf("Failed deploys must not enter the deployed set, got %v",
			coordinator.DeployedRuleIDs())
	}
}

func TestTuningDisabledSkipsTuner(t *testing.T) {
	f := newFixture()
	cfg := DefaultConfig()
	cfg.TuningEnabled = false
	coordinator := f.coordinator(cfg)

	if _, err := coordinator.RunSingleCycle(context.Background()); err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}
	if f.tuner.calls != 0 {
		t.Errorf("Expected no tuning with tuning disabled, got %d calls", f.tuner.calls)
	}
}

func TestKnowledgeGraphFailuresAreBestEffort(t *testing.T) {
	f := newFixture()
	f.incidents.incidents = []models.Incident{
		incidentWith("inc-1", "high", candidate("rule-1", true)),
	}
	f.graph.err = errors.New("graph store down")
	coordinator := f.coordinator(DefaultConfig())

	cycle, err := coordinator.RunSingleCycle(context.Background())
	if err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}
	if cycle.Status != models.COMPLETED || len(cycle.Errors) != 0 {
		t.Errorf("Knowledge graph failures must not mark the cycle: %s %v",
			cycle.Status, cycle.Errors)
	}
}

func TestCycleHistoryNewestFirstAndBounded(t *testing.T) {
	f := newFixture()
	coordinator := f.coordinator(DefaultConfig())

	seen := make([]string, 0, cycleHistoryCap+5)
	for i := 0; i < cycleHistoryCap+5; i++ {
		cycle, err := coordinator.RunSingleCycle(context.Background())
		if err != nil {
			t.Fatalf("RunSingleCycle failed: %v", err)
		}
		seen = append(seen, cycle.CycleID)
	}

	history := coordinator.CycleHistory(0)
	if len(history) != cycleHistoryCap {
		t.Fatalf("Expected history capped at %d, got %d", cycleHistoryCap, len(history))
	}
	if history[0].CycleID != seen[len(seen)-1] {
		t.Errorf("Expected the newest cycle first, got %s", history[0].CycleID)
	}

	limited := coordinator.CycleHistory(3)
	if len(limited) != 3 {
		t.Errorf("Expected 3 cycles, got %d", len(limited))
	}
}

func TestStatusSnapshot(t *testing.T) {
	f := newFixture()
	f.incidents.incidents = []models.Incident{
		incidentWith("inc-1", "high", candidate("rule-1", true)),
	}
	f.monitor.healths["rule-1"] = &models.RuleHealth{RuleID: "rule-1", PerformanceScore: 0.8}
	coordinator := f.coordinator(DefaultConfig())

	status := coordinator.Status()
	if status.Running || status.TotalCycles != 0 || status.CurrentCycle != nil {
		t.Errorf("Unexpected initial status: %+v", status)
	}

	if _, err := coordinator.RunSingleCycle(context.Background()); err != nil {
		t.Fatalf("RunSingleCycle failed: %v", err)
	}

	status = coordinator.Status()
	if status.TotalCycles != 1 || status.DeployedRules != 1 {
		t.Errorf("Unexpected counters: %+v", status)
	}
	if status.RecentPerformance["rule-1"] != 0.8 {
		t.Errorf("Expected recent performance snapshot, got %v", status.RecentPerformance)
	}
	if status.AveragePerformance != 0.8 {
		t.Errorf("Expected average 0.8, got %f", status.AveragePerformance)
	}
}

func TestDeployedRuleIDsSorted(t *testing.T) {
	f := newFixture()
	coordinator := f.coordinator(DefaultConfig())

	coordinator.MarkDeployed("rule-z", "rule-a", "rule-m")
	ids := coordinator.DeployedRuleIDs()
	if len(ids) != 3 || ids[0] != "rule-a" || ids[1] != "rule-m" || ids[2] != "rule-z" {
		t.Errorf("Expected sorted deployed set, got %v", ids)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture()
	cfg := DefaultConfig()
	cfg.CycleIntervalMinutes = 60
	coordinator := f.coordinator(cfg)

	coordinator.Start()
	coordinator.Start() // no-op
	if !coordinator.Status().Running {
		t.Error("Expected running coordinator after Start")
	}

	coordinator.Stop()
	coordinator.Stop() // no-op
	if coordinator.Status().Running {
		t.Error("Expected stopped coordinator after Stop")
	}
	// The immediate first cycle completed before Stop returned.
	if coordinator.Status().TotalCycles == 0 {
		t.Error("Expected at least one cycle from the scheduler")
	}
}
