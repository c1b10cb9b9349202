package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cybersentinel/detection-loop/pkg/coordinator"
	"github.com/cybersentinel/detection-loop/pkg/deploy"
	"github.com/cybersentinel/detection-loop/pkg/engines"
	"github.com/cybersentinel/detection-loop/pkg/feedback"
	"github.com/cybersentinel/detection-loop/pkg/models"
	"github.com/cybersentinel/detection-loop/pkg/monitor"
	"github.com/cybersentinel/detection-loop/pkg/tuning"
)

var apiBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

type noIncidents struct{}

func (noIncidents) FetchIncidents(_ context.Context, _ time.Time) ([]models.Incident, error) {
	return nil, nil
}

// apiRules is the minimal in-memory rule repository the tuning engine
// needs behind the API.
type apiRules struct {
	rules map[string]*models.Rule
}

func (r *apiRules) GetRule(_ context.Context, ruleID string) (*models.Rule, error) {
	rule, ok := r.rules[ruleID]
	if !ok {
		return nil, context.Canceled
	}
	return rule.DeepCopy(), nil
}

func (r *apiRules) PutRule(_ context.Context, rule *models.Rule) error {
	r.rules[rule.RuleID] = rule.DeepCopy()
	return nil
}

type testStack struct {
	server      *Server
	coordinator *coordinator.Coordinator
	store       *feedback.Store
	monitor     *monitor.Monitor
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	clock := models.NewFixedClock(apiBase)
	store := feedback.NewStore(nil, clock, nil)
	mon := monitor.NewMonitor(nil, clock, nil)

	registry := engines.NewRegistry(nil)
	deployer, err := deploy.NewDeployer([]models.DeploymentTarget{
		{Name: "mock", EngineType: models.MOCK, Enabled: true},
	}, registry, nil)
	if err != nil {
		t.Fatalf("NewDeployer failed: %v", err)
	}

	optimizer := tuning.NewOptimizer(3, clock, nil)
	tuner := tuning.NewEngine(tuning.DefaultConfig(), optimizer,
		&apiRules{rules: make(map[string]*models.Rule)}, store, mon, clock, nil)

	coord := coordinator.New(coordinator.DefaultConfig(), noIncidents{},
		deployer, store, mon, tuner, clock, nil)

	server := NewServer(coord, deployer, store, mon, tuner, 168, nil, nil)
	return &testStack{server: server, coordinator: coord, store: store, monitor: mon}
}

func (ts *testStack) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	recorder := httptest.NewRecorder()
	ts.server.Router().ServeHTTP(recorder, req)
	return recorder
}

func TestHealthz(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, http.MethodGet, "/healthz", "")
	if resp.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, http.MethodGet, "/api/v1/status", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.Code)
	}

	var status map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if status["running"] != false {
		t.Errorf("Expected running=false, got %v", status["running"])
	}
	if status["total_cycles"] != float64(0) {
		t.Errorf("Expected zero cycles, got %v", status["total_cycles"])
	}
}

func TestCyclesLimitValidation(t *testing.T) {
	ts := newTestStack(t)

	if resp := ts.request(t, http.MethodGet, "/api/v1/cycles?limit=nope", ""); resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a non-numeric limit, got %d", resp.Code)
	}
	if resp := ts.request(t, http.MethodGet, "/api/v1/cycles?limit=-1", ""); resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a negative limit, got %d", resp.Code)
	}
	if resp := ts.request(t, http.MethodGet, "/api/v1/cycles?limit=5", ""); resp.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.Code)
	}
}

func TestSubmitFeedbackAndPerformance(t *testing.T) {
	ts := newTestStack(t)

	// Missing required fields fail binding.
	resp := ts.request(t, http.MethodPost, "/api/v1/feedback", `{"source": "analyst"}`)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing fields, got %d", resp.Code)
	}

	// Invalid kind fails store validation.
	resp = ts.request(t, http.MethodPost, "/api/v1/feedback",
		`{"rule_id": "rule-1", "kind": "maybe", "source": "analyst", "confidence": 0.9}`)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an unknown kind, got %d", resp.Code)
	}

	// A valid item is recorded.
	resp = ts.request(t, http.MethodPost, "/api/v1/feedback",
		`{"rule_id": "rule-1", "kind": "true_positive", "source": "analyst", "confidence": 0.9}`)
	if resp.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	resp = ts.request(t, http.MethodGet, "/api/v1/performance/rule-1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200 after feedback, got %d", resp.Code)
	}

	var perf models.RulePerformance
	if err := json.Unmarshal(resp.Body.Bytes(), &perf); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if perf.TruePositives != 1 || perf.TotalAlerts != 1 {
		t.Errorf("Unexpected performance: %+v", perf)
	}

	if resp := ts.request(t, http.MethodGet, "/api/v1/performance/rule-unknown", ""); resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for a rule without feedback, got %d", resp.Code)
	}
}

func TestRuleHealthEndpoint(t *testing.T) {
	ts := newTestStack(t)

	if resp := ts.request(t, http.MethodGet, "/api/v1/health/rule-1", ""); resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before analysis, got %d", resp.Code)
	}

	for i := 0; i < 6; i++ {
		ts.monitor.Record("rule-1", monitor.MetricPrecision, models.TimeSeriesPoint{
			Timestamp: apiBase.Add(time.Duration(i) * time.Hour),
			Value:     0.9,
		})
	}
	ts.monitor.AnalyzeRules([]string{"rule-1"}, 168)

	resp := ts.request(t, http.MethodGet, "/api/v1/health/rule-1", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200 after analysis, got %d", resp.Code)
	}

	var health models.RuleHealth
	if err := json.Unmarshal(resp.Body.Bytes(), &health); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if health.RuleID != "rule-1" {
		t.Errorf("Unexpected health record: %+v", health)
	}
}

func TestDeployedRulesEndpoint(t *testing.T) {
	ts := newTestStack(t)
	ts.coordinator.MarkDeployed("rule-b", "rule-a")

	resp := ts.request(t, http.MethodGet, "/api/v1/rules/deployed", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.Code)
	}

	var body map[string][]string
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	ids := body["rule_ids"]
	if len(ids) != 2 || ids[0] != "rule-a" || ids[1] != "rule-b" {
		t.Errorf("Expected sorted rule IDs, got %v", ids)
	}
}

func TestTargetEndpoints(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, http.MethodGet, "/api/v1/targets", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.Code)
	}
	var targets []models.DeploymentTarget
	if err := json.Unmarshal(resp.Body.Bytes(), &targets); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(targets) != 1 || targets[0].Name != "mock" {
		t.Errorf("Unexpected targets: %+v", targets)
	}

	resp = ts.request(t, http.MethodPost, "/api/v1/targets/test", "")
	if resp.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.Code)
	}
	var status map[string]bool
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !status["mock"] {
		t.Errorf("Expected the dry-run target reachable, got %v", status)
	}
}

func TestTuningEndpoints(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.request(t, http.MethodGet, "/api/v1/tuning/pending", "")
	if resp.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.Code)
	}
	resp = ts.request(t, http.MethodGet, "/api/v1/tuning/history", "")
	if resp.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.Code)
	}

	// Approval requires both identifiers.
	resp = ts.request(t, http.MethodPost, "/api/v1/tuning/approve", `{"rule_id": "rule-1"}`)
	if resp.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a partial approve request, got %d", resp.Code)
	}

	resp = ts.request(t, http.MethodPost, "/api/v1/tuning/approve",
		`{"rule_id": "rule-1", "recommendation_id": "rec-404"}`)
	if resp.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for an unknown recommendation, got %d", resp.Code)
	}
}

func TestMetricsRouteWiredWhenHandlerGiven(t *testing.T) {
	clock := models.NewFixedClock(apiBase)
	store := feedback.NewStore(nil, clock, nil)
	mon := monitor.NewMonitor(nil, clock, nil)
	registry := engines.NewRegistry(nil)
	deployer, err := deploy.NewDeployer(nil, registry, nil)
	if err != nil {
		t.Fatalf("NewDeployer failed: %v", err)
	}
	optimizer := tuning.NewOptimizer(3, clock, nil)
	tuner := tuning.NewEngine(tuning.DefaultConfig(), optimizer,
		&apiRules{rules: make(map[string]*models.Rule)}, store, mon, clock, nil)
	coord := coordinator.New(coordinator.DefaultConfig(), noIncidents{},
		deployer, store, mon, tuner, clock, nil)

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("metrics ok"))
	})
	server := NewServer(coord, deployer, store, mon, tuner, 168, handler, nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK || recorder.Body.String() != "metrics ok" {
		t.Errorf("Expected the metrics handler response, got %d %q",
			recorder.Code, recorder.Body.String())
	}
}
