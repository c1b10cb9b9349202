package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// Metrics holds the Prometheus instrumentation for the detection loop.
// All observe methods are nil-safe so components can run unmetered.
type Metrics struct {
	registry *prometheus.Registry

	cyclesTotal     *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	deployments     *prometheus.CounterVec
	feedbackItems   *prometheus.CounterVec
	recommendations *prometheus.CounterVec
	tunings         *prometheus.CounterVec
	healthAlerts    *prometheus.CounterVec
}

// New creates the metric set on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		cyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection_loop",
			Name:      "cycles_total",
			Help:      "Detection cycles run, by terminal status.",
		}, []string{"status"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "detection_loop",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed detection cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection_loop",
			Name:      "deployments_total",
			Help:      "Per-target rule deployment attempts, by outcome.",
		}, []string{"target", "outcome"}),
		feedbackItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection_loop",
			Name:      "feedback_items_total",
			Help:      "Feedback items ingested, by kind.",
		}, []string{"kind"}),
		recommendations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection_loop",
			Name:      "tuning_recommendations_total",
			Help:      "Tuning recommendations generated, by strategy and risk.",
		}, []string{"strategy", "risk"}),
		tunings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection_loop",
			Name:      "tunings_applied_total",
			Help:      "Tuning recommendations applied, by mode (auto/approved).",
		}, []string{"mode"}),
		healthAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "detection_loop",
			Name:      "health_alerts_total",
			Help:      "Health threshold violations observed, by alert type.",
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.cyclesTotal, m.cycleDuration, m.deployments,
		m.feedbackItems, m.recommendations, m.tunings, m.healthAlerts)

	return m
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle implements the coordinator's cycle observer.
func (m *Metrics) ObserveCycle(cycle *models.DetectionCycle) {
	if m == nil || cycle == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(cycle.Status.String()).Inc()
	if d := cycle.Duration(); d > 0 {
		m.cycleDuration.Observe(d.Seconds())
	}
}

// ObserveDeployment is wired as the deployer's per-target result hook.
func (m *Metrics) ObserveDeployment(result models.DeploymentResult) {
	if m == nil {
		return
	}
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	m.deployments.WithLabelValues(result.TargetName, outcome).Inc()
}

// ObserveFeedback counts one ingested feedback item.
func (m *Metrics) ObserveFeedback(kind models.FeedbackKind) {
	if m == nil {
		return
	}
	m.feedbackItems.WithLabelValues(kind.String()).Inc()
}

// ObserveRecommendation implements the tuning engine's observer.
func (m *Metrics) ObserveRecommendation(strategy, risk string) {
	if m == nil {
		return
	}
	m.recommendations.WithLabelValues(strategy, risk).Inc()
}

// ObserveTuning implements the tuning engine's observer.
func (m *Metrics) ObserveTuning(mode string) {
	if m == nil {
		return
	}
	m.tunings.WithLabelValues(mode).Inc()
}

// ObserveHealthAlert counts one threshold violation.
func (m *Metrics) ObserveHealthAlert(alertType string) {
	if m == nil {
		return
	}
	m.healthAlerts.WithLabelValues(alertType).Inc()
}
