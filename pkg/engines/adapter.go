package engines

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/models"
)

// Per-call timeouts for engine I/O. Timeouts are treated as failure and
// never retried at this layer.
const (
	ProbeTimeout  = 10 * time.Second
	DeployTimeout = 30 * time.Second
)

// ErrUnknownEngineType is returned when no adapter is registered for a
// target's engine type.
var ErrUnknownEngineType = errors.New("unknown engine type")

// Adapter translates rules into an engine-native form, probes engine
// liveness and pushes rules. All operations fail closed: probe and deploy
// report failure instead of raising to the orchestrator.
type Adapter interface {
	// EngineType returns the engine type this adapter serves
	EngineType() models.EngineType

	// Translate converts a rule into the engine-native representation.
	// Pure function: no I/O, deterministic for a given rule.
	Translate(rule *models.Rule, target models.DeploymentTarget) (interface{}, error)

	// Probe reports whether the target is reachable and authentication
	// succeeds. An empty endpoint means dry-run and always probes true.
	Probe(ctx context.Context, target models.DeploymentTarget) bool

	// Deploy translates and pushes the rule to the target. With an empty
	// endpoint the deployment runs in validation-only mode: the result is
	// successful, carries the converted rule and no deployed rule ID.
	Deploy(ctx context.Context, rule *models.Rule, target models.DeploymentTarget) models.DeploymentResult
}

// Registry holds the adapters available for deployment, keyed by engine type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.EngineType]Adapter
}

// NewRegistry creates a registry with the built-in adapters registered.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := &Registry{
		adapters: make(map[models.EngineType]Adapter),
	}

	registry.Register(NewElasticsearchAdapter(logger))
	registry.Register(NewSplunkAdapter(logger))
	registry.Register(NewMockAdapter(logger))

	return registry
}

// Register adds an adapter, replacing any previous adapter for the same
// engine type.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.EngineType()] = adapter
}

// Get returns the adapter for an engine type.
func (r *Registry) Get(engineType models.EngineType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, exists := r.adapters[engineType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngineType, engineType)
	}

	return adapter, nil
}

// Types returns the registered engine types in sorted order.
func (r *Registry) Types() []models.EngineType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.EngineType, 0, len(r.adapters))
	for engineType := range r.adapters {
		types = append(types, engineType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// newHTTPClient builds the shared HTTP client used by adapters. Timeouts
// are applied per call through the request context.
func newHTTPClient() *http.Client {
	return &http.Client{}
}

// probeRequest performs an authenticated GET against a liveness URL and
// reports whether it answered 200 within the probe timeout.
func probeRequest(ctx context.Context, client *http.Client, target models.DeploymentTarget, url string, logger *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.Warn("failed to build probe request",
			zap.String("target", target.Name), zap.Error(err))
		return false
	}
	if target.Username != "" {
		req.SetBasicAuth(target.Username, target.Password)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Debug("probe failed",
			zap.String("target", target.Name), zap.Error(err))
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

// deployAccepted reports whether an engine answered a deploy push with a
// success status. Anything outside 200/201 is failure.
func deployAccepted(statusCode int) bool {
	return statusCode == http.StatusOK || statusCode == http.StatusCreated
}
