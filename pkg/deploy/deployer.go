package deploy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/cybersentinel/detection-loop/pkg/engines"
	"github.com/cybersentinel/detection-loop/pkg/models"
)

// ErrTargetNotFound is returned when a named deployment target is not
// configured.
var ErrTargetNotFound = errors.New("deployment target not found")

// recentResultsCap bounds the deployment history kept for the status API.
const recentResultsCap = 200

// Deployer orchestrates rule deployments across the configured targets:
// adapter lookup, parallel liveness probe, parallel push and success
// summarization.
type Deployer struct {
	registry *engines.Registry
	targets  map[string]models.DeploymentTarget
	logger   *zap.Logger

	// resultHook, when set, observes every per-target result.
	resultHook func(models.DeploymentResult)

	mu     sync.Mutex
	recent []models.DeploymentResult
}

// Option configures a Deployer.
type Option func(*Deployer)

// WithResultHook registers a callback invoked for every per-target
// deployment result, successful or not.
func WithResultHook(hook func(models.DeploymentResult)) Option {
	return func(d *Deployer) {
		d.resultHook = hook
	}
}

// NewDeployer creates a deployer over a static target table. Every
// target must name an engine type with a registered adapter; an unknown
// type is a fatal configuration error.
func NewDeployer(targets []models.DeploymentTarget, registry *engines.Registry, logger *zap.Logger, opts ...Option) (*Deployer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	table := make(map[string]models.DeploymentTarget, len(targets))
	for _, target := range targets {
		if err := target.Validate(); err != nil {
			return nil, fmt.Errorf("invalid deployment target '%s': %w", target.Name, err)
		}
		if _, err := registry.Get(target.EngineType); err != nil {
			return nil, fmt.Errorf("target '%s': %w", target.Name, err)
		}
		if _, exists := table[target.Name]; exists {
			return nil, fmt.Errorf("duplicate deployment target '%s'", target.Name)
		}
		table[target.Name] = target
	}

	deployer := &Deployer{
		registry: registry,
		targets:  table,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(deployer)
	}

	return deployer, nil
}

// DeployRule deploys a rule to the named engines. Disabled and unknown
// names are skipped, targets failing the liveness probe are dropped, and
// the remaining targets are pushed in parallel. Returns true iff strictly
// more than half of the attempted deployments succeed.
//
// With autoDeploy false every target runs in validation-only mode.
func (d *Deployer) DeployRule(ctx context.Context, rule *models.Rule, engineNames []string, autoDeploy bool) bool {
	candidates := d.resolveTargets(engineNames, autoDeploy)
	if len(candidates) == 0 {
		d.logger.Warn("no enabled deployment targets resolved",
			zap.String("rule_id", rule.RuleID), zap.Strings("engines", engineNames))
		return false
	}

	live := d.probeTargets(ctx, candidates)
	if len(live) == 0 {
		d.logger.Warn("all deployment targets failed liveness probe",
			zap.String("rule_id", rule.RuleID))
		return false
	}

	results := d.pushTargets(ctx, rule, live)

	successes := 0
	for _, result := range results {
		if result.Success {
			successes++
		}
	}
	d.recordResults(results)

	ok := float64(successes) > float64(len(results))/2.0
	d.logger.Info("rule deployment finished",
		zap.String("rule_id", rule.RuleID),
		zap.Int("targets", len(results)),
		zap.Int("successes", successes),
		zap.Bool("deployed", ok))

	return ok
}

// TestAllConnections probes every configured target and reports
// reachability by name.
func (d *Deployer) TestAllConnections(ctx context.Context) map[string]bool {
	status := make(map[string]bool, len(d.targets))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, target := range d.targets {
		wg.Add(1)
		go func(name string, target models.DeploymentTarget) {
			defer wg.Done()

			ok := false
			if adapter, err := d.registry.Get(target.EngineType); err == nil {
				ok = adapter.Probe(ctx, target)
			}

			mu.Lock()
			status[name] = ok
			mu.Unlock()
		}(name, target)
	}
	wg.Wait()

	return status
}

// DeploymentStatus returns the configured targets with credentials
// scrubbed, in name order.
func (d *Deployer) DeploymentStatus() []models.DeploymentTarget {
	targets := make([]models.DeploymentTarget, 0, len(d.targets))
	for _, target := range d.targets {
		target.Password = ""
		targets = append(targets, target)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name < targets[j].Name })

	return targets
}

// Target returns a configured target by name.
func (d *Deployer) Target(name string) (models.DeploymentTarget, error) {
	target, exists := d.targets[name]
	if !exists {
		return models.DeploymentTarget{}, fmt.Errorf("%w: %s", ErrTargetNotFound, name)
	}
	return target, nil
}

// RecentResults returns the newest deployment results, most recent first.
func (d *Deployer) RecentResults(limit int) []models.DeploymentResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	if limit <= 0 || limit > len(d.recent) {
		limit = len(d.recent)
	}

	results := make([]models.DeploymentResult, 0, limit)
	for i := len(d.recent) - 1; i >= len(d.recent)-limit; i-- {
		results = append(results, d.recent[i])
	}

	return results
}

// resolveTargets maps engine names to enabled targets. With autoDeploy
// off the endpoint is cleared so the adapter runs validation-only.
func (d *Deployer) resolveTargets(engineNames []string, autoDeploy bool) []models.DeploymentTarget {
	resolved := make([]models.DeploymentTarget, 0, len(engineNames))
	for _, name := range engineNames {
		target, exists := d.targets[name]
		if !exists {
			d.logger.Debug("skipping unknown deployment target", zap.String("target", name))
			continue
		}
		if !target.Enabled {
			continue
		}
		if !autoDeploy {
			target.Endpoint = ""
		}
		resolved = append(resolved, target)
	}

	return resolved
}

// probeTargets probes candidates in parallel and keeps the live ones.
func (d *Deployer) probeTargets(ctx context.Context, candidates []models.DeploymentTarget) []models.DeploymentTarget {
	type probeOutcome struct {
		target models.DeploymentTarget
		alive  bool
	}

	outcomes := make([]probeOutcome, len(candidates))
	var wg sync.WaitGroup
	for i, target := range candidates {
		wg.Add(1)
		go func(i int, target models.DeploymentTarget) {
			defer wg.Done()

			alive := false
			if adapter, err := d.registry.Get(target.EngineType); err == nil {
				alive = adapter.Probe(ctx, target)
			}
			outcomes[i] = probeOutcome{target: target, alive: alive}
		}(i, target)
	}
	wg.Wait()

	live := make([]models.DeploymentTarget, 0, len(candidates))
	for _, outcome := range outcomes {
		if outcome.alive {
			live = append(live, outcome.target)
		} else {
			d.logger.Warn("dropping unreachable deployment target",
				zap.String("target", outcome.target.Name))
		}
	}

	return live
}

// pushTargets deploys to every live target in parallel. All pushes
// complete, success or failure, before the results are returned.
func (d *Deployer) pushTargets(ctx context.Context, rule *models.Rule, targets []models.DeploymentTarget) []models.DeploymentResult {
	results := make([]models.DeploymentResult, len(targets))

	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target models.DeploymentTarget) {
			defer wg.Done()

			adapter, err := d.registry.Get(target.EngineType)
			if err != nil {
				results[i] = models.DeploymentResult{
					RuleID:       rule.RuleID,
					TargetName:   target.Name,
					ErrorMessage: err.Error(),
				}
				return
			}
			results[i] = adapter.Deploy(ctx, rule, target)
		}(i, target)
	}
	wg.Wait()

	return results
}

// recordResults appends results to the bounded history and feeds the hook.
func (d *Deployer) recordResults(results []models.DeploymentResult) {
	d.mu.Lock()
	d.recent = append(d.recent, results...)
	if overflow := len(d.recent) - recentResultsCap; overflow > 0 {
		d.recent = d.recent[overflow:]
	}
	d.mu.Unlock()

	if d.resultHook != nil {
		for _, result := range results {
			d.resultHook(result)
		}
	}
}
