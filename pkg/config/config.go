package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cybersentinel/detection-loop/pkg/coordinator"
	"github.com/cybersentinel/detection-loop/pkg/models"
	"github.com/cybersentinel/detection-loop/pkg/tuning"
)

// DatabaseConfig configures the sqlite persistence layer.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path" validate:"required"`
}

// APIConfig configures the HTTP API server.
type APIConfig struct {
	ListenAddress string `json:"listen_address" yaml:"listen_address" validate:"required"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// LoggingConfig configures the zap logger built by the runner.
type LoggingConfig struct {
	Level       string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `json:"development" yaml:"development"`
}

// TuningConfig is the YAML shape of the tuning engine settings.
type TuningConfig struct {
	ScoreThreshold            float64 `json:"score_threshold" yaml:"score_threshold" validate:"gte=0,lte=1"`
	MinFeedbackSamples        int     `json:"min_feedback_samples" yaml:"min_feedback_samples" validate:"gte=1"`
	MaxRecommendationsPerRule int     `json:"max_recommendations_per_rule" yaml:"max_recommendations_per_rule" validate:"gte=1"`
	AutoApplyLowRisk          bool    `json:"auto_apply_low_risk" yaml:"auto_apply_low_risk"`
	WindowHours               int     `json:"window_hours" yaml:"window_hours" validate:"gte=1"`
}

// Config is the full application configuration.
type Config struct {
	Coordinator coordinator.Config        `json:"coordinator" yaml:"coordinator"`
	Tuning      TuningConfig              `json:"tuning" yaml:"tuning"`
	Thresholds  models.HealthThresholds   `json:"thresholds" yaml:"thresholds"`
	Targets     []models.DeploymentTarget `json:"targets" yaml:"targets" validate:"dive"`
	Database    DatabaseConfig            `json:"database" yaml:"database"`
	API         APIConfig                 `json:"api" yaml:"api"`
	Logging     LoggingConfig             `json:"logging" yaml:"logging"`
}

// DefaultConfig returns the configuration used when no file is given.
// The default targets have empty endpoints, so deployments run in
// validation-only mode until real engines are configured.
func DefaultConfig() *Config {
	return &Config{
		Coordinator: coordinator.DefaultConfig(),
		Tuning: TuningConfig{
			ScoreThreshold:            0.7,
			MinFeedbackSamples:        10,
			MaxRecommendationsPerRule: 3,
			AutoApplyLowRisk:          true,
			WindowHours:               168,
		},
		Thresholds: models.DefaultHealthThresholds(),
		Targets: []models.DeploymentTarget{
			{Name: "elasticsearch", EngineType: models.ELASTICSEARCH, Enabled: true},
			{Name: "splunk", EngineType: models.SPLUNK, Enabled: true},
		},
		Database: DatabaseConfig{Path: "detection_loop.db"},
		API:      APIConfig{ListenAddress: ":8085", Enabled: true},
		Logging:  LoggingConfig{Level: "info", Development: false},
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error: the defaults apply and the caller is expected to log it.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	cfg.backfill()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// backfill restores defaults for fields the file left at their zero value.
func (c *Config) backfill() {
	defaults := DefaultConfig()

	if c.Coordinator.CycleIntervalMinutes <= 0 {
		c.Coordinator.CycleIntervalMinutes = defaults.Coordinator.CycleIntervalMinutes
	}
	if c.Coordinator.LookbackHours <= 0 {
		c.Coordinator.LookbackHours = defaults.Coordinator.LookbackHours
	}
	if c.Coordinator.MaxRulesPerCycle <= 0 {
		c.Coordinator.MaxRulesPerCycle = defaults.Coordinator.MaxRulesPerCycle
	}
	if c.Coordinator.PerformanceWindowHours <= 0 {
		c.Coordinator.PerformanceWindowHours = defaults.Coordinator.PerformanceWindowHours
	}
	if len(c.Coordinator.DetectionEngines) == 0 {
		c.Coordinator.DetectionEngines = defaults.Coordinator.DetectionEngines
	}
	if c.Tuning.ScoreThreshold == 0 {
		c.Tuning.ScoreThreshold = defaults.Tuning.ScoreThreshold
	}
	if c.Tuning.MinFeedbackSamples == 0 {
		c.Tuning.MinFeedbackSamples = defaults.Tuning.MinFeedbackSamples
	}
	if c.Tuning.MaxRecommendationsPerRule == 0 {
		c.Tuning.MaxRecommendationsPerRule = defaults.Tuning.MaxRecommendationsPerRule
	}
	if c.Tuning.WindowHours == 0 {
		c.Tuning.WindowHours = defaults.Tuning.WindowHours
	}
	if (c.Thresholds == models.HealthThresholds{}) {
		c.Thresholds = defaults.Thresholds
	}
	if c.Database.Path == "" {
		c.Database.Path = defaults.Database.Path
	}
	if c.API.ListenAddress == "" {
		c.API.ListenAddress = defaults.API.ListenAddress
	}
	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
}

// Validate runs structural validation followed by the semantic checks
// the struct tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}

	seen := make(map[string]bool, len(c.Targets))
	for _, target := range c.Targets {
		if err := target.Validate(); err != nil {
			return fmt.Errorf("invalid target %q: %w", target.Name, err)
		}
		if seen[target.Name] {
			return fmt.Errorf("duplicate target name %q", target.Name)
		}
		seen[target.Name] = true
	}

	return nil
}

// TuningEngineConfig converts the YAML tuning section into the engine's
// runtime configuration.
func (c *Config) TuningEngineConfig() tuning.Config {
	return tuning.Config{
		ScoreThreshold:            c.Tuning.ScoreThreshold,
		MinFeedbackSamples:        c.Tuning.MinFeedbackSamples,
		MaxRecommendationsPerRule: c.Tuning.MaxRecommendationsPerRule,
		AutoApplyLowRisk:          c.Tuning.AutoApplyLowRisk,
		WindowHours:               c.Tuning.WindowHours,
	}
}

// BuildLogger constructs the application logger from the logging section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var zapCfg zap.Config
	if c.Logging.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	zapCfg.Level = level

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}
