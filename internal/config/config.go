package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"kse/internal/domain"
)

const FileName = "kse.yml"

// Config models kse.yml.
type Config struct {
	Project struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"project" json:"project"`
	Manifest struct {
		OntologyMaxAge time.Duration `yaml:"ontology_max_age" json:"ontology_max_age"`
	} `yaml:"manifest" json:"manifest"`
	Gate     GatePolicy      `yaml:"gate" json:"gate"`
	Drift    DriftPolicy     `yaml:"drift" json:"drift"`
	Executor ExecutorConfig  `yaml:"executor" json:"executor"`
	Evidence EvidenceConfig  `yaml:"evidence" json:"evidence"`
	Server   ServerConfig    `yaml:"server" json:"server"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

// GatePolicy holds the release gate thresholds.
type GatePolicy struct {
	MinSpecSuccessRate        float64 `yaml:"min_spec_success_rate" json:"min_spec_success_rate"`
	MaxRiskLevel              string  `yaml:"max_risk_level" json:"max_risk_level"`
	RequireOntologyValidation bool    `yaml:"require_ontology_validation" json:"require_ontology_validation"`
	IgnoreUnknownRisk         bool    `yaml:"ignore_unknown_risk" json:"ignore_unknown_risk"`
	Enforce                   bool    `yaml:"enforce" json:"enforce"`
}

// DriftPolicy holds the release gate trend thresholds.
type DriftPolicy struct {
	Window                       int     `yaml:"window" json:"window"`
	LongWindow                   int     `yaml:"long_window" json:"long_window"`
	FailStreakMin                int     `yaml:"fail_streak_min" json:"fail_streak_min"`
	HighRiskShareMinPercent      float64 `yaml:"high_risk_share_min_percent" json:"high_risk_share_min_percent"`
	HighRiskShareDeltaMinPercent float64 `yaml:"high_risk_share_delta_min_percent" json:"high_risk_share_delta_min_percent"`
	Enforce                      bool    `yaml:"enforce" json:"enforce"`
}

type ExecutorConfig struct {
	Parallelism     int           `yaml:"parallelism" json:"parallelism"`
	ContinueOnError bool          `yaml:"continue_on_error" json:"continue_on_error"`
	SpecTimeout     time.Duration `yaml:"spec_timeout" json:"spec_timeout"`
	Shell           string        `yaml:"shell" json:"shell"`
	Retry           RetryConfig   `yaml:"retry" json:"retry"`
}

type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter        float64       `yaml:"jitter" json:"jitter"`
	RetryFailures bool          `yaml:"retry_failures" json:"retry_failures"`
}

type EvidenceConfig struct {
	Backend     string `yaml:"backend" json:"backend"`
	Path        string `yaml:"path" json:"path"`
	SessionsDir string `yaml:"sessions_dir" json:"sessions_dir"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr" json:"addr"`
	BasePath  string `yaml:"base_path" json:"base_path"`
	JWTSecret string `yaml:"jwt_secret" json:"-"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with kse config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Gate.MinSpecSuccessRate < 0 || c.Gate.MinSpecSuccessRate > 100 {
		return fmt.Errorf("config.gate.min_spec_success_rate must be within 0..100")
	}
	if _, err := domain.ParseRisk(c.Gate.MaxRiskLevel); err != nil {
		return fmt.Errorf("config.gate.max_risk_level: %w", err)
	}
	if c.Drift.Window <= 0 {
		return fmt.Errorf("config.drift.window must be positive")
	}
	if c.Drift.LongWindow < c.Drift.Window {
		return fmt.Errorf("config.drift.long_window must be >= window")
	}
	if c.Drift.FailStreakMin <= 0 {
		return fmt.Errorf("config.drift.fail_streak_min must be positive")
	}
	if c.Executor.Parallelism <= 0 {
		return fmt.Errorf("config.executor.parallelism must be positive")
	}
	if c.Executor.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.executor.retry.max_attempts must be positive")
	}
	if c.Executor.Retry.Jitter < 0 || c.Executor.Retry.Jitter > 1 {
		return fmt.Errorf("config.executor.retry.jitter must be within 0..1")
	}
	switch c.Evidence.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("config.evidence.backend must be file or sqlite")
	}
	if strings.TrimSpace(c.Evidence.Path) == "" && c.Evidence.Backend == "file" {
		return fmt.Errorf("config.evidence.path is required for the file backend")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// EvidencePath resolves the evidence store path against the workspace.
func (c *Config) EvidencePath(workspace string) string {
	return resolve(workspace, c.Evidence.Path)
}

// SessionsPath resolves the session report directory against the workspace.
func (c *Config) SessionsPath(workspace string) string {
	return resolve(workspace, c.Evidence.SessionsDir)
}

func resolve(workspace, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, p)
}

func absOrSelf(p string) string {
	if p == "" {
		p = "."
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

const defaultTemplate = `project:
  id: %s

manifest:
  ontology_max_age: 720h

gate:
  min_spec_success_rate: 100
  max_risk_level: high
  require_ontology_validation: true
  ignore_unknown_risk: false
  enforce: false

drift:
  window: 5
  long_window: 20
  fail_streak_min: 2
  high_risk_share_min_percent: 60
  high_risk_share_delta_min_percent: 25
  enforce: false

executor:
  parallelism: 4
  continue_on_error: false
  spec_timeout: 10m
  shell: sh
  retry:
    max_attempts: 3
    base_delay: 2s
    max_delay: 1m
    jitter: 0.2
    retry_failures: false

evidence:
  backend: file
  path: .kse/handoff/release-evidence.json
  sessions_dir: .kse/handoff/sessions

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
