// internal/config/config.go
//
// This package handles configuration and the .relay directory structure.
// Every project coordinated by Relay gets a .relay/ folder created in its root.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// RelayDir is the name of the directory we create in each project
	RelayDir = ".relay"

	defaultPollInterval   = 30 * time.Second
	defaultStaleAfter     = 45 * time.Second
	defaultCycleBudget    = 2 * time.Minute
	defaultCheckTimeout   = 30 * time.Second
	defaultCheckRetries   = 2
	defaultHardMultiplier = 0.5
)

const defaultProjectConfigYAML = `# relay project configuration
version: 1

session:
  mode: solo
  phase: bootstrap

coordinator:
  poll_interval: 30s
  stale_after: 45s
  cycle_budget: 2m

# Check categories may be disabled wholesale; individual checks can also be
# toggled below. Unknown categories are rejected at load time.
categories:
  layer-integrity: true
  contract-compliance: true
  data-flow: true
  performance: true
  quality: true

# Checks bound from config run an external command. Exit status is pass/fail;
# benchmark and quality checks read the measured value from the last numeric
# token of stdout.
checks: []
#  - name: api-contract
#    category: contract-compliance
#    command: ["./scripts/check-contract.sh"]
#    timeout: 20s
#  - name: ingest-throughput
#    category: performance
#    command: ["./scripts/bench-ingest.sh"]
#    target: 1000
#    direction: at-least
#    hard_multiplier: 0.5

# Categories listed here have an automated remediation path. Critical or high
# violations in a category without a hint escalate to a human.
remediation_hints:
  layer-integrity: "re-run the layer suite and restore the failing boundary"
  contract-compliance: "regenerate the contract fixtures and resubmit"
  data-flow: "replay the sample pipeline and repair the failing stage"
  performance: "profile the hot path against the recorded baseline"
  quality: "raise coverage or lint score to the configured floor"
`

// Duration wraps time.Duration with YAML string parsing ("30s", "2m").
type Duration time.Duration

// UnmarshalYAML parses Go duration syntax.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back in Go syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// SessionConfig seeds the coordination session record.
type SessionConfig struct {
	Mode  string `yaml:"mode"`
	Phase string `yaml:"phase"`
}

// CoordinatorConfig tunes the polling loop.
type CoordinatorConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	StaleAfter   Duration `yaml:"stale_after"`
	CycleBudget  Duration `yaml:"cycle_budget"`
}

// CheckConfig binds one named verification check.
type CheckConfig struct {
	Name     string   `yaml:"name"`
	Category string   `yaml:"category"`
	Enabled  *bool    `yaml:"enabled,omitempty"`
	Command  []string `yaml:"command,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
	// Target and Direction apply to performance and quality checks only.
	Target         *float64 `yaml:"target,omitempty"`
	Direction      string   `yaml:"direction,omitempty"`
	HardMultiplier float64  `yaml:"hard_multiplier,omitempty"`
	Retries        *int     `yaml:"retries,omitempty"`
}

// IsEnabled reports whether the check should be registered.
func (cc CheckConfig) IsEnabled() bool {
	return cc.Enabled == nil || *cc.Enabled
}

// ProjectConfig models .relay/config.yaml.
type ProjectConfig struct {
	Version          int               `yaml:"version"`
	Session          SessionConfig     `yaml:"session"`
	Coordinator      CoordinatorConfig `yaml:"coordinator"`
	Categories       map[string]bool   `yaml:"categories"`
	Checks           []CheckConfig     `yaml:"checks"`
	RemediationHints map[string]string `yaml:"remediation_hints"`
}

// Config holds the runtime configuration for Relay.
type Config struct {
	// ProjectDir is the directory where the user ran `relay` from
	ProjectDir string

	// RelayProjectDir is ProjectDir/.relay
	RelayProjectDir string

	Project ProjectConfig
}

var knownCategories = map[string]struct{}{
	"layer-integrity":     {},
	"contract-compliance": {},
	"data-flow":           {},
	"performance":         {},
	"quality":             {},
}

// InitRelayDir creates the .relay directory structure in the given project
// directory. This is called before the coordinator or the TUI starts.
//
// Structure created:
// .relay/
// ├── logs/      <- coordinator and bridge activity
// ├── state/     <- coordination store document
// └── reports/   <- archived verification reports (git-trackable)
func InitRelayDir(projectDir string) error {
	relayDir := filepath.Join(projectDir, RelayDir)

	dirs := []string{
		filepath.Join(relayDir, "logs"),
		filepath.Join(relayDir, "state"),
		filepath.Join(relayDir, "reports"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(relayDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:      projectDir,
		RelayProjectDir: filepath.Join(projectDir, RelayDir),
		Project:         defaultProjectConfig(),
	}

	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.RelayProjectDir, "logs")
}

// StateDir returns the path to the state directory
func (c *Config) StateDir() string {
	return filepath.Join(c.RelayProjectDir, "state")
}

// StatePath returns the on-disk location of the coordination store document.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir(), "coordination.json")
}

// ReportsDir returns the path to the archived report directory.
func (c *Config) ReportsDir() string {
	return filepath.Join(c.RelayProjectDir, "reports")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.RelayProjectDir, "config.yaml")
}

// PollInterval returns the coordinator poll interval.
func (c *Config) PollInterval() time.Duration {
	return c.Project.Coordinator.PollInterval.Std()
}

// StaleAfter returns the heartbeat age past which a worker is considered stale.
func (c *Config) StaleAfter() time.Duration {
	return c.Project.Coordinator.StaleAfter.Std()
}

// CycleBudget returns the per-cycle execution deadline for the coordinator.
func (c *Config) CycleBudget() time.Duration {
	return c.Project.Coordinator.CycleBudget.Std()
}

// CategoryEnabled reports whether a whole check category is active.
func (c *Config) CategoryEnabled(category string) bool {
	if c.Project.Categories == nil {
		return true
	}
	enabled, ok := c.Project.Categories[category]
	if !ok {
		return true
	}
	return enabled
}

// EnabledChecks returns the configured checks that survive category and
// per-check toggles.
func (c *Config) EnabledChecks() []CheckConfig {
	var out []CheckConfig
	for _, check := range c.Project.Checks {
		if !check.IsEnabled() || !c.CategoryEnabled(check.Category) {
			continue
		}
		out = append(out, check)
	}
	return out
}

// RemediationHints returns the category-to-hint map used by the decision policy.
func (c *Config) RemediationHints() map[string]string {
	out := make(map[string]string, len(c.Project.RemediationHints))
	for category, hint := range c.Project.RemediationHints {
		out[category] = hint
	}
	return out
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	var parsed ProjectConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Session: SessionConfig{Mode: "solo", Phase: "bootstrap"},
		Coordinator: CoordinatorConfig{
			PollInterval: Duration(defaultPollInterval),
			StaleAfter:   Duration(defaultStaleAfter),
			CycleBudget:  Duration(defaultCycleBudget),
		},
		Categories: map[string]bool{},
		RemediationHints: map[string]string{
			"layer-integrity":     "re-run the layer suite and restore the failing boundary",
			"contract-compliance": "regenerate the contract fixtures and resubmit",
			"data-flow":           "replay the sample pipeline and repair the failing stage",
			"performance":         "profile the hot path against the recorded baseline",
			"quality":             "raise coverage or lint score to the configured floor",
		},
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	defaults := defaultProjectConfig()
	if pc.Coordinator.PollInterval == 0 {
		pc.Coordinator.PollInterval = defaults.Coordinator.PollInterval
	}
	if pc.Coordinator.StaleAfter == 0 {
		pc.Coordinator.StaleAfter = defaults.Coordinator.StaleAfter
	}
	if pc.Coordinator.CycleBudget == 0 {
		pc.Coordinator.CycleBudget = defaults.Coordinator.CycleBudget
	}
	if pc.Categories == nil {
		pc.Categories = map[string]bool{}
	}
	if pc.RemediationHints == nil {
		pc.RemediationHints = defaults.RemediationHints
	}
	for i := range pc.Checks {
		if pc.Checks[i].Timeout == 0 {
			pc.Checks[i].Timeout = Duration(defaultCheckTimeout)
		}
		if pc.Checks[i].HardMultiplier == 0 {
			pc.Checks[i].HardMultiplier = defaultHardMultiplier
		}
		if pc.Checks[i].Retries == nil {
			retries := defaultCheckRetries
			pc.Checks[i].Retries = &retries
		}
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Session.Mode = strings.TrimSpace(pc.Session.Mode)
	if pc.Session.Mode == "" {
		pc.Session.Mode = "solo"
	}
	pc.Session.Phase = strings.TrimSpace(pc.Session.Phase)
	if pc.Session.Phase == "" {
		pc.Session.Phase = "bootstrap"
	}
	for i := range pc.Checks {
		pc.Checks[i].Name = strings.TrimSpace(pc.Checks[i].Name)
		pc.Checks[i].Category = strings.ToLower(strings.TrimSpace(pc.Checks[i].Category))
		pc.Checks[i].Direction = strings.ToLower(strings.TrimSpace(pc.Checks[i].Direction))
	}
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if pc.Coordinator.PollInterval.Std() <= 0 {
		return fmt.Errorf("coordinator.poll_interval must be positive")
	}
	if pc.Coordinator.StaleAfter.Std() <= 0 {
		return fmt.Errorf("coordinator.stale_after must be positive")
	}
	if pc.Coordinator.CycleBudget.Std() <= 0 {
		return fmt.Errorf("coordinator.cycle_budget must be positive")
	}
	for category := range pc.Categories {
		if _, ok := knownCategories[category]; !ok {
			return fmt.Errorf("unknown check category %q", category)
		}
	}
	seen := map[string]struct{}{}
	for i, check := range pc.Checks {
		if check.Name == "" {
			return fmt.Errorf("checks[%d].name is required", i)
		}
		if _, dup := seen[check.Name]; dup {
			return fmt.Errorf("checks[%d].name duplicates %q", i, check.Name)
		}
		seen[check.Name] = struct{}{}
		if _, ok := knownCategories[check.Category]; !ok {
			return fmt.Errorf("checks[%d]: unknown category %q", i, check.Category)
		}
		benchmark := check.Category == "performance" || check.Category == "quality"
		if benchmark && check.Target == nil {
			return fmt.Errorf("checks[%d]: %s checks require a target", i, check.Category)
		}
		if check.Direction != "" && check.Direction != "at-least" && check.Direction != "at-most" {
			return fmt.Errorf("checks[%d]: direction must be 'at-least' or 'at-most'", i)
		}
		if check.HardMultiplier < 0 {
			return fmt.Errorf("checks[%d]: hard_multiplier must not be negative", i)
		}
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644)
}
