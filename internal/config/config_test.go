package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeProjectConfig(t *testing.T, dir, body string) {
	t.Helper()
	relayDir := filepath.Join(dir, RelayDir)
	if err := os.MkdirAll(relayDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(relayDir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestNewConfigAppliesDefaultsWithoutFile(t *testing.T) {
	cfg, err := NewConfig(t.TempDir())
	if err != nil {
		t.Fatalf("new config: %v", err)
	}
	if cfg.PollInterval() != 30*time.Second {
		t.Fatalf("unexpected poll interval: %s", cfg.PollInterval())
	}
	if cfg.StaleAfter() != 45*time.Second {
		t.Fatalf("unexpected stale threshold: %s", cfg.StaleAfter())
	}
	if cfg.CycleBudget() != 2*time.Minute {
		t.Fatalf("unexpected cycle budget: %s", cfg.CycleBudget())
	}
	hints := cfg.RemediationHints()
	for _, category := range []string{"layer-integrity", "contract-compliance", "data-flow", "performance", "quality"} {
		if hints[category] == "" {
			t.Fatalf("missing default remediation hint for %s", category)
		}
	}
}

func TestInitRelayDirCreatesStructureAndConfig(t *testing.T) {
	dir := t.TempDir()
	if err := InitRelayDir(dir); err != nil {
		t.Fatalf("init: %v", err)
	}
	for _, sub := range []string{"logs", "state", "reports"} {
		if _, err := os.Stat(filepath.Join(dir, RelayDir, sub)); err != nil {
			t.Fatalf("missing %s: %v", sub, err)
		}
	}
	// The generated starter config must itself parse and validate.
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.Project.Session.Mode != "solo" {
		t.Fatalf("unexpected default mode: %s", cfg.Project.Session.Mode)
	}
	// A second init must not clobber an edited config.
	writeProjectConfig(t, dir, "version: 1\nsession:\n  mode: paired\n")
	if err := InitRelayDir(dir); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	cfg, err = NewConfig(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Project.Session.Mode != "paired" {
		t.Fatalf("re-init overwrote the config: %s", cfg.Project.Session.Mode)
	}
}

func TestLoadProjectConfigParsesChecks(t *testing.T) {
	dir := t.TempDir()
	writeProjectConfig(t, dir, `
version: 1
coordinator:
  poll_interval: 5s
  stale_after: 12s
  cycle_budget: 90s
categories:
  quality: false
checks:
  - name: ingest-throughput
    category: performance
    command: ["./scripts/bench.sh"]
    target: 1000
    direction: at-least
    hard_multiplier: 0.5
  - name: coverage-floor
    category: quality
    command: ["./scripts/coverage.sh"]
    target: 80
  - name: disabled-check
    category: data-flow
    command: ["./scripts/flow.sh"]
    enabled: false
`)
	cfg, err := NewConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval() != 5*time.Second || cfg.StaleAfter() != 12*time.Second || cfg.CycleBudget() != 90*time.Second {
		t.Fatalf("durations not parsed: %s %s %s", cfg.PollInterval(), cfg.StaleAfter(), cfg.CycleBudget())
	}
	enabled := cfg.EnabledChecks()
	if len(enabled) != 1 {
		t.Fatalf("expected only the throughput check to survive toggles, got %d", len(enabled))
	}
	check := enabled[0]
	if check.Name != "ingest-throughput" || check.Target == nil || *check.Target != 1000 {
		t.Fatalf("unexpected check: %+v", check)
	}
	if check.Timeout.Std() != 30*time.Second {
		t.Fatalf("default timeout not applied: %s", check.Timeout.Std())
	}
	if check.Retries == nil || *check.Retries != 2 {
		t.Fatalf("default retries not applied: %+v", check.Retries)
	}
	if cfg.CategoryEnabled("quality") {
		t.Fatalf("quality category should be disabled")
	}
}

func TestLoadProjectConfigRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown category toggle", "version: 1\ncategories:\n  vibes: true\n"},
		{"unknown check category", "version: 1\nchecks:\n  - name: x\n    category: vibes\n    command: [\"true\"]\n"},
		{"benchmark without target", "version: 1\nchecks:\n  - name: x\n    category: performance\n    command: [\"true\"]\n"},
		{"bad direction", "version: 1\nchecks:\n  - name: x\n    category: performance\n    command: [\"true\"]\n    target: 10\n    direction: sideways\n"},
		{"duplicate names", "version: 1\nchecks:\n  - name: x\n    category: data-flow\n    command: [\"true\"]\n  - name: x\n    category: data-flow\n    command: [\"true\"]\n"},
		{"negative poll interval", "version: 1\ncoordinator:\n  poll_interval: -5s\n"},
		{"unparseable duration", "version: 1\ncoordinator:\n  poll_interval: soonish\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			writeProjectConfig(t, dir, tc.body)
			if _, err := NewConfig(dir); err == nil {
				t.Fatalf("expected config to be rejected")
			}
		})
	}
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration(90 * time.Second)
	out, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if out != "1m30s" {
		t.Fatalf("unexpected rendering: %v", out)
	}
}
