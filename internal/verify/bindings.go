package verify

import (
	"fmt"

	"github.com/kingrea/relay/internal/config"
)

// BuildRegistry registers every enabled check from the project config.
// Config-bound checks run external commands; callers may register further
// in-process checks on the returned registry before starting the engine.
func BuildRegistry(cfg *config.Config) (*Registry, error) {
	registry := NewRegistry()
	for i, check := range cfg.EnabledChecks() {
		if len(check.Command) == 0 {
			return nil, fmt.Errorf("verify: checks[%d] (%s): command is required for config-bound checks", i, check.Name)
		}
		reg := Registration{
			Name:     check.Name,
			Category: Category(check.Category),
			Run:      CommandCheck(cfg.ProjectDir, check.Command),
			Timeout:  check.Timeout.Std(),
		}
		if check.Retries != nil {
			reg.Retries = *check.Retries
		}
		if reg.Category.Benchmark() {
			direction := Direction(check.Direction)
			if direction == "" {
				direction = DirectionAtLeast
			}
			reg.Benchmark = &BenchmarkSpec{
				Target:         *check.Target,
				Direction:      direction,
				HardMultiplier: check.HardMultiplier,
			}
		}
		if err := registry.Register(reg); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
