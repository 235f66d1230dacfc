// Package verify implements the verification engine: a registry of named
// checks, a runner that executes them under timeouts, and the decision
// policy that folds check results into a single Approve/Deny/Escalate
// verdict for a handoff request.
package verify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/relay/internal/store"
)

// Category groups checks; each category is independently toggleable and
// carries its own severity rules.
type Category string

const (
	CategoryLayerIntegrity     Category = "layer-integrity"
	CategoryContractCompliance Category = "contract-compliance"
	CategoryDataFlow           Category = "data-flow"
	CategoryPerformance        Category = "performance"
	CategoryQuality            Category = "quality"
)

// Valid reports whether the category is part of the fixed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryLayerIntegrity, CategoryContractCompliance, CategoryDataFlow, CategoryPerformance, CategoryQuality:
		return true
	}
	return false
}

// Benchmark reports whether the category compares a measured value against a
// numeric target.
func (c Category) Benchmark() bool {
	return c == CategoryPerformance || c == CategoryQuality
}

// Outcome is what a check reports back. A failing check sets Passed false;
// an execution problem is returned as an error instead and always escalates
// to a CRITICAL violation.
type Outcome struct {
	Passed   bool
	Measured *float64
	Message  string
}

// CheckFunc runs one verification check against the current store snapshot.
type CheckFunc func(ctx context.Context, doc store.Document, req store.HandoffRequest) (Outcome, error)

// Direction states which side of the target a healthy measurement lies on.
type Direction string

const (
	// DirectionAtLeast suits throughput, coverage, scores: below target fails.
	DirectionAtLeast Direction = "at-least"
	// DirectionAtMost suits latency, resource usage: above target fails.
	DirectionAtMost Direction = "at-most"
)

// BenchmarkSpec configures the numeric comparison for performance and
// quality checks. HardMultiplier derives a second, stricter threshold that
// upgrades a shortfall from MEDIUM to HIGH.
type BenchmarkSpec struct {
	Target         float64
	Direction      Direction
	HardMultiplier float64
}

// Evaluate compares a measured value against the target. hard is only
// meaningful when ok is false.
func (b BenchmarkSpec) Evaluate(measured float64) (ok bool, hard bool) {
	switch b.Direction {
	case DirectionAtMost:
		if measured <= b.Target {
			return true, false
		}
		if b.HardMultiplier > 0 {
			hard = measured > b.Target/b.HardMultiplier
		}
		return false, hard
	default:
		if measured >= b.Target {
			return true, false
		}
		if b.HardMultiplier > 0 {
			hard = measured < b.Target*b.HardMultiplier
		}
		return false, hard
	}
}

// Registration binds a stable check name to its category, runner, and limits.
type Registration struct {
	Name      string
	Category  Category
	Run       CheckFunc
	Timeout   time.Duration
	Retries   int
	Benchmark *BenchmarkSpec
}

// Registry holds every check the engine may be asked to run. Handoff
// requests referencing unregistered names are rejected at startup rather
// than silently skipped at call time.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Registration
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checks: map[string]Registration{}}
}

// Register adds a check under its stable name.
func (r *Registry) Register(reg Registration) error {
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Name == "" {
		return fmt.Errorf("verify: check name is required")
	}
	if !reg.Category.Valid() {
		return fmt.Errorf("verify: check %s has unknown category %q", reg.Name, reg.Category)
	}
	if reg.Run == nil {
		return fmt.Errorf("verify: check %s has no run function", reg.Name)
	}
	if reg.Category.Benchmark() && reg.Benchmark == nil {
		return fmt.Errorf("verify: check %s is a %s check and requires a benchmark target", reg.Name, reg.Category)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.checks[reg.Name]; exists {
		return fmt.Errorf("verify: check %s already registered", reg.Name)
	}
	r.checks[reg.Name] = reg
	r.order = append(r.order, reg.Name)
	return nil
}

// Lookup returns the registration for a name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.checks[name]
	return reg, ok
}

// Resolve maps request check names to registrations, failing fast on any
// unknown name.
func (r *Registry) Resolve(names []string) ([]Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []string
	out := make([]Registration, 0, len(names))
	for _, name := range names {
		reg, ok := r.checks[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		out = append(out, reg)
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("verify: unregistered checks: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Names returns the registered check names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
