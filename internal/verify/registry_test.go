package verify

import (
	"context"
	"strings"
	"testing"

	"github.com/kingrea/relay/internal/store"
)

func noopCheck(ctx context.Context, doc store.Document, req store.HandoffRequest) (Outcome, error) {
	return Outcome{Passed: true}, nil
}

func TestBenchmarkEvaluateAtLeast(t *testing.T) {
	spec := BenchmarkSpec{Target: 1000, Direction: DirectionAtLeast, HardMultiplier: 0.5}
	cases := []struct {
		measured float64
		ok       bool
		hard     bool
	}{
		{1500, true, false},
		{1000, true, false},
		{800, false, false},
		{500, false, false},
		{400, false, true},
	}
	for _, tc := range cases {
		ok, hard := spec.Evaluate(tc.measured)
		if ok != tc.ok || hard != tc.hard {
			t.Errorf("Evaluate(%v) = ok=%v hard=%v, want ok=%v hard=%v", tc.measured, ok, hard, tc.ok, tc.hard)
		}
	}
}

func TestBenchmarkEvaluateAtMost(t *testing.T) {
	// Latency-style target: 100ms budget, hard wall at 200ms.
	spec := BenchmarkSpec{Target: 100, Direction: DirectionAtMost, HardMultiplier: 0.5}
	cases := []struct {
		measured float64
		ok       bool
		hard     bool
	}{
		{80, true, false},
		{100, true, false},
		{150, false, false},
		{250, false, true},
	}
	for _, tc := range cases {
		ok, hard := spec.Evaluate(tc.measured)
		if ok != tc.ok || hard != tc.hard {
			t.Errorf("Evaluate(%v) = ok=%v hard=%v, want ok=%v hard=%v", tc.measured, ok, hard, tc.ok, tc.hard)
		}
	}
}

func TestRegisterRejectsBadRegistrations(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Registration{Name: "", Category: CategoryDataFlow, Run: noopCheck}); err == nil {
		t.Fatalf("expected empty name to be rejected")
	}
	if err := registry.Register(Registration{Name: "x", Category: Category("vibes"), Run: noopCheck}); err == nil {
		t.Fatalf("expected unknown category to be rejected")
	}
	if err := registry.Register(Registration{Name: "x", Category: CategoryPerformance, Run: noopCheck}); err == nil {
		t.Fatalf("expected benchmark category without target to be rejected")
	}
	ok := Registration{Name: "x", Category: CategoryDataFlow, Run: noopCheck}
	if err := registry.Register(ok); err != nil {
		t.Fatalf("valid registration rejected: %v", err)
	}
	if err := registry.Register(ok); err == nil {
		t.Fatalf("expected duplicate name to be rejected")
	}
}

func TestResolveFailsFastOnUnknownNames(t *testing.T) {
	registry := NewRegistry()
	if err := registry.Register(Registration{Name: "layers", Category: CategoryLayerIntegrity, Run: noopCheck}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := registry.Resolve([]string{"layers", "ghost", "phantom"})
	if err == nil {
		t.Fatalf("expected unresolved names to error")
	}
	if !strings.Contains(err.Error(), "ghost") || !strings.Contains(err.Error(), "phantom") {
		t.Fatalf("error should list every missing name: %v", err)
	}
	regs, err := registry.Resolve([]string{"layers"})
	if err != nil || len(regs) != 1 {
		t.Fatalf("expected known name to resolve: %v", err)
	}
}

func TestNamesPreserveRegistrationOrder(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := registry.Register(Registration{Name: name, Category: CategoryDataFlow, Run: noopCheck}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	names := registry.Names()
	if len(names) != 3 || names[0] != "charlie" || names[1] != "alpha" || names[2] != "bravo" {
		t.Fatalf("unexpected order: %v", names)
	}
}
