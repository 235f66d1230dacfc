package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/relay/internal/conflict"
	"github.com/kingrea/relay/internal/store"
)

// Engine runs the full verification pipeline for one handoff request:
// resolve and execute the required checks, fold in the ownership-conflict
// check, assign severities, and decide the verdict.
type Engine struct {
	registry *Registry
	runner   *Runner
	hints    map[string]string
	clock    func() time.Time
}

// EngineOption customizes the engine instance.
type EngineOption func(*Engine)

// EngineWithClock injects a deterministic clock (primarily for tests).
func EngineWithClock(clock func() time.Time) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// NewEngine wires the engine to its registry and remediation hints.
func NewEngine(registry *Registry, runner *Runner, hints map[string]string, opts ...EngineOption) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("verify: engine requires a registry")
	}
	if runner == nil {
		return nil, fmt.Errorf("verify: engine requires a runner")
	}
	engine := &Engine{
		registry: registry,
		runner:   runner,
		hints:    hints,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// ValidateRequest rejects requests referencing unregistered check names.
// Called at startup for every active request so misbindings fail fast.
func (e *Engine) ValidateRequest(req store.HandoffRequest) error {
	_, err := e.registry.Resolve(req.RequiredChecks)
	return err
}

// Verify runs one verification pass and produces an immutable report.
// previous, when set, is the report from the last run of the same request
// and feeds flip-flop detection.
func (e *Engine) Verify(ctx context.Context, doc store.Document, req store.HandoffRequest, previous *store.VerificationReport) (store.VerificationReport, error) {
	results, violations, err := e.runner.Run(ctx, doc, req)
	if err != nil {
		return store.VerificationReport{}, err
	}
	violations = append(violations, e.ownershipViolations(doc, req)...)
	flaky := previous != nil && FlipFlopped(previous.Checks, results)
	report := store.VerificationReport{
		ID:         uuid.NewString(),
		RequestID:  req.ID,
		WorkerID:   req.SourceWorker,
		Timestamp:  e.clock(),
		Checks:     results,
		Violations: violations,
		Decision:   Decide(violations, e.hints, flaky),
	}
	return report, nil
}

// ownershipViolations re-checks the source worker's claims against every
// other active worker. Overlaps normally surface at activation time, but a
// claim that grew mid-session must still block the handoff.
func (e *Engine) ownershipViolations(doc store.Document, req store.HandoffRequest) []store.Violation {
	source, ok := doc.Workers[req.SourceWorker]
	if !ok || len(source.Claims) == 0 {
		return nil
	}
	workers := make([]store.WorkerInstance, 0, len(doc.Workers))
	for _, worker := range doc.Workers {
		workers = append(workers, worker)
	}
	overlaps := conflict.Detect(workers, source.ID, source.Claims)
	if len(overlaps) == 0 {
		return nil
	}
	out := make([]store.Violation, 0, len(overlaps))
	for _, overlap := range overlaps {
		out = append(out, store.Violation{
			Kind:      store.KindResourceConflict,
			Severity:  store.SeverityHigh,
			Component: "conflict-detector",
			Message:   fmt.Sprintf("pattern %s overlaps %s held by %s", overlap.Requested, overlap.Held, overlap.OwnerID),
		})
	}
	return out
}
