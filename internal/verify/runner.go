package verify

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kingrea/relay/internal/store"
)

const (
	defaultCheckTimeout = 30 * time.Second
	defaultRetries      = 2
	retryBackoff        = 200 * time.Millisecond
)

// Logger records runner diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Runner executes resolved checks in parallel, each under its own timeout.
// A check that errors is retried a bounded number of times; if it still
// cannot produce an outcome it becomes a CRITICAL execution-error violation
// instead of hanging or skipping the cycle.
type Runner struct {
	registry *Registry
	logger   Logger
}

// RunnerOption customizes the runner.
type RunnerOption func(*Runner)

// RunnerWithLogger injects a logger for retry diagnostics.
func RunnerWithLogger(logger Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner wires a runner to the check registry.
func NewRunner(registry *Registry, opts ...RunnerOption) (*Runner, error) {
	if registry == nil {
		return nil, fmt.Errorf("verify: runner requires a registry")
	}
	runner := &Runner{registry: registry}
	for _, opt := range opts {
		opt(runner)
	}
	return runner, nil
}

// Run executes the request's required checks against the snapshot and
// returns one result per check plus the violations the failures produced.
func (r *Runner) Run(ctx context.Context, doc store.Document, req store.HandoffRequest) ([]store.CheckResult, []store.Violation, error) {
	regs, err := r.registry.Resolve(req.RequiredChecks)
	if err != nil {
		return nil, nil, err
	}
	results := make([]store.CheckResult, len(regs))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, reg := range regs {
		i, reg := i, reg
		group.Go(func() error {
			outcome, runErr := r.runWithRetry(groupCtx, reg, doc, req)
			results[i] = buildResult(reg, outcome, runErr)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	var violations []store.Violation
	for i, result := range results {
		if violation := violationFor(regs[i], result); violation != nil {
			violations = append(violations, *violation)
		}
	}
	return results, violations, nil
}

func (r *Runner) runWithRetry(ctx context.Context, reg Registration, doc store.Document, req store.HandoffRequest) (Outcome, error) {
	timeout := reg.Timeout
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	retries := reg.Retries
	if retries < 0 {
		retries = defaultRetries
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{}, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		outcome, err := reg.Run(attemptCtx, doc, req)
		cancel()
		if err == nil {
			return outcome, nil
		}
		lastErr = err
		if r.logger != nil {
			r.logger.Printf("verify: check %s attempt %d/%d failed: %v", reg.Name, attempt+1, retries+1, err)
		}
		if attempt < retries {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
	}
	return Outcome{}, lastErr
}

// buildResult records what the check reported, folding execution errors into
// the result's Error field.
func buildResult(reg Registration, outcome Outcome, runErr error) store.CheckResult {
	result := store.CheckResult{
		Name:     reg.Name,
		Category: string(reg.Category),
		Passed:   outcome.Passed,
		Measured: outcome.Measured,
		Message:  outcome.Message,
	}
	if runErr != nil {
		result.Passed = false
		result.Error = runErr.Error()
		return result
	}
	if reg.Benchmark != nil {
		if outcome.Measured == nil {
			result.Passed = false
			result.Error = "benchmark check produced no measured value"
			return result
		}
		ok, _ := reg.Benchmark.Evaluate(*outcome.Measured)
		result.Passed = ok
	}
	return result
}

// violationFor assigns severity by category: structural failures are HIGH,
// execution errors are CRITICAL, benchmark shortfalls are MEDIUM unless the
// hard threshold is crossed.
func violationFor(reg Registration, result store.CheckResult) *store.Violation {
	if result.Error != "" {
		return &store.Violation{
			Kind:      store.KindExecutionError,
			Severity:  store.SeverityCritical,
			Component: reg.Name,
			Message:   result.Error,
		}
	}
	if result.Passed {
		return nil
	}
	if reg.Benchmark != nil && result.Measured != nil {
		_, hard := reg.Benchmark.Evaluate(*result.Measured)
		severity := store.SeverityMedium
		if hard {
			severity = store.SeverityHigh
		}
		target := reg.Benchmark.Target
		return &store.Violation{
			Kind:      shortfallKind(reg.Category),
			Category:  string(reg.Category),
			Severity:  severity,
			Component: reg.Name,
			Message:   shortfallMessage(reg, *result.Measured),
			Expected:  &target,
			Actual:    result.Measured,
		}
	}
	message := result.Message
	if message == "" {
		message = fmt.Sprintf("%s check failed", reg.Category)
	}
	return &store.Violation{
		Kind:      structuralKind(reg.Category),
		Category:  string(reg.Category),
		Severity:  store.SeverityHigh,
		Component: reg.Name,
		Message:   message,
	}
}

func structuralKind(category Category) store.ViolationKind {
	switch category {
	case CategoryLayerIntegrity:
		return store.KindLayerIntegrity
	case CategoryContractCompliance:
		return store.KindContractCompliance
	default:
		return store.KindDataFlow
	}
}

func shortfallKind(category Category) store.ViolationKind {
	if category == CategoryQuality {
		return store.KindQualityShortfall
	}
	return store.KindPerformanceShortfall
}

func shortfallMessage(reg Registration, measured float64) string {
	direction := "at least"
	if reg.Benchmark.Direction == DirectionAtMost {
		direction = "at most"
	}
	return fmt.Sprintf("measured %.2f, target %s %.2f", measured, direction, reg.Benchmark.Target)
}
