// Package coordinator runs the polling loop at the center of a coordination
// session. Each cycle it grants or refuses pending activations, claims
// handoff-ready workers into verification, applies the engine's decisions,
// and recovers workers whose heartbeat has gone stale. The coordinator is
// the only actor permitted to perform state-machine transitions past
// HANDOFF_READY.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/relay/internal/config"
	"github.com/kingrea/relay/internal/conflict"
	"github.com/kingrea/relay/internal/events"
	"github.com/kingrea/relay/internal/lifecycle"
	"github.com/kingrea/relay/internal/store"
	"github.com/kingrea/relay/internal/verify"
)

const transitionRetryLimit = 3

// Logger records coordinator activity. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

// Coordinator drives the session.
type Coordinator struct {
	cfg    *config.Config
	store  *store.Store
	engine *verify.Engine
	router *events.Router
	logger Logger
	clock  func() time.Time
}

// Option customizes the coordinator instance.
type Option func(*Coordinator)

// WithLogger injects the activity logger.
func WithLogger(logger Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithRouter injects the event router for decision/reassignment notifications.
func WithRouter(router *events.Router) Option {
	return func(c *Coordinator) {
		c.router = router
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New wires a coordinator and validates every active handoff request against
// the check registry, so a request referencing an unregistered check rejects
// startup instead of failing mid-cycle.
func New(cfg *config.Config, st *store.Store, engine *verify.Engine, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("coordinator: config is required")
	}
	if st == nil {
		return nil, fmt.Errorf("coordinator: store is required")
	}
	if engine == nil {
		return nil, fmt.Errorf("coordinator: verification engine is required")
	}
	c := &Coordinator{
		cfg:    cfg,
		store:  st,
		engine: engine,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	doc, err := st.Snapshot()
	if err != nil && !errors.Is(err, store.ErrStateNotFound) {
		return nil, err
	}
	for id, req := range doc.Requests {
		if err := engine.ValidateRequest(req); err != nil {
			return nil, fmt.Errorf("coordinator: request %s: %w", id, err)
		}
	}
	return c, nil
}

// CycleStats summarizes one poll cycle.
type CycleStats struct {
	ActivationsGranted int
	ActivationsRefused int
	Verified           int
	Approved           int
	Denied             int
	Escalated          int
	Completed          int
	StaleWorkers       int
}

// Run polls the store until the context is cancelled or the session's
// document turns out to be corrupt. Corruption is the one error class that
// halts the loop; everything else is logged and retried next cycle.
func (c *Coordinator) Run(ctx context.Context) error {
	c.setPhase("coordinating")
	ticker := time.NewTicker(c.cfg.PollInterval())
	defer ticker.Stop()
	for {
		stats, err := c.RunCycle(ctx)
		if err != nil {
			var corrupt *store.CorruptionError
			if errors.As(err, &corrupt) {
				c.printf("coordinator: halting: %s", corrupt.Reason)
				c.printf("coordinator: raw document for manual repair:\n%s", corrupt.Raw)
				c.emit(events.Event{Type: events.TypeCorruption, Detail: corrupt.Reason})
				c.setPhase("halted")
				return err
			}
			c.printf("coordinator: cycle error: %v", err)
		} else if stats != (CycleStats{}) {
			c.printf("coordinator: cycle granted=%d refused=%d verified=%d approved=%d denied=%d escalated=%d completed=%d stale=%d",
				stats.ActivationsGranted, stats.ActivationsRefused, stats.Verified,
				stats.Approved, stats.Denied, stats.Escalated, stats.Completed, stats.StaleWorkers)
		}
		select {
		case <-ctx.Done():
			c.setPhase("closed")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunCycle executes one poll cycle under the configured per-cycle budget.
// Cycles are idempotent: a worker already past verification is left alone.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleStats, error) {
	cycleCtx, cancel := context.WithTimeout(ctx, c.cfg.CycleBudget())
	defer cancel()

	var stats CycleStats
	// Sweep first so a worker that died mid-handoff is failed rather than
	// having its request verified.
	if err := c.sweepStale(&stats); err != nil {
		return stats, err
	}
	workers, err := c.store.Workers()
	if err != nil {
		return stats, err
	}

	for _, worker := range workers {
		if cycleCtx.Err() != nil {
			return stats, cycleCtx.Err()
		}
		switch {
		case worker.Activation != nil && worker.Activation.Status == store.ActivationPending:
			c.resolveActivation(worker, &stats)
		case worker.State == lifecycle.StateHandoffReady, worker.State == lifecycle.StateVerification:
			if err := c.verifyWorker(cycleCtx, worker.ID, &stats); err != nil {
				var corrupt *store.CorruptionError
				if errors.As(err, &corrupt) {
					return stats, err
				}
				c.printf("coordinator: verify %s: %v", worker.ID, err)
			}
		case worker.State == lifecycle.StateHandoffComplete:
			c.resetCompleted(worker.ID, &stats)
		}
	}

	return stats, nil
}

// resolveActivation consults the conflict detector before granting ACTIVE.
func (c *Coordinator) resolveActivation(worker store.WorkerInstance, stats *CycleStats) {
	all, err := c.store.Workers()
	if err != nil {
		c.printf("coordinator: activation %s: %v", worker.ID, err)
		return
	}
	patterns := worker.Activation.Patterns
	certErr := conflict.Certify(all, worker.ID, patterns)

	var conflictErr *conflict.Error
	if certErr != nil && !errors.As(certErr, &conflictErr) {
		c.printf("coordinator: activation %s: %v", worker.ID, certErr)
		return
	}

	_, err = c.updateWorker(worker.ID, func(w *store.WorkerInstance) error {
		if w.Activation == nil || w.Activation.Status != store.ActivationPending {
			return nil
		}
		if conflictErr != nil {
			w.Activation.Status = store.ActivationRefused
			w.Activation.Overlaps = conflictErr.Overlaps
			w.Activation.Note = "ownership overlap; re-negotiate scope"
			return nil
		}
		if err := lifecycle.Validate(w.State, lifecycle.StateActive, lifecycle.ActorCoordinator); err != nil {
			return err
		}
		w.State = lifecycle.StateActive
		w.Claims = append([]string(nil), patterns...)
		w.Activation.Status = store.ActivationGranted
		return nil
	})
	if err != nil {
		c.printf("coordinator: activation %s: %v", worker.ID, err)
		return
	}
	if conflictErr != nil {
		stats.ActivationsRefused++
		c.emit(events.Event{Type: events.TypeActivationRefused, WorkerID: worker.ID, Detail: conflictErr.Error()})
		return
	}
	stats.ActivationsGranted++
	c.emit(events.Event{Type: events.TypeActivationGranted, WorkerID: worker.ID})
}

// verifyWorker claims a handoff-ready worker into VERIFICATION, runs the
// engine synchronously, and applies the decision. A worker found already in
// VERIFICATION is resumed: a restart or an earlier cycle error must not
// strand its request short of a terminal decision.
func (c *Coordinator) verifyWorker(ctx context.Context, workerID string, stats *CycleStats) error {
	current, err := c.store.Worker(workerID)
	if err != nil {
		return err
	}
	if current.State == lifecycle.StateHandoffReady {
		claimed, err := c.updateWorker(workerID, func(w *store.WorkerInstance) error {
			if w.State != lifecycle.StateHandoffReady {
				return nil
			}
			if err := lifecycle.Validate(w.State, lifecycle.StateVerification, lifecycle.ActorCoordinator); err != nil {
				return err
			}
			w.State = lifecycle.StateVerification
			return nil
		})
		if err != nil {
			return err
		}
		current = claimed
	}
	if current.State != lifecycle.StateVerification {
		return nil // withdrawn or already handled
	}

	req, err := c.store.Request(current.RequestID)
	if errors.Is(err, store.ErrRequestNotFound) {
		// The request write never landed (the worker record is written
		// before the request). Fail the worker so it can retry cleanly.
		_, uerr := c.updateWorker(current.ID, func(w *store.WorkerInstance) error {
			if err := lifecycle.Validate(w.State, lifecycle.StateFailed, lifecycle.ActorCoordinator); err != nil {
				return err
			}
			w.State = lifecycle.StateRemediation
			w.HandoffRequested = false
			w.FailureReason = store.FailureVerification
			w.RequestID = ""
			return nil
		})
		return uerr
	}
	if err != nil {
		return err
	}
	if req.Escalated {
		return nil // parked for an operator override
	}

	doc, err := c.store.Snapshot()
	if err != nil {
		return err
	}
	var previous *store.VerificationReport
	if last, ok, err := c.store.LatestReport(req.ID); err != nil {
		return err
	} else if ok {
		previous = &last
	}

	report, err := c.engine.Verify(ctx, doc, req, previous)
	if err != nil {
		return err
	}
	if err := c.store.AppendReport(report); err != nil {
		return err
	}
	if _, err := verify.SaveReport(c.cfg.ReportsDir(), report); err != nil {
		c.printf("coordinator: archive report %s: %v", report.ID, err)
	}
	stats.Verified++
	c.printf("coordinator: %s", verify.Summary(report))

	return c.applyDecision(current.ID, req, report, stats)
}

func (c *Coordinator) applyDecision(workerID string, req store.HandoffRequest, report store.VerificationReport, stats *CycleStats) error {
	c.emit(events.Event{
		Type:      events.TypeDecision,
		WorkerID:  workerID,
		RequestID: req.ID,
		Detail:    string(report.Decision),
	})
	switch report.Decision {
	case store.DecisionApprove:
		stats.Approved++
		return c.completeHandoff(workerID, req.ID, report.ID)
	case store.DecisionDeny:
		stats.Denied++
		return c.failForRemediation(workerID, report.ID)
	default:
		stats.Escalated++
		req.Escalated = true
		return c.store.PutRequest(req)
	}
}

// completeHandoff walks the approved worker to HANDOFF_COMPLETE, releasing
// its ownership claims, and archives the consumed request.
func (c *Coordinator) completeHandoff(workerID, requestID, reportID string) error {
	if err := c.approveWorker(workerID, reportID); err != nil {
		return err
	}
	return c.store.ArchiveRequest(requestID)
}

// approveWorker drives the VERIFICATION -> APPROVED -> HANDOFF_COMPLETE walk
// without touching the request archive.
func (c *Coordinator) approveWorker(workerID, reportID string) error {
	_, err := c.updateWorker(workerID, func(w *store.WorkerInstance) error {
		if err := lifecycle.Validate(w.State, lifecycle.StateApproved, lifecycle.ActorVerifier); err != nil {
			return err
		}
		w.State = lifecycle.StateHandoffComplete
		w.Claims = nil
		w.HandoffRequested = false
		w.FailureReason = ""
		w.LastReportID = reportID
		return nil
	})
	return err
}

// failForRemediation records the denial and immediately moves the worker to
// REMEDIATION with the report attached so it can inspect the violations.
func (c *Coordinator) failForRemediation(workerID, reportID string) error {
	_, err := c.updateWorker(workerID, func(w *store.WorkerInstance) error {
		if err := lifecycle.Validate(w.State, lifecycle.StateFailed, lifecycle.ActorVerifier); err != nil {
			return err
		}
		w.State = lifecycle.StateRemediation
		w.HandoffRequested = false
		w.FailureReason = store.FailureVerification
		w.LastReportID = reportID
		return nil
	})
	return err
}

// resetCompleted returns a finished worker to STANDBY one cycle after the
// handoff completed, leaving the worker a poll window to read the verdict.
func (c *Coordinator) resetCompleted(workerID string, stats *CycleStats) {
	_, err := c.updateWorker(workerID, func(w *store.WorkerInstance) error {
		if w.State != lifecycle.StateHandoffComplete {
			return nil
		}
		if err := lifecycle.Validate(w.State, lifecycle.StateStandby, lifecycle.ActorCoordinator); err != nil {
			return err
		}
		w.State = lifecycle.StateStandby
		w.Task = ""
		w.RequestID = ""
		w.Activation = nil
		return nil
	})
	if err != nil {
		c.printf("coordinator: reset %s: %v", workerID, err)
		return
	}
	stats.Completed++
}

// sweepStale fails every worker whose heartbeat age exceeds the stale
// threshold, releases its claims, and emits a reassignment event so the
// outstanding task can be picked up elsewhere. A stale worker with an open
// request also gets a timeout report attached to that request.
func (c *Coordinator) sweepStale(stats *CycleStats) error {
	workers, err := c.store.Workers()
	if err != nil {
		return err
	}
	threshold := c.cfg.StaleAfter()
	now := c.clock()
	for _, worker := range workers {
		if worker.State == lifecycle.StateFailed || worker.State == lifecycle.StateHandoffComplete {
			continue
		}
		age := now.Sub(worker.Heartbeat)
		if age <= threshold {
			continue
		}
		task := worker.Task
		_, err := c.updateWorker(worker.ID, func(w *store.WorkerInstance) error {
			if now.Sub(w.Heartbeat) <= threshold {
				return nil
			}
			actor := lifecycle.ActorCoordinator
			if err := lifecycle.Validate(w.State, lifecycle.StateFailed, actor); err != nil {
				return err
			}
			w.State = lifecycle.StateFailed
			w.FailureReason = store.FailureTimeout
			w.Claims = nil
			w.HandoffRequested = false
			return nil
		})
		if err != nil {
			c.printf("coordinator: stale %s: %v", worker.ID, err)
			continue
		}
		stats.StaleWorkers++
		if worker.RequestID != "" {
			c.recordTimeout(worker, age)
		}
		c.printf("coordinator: worker %s stale after %s, claims released", worker.ID, age.Round(time.Second))
		c.emit(events.Event{Type: events.TypeStaleWorker, WorkerID: worker.ID, Detail: fmt.Sprintf("heartbeat age %s", age.Round(time.Second))})
		c.emit(events.Event{Type: events.TypeReassignment, WorkerID: worker.ID, RequestID: worker.RequestID, Detail: task})
	}
	return nil
}

// recordTimeout attaches a heartbeat-timeout report to the stale worker's
// open request so the run history explains why the handoff never concluded.
func (c *Coordinator) recordTimeout(worker store.WorkerInstance, age time.Duration) {
	report := store.VerificationReport{
		ID:        uuid.NewString(),
		RequestID: worker.RequestID,
		WorkerID:  worker.ID,
		Timestamp: c.clock(),
		Decision:  store.DecisionDeny,
		Violations: []store.Violation{{
			Kind:      store.KindHeartbeatTimeout,
			Severity:  store.SeverityCritical,
			Component: "coordinator",
			Message:   fmt.Sprintf("heartbeat stale for %s", age.Round(time.Second)),
		}},
	}
	if err := c.store.AppendReport(report); err != nil {
		c.printf("coordinator: timeout report for %s: %v", worker.ID, err)
		return
	}
	if _, err := verify.SaveReport(c.cfg.ReportsDir(), report); err != nil {
		c.printf("coordinator: archive timeout report %s: %v", report.ID, err)
	}
}

// updateWorker applies a transition under bounded optimistic retry. The
// coordinator is the sole writer of these transitions, so collisions only
// come from worker heartbeat writes racing the read.
func (c *Coordinator) updateWorker(id string, mutate func(*store.WorkerInstance) error) (store.WorkerInstance, error) {
	var lastErr error
	for attempt := 0; attempt < transitionRetryLimit; attempt++ {
		worker, err := c.store.Worker(id)
		if err != nil {
			return store.WorkerInstance{}, err
		}
		if err := mutate(&worker); err != nil {
			return store.WorkerInstance{}, err
		}
		updated, err := c.store.UpdateWorker(worker)
		if err == nil {
			return updated, nil
		}
		var stale *store.StaleWriteError
		if !errors.As(err, &stale) {
			return store.WorkerInstance{}, err
		}
		lastErr = err
	}
	return store.WorkerInstance{}, fmt.Errorf("coordinator: gave up after %d stale writes: %w", transitionRetryLimit, lastErr)
}

func (c *Coordinator) setPhase(phase string) {
	doc, err := c.store.Snapshot()
	if err != nil {
		return
	}
	session := doc.Session
	session.Phase = phase
	if err := c.store.UpdateSession(session); err != nil {
		c.printf("coordinator: set phase %s: %v", phase, err)
	}
}

func (c *Coordinator) emit(event events.Event) {
	if c.router == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Time.IsZero() {
		event.Time = c.clock()
	}
	c.router.Route(event)
}

func (c *Coordinator) printf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
