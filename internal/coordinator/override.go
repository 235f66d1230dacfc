package coordinator

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kingrea/relay/internal/events"
	"github.com/kingrea/relay/internal/lifecycle"
	"github.com/kingrea/relay/internal/store"
	"github.com/kingrea/relay/internal/verify"
)

// ForceApprove resolves an escalated request in the worker's favor. The
// override report is terminal and carries the operator's identity so the
// audit trail separates human verdicts from automated ones.
func (c *Coordinator) ForceApprove(requestID, operator, note string) (store.VerificationReport, error) {
	return c.override(requestID, operator, note, store.DecisionApprove)
}

// ForceDeny resolves an escalated request against the worker. The worker
// lands in REMEDIATION with its request closed, so the next handoff attempt
// opens a fresh one.
func (c *Coordinator) ForceDeny(requestID, operator, note string) (store.VerificationReport, error) {
	return c.override(requestID, operator, note, store.DecisionDeny)
}

func (c *Coordinator) override(requestID, operator, note string, decision store.Decision) (store.VerificationReport, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return store.VerificationReport{}, fmt.Errorf("coordinator: override requires an operator name")
	}
	req, err := c.store.Request(requestID)
	if err != nil {
		return store.VerificationReport{}, err
	}
	if !req.Escalated {
		return store.VerificationReport{}, fmt.Errorf("coordinator: request %s is not escalated", requestID)
	}

	report := store.VerificationReport{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		WorkerID:  req.SourceWorker,
		Timestamp: c.clock(),
		Decision:  decision,
		Override: &store.Override{
			Operator: operator,
			Note:     strings.TrimSpace(note),
			At:       c.clock(),
		},
	}
	// Carry the violations forward from the escalated run so the terminal
	// report stands on its own in the archive.
	if last, ok, err := c.store.LatestReport(req.ID); err != nil {
		return store.VerificationReport{}, err
	} else if ok {
		report.Checks = last.Checks
		report.Violations = last.Violations
	}

	// Drive the worker's lifecycle edge before recording the terminal
	// report: a rejected transition must leave the request open and
	// retryable, not half-resolved.
	worker, err := c.store.Worker(req.SourceWorker)
	if err != nil {
		return store.VerificationReport{}, err
	}
	switch {
	case worker.State == lifecycle.StateFailed:
		// The worker was failed by the stale sweep while the request was
		// parked. There is no verification edge left to drive; the
		// operator's verdict still closes the request.
	case decision == store.DecisionApprove:
		if err := c.approveWorker(req.SourceWorker, report.ID); err != nil {
			return store.VerificationReport{}, err
		}
	default:
		if err := c.remediateAfterOverride(req.SourceWorker, report.ID); err != nil {
			return store.VerificationReport{}, err
		}
	}

	if err := c.store.AppendReport(report); err != nil {
		return store.VerificationReport{}, err
	}
	if _, err := verify.SaveReport(c.cfg.ReportsDir(), report); err != nil {
		c.printf("coordinator: archive override report %s: %v", report.ID, err)
	}
	if err := c.store.ArchiveRequest(req.ID); err != nil {
		return store.VerificationReport{}, err
	}

	c.printf("coordinator: request %s overridden to %s by %s", req.ID, decision, operator)
	c.emit(events.Event{
		Type:      events.TypeOverride,
		WorkerID:  req.SourceWorker,
		RequestID: req.ID,
		Detail:    fmt.Sprintf("%s by %s", decision, operator),
	})
	return report, nil
}

// remediateAfterOverride moves the denied worker to REMEDIATION. Unlike an
// automated denial the request binding is cleared: an override is terminal,
// so the retry must start over with a fresh request.
func (c *Coordinator) remediateAfterOverride(workerID, reportID string) error {
	_, err := c.updateWorker(workerID, func(w *store.WorkerInstance) error {
		if err := lifecycle.Validate(w.State, lifecycle.StateFailed, lifecycle.ActorVerifier); err != nil {
			return err
		}
		w.State = lifecycle.StateRemediation
		w.HandoffRequested = false
		w.FailureReason = store.FailureVerification
		w.LastReportID = reportID
		w.RequestID = ""
		return nil
	})
	return err
}
