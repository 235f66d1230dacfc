package store

import (
	"time"

	"github.com/kingrea/relay/internal/lifecycle"
)

// SchemaVersion is the persisted document format this build reads and writes.
const SchemaVersion = 1

// Session is the singleton coordination session record. Only the coordinator
// writes it.
type Session struct {
	ID          string    `json:"id"`
	Mode        string    `json:"mode"`
	WorkerCount int       `json:"worker_count"`
	Phase       string    `json:"phase"`
	StartedAt   time.Time `json:"started_at"`
}

// ActivationStatus tracks the lifecycle of a pending activation request.
type ActivationStatus string

const (
	ActivationPending ActivationStatus = "pending"
	ActivationGranted ActivationStatus = "granted"
	ActivationRefused ActivationStatus = "refused"
)

// PatternOverlap names one collision between a requested ownership pattern
// and a pattern already held by another worker.
type PatternOverlap struct {
	Requested string `json:"requested"`
	Held      string `json:"held"`
	OwnerID   string `json:"owner_id"`
}

// ActivationRequest records a worker's ask to go ACTIVE over a pattern set.
// The coordinator resolves it during a poll cycle; the worker polls Status.
type ActivationRequest struct {
	Patterns    []string         `json:"patterns"`
	RequestedAt time.Time        `json:"requested_at"`
	Status      ActivationStatus `json:"status"`
	Overlaps    []PatternOverlap `json:"overlaps,omitempty"`
	Note        string           `json:"note,omitempty"`
}

// FailureReason distinguishes why a worker landed in FAILED.
type FailureReason string

const (
	FailureVerification FailureReason = "verification"
	FailureTimeout      FailureReason = "timeout"
)

// WorkerInstance is the per-worker record in the coordination store.
// The owning worker writes task, heartbeat, and the handoff-ready edge;
// every other state transition belongs to the coordinator. Version increases
// strictly on every successful write and backs optimistic concurrency.
type WorkerInstance struct {
	ID               string             `json:"id"`
	Role             string             `json:"role"`
	State            lifecycle.State    `json:"state"`
	Claims           []string           `json:"claims,omitempty"`
	Task             string             `json:"task,omitempty"`
	Heartbeat        time.Time          `json:"heartbeat"`
	Version          int64              `json:"version"`
	HandoffRequested bool               `json:"handoff_requested,omitempty"`
	RequestID        string             `json:"request_id,omitempty"`
	FailureReason    FailureReason      `json:"failure_reason,omitempty"`
	LastReportID     string             `json:"last_report_id,omitempty"`
	Activation       *ActivationRequest `json:"activation,omitempty"`
}

// Clone returns a deep copy of the worker record.
func (w WorkerInstance) Clone() WorkerInstance {
	out := w
	out.Claims = cloneStrings(w.Claims)
	if w.Activation != nil {
		act := *w.Activation
		act.Patterns = cloneStrings(w.Activation.Patterns)
		act.Overlaps = append([]PatternOverlap(nil), w.Activation.Overlaps...)
		out.Activation = &act
	}
	return out
}

// HandoffRequest asks the coordinator to verify and promote a unit of work.
// It survives Deny/remediation retries and is archived once a terminal
// report exists.
type HandoffRequest struct {
	ID             string    `json:"id"`
	SourceWorker   string    `json:"source_worker"`
	TargetWorker   string    `json:"target_worker,omitempty"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
	RequiredChecks []string  `json:"required_checks"`
	Escalated      bool      `json:"escalated,omitempty"`
}

// Clone returns a deep copy of the request.
func (r HandoffRequest) Clone() HandoffRequest {
	out := r
	out.RequiredChecks = cloneStrings(r.RequiredChecks)
	return out
}

// Severity ranks a violation for the decision policy.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Rank orders severities for grouping; lower is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	default:
		return 3
	}
}

// ViolationKind is the closed taxonomy of violation causes.
type ViolationKind string

const (
	KindLayerIntegrity       ViolationKind = "layer-integrity"
	KindContractCompliance   ViolationKind = "contract-compliance"
	KindDataFlow             ViolationKind = "data-flow"
	KindPerformanceShortfall ViolationKind = "performance-shortfall"
	KindQualityShortfall     ViolationKind = "quality-shortfall"
	KindResourceConflict     ViolationKind = "resource-conflict"
	KindExecutionError       ViolationKind = "execution-error"
	KindHeartbeatTimeout     ViolationKind = "heartbeat-timeout"
)

// Violation is one failed check result. Immutable once produced and scoped
// to exactly one report. Category is empty for violations with no automated
// remediation path (execution errors, timeouts).
type Violation struct {
	Kind      ViolationKind `json:"kind"`
	Category  string        `json:"category,omitempty"`
	Severity  Severity      `json:"severity"`
	Component string        `json:"component"`
	Message   string        `json:"message"`
	Expected  *float64      `json:"expected,omitempty"`
	Actual    *float64      `json:"actual,omitempty"`
}

// Decision is the aggregate verdict for one verification run.
type Decision string

const (
	DecisionApprove  Decision = "approve"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)

// CheckResult records one check outcome inside a report. Flip-flop detection
// compares Passed across consecutive runs of the same request.
type CheckResult struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Passed   bool     `json:"passed"`
	Measured *float64 `json:"measured,omitempty"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Override records a human decision on an escalated request, distinct from
// automated verdicts.
type Override struct {
	Operator string    `json:"operator"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

// VerificationReport is the immutable result of one verification run.
type VerificationReport struct {
	ID         string               `json:"id"`
	RequestID  string               `json:"request_id"`
	WorkerID   string               `json:"worker_id"`
	Timestamp  time.Time            `json:"timestamp"`
	Checks     []CheckResult        `json:"checks,omitempty"`
	Violations []Violation          `json:"violations,omitempty"`
	Decision   Decision             `json:"decision"`
	Override   *Override            `json:"override,omitempty"`
}

// Terminal reports whether this report closes its request. Deny feeds the
// remediation retry loop, so only Approve or a human override is terminal.
func (r VerificationReport) Terminal() bool {
	return r.Decision == DecisionApprove || r.Override != nil
}

// Clone returns a deep copy of the report.
func (r VerificationReport) Clone() VerificationReport {
	out := r
	out.Checks = append([]CheckResult(nil), r.Checks...)
	out.Violations = append([]Violation(nil), r.Violations...)
	if r.Override != nil {
		ovr := *r.Override
		out.Override = &ovr
	}
	return out
}

// Document is the schema-versioned record set persisted between cycles.
type Document struct {
	SchemaVersion int                       `json:"schema_version"`
	Session       Session                   `json:"session"`
	Workers       map[string]WorkerInstance `json:"workers"`
	Requests      map[string]HandoffRequest `json:"requests,omitempty"`
	Archive       []HandoffRequest          `json:"archive,omitempty"`
	Reports       []VerificationReport      `json:"reports,omitempty"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	out := d
	out.Workers = make(map[string]WorkerInstance, len(d.Workers))
	for id, worker := range d.Workers {
		out.Workers[id] = worker.Clone()
	}
	if d.Requests != nil {
		out.Requests = make(map[string]HandoffRequest, len(d.Requests))
		for id, req := range d.Requests {
			out.Requests[id] = req.Clone()
		}
	}
	out.Archive = make([]HandoffRequest, 0, len(d.Archive))
	for _, req := range d.Archive {
		out.Archive = append(out.Archive, req.Clone())
	}
	out.Reports = make([]VerificationReport, 0, len(d.Reports))
	for _, report := range d.Reports {
		out.Reports = append(out.Reports, report.Clone())
	}
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}
