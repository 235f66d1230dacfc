// Package events carries coordination notifications between the coordinator
// and anything watching the session (worker clients, the status board).
// Delivery is in-process, buffered, and deduplicated; subscribers that fall
// behind lose the least important events first.
package events

import (
	"time"
)

// Type enumerates coordination event kinds.
type Type string

const (
	TypeActivationGranted Type = "activation_granted"
	TypeActivationRefused Type = "activation_refused"
	TypeDecision          Type = "decision"
	TypeOverride          Type = "override"
	TypeReassignment      Type = "reassignment"
	TypeStaleWorker       Type = "stale_worker"
	TypeCorruption        Type = "corruption"
)

// TopicAll subscribes to every event type.
const TopicAll = "*"

// Event is a single coordination notification.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Time      time.Time `json:"time"`
	WorkerID  string    `json:"worker_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Logger records router diagnostics. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}
