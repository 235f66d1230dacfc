// Package client is the interface each worker process uses to talk to the
// coordination store: publish its own state, ask for activation, request a
// handoff, and poll for verdicts. Writes ride optimistic concurrency; a
// StaleWrite collision is re-read and retried a bounded number of times
// before surfacing to the caller.
package client

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kingrea/relay/internal/lifecycle"
	"github.com/kingrea/relay/internal/store"
)

const defaultRetryLimit = 3

// Client binds one worker id to the coordination store.
type Client struct {
	store      *store.Store
	id         string
	clock      func() time.Time
	retryLimit int
}

// Option customizes the client instance.
type Option func(*Client)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithRetryLimit overrides how many StaleWrite collisions are absorbed per call.
func WithRetryLimit(limit int) Option {
	return func(c *Client) {
		if limit > 0 {
			c.retryLimit = limit
		}
	}
}

// New creates a client for the given worker id.
func New(st *store.Store, workerID string, opts ...Option) (*Client, error) {
	if st == nil {
		return nil, fmt.Errorf("client: store is required")
	}
	workerID = strings.TrimSpace(workerID)
	if workerID == "" {
		return nil, fmt.Errorf("client: worker id is required")
	}
	c := &Client{
		store:      st,
		id:         workerID,
		clock:      time.Now,
		retryLimit: defaultRetryLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ID returns the worker id this client writes as.
func (c *Client) ID() string {
	return c.id
}

// Register creates this worker's STANDBY record.
func (c *Client) Register(role string) (store.WorkerInstance, error) {
	return c.store.RegisterWorker(store.WorkerInstance{
		ID:        c.id,
		Role:      strings.TrimSpace(role),
		Heartbeat: c.clock(),
	})
}

// Heartbeat refreshes the liveness timestamp.
func (c *Client) Heartbeat() error {
	_, err := c.update(func(w *store.WorkerInstance) error {
		w.Heartbeat = c.clock()
		return nil
	})
	return err
}

// UpdateTask publishes the current task description and refreshes the heartbeat.
func (c *Client) UpdateTask(task string) error {
	_, err := c.update(func(w *store.WorkerInstance) error {
		w.Task = strings.TrimSpace(task)
		w.Heartbeat = c.clock()
		return nil
	})
	return err
}

// RequestActivation asks the coordinator to grant ACTIVE over the given
// ownership patterns. The grant or refusal arrives asynchronously; poll
// ActivationStatus for the outcome.
func (c *Client) RequestActivation(patterns []string) error {
	cleaned := cleanPatterns(patterns)
	if len(cleaned) == 0 {
		return fmt.Errorf("client: at least one ownership pattern is required")
	}
	_, err := c.update(func(w *store.WorkerInstance) error {
		if w.State != lifecycle.StateStandby {
			return &lifecycle.InvalidTransitionError{From: w.State, To: lifecycle.StateActive, Actor: lifecycle.ActorWorker}
		}
		w.Activation = &store.ActivationRequest{
			Patterns:    cleaned,
			RequestedAt: c.clock(),
			Status:      store.ActivationPending,
		}
		w.Heartbeat = c.clock()
		return nil
	})
	return err
}

// ActivationStatus returns the latest activation request outcome.
func (c *Client) ActivationStatus() (store.ActivationRequest, error) {
	worker, err := c.store.Worker(c.id)
	if err != nil {
		return store.ActivationRequest{}, err
	}
	if worker.Activation == nil {
		return store.ActivationRequest{}, fmt.Errorf("client: no activation requested for %s", c.id)
	}
	return *worker.Activation, nil
}

// RequestHandoff publishes handoff readiness. From ACTIVE it requires a
// non-empty task description and opens a fresh request; from REMEDIATION it
// re-enters verification under the existing request so the run history stays
// attached.
func (c *Client) RequestHandoff(reason, target string, checks []string) (store.HandoffRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return store.HandoffRequest{}, fmt.Errorf("client: handoff reason is required")
	}
	var req store.HandoffRequest
	fresh := false
	_, err := c.update(func(w *store.WorkerInstance) error {
		if err := lifecycle.Validate(w.State, lifecycle.StateHandoffReady, lifecycle.ActorWorker); err != nil {
			return err
		}
		// A remediation retry with its request still open re-enters
		// verification under that request so the run history stays attached.
		// Otherwise (first handoff, or the old request was closed by an
		// override) a fresh request is opened.
		if w.State == lifecycle.StateRemediation && w.RequestID != "" {
			fresh = false
		} else {
			if strings.TrimSpace(w.Task) == "" {
				return fmt.Errorf("client: a task description is required before requesting handoff")
			}
			req = store.HandoffRequest{
				ID:             uuid.NewString(),
				SourceWorker:   c.id,
				TargetWorker:   strings.TrimSpace(target),
				Reason:         reason,
				CreatedAt:      c.clock(),
				RequiredChecks: cleanPatterns(checks),
			}
			fresh = true
			w.RequestID = req.ID
		}
		w.State = lifecycle.StateHandoffReady
		w.HandoffRequested = true
		w.FailureReason = ""
		w.Heartbeat = c.clock()
		return nil
	})
	if err != nil {
		return store.HandoffRequest{}, err
	}
	if fresh {
		if err := c.store.PutRequest(req); err != nil {
			return store.HandoffRequest{}, err
		}
		return req, nil
	}
	return c.store.Request(c.currentRequestID())
}

// Withdraw cancels a pending handoff. Only legal while the worker is still
// HANDOFF_READY; once the coordinator claims the request into VERIFICATION
// it runs to a terminal decision.
func (c *Client) Withdraw() error {
	var requestID string
	_, err := c.update(func(w *store.WorkerInstance) error {
		if err := lifecycle.Validate(w.State, lifecycle.StateActive, lifecycle.ActorWorker); err != nil {
			return err
		}
		requestID = w.RequestID
		w.State = lifecycle.StateActive
		w.HandoffRequested = false
		w.RequestID = ""
		w.Heartbeat = c.clock()
		return nil
	})
	if err != nil {
		return err
	}
	if requestID != "" {
		if err := c.store.DropRequest(requestID); err != nil && !errors.Is(err, store.ErrRequestNotFound) {
			return err
		}
	}
	return nil
}

// PollVerdict returns the newest report for this worker's open request.
func (c *Client) PollVerdict() (store.VerificationReport, bool, error) {
	worker, err := c.store.Worker(c.id)
	if err != nil {
		return store.VerificationReport{}, false, err
	}
	requestID := worker.RequestID
	if requestID == "" {
		return store.VerificationReport{}, false, nil
	}
	return c.store.LatestReport(requestID)
}

// update applies a mutation under bounded optimistic retry.
func (c *Client) update(mutate func(*store.WorkerInstance) error) (store.WorkerInstance, error) {
	var lastErr error
	for attempt := 0; attempt < c.retryLimit; attempt++ {
		worker, err := c.store.Worker(c.id)
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
	return store.WorkerInstance{}, fmt.Errorf("client: gave up after %d stale writes: %w", c.retryLimit, lastErr)
}

func (c *Client) currentRequestID() string {
	worker, err := c.store.Worker(c.id)
	if err != nil {
		return ""
	}
	return worker.RequestID
}

func cleanPatterns(values []string) []string {
	var out []string
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
