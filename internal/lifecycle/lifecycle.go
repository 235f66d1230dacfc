// Package lifecycle defines the worker state machine: the states a worker
// instance moves through during a coordination session and the guarded
// transition table between them. The table is the single source of truth;
// callers that attempt an edge outside it receive InvalidTransitionError and
// no state is mutated.
package lifecycle

import (
	"fmt"
)

// State enumerates the worker lifecycle states.
type State string

const (
	StateStandby         State = "STANDBY"
	StateActive          State = "ACTIVE"
	StateHandoffReady    State = "HANDOFF_READY"
	StateVerification    State = "VERIFICATION"
	StateApproved        State = "APPROVED"
	StateFailed          State = "FAILED"
	StateHandoffComplete State = "HANDOFF_COMPLETE"
	StateRemediation     State = "REMEDIATION"
)

// Actor identifies who is driving a transition. Workers may only publish
// their own handoff readiness; the coordinator owns every edge past that,
// and the verdict edges belong to the verification engine alone.
type Actor string

const (
	ActorWorker      Actor = "worker"
	ActorCoordinator Actor = "coordinator"
	ActorVerifier    Actor = "verifier"
)

type edge struct {
	from State
	to   State
}

var transitions = map[edge][]Actor{
	// Activation is granted by the coordinator once the conflict detector
	// certifies the requested ownership patterns.
	{StateStandby, StateActive}: {ActorCoordinator},

	// Worker-owned edges.
	{StateActive, StateHandoffReady}:      {ActorWorker},
	{StateHandoffReady, StateActive}:      {ActorWorker}, // withdraw before the coordinator claims it
	{StateRemediation, StateHandoffReady}: {ActorWorker}, // retry loop

	// Coordinator-owned edges.
	{StateHandoffReady, StateVerification}: {ActorCoordinator},
	{StateApproved, StateHandoffComplete}:  {ActorCoordinator},
	{StateFailed, StateRemediation}:        {ActorCoordinator},
	{StateHandoffComplete, StateStandby}:   {ActorCoordinator},

	// Verdict edges are set solely from the verification engine's decision.
	{StateVerification, StateApproved}: {ActorVerifier},
	{StateVerification, StateFailed}:   {ActorVerifier, ActorCoordinator},

	// Stale-heartbeat recovery. The coordinator may fail a worker from any
	// in-flight state when its heartbeat lapses.
	{StateStandby, StateFailed}:      {ActorCoordinator},
	{StateActive, StateFailed}:       {ActorCoordinator},
	{StateHandoffReady, StateFailed}: {ActorCoordinator},
	{StateRemediation, StateFailed}:  {ActorCoordinator},
}

// States returns every defined lifecycle state.
func States() []State {
	return []State{
		StateStandby,
		StateActive,
		StateHandoffReady,
		StateVerification,
		StateApproved,
		StateFailed,
		StateHandoffComplete,
		StateRemediation,
	}
}

// Known reports whether the given state appears in the lifecycle at all.
func Known(s State) bool {
	for _, candidate := range States() {
		if candidate == s {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports a rejected state change. It is local to the
// caller and never retried automatically.
type InvalidTransitionError struct {
	From  State
	To    State
	Actor Actor
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: invalid transition %s -> %s (actor %s)", e.From, e.To, e.Actor)
}

// Validate checks whether the actor may drive the from->to edge. A nil return
// means the transition is legal.
func Validate(from, to State, actor Actor) error {
	if !Known(from) || !Known(to) {
		return &InvalidTransitionError{From: from, To: to, Actor: actor}
	}
	actors, ok := transitions[edge{from, to}]
	if !ok {
		return &InvalidTransitionError{From: from, To: to, Actor: actor}
	}
	for _, allowed := range actors {
		if allowed == actor {
			return nil
		}
	}
	return &InvalidTransitionError{From: from, To: to, Actor: actor}
}

// Successors returns the states reachable from the given state by any actor.
func Successors(from State) []State {
	var out []State
	for e := range transitions {
		if e.from == from {
			out = append(out, e.to)
		}
	}
	return out
}
