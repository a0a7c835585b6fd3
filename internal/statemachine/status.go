// Package statemachine implements the validated stage-status transition
// table and the transition operation that drives a Stage through its
// lifecycle, persisting via StageStore and emitting events for the
// DaemonServer's orchestration loop.
package statemachine

import "errors"

// Status is a tagged union of stage lifecycle states. Using a dedicated
// type instead of a free-form string keeps invalid states unrepresentable
// and lets the compiler catch a typo'd status literal.
type Status string

const (
	WaitingForDeps  Status = "WaitingForDeps"
	Queued          Status = "Queued"
	Executing       Status = "Executing"
	WaitingForInput Status = "WaitingForInput"
	NeedsHandoff    Status = "NeedsHandoff"
	Blocked         Status = "Blocked"
	Completed       Status = "Completed"
	Verified        Status = "Verified"
)

// Terminal reports whether a status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == Verified
}

// transitions is the static from -> []to adjacency table. Built once;
// consulted by Transition and never mutated.
var transitions = map[Status][]Status{
	WaitingForDeps:  {Queued},
	Queued:          {Executing},
	Executing:       {WaitingForInput, NeedsHandoff, Blocked, Completed},
	WaitingForInput: {Executing},
	NeedsHandoff:    {Queued},
	Blocked:         {Queued},
	Completed:       {Verified, Blocked},
	Verified:        {},
}

// ErrInvalidTransition is returned when (from, to) is not in the allowed table.
var ErrInvalidTransition = errors.New("invalid transition")

// Allowed reports whether a transition from one status to another is
// permitted by the static table, independent of the reason it's taken.
func Allowed(from, to Status) bool {
	if from == to {
		return true // idempotent no-op, never rejected
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Reason labels why a transition was taken, recorded alongside the status
// change so last_error / event payloads can explain themselves without a
// log dive.
type Reason string

const (
	ReasonDepsVerified    Reason = "deps_verified"
	ReasonDispatched      Reason = "dispatched"
	ReasonAskUser         Reason = "ask_user"
	ReasonUserAnswered    Reason = "user_answered"
	ReasonContextHandoff  Reason = "context"
	ReasonExplicitHandoff Reason = "handoff"
	ReasonRecoveryQueued  Reason = "recovery"
	ReasonAcceptanceFail  Reason = "acceptance_failed"
	ReasonExplicitBlock   Reason = "blocked"
	ReasonReset           Reason = "reset"
	ReasonRetry           Reason = "retry"
	ReasonAgentCompleted  Reason = "completed"
	ReasonVerifyPass      Reason = "verified"
	ReasonMergeConflict   Reason = "merge_conflict"
	ReasonSessionCrashed  Reason = "crashed"
)
