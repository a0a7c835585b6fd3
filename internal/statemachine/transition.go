package statemachine

import (
	"errors"
	"fmt"
	"time"

	"github.com/loom-dev/loom/internal/stagestore"
)

// maxSaveRetries bounds how many times Transition reloads and retries a
// save after a VersionConflict before surfacing a hard error (spec.md
// §4.6 step 4 / §7's VersionConflict policy).
const maxSaveRetries = 3

// TransitionEvent is emitted on every successful Transition, for the
// DaemonServer's broadcast channel and Monitor-adjacent bookkeeping.
type TransitionEvent struct {
	StageID string
	From    Status
	To      Status
	Reason  Reason
	At      time.Time
}

// Machine is the StateMachine component: validated stage-status
// transitions with a StageStore persistence hook and event emission.
type Machine struct {
	store  *stagestore.Store
	events chan TransitionEvent
}

// New returns a Machine backed by store, emitting TransitionEvents on the
// returned channel's producer side. events may be nil if the caller does
// not need notifications (tests).
func New(store *stagestore.Store, events chan TransitionEvent) *Machine {
	return &Machine{store: store, events: events}
}

// Transition advances a stage to a new status, following spec.md §4.6's
// operation exactly:
//  1. Load current stage; no-op if already at `to` (idempotent).
//  2. Reject if (from, to) isn't in the allowed table.
//  3. Update fields (bump attempt_count entering Queued from Blocked or
//     NeedsHandoff).
//  4. Save via StageStore; on VersionConflict, reload and retry up to 3x.
//  5. Emit a TransitionEvent.
//
// Triggering dependents (step 6: on Verified, enqueue newly-ready stages)
// is the caller's responsibility — it needs the ExecutionGraph, which this
// package does not import, to avoid a dependency cycle (graph consumes
// stagestore's Stage and statemachine's Status; it must not depend back on
// a package that would depend on graph).
func (m *Machine) Transition(stageID string, to Status, reason Reason) (*stagestore.Stage, error) {
	var lastErr error
	for attempt := 0; attempt < maxSaveRetries; attempt++ {
		stage, err := m.store.Load(stageID)
		if err != nil {
			return nil, err
		}

		from := stage.Status
		if from == to {
			return stage, nil // idempotent no-op
		}
		if !Allowed(from, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}

		if to == Queued && (from == Blocked || from == NeedsHandoff) {
			stage.AttemptCount++
		}
		stage.Status = to
		if reason == ReasonAcceptanceFail || reason == ReasonMergeConflict || reason == ReasonExplicitBlock {
			stage.LastError = string(reason)
		}

		err = m.store.SaveNext(stage)
		if err == nil {
			if m.events != nil {
				m.events <- TransitionEvent{StageID: stageID, From: from, To: to, Reason: reason, At: time.Now()}
			}
			return stage, nil
		}
		if !errors.Is(err, stagestore.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transition %s -> %s: %w after %d retries", stageID, to, lastErr, maxSaveRetries)
}
