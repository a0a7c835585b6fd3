package daemon

import (
	"encoding/json"

	"github.com/loom-dev/loom/internal/monitor"
	"github.com/loom-dev/loom/internal/statemachine"
)

// handleMonitorEvent reacts to one Monitor.Tick observation: crashed
// sessions and critical context both trigger a handoff and move the stage
// out of Executing, through NeedsHandoff, and straight back to Queued so a
// fresh session picks it up automatically (spec.md §4.8 step 3, §4.9) — no
// human action is needed for either failure mode.
func (d *Daemon) handleMonitorEvent(ev monitor.Event) {
	switch ev.Kind {
	case monitor.EventSessionCrashed:
		d.logger.Printf("stage %s: session crashed (%s)", ev.StageID, ev.Reason)
		d.runningMu.Lock()
		delete(d.running, ev.StageID)
		d.runningMu.Unlock()
		d.requeueForHandoff(ev.StageID, statemachine.ReasonSessionCrashed, "recovery")

	case monitor.EventContextCritical:
		d.logger.Printf("stage %s: context at %d%%, requesting handoff", ev.StageID, ev.ContextPercent)
		d.runningMu.Lock()
		delete(d.running, ev.StageID)
		d.runningMu.Unlock()
		d.requeueForHandoff(ev.StageID, statemachine.ReasonContextHandoff, "context")

	case monitor.EventStageChanged:
		d.logger.Printf("stage %s: %s -> %s", ev.StageID, ev.PreviousStatus, ev.NewStatus)

	case monitor.EventMissingSignal:
		d.logger.Printf("stage %s: queued with no signal file", ev.StageID)
	}
}

// requeueForHandoff drives a stage from Executing through NeedsHandoff and
// straight back to Queued, with no human action required: the
// crash/context-exhaustion failure modes always recover automatically
// (spec.md §4.8 step 1/3, §4.9), unlike acceptance failure which stays
// Blocked until a human retries. pendingSignal ("recovery" or "context") is
// stamped onto the stage so the next dispatch picks the matching signal
// type once it reaches the front of the queue.
func (d *Daemon) requeueForHandoff(stageID string, reason statemachine.Reason, pendingSignal string) {
	s, err := d.stages.Load(stageID)
	if err != nil {
		d.logger.Printf("stage %s: requeue: loading: %v", stageID, err)
		return
	}
	s.PendingSignal = pendingSignal
	if err := d.stages.SaveNext(s); err != nil {
		d.logger.Printf("stage %s: requeue: recording pending signal: %v", stageID, err)
		return
	}
	if _, err := d.machine.Transition(stageID, statemachine.NeedsHandoff, reason); err != nil {
		d.logger.Printf("stage %s: transition to handoff: %v", stageID, err)
		return
	}
	if _, err := d.machine.Transition(stageID, statemachine.Queued, reason); err != nil {
		d.logger.Printf("stage %s: requeue after handoff: %v", stageID, err)
	}
}

// broadcastTransition fans a StateMachine transition out to every
// connected status subscriber, best-effort: a slow or gone subscriber
// never blocks the orchestration loop.
func (d *Daemon) broadcastTransition(ev statemachine.TransitionEvent) {
	d.logger.Printf("transition: %s %s -> %s (%s)", ev.StageID, ev.From, ev.To, ev.Reason)

	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for ch := range d.subs {
		select {
		case ch <- payload:
		default: // subscriber too slow; drop rather than block
		}
	}
}
