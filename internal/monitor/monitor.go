// Package monitor implements the single polling loop that watches the
// .work/ filesystem tree for status changes, stale heartbeats, context
// exhaustion, and missing signals, emitting events for the DaemonServer's
// orchestration loop to react to. Grounded on the teacher's
// internal/witness/manager.go liveness model (distinguishing "session
// alive" from "agent actually producing progress") and
// internal/tui/feed/stuck.go's priority-ordered health-state enum.
package monitor

import (
	"time"

	"github.com/loom-dev/loom/internal/signalbus"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

// DefaultCrashThreshold is how long a heartbeat may go stale before the
// stage's session is declared crashed. Boundary: strict >, so a heartbeat
// exactly at the threshold does not trigger a crash (spec.md §8).
const DefaultCrashThreshold = 120 * time.Second

// ContextCriticalPercent is the context-usage level that triggers a
// handoff. Boundary: inclusive >=, so exactly 75 does trigger it.
const ContextCriticalPercent = 75

// EventKind tags a Monitor event.
type EventKind string

const (
	EventStageChanged    EventKind = "StageChanged"
	EventSessionCrashed  EventKind = "SessionCrashed"
	EventContextCritical EventKind = "ContextCritical"
	EventMissingSignal   EventKind = "MissingSignal"
)

// Event is one observation emitted by a Monitor tick. Within a tick,
// events are emitted in stable stage order; across ticks, by wall clock —
// the DaemonServer processes them in the order received (FIFO).
type Event struct {
	Kind           EventKind
	StageID        string
	PreviousStatus statemachine.Status
	NewStatus      statemachine.Status
	ContextPercent int
	Reason         string
}

// Monitor polls the filesystem on a fixed interval and diffs it against
// its last-seen snapshot. It runs cooperatively on a single goroutine; it
// never fans out.
type Monitor struct {
	stages         *stagestore.Store
	heartbeatDir   string
	signals        *signalbus.Bus
	crashThreshold time.Duration

	lastSnapshot map[string]*stagestore.Stage
	now          func() time.Time
}

// New creates a Monitor over the given stores. now defaults to time.Now
// and is overridable so tests can simulate the passage of time around the
// crash/context thresholds precisely.
func New(stages *stagestore.Store, heartbeatDir string, signals *signalbus.Bus) *Monitor {
	return &Monitor{
		stages:         stages,
		heartbeatDir:   heartbeatDir,
		signals:        signals,
		crashThreshold: DefaultCrashThreshold,
		lastSnapshot:   make(map[string]*stagestore.Stage),
		now:            time.Now,
	}
}

// SetCrashThreshold overrides the default 120s crash threshold.
func (m *Monitor) SetCrashThreshold(d time.Duration) { m.crashThreshold = d }

// SetClock overrides the time source (test seam).
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Tick performs one polling pass: load all stages, diff against the last
// snapshot, check heartbeats for Executing stages, and check for missing
// signals on Queued stages. Returned events are stably ordered by stage
// declaration order (ordinal).
func (m *Monitor) Tick() ([]Event, error) {
	stages, err := m.stages.ListAll()
	if err != nil {
		return nil, err
	}

	var events []Event
	seen := make(map[string]*stagestore.Stage, len(stages))

	for _, s := range stages {
		seen[s.ID] = s

		if prev, ok := m.lastSnapshot[s.ID]; ok {
			if prev.Status != s.Status {
				events = append(events, Event{
					Kind:           EventStageChanged,
					StageID:        s.ID,
					PreviousStatus: prev.Status,
					NewStatus:      s.Status,
				})
			}
		}

		switch s.Status {
		case statemachine.Executing:
			events = append(events, m.checkHeartbeat(s)...)
		case statemachine.Queued:
			if m.signals != nil && !m.signals.Has(s.ID) {
				events = append(events, Event{Kind: EventMissingSignal, StageID: s.ID})
			}
		}
	}

	m.lastSnapshot = seen
	return events, nil
}

func (m *Monitor) checkHeartbeat(s *stagestore.Stage) []Event {
	hb, err := readHeartbeat(m.heartbeatDir, s.ID)
	if err != nil {
		return []Event{{Kind: EventSessionCrashed, StageID: s.ID, Reason: "no heartbeat file"}}
	}

	var events []Event
	age := m.now().Sub(hb.Timestamp)
	if age > m.crashThreshold { // strict >: exactly at threshold does not trigger (spec.md §8)
		events = append(events, Event{Kind: EventSessionCrashed, StageID: s.ID, Reason: "heartbeat stale"})
	}
	if hb.ContextPercent >= ContextCriticalPercent { // inclusive >=: exactly 75 does trigger (spec.md §8)
		events = append(events, Event{Kind: EventContextCritical, StageID: s.ID, ContextPercent: hb.ContextPercent})
	}
	return events
}
