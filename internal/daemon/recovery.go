package daemon

import (
	"fmt"

	"github.com/loom-dev/loom/internal/session"
	"github.com/loom-dev/loom/internal/statemachine"
)

// recover runs once at startup, before the orchestration loop or IPC
// listener are live. A prior daemon run may have died mid-flight leaving
// stages Executing with no terminal session behind them; those are
// unrecoverable in place and are requeued through NeedsHandoff -> Queued,
// the same automatic path a mid-run crash takes (spec.md §4.8 step 1,
// §4.9), so the dispatch loop picks them back up cleanly. This mirrors the
// teacher's PID-file-plus-liveness-check recovery idiom, generalized from
// "is the town's tmux session for this rig still alive" to "is this
// stage's terminal session still alive."
func (d *Daemon) recover() error {
	stages, err := d.stages.ListAll()
	if err != nil {
		return fmt.Errorf("listing stages: %w", err)
	}

	for _, s := range stages {
		if s.Status != statemachine.Executing {
			continue
		}

		termName := session.TerminalName(s.ID)
		alive, err := d.terminal.HasSession(termName)
		if err != nil {
			d.logger.Printf("stage %s: recovery: checking terminal: %v", s.ID, err)
		}
		if alive {
			d.logger.Printf("stage %s: recovery: terminal still alive, leaving Executing", s.ID)
			d.runningMu.Lock()
			d.running[s.ID] = 1
			d.runningMu.Unlock()
			continue
		}

		d.logger.Printf("stage %s: recovery: no live terminal, requeuing", s.ID)
		d.requeueForHandoff(s.ID, statemachine.ReasonRecoveryQueued, "recovery")
	}
	return nil
}
