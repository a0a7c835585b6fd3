package daemon

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loom-dev/loom/internal/session"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

// completionResult is what a background acceptance-and-merge run reports
// back to the orchestration loop. The loop is the only goroutine that
// mutates running-state bookkeeping or tears down a stage's worktree and
// terminal, keeping those operations single-writer even though the
// acceptance command itself runs off-loop.
type completionResult struct {
	stageID    string
	passed     bool
	output     string
	conflicts  []string
	mergeError error
}

// runAcceptance executes a completed stage's acceptance commands inside
// its worktree, merges on success, and reports the outcome on
// d.completionDone. It runs on its own goroutine since an acceptance
// command may run for up to cfg.AcceptanceTimeout.
func (d *Daemon) runAcceptance(stageID string) {
	s, err := d.stages.Load(stageID)
	if err != nil {
		d.completionDone <- completionResult{stageID: stageID, passed: false, output: err.Error()}
		return
	}

	var out bytes.Buffer
	passed := true
	for _, cmd := range s.Acceptance {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.AcceptanceTimeout)
		c := exec.CommandContext(ctx, "sh", "-c", cmd)
		c.Dir = s.WorktreePath
		c.Stdout = &out
		c.Stderr = &out
		runErr := c.Run()
		cancel()
		if runErr != nil {
			fmt.Fprintf(&out, "\n$ %s\nfailed: %v\n", cmd, runErr)
			passed = false
			break
		}
	}

	result := completionResult{stageID: stageID, passed: passed, output: out.String()}
	if passed {
		commitMsg := fmt.Sprintf("loom: merge stage %s", s.ID)
		merge, err := d.worktree.Merge(s.BranchName, s.TargetBranch, commitMsg)
		if err != nil {
			result.mergeError = err
		} else if len(merge.Conflicts) > 0 {
			result.conflicts = merge.Conflicts
		}
	}
	d.completionDone <- result
}

// applyCompletion runs on the orchestration loop: it transitions the
// stage per spec.md §4.9's failure semantics and, on a clean merge, tears
// down the stage's worktree and terminal session.
func (d *Daemon) applyCompletion(res completionResult) {
	s, err := d.stages.Load(res.stageID)
	if err != nil {
		d.logger.Printf("completion for unknown stage %s: %v", res.stageID, err)
		return
	}

	d.runningMu.Lock()
	delete(d.running, res.stageID)
	d.runningMu.Unlock()

	switch {
	case !res.passed:
		d.logger.Printf("stage %s: acceptance failed:\n%s", s.ID, res.output)
		d.failAndBlock(s, statemachine.ReasonAcceptanceFail)

	case res.mergeError != nil:
		d.logger.Printf("stage %s: merge error: %v", s.ID, res.mergeError)
		if _, err := d.machine.Transition(s.ID, statemachine.Blocked, statemachine.ReasonMergeConflict); err != nil {
			d.logger.Printf("stage %s: transition to blocked: %v", s.ID, err)
		}

	case len(res.conflicts) > 0:
		d.logger.Printf("stage %s: merge conflicts: %s", s.ID, strings.Join(res.conflicts, ", "))
		s.LastError = "merge conflicts: " + strings.Join(res.conflicts, ", ")
		if err := d.stages.SaveNext(s); err != nil {
			d.logger.Printf("stage %s: recording conflict: %v", s.ID, err)
		}
		if _, err := d.machine.Transition(s.ID, statemachine.Blocked, statemachine.ReasonMergeConflict); err != nil {
			d.logger.Printf("stage %s: transition to blocked: %v", s.ID, err)
		}

	default:
		s.Merged = true
		if err := d.stages.SaveNext(s); err != nil {
			d.logger.Printf("stage %s: recording merged: %v", s.ID, err)
		}
		if _, err := d.machine.Transition(s.ID, statemachine.Verified, statemachine.ReasonVerifyPass); err != nil {
			d.logger.Printf("stage %s: transition to verified: %v", s.ID, err)
			return
		}
		if err := d.terminal.CloseByTitle(session.TerminalName(s.ID)); err != nil {
			d.logger.Printf("stage %s: closing terminal: %v", s.ID, err)
		}
		if err := d.worktree.Cleanup(s.WorktreePath, s.BranchName, true); err != nil {
			d.logger.Printf("stage %s: cleanup: %v", s.ID, err)
		}
		_ = d.signals.Remove(s.ID)
	}
}

// failAndBlock transitions a stage to Blocked on acceptance failure and
// leaves it there: spec.md §4.9 requires a human to run `stage retry` or
// `stage reset` before it runs again, regardless of remaining retry
// budget. The daemon's IPC handler for those commands (handleStageAction
// in ipc_server.go) performs the actual Blocked -> Queued requeue.
func (d *Daemon) failAndBlock(s *stagestore.Stage, reason statemachine.Reason) {
	if _, err := d.machine.Transition(s.ID, statemachine.Blocked, reason); err != nil {
		d.logger.Printf("stage %s: transition to blocked: %v", s.ID, err)
	}
}
