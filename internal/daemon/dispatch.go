package daemon

import (
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loom-dev/loom/internal/session"
	"github.com/loom-dev/loom/internal/signalbus"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

// concurrencyCap returns the configured MaxConcurrentStages, or no cap
// (math.MaxInt) when it is 0.
func (d *Daemon) concurrencyCap() int {
	if d.cfg.MaxConcurrentStages > 0 {
		return d.cfg.MaxConcurrentStages
	}
	return math.MaxInt
}

// dispatchReady runs one dispatch tick: promote newly-ready stages from
// WaitingForDeps to Queued, then start as many Queued stages as the
// concurrency cap allows, in (parallel_group, declaration_order).
func (d *Daemon) dispatchReady() error {
	g, err := d.currentGraph()
	if err != nil {
		return err
	}

	for _, s := range g.ReadyStages() {
		if _, err := d.machine.Transition(s.ID, statemachine.Queued, statemachine.ReasonDepsVerified); err != nil {
			d.logger.Printf("stage %s: promote to queued: %v", s.ID, err)
		}
	}

	stages, err := d.stages.ListAll()
	if err != nil {
		return err
	}

	d.runningMu.Lock()
	active := 0
	for _, n := range d.running {
		active += n
	}
	d.runningMu.Unlock()

	maxActive := d.concurrencyCap()
	var queued []*stagestore.Stage
	for _, s := range stages {
		if s.Status == statemachine.Queued {
			queued = append(queued, s)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		gi, gj := queued[i].ParallelGroup, queued[j].ParallelGroup
		if gi != gj {
			if gi == "" {
				return false
			}
			if gj == "" {
				return true
			}
			return gi < gj
		}
		return queued[i].Ordinal < queued[j].Ordinal
	})

	for _, s := range queued {
		if active >= maxActive {
			break
		}
		if err := d.startStage(s); err != nil {
			d.logger.Printf("stage %s: start: %v", s.ID, err)
			continue
		}
		active++
	}
	return nil
}

// startStage provisions the stage's worktree (unless a prior attempt
// already left one behind), writes its signal, spawns its terminal
// session, and transitions it to Executing.
func (d *Daemon) startStage(s *stagestore.Stage) error {
	worktreePath := s.WorktreePath
	branchName := s.BranchName
	targetBranch := s.TargetBranch

	if worktreePath == "" {
		var err error
		targetBranch, err = d.worktree.CurrentBranch()
		if err != nil {
			return fmt.Errorf("resolving target branch: %w", err)
		}
		branchName = "loom/" + s.ID
		worktreePath = filepath.Join(d.cfg.WorkDir, "worktrees", s.ID)
		if err := d.worktree.Create(s.ID, branchName, targetBranch, worktreePath); err != nil {
			return fmt.Errorf("creating worktree: %w", err)
		}
	} else {
		d.logger.Printf("stage %s: reusing existing worktree %s", s.ID, worktreePath)
	}

	sess := session.New(s.ID, session.TypeImplementation)

	filesInScope, err := s.ExpandFiles(d.cfg.RepoRoot)
	if err != nil {
		d.logger.Printf("stage %s: expanding files: %v", s.ID, err)
	}

	sig := &signalbus.Signal{
		StageID:      s.ID,
		SignalType:   signalTypeFor(s),
		Dependencies: d.dependencyRows(s),
		Context:      d.buildContext(s),
		Tasks:        tasksFromDescription(s.Description),
		FilesInScope: filesInScope,
		Acceptance:   s.Acceptance,
		GoalBackward: goalBackward(s),
	}
	if err := d.signals.Generate(sig); err != nil {
		return fmt.Errorf("writing signal: %w", err)
	}

	env := map[string]string{
		"LOOM_STAGE_ID":      s.ID,
		"LOOM_SESSION_ID":    sess.SessionID,
		"LOOM_WORK_DIR":      d.cfg.WorkDir,
		"LOOM_WORKTREE_PATH": worktreePath,
	}
	termName := session.TerminalName(s.ID)
	if _, err := d.terminal.Spawn(termName, worktreePath, loomAgentCommand, env); err != nil {
		return fmt.Errorf("spawning terminal: %w", err)
	}

	s.WorktreePath = worktreePath
	s.BranchName = branchName
	s.TargetBranch = targetBranch
	s.SessionID = sess.SessionID
	s.PendingSignal = ""
	if err := d.stages.SaveNext(s); err != nil {
		return fmt.Errorf("persisting stage fields: %w", err)
	}

	if _, err := d.machine.Transition(s.ID, statemachine.Executing, statemachine.ReasonDispatched); err != nil {
		return err
	}

	d.runningMu.Lock()
	d.running[s.ID] = 1
	d.runningMu.Unlock()
	return nil
}

// loomAgentCommand is the shell command a stage's terminal session runs.
// A real deployment overrides this via the agent CLI on PATH; left as a
// placeholder invocation here since the agent binary itself is outside
// this module's scope.
const loomAgentCommand = "loom-agent"

// signalTypeFor picks the signal type spec.md §4.9 attaches to a
// redispatch: a stage coming back from an automatic handoff carries the
// pending signal its requeue stamped (recovery or context); an acceptance
// retry is a plain retry; anything else is a first dispatch.
func signalTypeFor(s *stagestore.Stage) signalbus.Type {
	switch s.PendingSignal {
	case "recovery":
		return signalbus.TypeRecovery
	case "context":
		return signalbus.TypeContext
	}
	if s.AttemptCount > 0 {
		return signalbus.TypeRetry
	}
	return signalbus.TypeStart
}

// tasksFromDescription derives a signal's immediate-task list from a
// stage's free-form description (spec.md §4.3), one task per non-blank
// line.
func tasksFromDescription(desc string) []string {
	if desc == "" {
		return nil
	}
	var tasks []string
	for _, line := range strings.Split(desc, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			tasks = append(tasks, line)
		}
	}
	return tasks
}

func (d *Daemon) dependencyRows(s *stagestore.Stage) []signalbus.DependencyRow {
	rows := make([]signalbus.DependencyRow, 0, len(s.Dependencies))
	for _, depID := range s.Dependencies {
		dep, err := d.stages.Load(depID)
		if err != nil {
			continue
		}
		rows = append(rows, signalbus.DependencyRow{StageID: dep.ID, Status: string(dep.Status)})
	}
	return rows
}

func goalBackward(s *stagestore.Stage) []string {
	var lines []string
	for _, t := range s.Truths {
		lines = append(lines, "truth: "+t)
	}
	for _, a := range s.Artifacts {
		lines = append(lines, "artifact: "+a)
	}
	for _, w := range s.Wiring {
		lines = append(lines, "wiring: "+w)
	}
	return lines
}
