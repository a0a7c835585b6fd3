// Package stagestore persists stages as markdown files with a YAML
// front-matter block under .work/stages/NN-<stage_id>.md. It is the
// canonical store: every other in-memory structure in the daemon is a
// cache reconstructible from these files.
package stagestore

import (
	"errors"
	"fmt"

	"github.com/loom-dev/loom/internal/statemachine"
)

// Sentinel errors, matching the taxonomy in spec.md §7.
var (
	ErrNotFound        = errors.New("stage not found")
	ErrVersionConflict = errors.New("stage version conflict")
)

// ParseError carries the line and reason for a malformed stage file,
// mirroring spec.md §4.1's ParseError{line, reason}.
type ParseError struct {
	Path   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s", e.Path, e.Line, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Reason)
}

// Stage is a unit of orchestrated work with its own worktree.
type Stage struct {
	// Immutable fields, set at init and never mutated thereafter.
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	Dependencies  []string `yaml:"dependencies,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`
	Acceptance    []string `yaml:"acceptance,omitempty"`
	Files         []string `yaml:"files,omitempty"`
	WorkingDir    string   `yaml:"working_dir"`
	Truths        []string `yaml:"truths,omitempty"`
	Artifacts     []string `yaml:"artifacts,omitempty"`
	Wiring        []string `yaml:"wiring,omitempty"`

	// Mutable fields, advanced only through StateMachine.Transition.
	Status       statemachine.Status `yaml:"status"`
	Version      int                 `yaml:"version"`
	AttemptCount int                 `yaml:"attempt_count"`
	LastError    string              `yaml:"last_error,omitempty"`
	WorktreePath string              `yaml:"worktree_path,omitempty"`
	BranchName   string              `yaml:"branch_name,omitempty"`
	// TargetBranch is the branch this stage's work merges back into. It is
	// resolved once, at dispatch time, from whatever is checked out in the
	// base worktree then — never re-resolved at merge time, so a later
	// checkout in the base worktree can't change where an in-flight
	// stage's work lands.
	TargetBranch string `yaml:"target_branch,omitempty"`
	SessionID    string `yaml:"session_id,omitempty"`
	Merged       bool   `yaml:"merged,omitempty"`
	Completed    bool   `yaml:"completed,omitempty"`
	// PendingSignal carries forward why a NeedsHandoff stage was last
	// requeued ("recovery" or "context"), so the next dispatch picks the
	// matching signal type (spec.md §4.9). Cleared once consumed.
	PendingSignal string `yaml:"pending_signal,omitempty"`

	// Ordinal assigned at init; determines the NN- file prefix and the
	// stable declaration order used for tie-breaking ready-stage dispatch.
	// Not part of the front-matter contract (derived from the filename),
	// so it is excluded from YAML round-tripping.
	Ordinal int `yaml:"-"`
}

// Validate checks the invariants spec.md §3 requires of a freshly parsed
// or constructed Stage. A Stage that fails Validate must never be handed
// to a caller — construction and parsing both route through this so an
// invalid Stage is unrepresentable once returned.
func (s *Stage) Validate() error {
	if s.ID == "" {
		return errors.New("stage: id is required")
	}
	if err := sanitizeID(s.ID); err != nil {
		return err
	}
	if s.WorkingDir == "" {
		return fmt.Errorf("stage %s: working_dir is required", s.ID)
	}
	if len(s.Truths) == 0 && len(s.Artifacts) == 0 && len(s.Wiring) == 0 {
		return fmt.Errorf("stage %s: at least one of truths/artifacts/wiring is required", s.ID)
	}
	if s.Status == "" {
		return fmt.Errorf("stage %s: status is required", s.ID)
	}
	return nil
}

// NewStage builds a Stage in its initial WaitingForDeps status (or Queued,
// if it has no dependencies — spec.md §8's "empty dependency list is
// immediately ready" boundary behaviour).
func NewStage(id, name, workingDir string, deps []string) *Stage {
	status := statemachine.WaitingForDeps
	if len(deps) == 0 {
		status = statemachine.Queued
	}
	return &Stage{
		ID:           id,
		Name:         name,
		WorkingDir:   workingDir,
		Dependencies: deps,
		Status:       status,
		Version:      1,
	}
}
