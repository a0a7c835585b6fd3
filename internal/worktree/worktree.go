// Package worktree implements WorktreeDriver: per-stage git worktree
// creation, conflict detection, merging, and cleanup. Adapted from the
// teacher's internal/git/git.go Git wrapper, narrowed from rig-level bare
// clones to single-worktree-per-stage lifecycle.
package worktree

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Error carries raw git output for the caller to observe, rather than
// this package trying to interpret git's stderr itself — the same
// "return raw output, let the caller decide" idiom the teacher's GitError
// uses.
type Error struct {
	Op     string
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %s", e.Op, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Driver creates, merges, and cleans up per-stage git worktrees against a
// single base repository.
type Driver struct {
	repoRoot string
}

// New returns a Driver operating against the repository at repoRoot (the
// main working copy, not a worktree).
func New(repoRoot string) *Driver {
	return &Driver{repoRoot: repoRoot}
}

func (d *Driver) run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	if dir != "" {
		cmd.Dir = dir
	} else {
		cmd.Dir = d.repoRoot
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		op := ""
		for _, a := range args {
			if !strings.HasPrefix(a, "-") {
				op = a
				break
			}
		}
		return "", &Error{Op: op, Args: args, Stdout: stdout.String(), Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CurrentBranch returns the branch currently checked out in the main
// working copy. Merges target whatever this returns at dispatch time —
// spec.md §4.4/§9's resolved merge-target-ambiguity decision: there is no
// fixed "main", and no per-stage target-branch tracking across a moved
// base branch.
func (d *Driver) CurrentBranch() (string, error) {
	return d.run(d.repoRoot, "rev-parse", "--abbrev-ref", "HEAD")
}

// Create provisions a worktree for a stage at worktreePath on a new
// branch, created from baseCommit. Isolated via a temp-dir clone step is
// unnecessary here (unlike the teacher's remote Clone, this is a local
// `git worktree add`, which is already atomic with respect to the
// caller's cwd).
func (d *Driver) Create(stageID, branchName, baseCommit, worktreePath string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0755); err != nil {
		return fmt.Errorf("creating worktree parent directory: %w", err)
	}
	args := []string{"worktree", "add", "-b", branchName, worktreePath}
	if baseCommit != "" {
		args = append(args, baseCommit)
	}
	_, err := d.run(d.repoRoot, args...)
	return err
}

// MergeResult reports the outcome of a merge attempt.
type MergeResult struct {
	Conflicts []string
}

// Merge squash-merges a stage's worktree branch into targetBranch,
// checked out in the main working copy. It first runs a conflict-only
// dry run (CheckConflicts) so a conflicting merge never touches the
// working tree — the caller transitions the stage to Blocked without the
// worktree or main checkout being left mid-merge.
func (d *Driver) Merge(branchName, targetBranch, commitMessage string) (*MergeResult, error) {
	conflicts, err := d.CheckConflicts(branchName, targetBranch)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return &MergeResult{Conflicts: conflicts}, nil
	}

	if _, err := d.run(d.repoRoot, "checkout", targetBranch); err != nil {
		return nil, err
	}
	if _, err := d.run(d.repoRoot, "merge", "--squash", branchName); err != nil {
		return nil, err
	}
	if _, err := d.run(d.repoRoot, "commit", "-m", commitMessage); err != nil {
		return nil, err
	}
	return &MergeResult{}, nil
}

// CheckConflicts performs a test merge to detect conflicts without
// committing, exactly the teacher's pattern: checkout target, attempt
// `merge --no-commit --no-ff`, and on failure enumerate unmerged files via
// `git diff --diff-filter=U` rather than parsing merge stderr (ZFC: raw
// porcelain output, not an interpreted error string). The merge is always
// aborted or reset afterward so the working tree is left exactly as found.
func (d *Driver) CheckConflicts(source, target string) ([]string, error) {
	if _, err := d.run(d.repoRoot, "checkout", target); err != nil {
		return nil, fmt.Errorf("checkout target %s: %w", target, err)
	}

	_, mergeErr := d.run(d.repoRoot, "merge", "--no-commit", "--no-ff", source)
	if mergeErr != nil {
		conflicts, err := d.conflictingFiles()
		if err == nil && len(conflicts) > 0 {
			_, _ = d.run(d.repoRoot, "merge", "--abort")
			return conflicts, nil
		}
		_, _ = d.run(d.repoRoot, "merge", "--abort")
		return nil, mergeErr
	}

	_, _ = d.run(d.repoRoot, "reset", "--hard", "HEAD")
	return nil, nil
}

func (d *Driver) conflictingFiles() ([]string, error) {
	out, err := d.run(d.repoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, f := range strings.Split(out, "\n") {
		if f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// Cleanup removes a stage's worktree and, if the stage's branch was
// merged, deletes the branch too.
func (d *Driver) Cleanup(worktreePath, branchName string, merged bool) error {
	if _, err := d.run(d.repoRoot, "worktree", "remove", worktreePath, "--force"); err != nil {
		return err
	}
	if merged {
		if _, err := d.run(d.repoRoot, "branch", "-D", branchName); err != nil {
			return err
		}
	}
	return nil
}
