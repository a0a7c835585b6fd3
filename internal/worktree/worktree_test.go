package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test User")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	run("add", ".")
	run("commit", "-m", "initial")

	return dir
}

func TestCreateWorktree(t *testing.T) {
	repo := initTestRepo(t)
	d := New(repo)

	wt := filepath.Join(t.TempDir(), "stage-a")
	if err := d.Create("a", "loom/a", "", wt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(wt, "README.md")); err != nil {
		t.Fatalf("worktree missing expected file: %v", err)
	}
}

func TestMergeCleanApplies(t *testing.T) {
	repo := initTestRepo(t)
	d := New(repo)

	wt := filepath.Join(t.TempDir(), "stage-a")
	if err := d.Create("a", "loom/a", "", wt); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(wt, "feature.txt"), []byte("new\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "add feature"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wt
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	result, err := d.Merge("loom/a", "main", "merge stage a")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", result.Conflicts)
	}
	if _, err := os.Stat(filepath.Join(repo, "feature.txt")); err != nil {
		t.Fatalf("merged file missing from main working copy: %v", err)
	}
}

func TestMergeConflictDetected(t *testing.T) {
	repo := initTestRepo(t)
	d := New(repo)

	wt := filepath.Join(t.TempDir(), "stage-a")
	if err := d.Create("a", "loom/a", "", wt); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Conflicting edit in the worktree branch.
	if err := os.WriteFile(filepath.Join(wt, "README.md"), []byte("# Stage A\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "stage edit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wt
		cmd.Run()
	}

	// Conflicting edit on main.
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("# Main Edit\n"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "main edit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Run()
	}

	result, err := d.Merge("loom/a", "main", "merge stage a")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(result.Conflicts) == 0 {
		t.Fatal("expected a conflict on README.md, got none")
	}
}
