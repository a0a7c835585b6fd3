package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loom-dev/loom/internal/config"
	"github.com/loom-dev/loom/internal/session"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

func hasTmux() bool {
	_, err := exec.LookPath("tmux")
	return err == nil
}

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

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	repo := initTestRepo(t)
	workDir := filepath.Join(repo, ".work")
	cfg := config.Default(repo, workDir)

	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestDispatchReadyRespectsConcurrencyCap(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	d := newTestDaemon(t)
	d.cfg.MaxConcurrentStages = 1

	a := stagestore.NewStage("a", "A", ".", nil)
	a.Truths = []string{"a done"}
	b := stagestore.NewStage("b", "B", ".", nil)
	b.Truths = []string{"b done"}
	if err := d.stages.Save(a); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := d.stages.Save(b); err != nil {
		t.Fatalf("save b: %v", err)
	}

	if err := d.dispatchReady(); err != nil {
		t.Fatalf("dispatchReady: %v", err)
	}

	stages, err := d.stages.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	executing, queued := 0, 0
	for _, s := range stages {
		switch s.Status {
		case statemachine.Executing:
			executing++
		case statemachine.Queued:
			queued++
		}
	}
	if executing != 1 {
		t.Errorf("executing = %d, want 1", executing)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1", queued)
	}
}

func TestRecoverRequeuesStageWithNoLiveTerminal(t *testing.T) {
	d := newTestDaemon(t)

	s := stagestore.NewStage("orphan", "Orphan", ".", nil)
	s.Truths = []string{"orphan done"}
	s.Status = statemachine.Executing
	if err := d.stages.Save(s); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := d.recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, err := d.stages.Load("orphan")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != statemachine.Queued {
		t.Errorf("status = %s, want Queued", got.Status)
	}
	// The requeue must have passed through NeedsHandoff, not straight
	// Executing -> Queued, and must bump attempt_count the same way a crash
	// recovery does (spec.md §8.3).
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	// The requeue stamps "recovery"; only the next dispatch consumes it.
	if got.PendingSignal != "recovery" {
		t.Errorf("pending_signal = %q, want %q", got.PendingSignal, "recovery")
	}
}

func TestRecoverLeavesLiveTerminalExecuting(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	d := newTestDaemon(t)

	s := stagestore.NewStage("alive", "Alive", ".", nil)
	s.Truths = []string{"done"}
	s.Status = statemachine.Executing
	if err := d.stages.Save(s); err != nil {
		t.Fatalf("save: %v", err)
	}

	termName := session.TerminalName("alive")
	if _, err := d.terminal.Spawn(termName, d.cfg.RepoRoot, "sleep 60", nil); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() { _ = d.terminal.CloseByTitle(termName) }()

	if err := d.recover(); err != nil {
		t.Fatalf("recover: %v", err)
	}

	got, err := d.stages.Load("alive")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != statemachine.Executing {
		t.Errorf("status = %s, want Executing (terminal still alive)", got.Status)
	}
}
