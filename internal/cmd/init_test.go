package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const cyclicPlan = `# Cyclic plan

<!-- loom METADATA -->
loom:
  version: 1
  stages:
    - id: a
      name: A
      working_dir: .
      dependencies: [b]
      truths: ["t"]
    - id: b
      name: B
      working_dir: .
      dependencies: [a]
      truths: ["t"]
<!-- END loom METADATA -->
`

func TestRunInitRejectsCyclicPlan(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	planPath := filepath.Join(dir, "plan.md")
	if err := os.WriteFile(planPath, []byte(cyclicPlan), 0644); err != nil {
		t.Fatalf("writing plan: %v", err)
	}

	cmd := initCmd
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := runInit(cmd, []string{planPath})
	if err == nil {
		t.Fatal("expected error for cyclic plan")
	}

	var coded exitCoder
	if !errors.As(err, &coded) {
		t.Fatalf("error does not carry an exit code: %v", err)
	}
	if coded.ExitCode() != ExitInvalidUsage {
		t.Errorf("exit code = %d, want %d (ExitInvalidUsage)", coded.ExitCode(), ExitInvalidUsage)
	}

	stagesDir := filepath.Join(dir, workDirFlag, "stages")
	entries, statErr := os.ReadDir(stagesDir)
	if statErr == nil && len(entries) > 0 {
		t.Errorf("expected no files written under %s, found %d", stagesDir, len(entries))
	}
}
