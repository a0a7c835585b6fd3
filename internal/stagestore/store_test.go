package stagestore

import (
	"path/filepath"
	"testing"

	"github.com/loom-dev/loom/internal/statemachine"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "stages"))

	stage := NewStage("build-api", "Build API", "services/api", nil)
	stage.Ordinal = 1
	stage.Truths = []string{"server responds on :8080"}

	if err := store.Save(stage); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load("build-api")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Status != statemachine.Queued {
		t.Errorf("status = %v, want Queued (no deps)", loaded.Status)
	}
	if loaded.Version != stage.Version {
		t.Errorf("version = %d, want %d", loaded.Version, stage.Version)
	}
	if loaded.WorkingDir != "services/api" {
		t.Errorf("working_dir = %q", loaded.WorkingDir)
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "stages"))

	stage := NewStage("a", "A", ".", nil)
	stage.Ordinal = 1
	stage.Truths = []string{"t"}
	if err := store.Save(stage); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// Simulate a second writer advancing the stage first.
	onDisk, err := store.Load("a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.SaveNext(onDisk); err != nil {
		t.Fatalf("SaveNext: %v", err)
	}

	// The first writer's stale in-memory copy (still version 1) now
	// collides with on-disk version 2.
	stage.Version = 1
	if err := store.Save(stage); err == nil {
		t.Fatal("expected ErrVersionConflict, got nil")
	}
}

func TestListAllOrdersByOrdinal(t *testing.T) {
	dir := t.TempDir()
	store := New(filepath.Join(dir, "stages"))

	for i, id := range []string{"third", "first", "second"} {
		s := NewStage(id, id, ".", nil)
		s.Ordinal = []int{3, 1, 2}[i]
		s.Truths = []string{"t"}
		if err := store.Save(s); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}

	stages, err := store.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(stages) != 3 {
		t.Fatalf("got %d stages, want 3", len(stages))
	}
	want := []string{"first", "second", "third"}
	for i, s := range stages {
		if s.ID != want[i] {
			t.Errorf("stages[%d].ID = %q, want %q", i, s.ID, want[i])
		}
	}
}

func TestParseFromMarkdownRejectsUnknownKeys(t *testing.T) {
	data := []byte("---\nid: a\nworking_dir: .\nstatus: Queued\nversion: 1\ntruths: [t]\nbogus_key: true\n---\n\n# A\n")
	if _, err := parseFromMarkdown("a.md", data); err == nil {
		t.Fatal("expected parse error for unknown key")
	}
}

func TestEmptyDependencyListIsImmediatelyReady(t *testing.T) {
	s := NewStage("solo", "Solo", ".", nil)
	if s.Status != statemachine.Queued {
		t.Errorf("status = %v, want Queued", s.Status)
	}
}

func TestNonEmptyDependencyListWaits(t *testing.T) {
	s := NewStage("dependent", "Dependent", ".", []string{"solo"})
	if s.Status != statemachine.WaitingForDeps {
		t.Errorf("status = %v, want WaitingForDeps", s.Status)
	}
}
