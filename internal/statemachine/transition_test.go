package statemachine

import (
	"path/filepath"
	"testing"

	"github.com/loom-dev/loom/internal/stagestore"
)

func TestTransitionHappyPath(t *testing.T) {
	store := stagestore.New(t.TempDir())
	s := stagestore.NewStage("a", "A", ".", nil)
	s.Truths = []string{"t"}
	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	events := make(chan TransitionEvent, 4)
	m := New(store, events)

	if _, err := m.Transition("a", Executing, ReasonDispatched); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	got := <-events
	if got.From != Queued || got.To != Executing {
		t.Errorf("event = %+v", got)
	}
}

func TestTransitionRejectsInvalid(t *testing.T) {
	store := stagestore.New(t.TempDir())
	s := stagestore.NewStage("a", "A", ".", nil)
	s.Truths = []string{"t"}
	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m := New(store, nil)

	if _, err := m.Transition("a", Verified, ReasonVerifyPass); err == nil {
		t.Fatal("expected ErrInvalidTransition for Queued -> Verified")
	}
}

func TestTransitionIsIdempotent(t *testing.T) {
	store := stagestore.New(t.TempDir())
	s := stagestore.NewStage("a", "A", ".", nil)
	s.Truths = []string{"t"}
	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m := New(store, nil)

	got, err := m.Transition("a", Queued, ReasonDepsVerified)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != Queued {
		t.Errorf("status = %s, want Queued", got.Status)
	}
}

func TestTransitionBumpsAttemptCountOnRetry(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stages")
	store := stagestore.New(dir)
	s := stagestore.NewStage("a", "A", ".", nil)
	s.Truths = []string{"t"}
	s.Status = Blocked
	if err := store.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m := New(store, nil)

	got, err := m.Transition("a", Queued, ReasonRetry)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
}
