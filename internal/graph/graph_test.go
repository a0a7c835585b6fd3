package graph

import (
	"testing"

	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

func mkStage(id string, ordinal int, deps ...string) *stagestore.Stage {
	s := stagestore.NewStage(id, id, ".", deps)
	s.Ordinal = ordinal
	s.Truths = []string{"t"}
	// NewStage makes a stage with no deps Queued already; ReadyStages
	// only considers WaitingForDeps stages, so start every fixture there.
	s.Status = statemachine.WaitingForDeps
	return s
}

func TestTwoParallelThenJoin(t *testing.T) {
	a := mkStage("a", 1)
	b := mkStage("b", 2)
	c := mkStage("c", 3, "a", "b")

	g, err := Build([]*stagestore.Stage{a, b, c})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	ready := g.ReadyStages()
	if len(ready) != 2 {
		t.Fatalf("ready = %d stages, want 2 (a, b)", len(ready))
	}

	a.Status = statemachine.Verified
	b.Status = statemachine.Verified
	ready = g.ReadyStages()
	if len(ready) != 1 || ready[0].ID != "c" {
		t.Fatalf("after a,b verified: ready = %v, want [c]", ready)
	}
}

func TestCycleRejection(t *testing.T) {
	a := mkStage("a", 1, "b")
	b := mkStage("b", 2, "c")
	c := mkStage("c", 3, "a")

	_, err := Build([]*stagestore.Stage{a, b, c})
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycleErr *CycleError
	if ce, ok := err.(*CycleError); ok {
		cycleErr = ce
	} else {
		t.Fatalf("error is not *CycleError: %v", err)
	}
	if cycleErr.Path[0] != cycleErr.Path[len(cycleErr.Path)-1] {
		t.Errorf("cycle path %v does not revisit its start", cycleErr.Path)
	}
}

func TestParallelGroupDispatchedTogether(t *testing.T) {
	a := mkStage("a", 1)
	b := mkStage("b", 2)
	a.ParallelGroup = "wave1"
	b.ParallelGroup = "wave1"

	g, err := Build([]*stagestore.Stage{a, b})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ready := g.ReadyStages()
	if len(ready) != 2 {
		t.Fatalf("ready = %d, want 2", len(ready))
	}
}

func TestParallelGroupWithNoSiblingsDispatchesNormally(t *testing.T) {
	a := mkStage("solo", 1)
	a.ParallelGroup = "lonely"

	g, err := Build([]*stagestore.Stage{a})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ready := g.ReadyStages()
	if len(ready) != 1 || ready[0].ID != "solo" {
		t.Fatalf("ready = %v, want [solo]", ready)
	}
}

func TestTopologicalLevels(t *testing.T) {
	a := mkStage("a", 1)
	b := mkStage("b", 2)
	c := mkStage("c", 3, "a", "b")

	g, err := Build([]*stagestore.Stage{a, b, c})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	levels := g.TopologicalLevels()
	if len(levels) != 2 {
		t.Fatalf("levels = %d, want 2", len(levels))
	}
	if len(levels[0]) != 2 || len(levels[1]) != 1 {
		t.Fatalf("level sizes = %v", []int{len(levels[0]), len(levels[1])})
	}
}

func TestDependentsOf(t *testing.T) {
	a := mkStage("a", 1)
	b := mkStage("b", 2, "a")
	c := mkStage("c", 3, "a")

	g, err := Build([]*stagestore.Stage{a, b, c})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	deps := g.DependentsOf("a")
	if len(deps) != 2 {
		t.Fatalf("dependents = %d, want 2", len(deps))
	}
}
