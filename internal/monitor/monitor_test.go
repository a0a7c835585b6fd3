package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loom-dev/loom/internal/signalbus"
	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

func writeHeartbeat(t *testing.T, dir, stageID string, ts time.Time, percent int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	hb := Heartbeat{StageID: stageID, Timestamp: ts, ContextPercent: percent}
	data, err := json.Marshal(hb)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stageID+".json"), data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestCrashDetectionStrictlyAfterThreshold(t *testing.T) {
	dir := t.TempDir()
	stages := stagestore.New(filepath.Join(dir, "stages"))
	hbDir := filepath.Join(dir, "heartbeat")

	s := stagestore.NewStage("a", "A", ".", nil)
	s.Ordinal = 1
	s.Truths = []string{"t"}
	s.Status = statemachine.Executing
	if err := stages.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fixedNow := time.Date(2026, 1, 1, 0, 2, 0, 0, time.UTC)
	writeHeartbeat(t, hbDir, "a", fixedNow.Add(-120*time.Second), 10)

	m := New(stages, hbDir, signalbus.New(filepath.Join(dir, "signals")))
	m.SetClock(func() time.Time { return fixedNow })

	events, err := m.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for _, e := range events {
		if e.Kind == EventSessionCrashed {
			t.Fatalf("heartbeat exactly at threshold must not crash, got %+v", e)
		}
	}
}

func TestCrashDetectionPastThreshold(t *testing.T) {
	dir := t.TempDir()
	stages := stagestore.New(filepath.Join(dir, "stages"))
	hbDir := filepath.Join(dir, "heartbeat")

	s := stagestore.NewStage("a", "A", ".", nil)
	s.Ordinal = 1
	s.Truths = []string{"t"}
	s.Status = statemachine.Executing
	if err := stages.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fixedNow := time.Date(2026, 1, 1, 0, 2, 1, 0, time.UTC)
	writeHeartbeat(t, hbDir, "a", fixedNow.Add(-121*time.Second), 10)

	m := New(stages, hbDir, signalbus.New(filepath.Join(dir, "signals")))
	m.SetClock(func() time.Time { return fixedNow })

	events, err := m.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == EventSessionCrashed {
			found = true
		}
	}
	if !found {
		t.Fatal("expected SessionCrashed event")
	}
}

func TestContextCriticalInclusiveAtThreshold(t *testing.T) {
	dir := t.TempDir()
	stages := stagestore.New(filepath.Join(dir, "stages"))
	hbDir := filepath.Join(dir, "heartbeat")

	s := stagestore.NewStage("a", "A", ".", nil)
	s.Ordinal = 1
	s.Truths = []string{"t"}
	s.Status = statemachine.Executing
	if err := stages.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	now := time.Now()
	writeHeartbeat(t, hbDir, "a", now, 75)

	m := New(stages, hbDir, signalbus.New(filepath.Join(dir, "signals")))
	events, err := m.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == EventContextCritical {
			found = true
		}
	}
	if !found {
		t.Fatal("expected ContextCritical at exactly 75%")
	}
}

func TestMissingSignalForQueuedStage(t *testing.T) {
	dir := t.TempDir()
	stages := stagestore.New(filepath.Join(dir, "stages"))

	s := stagestore.NewStage("a", "A", ".", nil) // no deps -> Queued
	s.Ordinal = 1
	s.Truths = []string{"t"}
	if err := stages.Save(s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m := New(stages, filepath.Join(dir, "heartbeat"), signalbus.New(filepath.Join(dir, "signals")))
	events, err := m.Tick()
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	found := false
	for _, e := range events {
		if e.Kind == EventMissingSignal && e.StageID == "a" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected MissingSignal for Queued stage with no signal file")
	}
}
