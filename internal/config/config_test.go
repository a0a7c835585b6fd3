package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	c := Default(dir, filepath.Join(dir, ".work"))
	c.MaxConcurrentStages = 4

	if err := Save(path, c); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MaxConcurrentStages != 4 {
		t.Errorf("max_concurrent_stages = %d, want 4", loaded.MaxConcurrentStages)
	}
	if loaded.CrashThreshold != c.CrashThreshold {
		t.Errorf("crash_threshold = %v, want %v", loaded.CrashThreshold, c.CrashThreshold)
	}
}

func TestLoadMissingFileReturnsNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	c := Default(dir, filepath.Join(dir, ".work"))
	c.Version = CurrentVersion + 1
	// Save refuses a version it does not understand, so write the file
	// directly.
	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected ErrInvalidVersion")
	}
}
