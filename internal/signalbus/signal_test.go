package signalbus

import (
	"path/filepath"
	"testing"
)

func TestGenerateReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bus := New(filepath.Join(dir, "signals"))

	sig := &Signal{
		StageID:    "build-api",
		SignalType: TypeStart,
		Dependencies: []DependencyRow{
			{StageID: "schema", Status: "Verified"},
		},
		Context:    "# Project map\n\nsome knowledge text",
		Tasks:      []string{"implement handler"},
		Acceptance: []string{"go test ./..."},
	}

	if err := bus.Generate(sig); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !bus.Has("build-api") {
		t.Fatal("Has returned false after Generate")
	}

	read, err := bus.Read("build-api")
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if read.StageID != sig.StageID || read.SignalType != sig.SignalType {
		t.Errorf("metadata mismatch: %+v", read)
	}
	if read.Context != sig.Context {
		t.Errorf("context mismatch:\ngot:  %q\nwant: %q", read.Context, sig.Context)
	}
	if len(read.Dependencies) != 1 || read.Dependencies[0].StageID != "schema" {
		t.Errorf("dependencies mismatch: %+v", read.Dependencies)
	}
}

func TestRemoveMeansIdle(t *testing.T) {
	dir := t.TempDir()
	bus := New(filepath.Join(dir, "signals"))

	sig := &Signal{StageID: "a", SignalType: TypeStart, Context: "x"}
	if err := bus.Generate(sig); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := bus.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if bus.Has("a") {
		t.Fatal("Has returned true after Remove")
	}
}

func TestHashContextStable(t *testing.T) {
	h1 := HashContext("same text")
	h2 := HashContext("same text")
	h3 := HashContext("different text")
	if h1 != h2 {
		t.Error("same content produced different hashes")
	}
	if h1 == h3 {
		t.Error("different content produced same hash")
	}
}
