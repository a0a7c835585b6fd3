// Package signalbus writes and reads per-stage "signal" files: the work
// assignment a stage's next agent session reads on start. Signals embed a
// full context snapshot rather than relying on symlinks, since isolated
// worktrees cannot reliably follow links back into the main repo.
package signalbus

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Type is why a signal was issued.
type Type string

const (
	TypeStart    Type = "start"
	TypeRetry    Type = "retry"
	TypeMerge    Type = "merge"
	TypeRecovery Type = "recovery"
	TypeContext  Type = "context"
)

// DependencyRow is one row of a signal's dependency status table.
type DependencyRow struct {
	StageID     string     `yaml:"stage_id"`
	Status      string     `yaml:"status"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
}

// meta is the YAML block embedded in a signal file, fenced by HTML
// comments the same way spec.md §6 fences plan metadata.
type meta struct {
	StageID      string          `yaml:"stage_id"`
	SignalType   Type            `yaml:"signal_type"`
	Dependencies []DependencyRow `yaml:"dependencies,omitempty"`
	SnapshotHash string          `yaml:"snapshot_hash,omitempty"`
}

// Signal is a work assignment for the next agent to claim a stage.
type Signal struct {
	StageID      string
	SignalType   Type
	Dependencies []DependencyRow
	Context      string // embedded knowledge docs + handoff + project map
	Tasks        []string
	FilesInScope []string // glob-expanded from the stage's `files` patterns
	Acceptance   []string
	GoalBackward []string // truths/artifacts/wiring checklist lines
	SnapshotHash string
}

const (
	metaStart = "<!-- loom:signal"
	metaEnd   = "-->"
)

// Bus writes signal files under a .work/signals directory.
type Bus struct {
	dir string
}

func New(dir string) *Bus {
	return &Bus{dir: dir}
}

func (b *Bus) path(stageID string) string {
	return filepath.Join(b.dir, stageID+".md")
}

// HashContext content-addresses a context snapshot with blake3; Generate
// records the result as the signal's snapshot_hash, so two snapshots can
// be compared by hash instead of by their full embedded text.
func HashContext(text string) string {
	sum := blake3.Sum256([]byte(text))
	return fmt.Sprintf("%x", sum)
}

// Generate renders and atomically writes a signal for a stage.
func (b *Bus) Generate(sig *Signal) error {
	if sig.SnapshotHash == "" {
		sig.SnapshotHash = HashContext(sig.Context)
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("creating signals directory: %w", err)
	}

	m := meta{
		StageID:      sig.StageID,
		SignalType:   sig.SignalType,
		Dependencies: sig.Dependencies,
		SnapshotHash: sig.SnapshotHash,
	}
	fm, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshalling signal metadata: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(metaStart)
	buf.WriteByte('\n')
	buf.Write(fm)
	buf.WriteString(metaEnd)
	buf.WriteString("\n\n")

	fmt.Fprintf(&buf, "# Signal: %s (%s)\n\n", sig.StageID, sig.SignalType)

	if len(sig.Dependencies) > 0 {
		buf.WriteString("## Dependencies\n\n| stage | status | completed_at |\n|---|---|---|\n")
		for _, d := range sig.Dependencies {
			completed := ""
			if d.CompletedAt != nil {
				completed = d.CompletedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(&buf, "| %s | %s | %s |\n", d.StageID, d.Status, completed)
		}
		buf.WriteByte('\n')
	}

	if len(sig.Tasks) > 0 {
		buf.WriteString("## Immediate tasks\n\n")
		for _, t := range sig.Tasks {
			fmt.Fprintf(&buf, "- %s\n", t)
		}
		buf.WriteByte('\n')
	}

	if len(sig.FilesInScope) > 0 {
		buf.WriteString("## Files in scope\n\n")
		for _, f := range sig.FilesInScope {
			fmt.Fprintf(&buf, "- `%s`\n", f)
		}
		buf.WriteByte('\n')
	}

	if len(sig.Acceptance) > 0 {
		buf.WriteString("## Acceptance checklist\n\n")
		for _, a := range sig.Acceptance {
			fmt.Fprintf(&buf, "- [ ] `%s`\n", a)
		}
		buf.WriteByte('\n')
	}

	if len(sig.GoalBackward) > 0 {
		buf.WriteString("## Goal-backward checks\n\n")
		for _, g := range sig.GoalBackward {
			fmt.Fprintf(&buf, "- [ ] %s\n", g)
		}
		buf.WriteByte('\n')
	}

	buf.WriteString("## Memory\n\nRecord durable learnings in the plan's knowledge docs. " +
		"`knowledge update` is forbidden from implementation stages — it is reserved for the knowledge-maintenance workflow, not a completion shortcut.\n\n")

	buf.WriteString("## Context snapshot\n\n")
	buf.WriteString(sig.Context)
	buf.WriteByte('\n')

	return atomicWrite(b.path(sig.StageID), buf.Bytes())
}

// Read parses a previously written signal file back into its metadata and
// context snapshot. Field-by-field equivalence with the generated Signal is
// what spec.md §8's round-trip law requires — not byte-for-byte.
func (b *Bus) Read(stageID string) (*Signal, error) {
	data, err := os.ReadFile(b.path(stageID)) //nolint:gosec // G304: path built from internal signals directory
	if err != nil {
		return nil, fmt.Errorf("reading signal: %w", err)
	}
	text := string(data)

	start := strings.Index(text, metaStart)
	end := strings.Index(text, metaEnd)
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("signal %s: malformed metadata block", stageID)
	}
	fm := text[start+len(metaStart) : end]

	var m meta
	if err := yaml.Unmarshal([]byte(fm), &m); err != nil {
		return nil, fmt.Errorf("signal %s: %w", stageID, err)
	}

	snapIdx := strings.Index(text, "## Context snapshot\n\n")
	context := ""
	if snapIdx != -1 {
		context = strings.TrimSuffix(text[snapIdx+len("## Context snapshot\n\n"):], "\n")
	}

	return &Signal{
		StageID:      m.StageID,
		SignalType:   m.SignalType,
		Dependencies: m.Dependencies,
		Context:      context,
		SnapshotHash: m.SnapshotHash,
	}, nil
}

// Remove deletes a stage's signal file; absence means idle (spec.md §3).
func (b *Bus) Remove(stageID string) error {
	err := os.Remove(b.path(stageID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing signal: %w", err)
	}
	return nil
}

// List returns the stage_ids of every stage with a pending signal.
func (b *Bus) List() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading signals directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".md") {
			ids = append(ids, strings.TrimSuffix(e.Name(), ".md"))
		}
	}
	return ids, nil
}

// Has reports whether a stage currently has a pending signal.
func (b *Bus) Has(stageID string) bool {
	_, err := os.Stat(b.path(stageID))
	return err == nil
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-signal-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}
