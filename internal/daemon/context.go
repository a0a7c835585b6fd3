package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loom-dev/loom/internal/stagestore"
)

// buildContext assembles the embedded context snapshot a stage's signal
// carries: every knowledge doc, the latest handoff (if any), and a
// structural project map (spec.md §4.3). Isolated worktrees can't follow a
// symlink back into the main repo, so this is inlined into the signal
// rather than referenced.
func (d *Daemon) buildContext(s *stagestore.Stage) string {
	var b strings.Builder

	if docs := d.knowledgeDocs(); docs != "" {
		b.WriteString("### Knowledge\n\n")
		b.WriteString(docs)
	}

	if handoff := d.latestHandoff(); handoff != "" {
		b.WriteString("### Latest handoff\n\n")
		b.WriteString(handoff)
		b.WriteString("\n\n")
	}

	b.WriteString("### Project map\n\n")
	b.WriteString(d.projectMap(s))

	return b.String()
}

// knowledgeDocs concatenates every doc under .work/knowledge/, sorted by
// filename for a stable snapshot.
func (d *Daemon) knowledgeDocs() string {
	dir := filepath.Join(d.cfg.WorkDir, "knowledge")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name)) //nolint:gosec // G304: path built from the knowledge directory listing
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "#### %s\n\n%s\n\n", name, strings.TrimSpace(string(data)))
	}
	return b.String()
}

// latestHandoff returns the most recent handoff doc under .work/handoffs/,
// if any. Handoff filenames are date-prefixed, so a lexical sort puts the
// latest last.
func (d *Daemon) latestHandoff() string {
	dir := filepath.Join(d.cfg.WorkDir, "handoffs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	data, err := os.ReadFile(filepath.Join(dir, names[len(names)-1])) //nolint:gosec // G304: path built from the handoffs directory listing
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// projectMap renders a flat, sorted listing of every file under the
// stage's working directory relative to the repo root, skipping VCS and
// Loom's own state directories — a cheap structural map an isolated
// worktree's agent can't otherwise see.
func (d *Daemon) projectMap(s *stagestore.Stage) string {
	root := d.cfg.RepoRoot
	if s.WorkingDir != "" {
		root = filepath.Join(d.cfg.RepoRoot, s.WorkingDir)
	}

	var paths []string
	_ = filepath.WalkDir(root, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(d.cfg.RepoRoot, path)
		if relErr != nil || rel == "." {
			return nil
		}
		base := entry.Name()
		if entry.IsDir() && (base == ".git" || base == ".work" || base == "node_modules") {
			return filepath.SkipDir
		}
		if !entry.IsDir() {
			paths = append(paths, rel)
		}
		return nil
	})
	sort.Strings(paths)
	return strings.Join(paths, "\n")
}
