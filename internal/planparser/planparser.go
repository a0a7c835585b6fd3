// Package planparser extracts a PlanDocument from a markdown plan file:
// the `<!-- loom METADATA --> ... <!-- END loom METADATA -->`-fenced YAML
// block spec.md §6 defines, read once at `init`. It is a thin, external
// collaborator per spec.md §1 — validated only deeply enough for
// ExecutionGraph to build on top of it.
package planparser

import (
	"fmt"
	"strings"

	"github.com/loom-dev/loom/internal/stagestore"
	"gopkg.in/yaml.v3"
)

const (
	metaStart = "<!-- loom METADATA -->"
	metaEnd   = "<!-- END loom METADATA -->"
)

// stageDecl is one entry of the plan metadata's loom.stages list.
type stageDecl struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description,omitempty"`
	Dependencies  []string `yaml:"dependencies,omitempty"`
	ParallelGroup string   `yaml:"parallel_group,omitempty"`
	Acceptance    []string `yaml:"acceptance,omitempty"`
	Files         []string `yaml:"files,omitempty"`
	WorkingDir    string   `yaml:"working_dir"`
	Truths        []string `yaml:"truths,omitempty"`
	Artifacts     []string `yaml:"artifacts,omitempty"`
	Wiring        []string `yaml:"wiring,omitempty"`
}

type planMeta struct {
	Loom struct {
		Version int         `yaml:"version"`
		Stages  []stageDecl `yaml:"stages"`
	} `yaml:"loom"`
}

// PlanDocument is the validated result of parsing a plan markdown file.
type PlanDocument struct {
	Version int
	Stages  []*stagestore.Stage
	// Warnings are non-fatal — e.g. two same-parallel_group stages whose
	// `files` patterns overlap. The plan is still usable; the author
	// probably didn't mean to queue them concurrently.
	Warnings []string
}

// Parse extracts the fenced metadata block from plan markdown text and
// returns a validated PlanDocument, with every declared stage run through
// stagestore.NewStage's initial-status rule (ready immediately if it has
// no dependencies).
func Parse(text string) (*PlanDocument, error) {
	start := strings.Index(text, metaStart)
	end := strings.Index(text, metaEnd)
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("plan: missing %q ... %q block", metaStart, metaEnd)
	}
	block := text[start+len(metaStart) : end]

	var m planMeta
	if err := yaml.Unmarshal([]byte(block), &m); err != nil {
		return nil, fmt.Errorf("plan: parsing metadata: %w", err)
	}
	if len(m.Loom.Stages) == 0 {
		return nil, fmt.Errorf("plan: loom.stages is empty")
	}

	seen := make(map[string]bool, len(m.Loom.Stages))
	stages := make([]*stagestore.Stage, 0, len(m.Loom.Stages))
	for i, decl := range m.Loom.Stages {
		if decl.ID == "" {
			return nil, fmt.Errorf("plan: stage at index %d missing id", i)
		}
		if seen[decl.ID] {
			return nil, fmt.Errorf("plan: duplicate stage id %q", decl.ID)
		}
		seen[decl.ID] = true

		s := stagestore.NewStage(decl.ID, decl.Name, decl.WorkingDir, decl.Dependencies)
		s.Ordinal = i + 1
		s.Description = decl.Description
		s.ParallelGroup = decl.ParallelGroup
		s.Acceptance = decl.Acceptance
		s.Files = decl.Files
		s.Truths = decl.Truths
		s.Artifacts = decl.Artifacts
		s.Wiring = decl.Wiring
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("plan: %w", err)
		}
		stages = append(stages, s)
	}

	for _, s := range stages {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return nil, fmt.Errorf("plan: stage %s depends on unknown stage %s", s.ID, dep)
			}
		}
	}

	var warnings []string
	for _, pair := range stagestore.ConflictingParallelPairs(stages) {
		warnings = append(warnings, fmt.Sprintf("stages %s and %s share a parallel_group but their files patterns overlap", pair[0], pair[1]))
	}

	return &PlanDocument{Version: m.Loom.Version, Stages: stages, Warnings: warnings}, nil
}
