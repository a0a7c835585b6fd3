package stagestore

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// ExpandFiles resolves a stage's `files` glob patterns (spec.md §3) against
// its working directory under repoRoot, returning the concrete, sorted,
// de-duplicated set of matching paths relative to that working directory.
// An unmatched pattern is not an error — a stage declared before its
// target files exist (a scaffolding stage, say) is a normal case, not a
// malformed one.
func (s *Stage) ExpandFiles(repoRoot string) ([]string, error) {
	if len(s.Files) == 0 {
		return nil, nil
	}
	root := filepath.Join(repoRoot, s.WorkingDir)
	fsys := os.DirFS(root)

	seen := make(map[string]bool)
	var out []string
	for _, pattern := range s.Files {
		matches, err := doublestar.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("stage %s: bad files pattern %q: %w", s.ID, pattern, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

// filesOverlap reports whether two stages' `files` glob patterns can
// possibly match the same path. Used to flag a parallel_group pairing
// that the author probably didn't intend.
func filesOverlap(a, b *Stage) bool {
	for _, pa := range a.Files {
		for _, pb := range b.Files {
			fwd, _ := doublestar.Match(pa, pb)
			rev, _ := doublestar.Match(pb, pa)
			if fwd || rev {
				return true
			}
		}
	}
	return false
}

// ConflictingParallelPairs scans stages sharing a non-empty parallel_group
// and returns the (id, id) pairs whose `files` patterns overlap — a sign
// the plan author queued two stages for the same files into parallel
// execution by mistake (spec.md §9's parallel_group sanity check).
func ConflictingParallelPairs(stages []*Stage) [][2]string {
	byGroup := make(map[string][]*Stage)
	for _, s := range stages {
		if s.ParallelGroup == "" {
			continue
		}
		byGroup[s.ParallelGroup] = append(byGroup[s.ParallelGroup], s)
	}

	var pairs [][2]string
	for _, group := range byGroup {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				if filesOverlap(group[i], group[j]) {
					pairs = append(pairs, [2]string{group[i].ID, group[j].ID})
				}
			}
		}
	}
	return pairs
}
