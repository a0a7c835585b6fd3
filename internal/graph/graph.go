// Package graph builds the in-memory ExecutionGraph from the StageStore's
// stage list: cycle detection via Tarjan's SCC algorithm, ready-set
// computation, and Kahn's-algorithm topological leveling for rendering.
// Stages are stored in a slice and edges reference indices into it (an
// arena-and-index layout — spec.md §9 — so the graph is trivially cheap to
// copy for read-only IPC snapshot consumers).
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loom-dev/loom/internal/stagestore"
	"github.com/loom-dev/loom/internal/statemachine"
)

// CycleError reports a dependency cycle found during Build. The Path
// revisits exactly one node (the one that closed the cycle), per spec.md
// §8's testable property.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Path, " → "))
}

// Graph is the execution DAG over a plan's stages.
type Graph struct {
	stages  []*stagestore.Stage
	index   map[string]int // stage_id -> index into stages
	forward map[int][]int  // dependency index -> dependent indices
	back    map[int][]int  // dependent index -> dependency indices
}

// Build constructs a Graph from a stage list, detecting cycles with
// Tarjan's strongly-connected-components algorithm: any SCC of size > 1
// (or a single node with a self-edge) is a cycle.
func Build(stages []*stagestore.Stage) (*Graph, error) {
	g := &Graph{
		stages:  stages,
		index:   make(map[string]int, len(stages)),
		forward: make(map[int][]int),
		back:    make(map[int][]int),
	}
	for i, s := range stages {
		g.index[s.ID] = i
	}
	for i, s := range stages {
		for _, depID := range s.Dependencies {
			depIdx, ok := g.index[depID]
			if !ok {
				return nil, fmt.Errorf("stage %s depends on unknown stage %s", s.ID, depID)
			}
			g.forward[depIdx] = append(g.forward[depIdx], i)
			g.back[i] = append(g.back[i], depIdx)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, cycle
	}
	return g, nil
}

// tarjanState tracks per-node bookkeeping for Tarjan's algorithm.
type tarjanState struct {
	index   map[int]int
	low     map[int]int
	onStack map[int]bool
	stack   []int
	counter int
	sccs    [][]int
}

func (g *Graph) findCycle() *CycleError {
	st := &tarjanState{
		index:   make(map[int]int),
		low:     make(map[int]int),
		onStack: make(map[int]bool),
	}
	for i := range g.stages {
		if _, seen := st.index[i]; !seen {
			g.strongconnect(i, st)
		}
	}
	for _, scc := range st.sccs {
		if len(scc) > 1 {
			return g.cycleErrorFor(scc)
		}
		// A single-node SCC with a self-dependency is also a cycle.
		n := scc[0]
		for _, dep := range g.back[n] {
			if dep == n {
				return g.cycleErrorFor(scc)
			}
		}
	}
	return nil
}

func (g *Graph) strongconnect(v int, st *tarjanState) {
	st.index[v] = st.counter
	st.low[v] = st.counter
	st.counter++
	st.stack = append(st.stack, v)
	st.onStack[v] = true

	for _, w := range g.forward[v] {
		if _, seen := st.index[w]; !seen {
			g.strongconnect(w, st)
			if st.low[w] < st.low[v] {
				st.low[v] = st.low[w]
			}
		} else if st.onStack[w] {
			if st.index[w] < st.low[v] {
				st.low[v] = st.index[w]
			}
		}
	}

	if st.low[v] == st.index[v] {
		var scc []int
		for {
			n := len(st.stack) - 1
			w := st.stack[n]
			st.stack = st.stack[:n]
			st.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		st.sccs = append(st.sccs, scc)
	}
}

// cycleErrorFor renders a cycle's indices as a stage-id path that revisits
// its starting node exactly once.
func (g *Graph) cycleErrorFor(scc []int) *CycleError {
	// Walk dependency edges within the SCC starting from the lowest-index
	// node for determinism, until we return to the start.
	sort.Ints(scc)
	inSCC := make(map[int]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}
	start := scc[0]
	path := []string{g.stages[start].ID}
	cur := start
	visited := map[int]bool{start: true}
	for {
		next := -1
		for _, dep := range g.back[cur] {
			if inSCC[dep] && (!visited[dep] || dep == start) {
				next = dep
				break
			}
		}
		if next == -1 {
			break
		}
		path = append(path, g.stages[next].ID)
		if next == start {
			break
		}
		visited[next] = true
		cur = next
	}
	return &CycleError{Path: path}
}

// ReadyStages returns stages whose status is WaitingForDeps and whose
// dependencies are all Verified, ordered by (parallel_group,
// declaration_order) so members of the same group dispatch together in
// one scheduling tick.
func (g *Graph) ReadyStages() []*stagestore.Stage {
	var ready []*stagestore.Stage
	for i, s := range g.stages {
		if s.Status != statemachine.WaitingForDeps {
			continue
		}
		if g.allDepsVerified(i) {
			ready = append(ready, s)
		}
	}
	sort.SliceStable(ready, func(a, b int) bool {
		ga, gb := ready[a].ParallelGroup, ready[b].ParallelGroup
		if ga != gb {
			if ga == "" {
				return false
			}
			if gb == "" {
				return true
			}
			return ga < gb
		}
		return ready[a].Ordinal < ready[b].Ordinal
	})
	return ready
}

func (g *Graph) allDepsVerified(idx int) bool {
	for _, dep := range g.back[idx] {
		if g.stages[dep].Status != statemachine.Verified {
			return false
		}
	}
	return true
}

// DependentsOf returns the stages that directly depend on the given stage_id.
func (g *Graph) DependentsOf(stageID string) []*stagestore.Stage {
	idx, ok := g.index[stageID]
	if !ok {
		return nil
	}
	var out []*stagestore.Stage
	for _, d := range g.forward[idx] {
		out = append(out, g.stages[d])
	}
	return out
}

// TopologicalLevels returns stages grouped into levels via Kahn's
// algorithm: level 0 has no dependencies, level N depends only on stages
// in levels < N. For rendering only; not used for dispatch ordering
// (ReadyStages owns that).
func (g *Graph) TopologicalLevels() [][]*stagestore.Stage {
	inDegree := make(map[int]int, len(g.stages))
	for i := range g.stages {
		inDegree[i] = len(g.back[i])
	}

	var levels [][]*stagestore.Stage
	remaining := len(g.stages)
	processed := make(map[int]bool)

	for remaining > 0 {
		var level []int
		for i := range g.stages {
			if !processed[i] && inDegree[i] == 0 {
				level = append(level, i)
			}
		}
		if len(level) == 0 {
			break // shouldn't happen; Build rejects cycles
		}
		sort.Ints(level)
		var stages []*stagestore.Stage
		for _, i := range level {
			stages = append(stages, g.stages[i])
			processed[i] = true
			remaining--
			for _, dependent := range g.forward[i] {
				inDegree[dependent]--
			}
		}
		levels = append(levels, stages)
	}
	return levels
}
