// Package schedule computes execution geometry over a factory's stages: the
// dependency graph, deterministic topological order, parallel level groups,
// ready sets, and the critical path. Every query is a pure function of the
// built graph; nothing mutates it after construction.
package schedule

import (
	"fmt"
	"sort"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/factory"
)

// ErrCycle is returned when ordering encounters a cyclic dependency graph.
// Validation normally rejects cycles first, so seeing this means the graph
// was built from an unvalidated document.
var ErrCycle = fmt.Errorf("schedule: dependency graph contains a cycle")

// Graph is the immutable dependency structure of a factory. Forward edges
// point from a stage to its dependents; reverse edges point to its
// dependencies. loop_to edges are not part of the graph.
type Graph struct {
	nodes    []string
	forward  map[string][]string
	reverse  map[string][]string
	indegree map[string]int
}

// BuildGraph constructs the dependency graph from a stage list. Unknown
// dependency references are an error; cycles are only detected by the
// ordering queries.
func BuildGraph(stages []*factory.Stage) (*Graph, error) {
	g := &Graph{
		forward:  make(map[string][]string, len(stages)),
		reverse:  make(map[string][]string, len(stages)),
		indegree: make(map[string]int, len(stages)),
	}
	known := make(map[string]bool, len(stages))
	for _, s := range stages {
		known[s.ID] = true
		g.nodes = append(g.nodes, s.ID)
		g.indegree[s.ID] = 0
	}
	for _, s := range stages {
		for _, dep := range s.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("schedule: stage %q depends on unknown stage %q", s.ID, dep)
			}
			g.forward[dep] = append(g.forward[dep], s.ID)
			g.reverse[s.ID] = append(g.reverse[s.ID], dep)
			g.indegree[s.ID]++
		}
	}
	for id := range g.forward {
		sort.Strings(g.forward[id])
	}
	for id := range g.reverse {
		sort.Strings(g.reverse[id])
	}
	return g, nil
}

// Nodes returns the stage IDs in definition order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// DependenciesOf returns the direct dependencies of a stage.
func (g *Graph) DependenciesOf(id string) []string {
	return append([]string(nil), g.reverse[id]...)
}

// DependentsOf returns the stages that directly depend on id.
func (g *Graph) DependentsOf(id string) []string {
	return append([]string(nil), g.forward[id]...)
}

// TopologicalOrder returns a Kahn ordering of the graph. Ties between stages
// whose dependencies are all satisfied are broken lexicographically, so the
// order is deterministic for a given document. Returns ErrCycle if nodes
// remain unordered.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := g.copyIndegree()

	var ready []string
	for _, id := range g.nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range g.forward[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}
	if len(order) != len(g.nodes) {
		return nil, ErrCycle
	}
	return order, nil
}

// ParallelGroups returns successive levels of stages with zero remaining
// in-degree. Stages within a level have no dependency relation and may run
// concurrently. Levels and their members are deterministic.
func (g *Graph) ParallelGroups() ([][]string, error) {
	indegree := g.copyIndegree()

	var level []string
	for _, id := range g.nodes {
		if indegree[id] == 0 {
			level = append(level, id)
		}
	}
	sort.Strings(level)

	var groups [][]string
	seen := 0
	for len(level) > 0 {
		groups = append(groups, level)
		seen += len(level)
		var next []string
		for _, id := range level {
			for _, dep := range g.forward[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		level = next
	}
	if seen != len(g.nodes) {
		return nil, ErrCycle
	}
	return groups, nil
}

// ReadyStages returns the stages whose dependencies are all in completed and
// which are not themselves in completed, sorted lexicographically.
func (g *Graph) ReadyStages(completed map[string]bool) []string {
	var ready []string
	for _, id := range g.nodes {
		if completed[id] {
			continue
		}
		ok := true
		for _, dep := range g.reverse[id] {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// CriticalPath returns the longest dependency chain, computed by longest-path
// relaxation over the topological order. Among equally long chains the
// lexicographically earliest endpoint wins.
func (g *Graph) CriticalPath() ([]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	dist := make(map[string]int, len(order))
	prev := make(map[string]string, len(order))
	for _, id := range order {
		for _, dep := range g.reverse[id] {
			if dist[dep]+1 > dist[id] {
				dist[id] = dist[dep] + 1
				prev[id] = dep
			}
		}
	}

	end := ""
	for _, id := range order {
		if end == "" || dist[id] > dist[end] || dist[id] == dist[end] && id < end {
			end = id
		}
	}
	if end == "" {
		return nil, nil
	}

	var path []string
	for id := end; ; {
		path = append([]string{id}, path...)
		p, ok := prev[id]
		if !ok {
			break
		}
		id = p
	}
	return path, nil
}

// DescendantsOf returns the transitive set of stages reachable from id along
// forward edges, excluding id itself.
func (g *Graph) DescendantsOf(id string) map[string]bool {
	return g.closure(id, g.forward)
}

// AncestorsOf returns the transitive set of stages id depends on, excluding
// id itself.
func (g *Graph) AncestorsOf(id string) map[string]bool {
	return g.closure(id, g.reverse)
}

// BranchAnalysis describes the relation between a set of stages.
type BranchAnalysis struct {
	// IsParallel is true when no stage in the set is an ancestor of another.
	IsParallel bool

	// MergePoint is the earliest common descendant of all stages, empty when
	// the branches never rejoin.
	MergePoint string
}

// AnalyzeBranches reports whether the given stages form independent parallel
// branches and, if they rejoin, where. The merge point is the common
// descendant that appears earliest in topological order.
func (g *Graph) AnalyzeBranches(ids []string) (BranchAnalysis, error) {
	res := BranchAnalysis{IsParallel: true}
	if len(ids) < 2 {
		return res, nil
	}

	for _, a := range ids {
		desc := g.DescendantsOf(a)
		for _, b := range ids {
			if a != b && desc[b] {
				res.IsParallel = false
			}
		}
	}

	common := g.DescendantsOf(ids[0])
	for _, id := range ids[1:] {
		desc := g.DescendantsOf(id)
		for c := range common {
			if !desc[c] {
				delete(common, c)
			}
		}
	}
	if len(common) == 0 {
		return res, nil
	}

	order, err := g.TopologicalOrder()
	if err != nil {
		return res, err
	}
	for _, id := range order {
		if common[id] {
			res.MergePoint = id
			break
		}
	}
	return res, nil
}

func (g *Graph) closure(id string, edges map[string][]string) map[string]bool {
	out := make(map[string]bool)
	stack := append([]string(nil), edges[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out[n] {
			continue
		}
		out[n] = true
		stack = append(stack, edges[n]...)
	}
	return out
}

func (g *Graph) copyIndegree() map[string]int {
	out := make(map[string]int, len(g.indegree))
	for k, v := range g.indegree {
		out[k] = v
	}
	return out
}

// insertSorted inserts s into a sorted slice, keeping it sorted.
func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}
