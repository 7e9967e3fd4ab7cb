// Package batch layers manifest specs into dependency tiers.
package batch

import (
	"fmt"

	"kse/internal/domain"
)

// Graph is an adjacency structure over specs indexed by manifest position.
// deps[i] lists the indices spec i depends on; dependents is the reverse.
type Graph struct {
	IDs        []string
	index      map[string]int
	deps       [][]int
	dependents [][]int
}

// NewGraph builds the dependency graph. Unknown dependency ids are an error;
// the manifest loader rejects them first, so this only trips on
// hand-built manifests.
func NewGraph(specs []domain.Spec) (*Graph, error) {
	g := &Graph{
		IDs:        make([]string, len(specs)),
		index:      make(map[string]int, len(specs)),
		deps:       make([][]int, len(specs)),
		dependents: make([][]int, len(specs)),
	}
	for i, s := range specs {
		if _, dup := g.index[s.ID]; dup {
			return nil, fmt.Errorf("duplicate spec id %q", s.ID)
		}
		g.IDs[i] = s.ID
		g.index[s.ID] = i
	}
	for i, s := range specs {
		seen := make(map[int]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, fmt.Errorf("spec %s depends on unknown spec %q", s.ID, dep)
			}
			if seen[j] {
				continue
			}
			seen[j] = true
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}
	return g, nil
}

// Index returns the manifest position of a spec id.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// DependsOn returns the ids spec id depends on, in declaration order.
func (g *Graph) DependsOn(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.deps[i]))
	for _, j := range g.deps[i] {
		out = append(out, g.IDs[j])
	}
	return out
}

// Tiers partitions the graph into layers where every dependency of a spec
// sits in a strictly earlier layer. Members of a tier keep manifest order.
func (g *Graph) Tiers() ([]domain.Tier, error) {
	if members := g.CycleMembers(); len(members) > 0 {
		return nil, &domain.CycleError{Members: members}
	}
	level := make([]int, len(g.IDs))
	remaining := make([]int, len(g.IDs))
	var frontier []int
	for i := range g.IDs {
		remaining[i] = len(g.deps[i])
		if remaining[i] == 0 {
			frontier = append(frontier, i)
		}
	}
	depth := 0
	for len(frontier) > 0 {
		var next []int
		for _, i := range frontier {
			for _, d := range g.dependents[i] {
				if level[i]+1 > level[d] {
					level[d] = level[i] + 1
				}
				remaining[d]--
				if remaining[d] == 0 {
					next = append(next, d)
				}
			}
			if level[i] > depth {
				depth = level[i]
			}
		}
		frontier = next
	}
	if len(g.IDs) == 0 {
		return []domain.Tier{}, nil
	}
	tiers := make([]domain.Tier, depth+1)
	for t := range tiers {
		tiers[t] = domain.Tier{Index: t, Specs: []string{}}
	}
	for i, id := range g.IDs {
		tiers[level[i]].Specs = append(tiers[level[i]].Specs, id)
	}
	return tiers, nil
}

// CycleMembers returns every spec that lies on a dependency cycle, in
// manifest order. It is empty for a DAG.
func (g *Graph) CycleMembers() []string {
	const (
		unvisited = iota
		visiting
		visited
	)
	state := make([]int, len(g.IDs))
	onCycle := make([]bool, len(g.IDs))
	var stack []int
	pos := make([]int, len(g.IDs))

	var visit func(i int)
	visit = func(i int) {
		state[i] = visiting
		pos[i] = len(stack)
		stack = append(stack, i)
		for _, j := range g.deps[i] {
			switch state[j] {
			case unvisited:
				visit(j)
			case visiting:
				for _, k := range stack[pos[j]:] {
					onCycle[k] = true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[i] = visited
	}
	for i := range g.IDs {
		if state[i] == unvisited {
			visit(i)
		}
	}

	// A back edge marks the path of one cycle only. Specs on other cycles
	// through the same strongly connected component reach themselves.
	found := false
	for _, c := range onCycle {
		found = found || c
	}
	if !found {
		return nil
	}
	for i := range g.IDs {
		if !onCycle[i] && g.reachesSelf(i) {
			onCycle[i] = true
		}
	}

	var members []string
	for i, id := range g.IDs {
		if onCycle[i] {
			members = append(members, id)
		}
	}
	return members
}

// reachesSelf reports whether start can reach itself through deps.
func (g *Graph) reachesSelf(start int) bool {
	seen := make([]bool, len(g.IDs))
	queue := append([]int(nil), g.deps[start]...)
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		if i == start {
			return true
		}
		if seen[i] {
			continue
		}
		seen[i] = true
		queue = append(queue, g.deps[i]...)
	}
	return false
}

// Build is the manifest-level entry point.
func Build(m *domain.Manifest) ([]domain.Tier, error) {
	g, err := NewGraph(m.Specs)
	if err != nil {
		return nil, err
	}
	return g.Tiers()
}
