package schedule

import (
	"fmt"
	"strings"
)

// Visualize renders the levelized execution plan as indented ASCII, one level
// per line, with the critical path appended. Used by the graph and dry-run
// commands.
func (g *Graph) Visualize() (string, error) {
	groups, err := g.ParallelGroups()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Execution plan (%d stages, %d levels)\n", len(g.nodes), len(groups))
	for i, group := range groups {
		marker := " "
		if len(group) > 1 {
			marker = "="
		}
		fmt.Fprintf(&b, "  %s level %d: %s\n", marker, i+1, strings.Join(group, ", "))
	}

	path, err := g.CriticalPath()
	if err != nil {
		return "", err
	}
	if len(path) > 0 {
		fmt.Fprintf(&b, "  critical path: %s\n", strings.Join(path, " -> "))
	}
	return b.String(), nil
}
